// Package metrics defines prometheus metric types for the TCP engine.
//
// Counters cover things entering and leaving the endpoint: segments on the
// wire, retransmissions, probes and resets. The gauge tracks connection
// control blocks currently holding protocol state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsTx counts TCP segments handed to the network layer,
	// retransmissions and probes included.
	SegmentsTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpsix_segments_tx_total",
		Help: "TCP segments handed to the network layer",
	})

	// SegmentsRx counts TCP segments accepted by the protocol engine after
	// checksum and demultiplexing.
	SegmentsRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpsix_segments_rx_total",
		Help: "TCP segments accepted by the protocol engine",
	})

	// SegmentsDropped counts received segments discarded before reaching a
	// connection: bad checksum, no matching connection, full event queue.
	SegmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpsix_segments_dropped_total",
		Help: "received TCP segments discarded before FSM processing",
	}, []string{"reason"})

	// Retransmissions counts segments re-sent from the retransmission queue:
	// after an expired retransmission timeout, as a repeated zero-window
	// probe, or as a probe byte re-offered into a reopened window.
	Retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpsix_retransmissions_total",
		Help: "segments re-sent from the retransmission queue",
	})

	// ZeroWindowProbes counts probe segments emitted against a closed peer window.
	ZeroWindowProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpsix_zero_window_probes_total",
		Help: "probe segments sent while the peer advertised a zero window",
	})

	// ResetsTx counts RST segments emitted.
	ResetsTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpsix_resets_tx_total",
		Help: "RST segments emitted",
	})

	// ResetsRx counts valid RST segments that terminated or refused a connection.
	ResetsRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpsix_resets_rx_total",
		Help: "valid RST segments received",
	})

	// OpenTCBs tracks connection control blocks registered with a running stack.
	OpenTCBs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcpsix_open_tcbs",
		Help: "connection control blocks currently registered",
	})
)

// Drop reasons for SegmentsDropped.
const (
	DropBadChecksum = "bad_checksum"
	DropNoMatch     = "no_match"
	DropQueueFull   = "queue_full"
	DropMalformed   = "malformed"
)
