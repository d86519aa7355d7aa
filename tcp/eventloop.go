package tcp

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/embnet/tcpsix"
	"github.com/embnet/tcpsix/etimer"
	"github.com/embnet/tcpsix/mbox"
	"github.com/embnet/tcpsix/metrics"
)

// NetIF is the IPv6 network layer below the endpoint. Implementations are
// external collaborators; the engine only ever hands down fully formed TCP
// segments with the checksum already computed, and receives segments back
// through [Stack.Inject].
type NetIF interface {
	// Output transmits a TCP segment towards dst. src is the address the
	// checksum pseudo-header was computed with.
	Output(src, dst [16]byte, netif uint16, tcpFrame []byte) error
	// Addr returns the unicast address of the given interface identifier,
	// used to source active opens bound to the unspecified address.
	Addr(netif uint16) ([16]byte, error)
}

// msgKind discriminates mailbox messages between the protocol loop, the
// timer service and blocked user calls.
type msgKind uint8

const (
	msgNotifyUser        msgKind = iota + 1 // user-observable condition changed
	msgConnectionTimeout                    // idle timeout of a blocking call
	msgUserTimeout                          // user supplied timeout expired
	msgProbeTimeout                         // next zero-window probe is due
	msgRetransmit                           // retransmission timer expired
	msgTimeWait                             // 2*MSL hold elapsed
	msgPacket                               // received segment queued for the loop
	msgStop                                 // protocol loop shutdown
)

type msg struct {
	kind msgKind
	tcb  *TCB
	pkt  *packetIn
}

// packetIn is a raw TCP frame as handed up by the network layer.
type packetIn struct {
	src   [16]byte
	dst   [16]byte
	netif uint16
	frame []byte
}

// Stack ties together the protocol goroutine, the receive-buffer pool, the
// shared timer service and the demultiplexing of received segments onto
// registered connections. One Stack serves one configured network layer.
type Stack struct {
	cfg   StackConfig
	netif NetIF
	timer etimer.Timer[msg]
	loop  *mbox.Box[msg]
	pool  *rcvBufPool
	done  chan struct{}
	logger

	mu   sync.Mutex
	tcbs []*TCB
}

// NewStack validates the configuration, allocates the receive-buffer pool
// and starts the protocol goroutine.
func NewStack(cfg StackConfig, netif NetIF) (*Stack, error) {
	if netif == nil {
		return nil, errors.New("tcp: nil network interface")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Stack{
		cfg:   cfg,
		netif: netif,
		// The loop mailbox absorbs bursts from all connections plus timers.
		loop:   mbox.New[msg](cfg.MsgQueueSizeExp + 3),
		pool:   newRcvBufPool(cfg.RcvBufs, cfg.RcvBufSize),
		done:   make(chan struct{}),
		logger: logger{log: cfg.Logger},
	}
	go s.eventLoop()
	return s, nil
}

// Close stops the protocol goroutine. Connections are not torn down; abort
// them first for an orderly shutdown.
func (s *Stack) Close() error {
	if !s.loop.TryPut(msg{kind: msgStop}) {
		return errors.New("tcp: event queue full, stop not delivered")
	}
	<-s.done
	return nil
}

// Inject hands a received TCP segment up from the network layer. The frame
// is copied; the caller keeps ownership of its buffer. Inject never blocks:
// a full event queue drops the segment, which TCP recovers from by
// retransmission.
func (s *Stack) Inject(src, dst [16]byte, netif uint16, tcpFrame []byte) error {
	if len(tcpFrame) < sizeHeaderTCP {
		metrics.SegmentsDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return tcpsix.ErrShortBuffer
	}
	pk := &packetIn{src: src, dst: dst, netif: netif, frame: append([]byte(nil), tcpFrame...)}
	if !s.loop.TryPut(msg{kind: msgPacket, pkt: pk}) {
		metrics.SegmentsDropped.WithLabelValues(metrics.DropQueueFull).Inc()
		return tcpsix.ErrPacketDrop
	}
	return nil
}

// eventLoop is the single protocol thread. It receives segments from the
// network and expirations of FSM-internal timers and dispatches both to the
// state machines. It never calls user code; users are woken only through
// their mailboxes.
func (s *Stack) eventLoop() {
	defer close(s.done)
	for {
		m := s.loop.Get()
		switch m.kind {
		case msgStop:
			return
		case msgRetransmit:
			m.tcb.fsm(eventTimeoutRetransmit, nil, nil)
		case msgTimeWait:
			m.tcb.fsm(eventTimeoutTimeWait, nil, nil)
		case msgPacket:
			s.handlePacket(m.pkt)
		default:
			s.error("eventloop:unexpected-msg", slog.Uint64("kind", uint64(m.kind)))
		}
	}
}

func (s *Stack) handlePacket(pk *packetIn) {
	tfrm, err := NewFrame(pk.frame)
	if err == nil {
		err = tfrm.Validate()
	}
	if err != nil {
		metrics.SegmentsDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	if !tfrm.ChecksumOK(pk.src, pk.dst) {
		metrics.SegmentsDropped.WithLabelValues(metrics.DropBadChecksum).Inc()
		s.debug("eventloop:bad-checksum", slog.Uint64("dport", uint64(tfrm.DestinationPort())))
		return
	}
	payload := tfrm.Payload()
	sin := segmentIn{
		seg:     tfrm.Segment(len(payload)),
		payload: payload,
		src:     pk.src,
		dst:     pk.dst,
		srcPort: tfrm.SourcePort(),
		dstPort: tfrm.DestinationPort(),
		netif:   pk.netif,
	}
	if sin.seg.Flags.HasAny(FlagSYN) {
		if mss, ok := ParseOptionMSS(tfrm.Options()); ok {
			sin.mss = mss
		}
	}

	tcb := s.demux(&sin)
	if tcb == nil {
		metrics.SegmentsDropped.WithLabelValues(metrics.DropNoMatch).Inc()
		s.replyRST(&sin)
		return
	}
	metrics.SegmentsRx.Inc()
	tcb.fsm(eventRcvdPkt, &sin, nil)
}

// demux locates the connection a segment belongs to: an exact 4-tuple match
// wins, otherwise any listening connection on the local 2-tuple takes it.
// Matching reads each TCB's published demux key instead of taking fsmLock,
// which keeps the lock order fsmLock before stack.mu one-directional; a
// stale key at worst delivers a segment the state machine then rejects.
func (s *Stack) demux(sin *segmentIn) *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	var listening *TCB
	for _, tcb := range s.tcbs {
		key := tcb.key.Load()
		if key == nil || key.state == StateClosed || key.localPort != sin.dstPort {
			continue
		}
		if !key.allowAny && key.localAddr != sin.dst && !isUnspecified(key.localAddr) {
			continue
		}
		if key.state == StateListen {
			if listening == nil {
				listening = tcb
			}
			continue
		}
		if key.peerPort == sin.srcPort && key.peerAddr == sin.src {
			return tcb
		}
	}
	return listening
}

// replyRST answers a segment addressed to no connection as RFC 793 requires
// for the fictional CLOSED state: RST seq=SEG.ACK for acknowledging
// segments, RST+ACK covering the segment otherwise. Incoming resets are
// never answered.
func (s *Stack) replyRST(sin *segmentIn) {
	if sin.seg.Flags.HasAny(FlagRST) {
		return
	}
	var reply Segment
	if sin.seg.Flags.HasAny(FlagACK) {
		reply = Segment{SEQ: sin.seg.ACK, Flags: FlagRST}
	} else {
		reply = Segment{ACK: Add(sin.seg.SEQ, sin.seg.LEN()), Flags: rstack}
	}
	buf := make([]byte, sizeHeaderTCP)
	tfrm, err := BuildHeader(buf, sin.dstPort, sin.srcPort)
	if err != nil {
		return
	}
	tfrm.SetSegment(reply, offsetWords)
	tfrm.SetChecksumIPv6(sin.dst, sin.src)
	metrics.SegmentsTx.Inc()
	metrics.ResetsTx.Inc()
	s.netif.Output(sin.dst, sin.src, sin.netif, buf)
}

// register adds a TCB to the demultiplexer.
func (s *Stack) register(tcb *TCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tcbs {
		if t == tcb {
			return
		}
	}
	s.tcbs = append(s.tcbs, tcb)
	metrics.OpenTCBs.Inc()
}

// deregister removes a TCB from the demultiplexer.
func (s *Stack) deregister(tcb *TCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tcbs {
		if t == tcb {
			s.tcbs = append(s.tcbs[:i], s.tcbs[i+1:]...)
			metrics.OpenTCBs.Dec()
			return
		}
	}
}

// listenPortInUse reports whether another connection already listens on port.
func (s *Stack) listenPortInUse(port uint16, except *TCB) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tcbs {
		if t == except {
			continue
		}
		key := t.key.Load()
		if key != nil && key.state == StateListen && key.localPort == port {
			return true
		}
	}
	return false
}
