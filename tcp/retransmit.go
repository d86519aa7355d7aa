package tcp

import (
	"time"

	"github.com/embnet/tcpsix/metrics"
)

// rtxDescriptor is the single-slot retransmission queue: at most one
// unacknowledged segment is in flight per connection at any time. Its byte
// range always lies in [snd.UNA, snd.NXT).
type rtxDescriptor struct {
	valid bool
	// probe marks a committed zero-window probe byte; probes never feed the
	// RTT estimator and retransmit on the probe schedule instead of the RTO.
	probe    bool
	seq      Value
	flags    Flags
	payload  []byte
	sendTime time.Time
	retries  uint8
}

// end returns the first sequence number past the descriptor's range,
// SYN and FIN occupancy included.
func (r *rtxDescriptor) end() Value {
	seg := Segment{SEQ: r.seq, Flags: r.flags, DATALEN: Size(len(r.payload))}
	return Add(r.seq, seg.LEN())
}

// rtqRecord tracks a freshly sent segment for retransmission and arms the
// retransmit timer. Must be called with fsmLock held.
func (tcb *TCB) rtqRecord(seg Segment, payload []byte, probe bool) {
	tcb.rtq = rtxDescriptor{
		valid:    true,
		probe:    probe,
		seq:      seg.SEQ,
		flags:    seg.Flags,
		payload:  append([]byte(nil), payload...),
		sendTime: time.Now(),
	}
	if !probe {
		tcb.armRetransmit()
	}
}

func (tcb *TCB) armRetransmit() {
	s := tcb.stack
	s.timer.Schedule(&tcb.evRetransmit, time.Duration(tcb.currentRTO())*time.Millisecond,
		msg{kind: msgRetransmit, tcb: tcb}, s.loop)
}

// rtqClear drops the in-flight descriptor and cancels the retransmit timer.
// Must be called with fsmLock held.
func (tcb *TCB) rtqClear() {
	if !tcb.rtq.valid {
		return
	}
	tcb.rtq = rtxDescriptor{}
	tcb.stack.timer.Cancel(&tcb.evRetransmit)
	tcb.notifyUser()
}

// rtqProcessAck clears the retransmission queue if ack covers the in-flight
// segment and feeds the RTT estimator. Karn's algorithm: retransmitted
// segments and probes never produce a sample. Must be called with fsmLock held.
func (tcb *TCB) rtqProcessAck(ack Value) {
	if !tcb.rtq.valid || !tcb.rtq.end().LessThanEq(ack) {
		return
	}
	// Karn's rule, plus no sampling of handshake segments: only a first-shot
	// data or FIN segment measures the round trip.
	sampleOK := tcb.rtq.retries == 0 && !tcb.rtq.probe && !tcb.rtq.flags.HasAny(FlagSYN)
	if sampleOK {
		sample := int32(time.Since(tcb.rtq.sendTime).Milliseconds())
		tcb.rttUpdate(sample)
	}
	tcb.rtqClear()
}

// rtqRetransmit re-sends the exact byte range held in the descriptor,
// doubles the RTO (clamped), re-arms the retransmit timer and leaves the
// estimator untouched. A probe descriptor is re-sent without touching the
// RTO or the timer. Must be called with fsmLock held.
func (tcb *TCB) rtqRetransmit() error {
	if !tcb.rtq.valid {
		return nil
	}
	tcb.rtq.retries++
	seg := Segment{
		SEQ:     tcb.rtq.seq,
		ACK:     tcb.rcv.NXT,
		WND:     tcb.rbuf.window(),
		Flags:   tcb.rtq.flags,
		DATALEN: Size(len(tcb.rtq.payload)),
	}
	metrics.Retransmissions.Inc()
	err := tcb.sendSegment(seg, tcb.rtq.payload)
	if !tcb.rtq.probe {
		tcb.rtoBackoff()
		tcb.armRetransmit()
	}
	return err
}

// rttUpdate runs one RFC 6298 estimator step with a sample in milliseconds.
func (tcb *TCB) rttUpdate(sample int32) {
	cfg := &tcb.stack.cfg
	tcb.srtt, tcb.rttVar, tcb.rto = nextRTO(tcb.srtt, tcb.rttVar, sample,
		int32(clockGranularity.Milliseconds()),
		int32(cfg.RTOMin.std().Milliseconds()),
		int32(cfg.RTOMax.std().Milliseconds()))
}

// rtoBackoff doubles the retransmission timeout up to the configured maximum.
func (tcb *TCB) rtoBackoff() {
	maxMS := int32(tcb.stack.cfg.RTOMax.std().Milliseconds())
	rto := tcb.currentRTO() * 2
	if rto > maxMS {
		rto = maxMS
	}
	tcb.rto = rto
}

// nextRTO computes one step of the RFC 6298 estimator. On the first
// measurement srtt is the sample and rttvar half of it; afterwards the
// exponential averages apply. The returned rto is srtt + max(g, 4*rttvar)
// clamped to [min, max]. granMS is the clock granularity G.
func nextRTO(srtt, rttvar, sample, granMS, minMS, maxMS int32) (nsrtt, nrttvar, nrto int32) {
	if sample < 0 {
		sample = 0
	}
	if srtt == rtoUninitialized {
		nsrtt = sample
		nrttvar = sample / 2
	} else {
		diff := srtt - sample
		if diff < 0 {
			diff = -diff
		}
		nrttvar = (3*rttvar + diff) / 4
		nsrtt = (7*srtt + sample) / 8
	}
	k := 4 * nrttvar
	if k < granMS {
		k = granMS
	}
	nrto = nsrtt + k
	if nrto < minMS {
		nrto = minMS
	} else if nrto > maxMS {
		nrto = maxMS
	}
	return nsrtt, nrttvar, nrto
}
