package tcp

import (
	"log/slog"

	"github.com/embnet/tcpsix/metrics"
)

// sendSegment builds seg into a fresh buffer, computes the checksum over the
// IPv6 pseudo-header chain and hands the result to the network layer. A SYN
// flag appends our MSS option. Transmission failures are logged and retried
// by the retransmission machinery, never surfaced to the caller's user.
// Must be called with fsmLock held.
func (tcb *TCB) sendSegment(seg Segment, payload []byte) error {
	optLen := 0
	if seg.Flags.HasAny(FlagSYN) {
		optLen = sizeOptionMSS
	}
	headerLen := sizeHeaderTCP + optLen
	buf := make([]byte, headerLen+len(payload))
	tfrm, err := BuildHeader(buf, tcb.localPort, tcb.peerPort)
	if err != nil {
		return err
	}
	tfrm.SetSegment(seg, uint8(headerLen/4))
	if optLen > 0 {
		PutOptionMSS(buf[sizeHeaderTCP:], tcb.stack.cfg.MSS)
	}
	copy(buf[headerLen:], payload)
	tfrm.SetChecksumIPv6(tcb.localAddr, tcb.peerAddr)

	metrics.SegmentsTx.Inc()
	if seg.Flags.HasAny(FlagRST) {
		metrics.ResetsTx.Inc()
	}
	tcb.traceSeg("tcb:tx", seg)
	err = tcb.stack.netif.Output(tcb.localAddr, tcb.peerAddr, tcb.netif, buf)
	if err != nil {
		tcb.error("tcb:tx", slog.String("err", err.Error()),
			slog.Uint64("lport", uint64(tcb.localPort)))
	}
	return err
}

// sendACK emits a pure acknowledgment echoing the current receive state and
// advertised window. Must be called with fsmLock held.
func (tcb *TCB) sendACK() {
	tcb.sendSegment(Segment{
		SEQ:   tcb.snd.NXT,
		ACK:   tcb.rcv.NXT,
		WND:   tcb.rbuf.window(),
		Flags: FlagACK,
	}, nil)
}

// sendRST emits a bare reset with the given sequence number, used to refuse
// segments whose ACK field names the sequence. Must be called with fsmLock held.
func (tcb *TCB) sendRST(seq Value) {
	tcb.sendSegment(Segment{SEQ: seq, Flags: FlagRST}, nil)
}

// sendFIN queues our FIN at snd.NXT. The FIN occupies one sequence number.
// Must be called with fsmLock held.
func (tcb *TCB) sendFIN() {
	seg := Segment{
		SEQ:   tcb.snd.NXT,
		ACK:   tcb.rcv.NXT,
		WND:   tcb.rbuf.window(),
		Flags: finack,
	}
	tcb.sendSegment(seg, nil)
	tcb.snd.NXT++
	tcb.status |= statusFINSent
	if !tcb.rtq.valid {
		tcb.rtqRecord(seg, nil, false)
	}
}

// finAcked reports whether our FIN left the network, i.e. everything sent
// including the FIN octet has been acknowledged.
func (tcb *TCB) finAcked() bool {
	return tcb.status&statusFINSent != 0 && tcb.snd.UNA == tcb.snd.NXT
}
