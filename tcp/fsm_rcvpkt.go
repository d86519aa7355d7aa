package tcp

import "github.com/embnet/tcpsix/metrics"

// segmentIn is a received TCP segment after checksum verification and
// demultiplexing, carrying the network layer facts the state machine needs.
type segmentIn struct {
	seg     Segment
	payload []byte
	src     [16]byte
	dst     [16]byte
	srcPort uint16
	dstPort uint16
	netif   uint16
	// mss is the value of a Maximum Segment Size option, 0 when absent.
	mss uint16
}

// fsmRcvdPkt dispatches RCVD_PKT to the handler of the current state.
// Returned errDropSegment means the segment had no protocol effect.
func (tcb *TCB) fsmRcvdPkt(pk *segmentIn) error {
	switch tcb.state {
	case StateClosed:
		return errDropSegment
	case StateListen:
		return tcb.rcvListen(pk)
	case StateSynSent:
		return tcb.rcvSynSent(pk)
	}
	return tcb.rcvSynchronized(pk)
}

// rcvListen handles segments arriving on a listening connection. Only a bare
// SYN advances the handshake; stray ACKs are refused with a RST and anything
// else is discarded.
func (tcb *TCB) rcvListen(pk *segmentIn) error {
	seg := pk.seg
	switch {
	case seg.Flags.HasAny(FlagRST):
		return errDropSegment
	case seg.Flags.HasAny(FlagACK):
		tcb.sendRST(seg.ACK)
		return errDropSegment
	case !seg.Flags.HasAny(FlagSYN):
		return errDropSegment
	}

	// Adopt the peer's identity and the interface the SYN arrived on.
	tcb.peerAddr = pk.src
	tcb.peerPort = pk.srcPort
	tcb.netif = pk.netif
	if tcb.status&statusAllowAnyAddr != 0 {
		tcb.localAddr = pk.dst
	}
	if pk.mss != 0 {
		tcb.snd.MSS = minSize(tcb.snd.MSS, Size(pk.mss))
	}
	tcb.rcv.IRS = seg.SEQ
	tcb.rcv.NXT = seg.SEQ + 1
	tcb.snd.WND = seg.WND

	iss := newISS(tcb.localAddr, tcb.peerAddr, tcb.localPort, tcb.peerPort)
	tcb.snd.ISS, tcb.snd.UNA, tcb.snd.NXT = iss, iss, iss
	synackSeg := Segment{SEQ: iss, ACK: tcb.rcv.NXT, WND: tcb.rbuf.window(), Flags: synack}
	tcb.setState(StateSynRcvd)
	tcb.sendSegment(synackSeg, nil)
	tcb.snd.NXT++
	tcb.rtqRecord(synackSeg, nil, false)
	return nil
}

// rcvSynSent handles the active opener's side of the handshake: SYN-ACK
// completes it, a bare SYN is the simultaneous open edge case, and RST with
// an acceptable ACK means the peer refused the connection.
func (tcb *TCB) rcvSynSent(pk *segmentIn) error {
	seg := pk.seg
	hasAck := seg.Flags.HasAny(FlagACK)
	if hasAck && seg.ACK != tcb.snd.NXT {
		// Acknowledges something never sent; only the SYN is outstanding.
		if !seg.Flags.HasAny(FlagRST) {
			tcb.sendRST(seg.ACK)
		}
		return errDropSegment
	}
	if seg.Flags.HasAny(FlagRST) {
		if !hasAck {
			return errDropSegment
		}
		// Connection refused by peer.
		metrics.ResetsRx.Inc()
		tcb.fsmCleanup()
		return nil
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return errDropSegment
	}

	tcb.rcv.IRS = seg.SEQ
	tcb.rcv.NXT = seg.SEQ + 1
	tcb.snd.WND = seg.WND
	if pk.mss != 0 {
		tcb.snd.MSS = minSize(tcb.snd.MSS, Size(pk.mss))
	}
	if hasAck {
		tcb.snd.UNA = seg.ACK
		tcb.rtqProcessAck(seg.ACK)
		tcb.setState(StateEstablished)
		tcb.sendACK()
		return nil
	}
	// Simultaneous open: both sides sent SYN. Repeat ours with an ACK.
	tcb.rtqClear()
	synackSeg := Segment{SEQ: tcb.snd.ISS, ACK: tcb.rcv.NXT, WND: tcb.rbuf.window(), Flags: synack}
	tcb.setState(StateSynRcvd)
	tcb.sendSegment(synackSeg, nil)
	tcb.rtqRecord(synackSeg, nil, false)
	return nil
}

// rcvSynchronized is the general segment processing of RFC 793 section 3.9
// for SYN-RECEIVED and every later state: sequence acceptability, RST and
// SYN rules, ACK processing, payload delivery and FIN handling, in order.
func (tcb *TCB) rcvSynchronized(pk *segmentIn) error {
	seg := pk.seg
	if !tcb.segAcceptable(seg) {
		if seg.Flags.HasAny(FlagRST) {
			return errDropSegment
		}
		tcb.sendACK() // Echo current rcv.NXT/snd.NXT, no state change.
		return errDropSegment
	}
	if seg.Flags.HasAny(FlagRST) {
		return tcb.handleRST(seg)
	}
	if seg.Flags.HasAny(FlagSYN) {
		// SYN in the window is fatal to the connection.
		tcb.sendSegment(Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: rstack}, nil)
		tcb.fsmCleanup()
		return nil
	}
	if !seg.Flags.HasAny(FlagACK) {
		return errDropSegment
	}
	if !tcb.processAck(seg) {
		return errDropSegment
	}

	needAck := false
	if seg.DATALEN > 0 && tcb.state.rxDataOpen() {
		if seg.SEQ == tcb.rcv.NXT {
			n := tcb.rbuf.write(pk.payload)
			tcb.rcv.NXT.UpdateForward(Size(n))
			tcb.rcv.WND = tcb.rbuf.window()
			tcb.notifyUser()
			tcb.traceRcv("tcb:rx-data")
		}
		// Out-of-order data is not buffered; the duplicate ACK below makes
		// the peer retransmit in order.
		needAck = true
	}

	if seg.Flags.HasAny(FlagFIN) {
		finSeq := Add(seg.SEQ, seg.DATALEN)
		if finSeq == tcb.rcv.NXT {
			tcb.rcv.NXT++
			needAck = true
			switch tcb.state {
			case StateEstablished:
				tcb.setState(StateCloseWait)
			case StateFinWait1:
				tcb.setState(StateClosing)
			case StateFinWait2:
				tcb.enterTimeWait()
			case StateTimeWait:
				// Re-acknowledge a retransmitted FIN.
			}
		}
	}
	if needAck {
		tcb.sendACK()
	}
	return nil
}

// segAcceptable implements the sequence acceptability test: the segment's
// range must overlap the receive window [rcv.NXT, rcv.NXT+rcv.WND).
func (tcb *TCB) segAcceptable(seg Segment) bool {
	seglen := seg.LEN()
	wnd := tcb.rcv.WND
	switch {
	case seglen == 0 && wnd == 0:
		return seg.SEQ == tcb.rcv.NXT
	case seglen == 0:
		return seg.SEQ.InWindow(tcb.rcv.NXT, wnd)
	case wnd == 0:
		return false
	}
	return seg.SEQ.InWindow(tcb.rcv.NXT, wnd) || seg.Last().InWindow(tcb.rcv.NXT, wnd)
}

// processAck applies the ACK field. Acknowledgments of unsent data are
// answered with an echo ACK and stop processing; old duplicates only update
// the send window. New acknowledgments advance snd.UNA, feed the
// retransmission queue and drive the closing state particulars.
func (tcb *TCB) processAck(seg Segment) bool {
	ack := seg.ACK
	if !ack.LessThanEq(tcb.snd.NXT) {
		tcb.sendACK()
		return false
	}
	wasZero := tcb.snd.WND == 0
	tcb.snd.WND = seg.WND
	if tcb.snd.UNA.LessThan(ack) {
		tcb.snd.UNA = ack
		tcb.rtqProcessAck(ack)
		tcb.notifyUser()
		switch tcb.state {
		case StateSynRcvd:
			if ack == tcb.snd.NXT {
				tcb.setState(StateEstablished)
			}
		case StateFinWait1:
			if tcb.finAcked() {
				tcb.setState(StateFinWait2)
			}
		case StateClosing:
			if tcb.finAcked() {
				tcb.enterTimeWait()
			}
		case StateLastAck:
			if tcb.finAcked() {
				tcb.fsmCleanup()
			}
		}
	}
	if wasZero && seg.WND > 0 {
		tcb.notifyUser() // Window reopened; wake a probing sender.
		if tcb.rtq.valid && tcb.rtq.probe {
			// The peer dropped the probe byte while its window was shut.
			// Re-offer it into the opened window right away; further
			// retransmissions follow the normal RTO schedule.
			tcb.rtq.probe = false
			tcb.rtqRetransmit()
		}
	}
	return true
}

// handleRST processes an in-window reset. A reset not naming exactly rcv.NXT
// draws a challenge ACK as RFC 793 section 3.9 demands. A listening-born
// handshake rewinds to LISTEN; synchronized connections drop to CLOSED.
func (tcb *TCB) handleRST(seg Segment) error {
	if seg.SEQ != tcb.rcv.NXT {
		tcb.sendACK()
		return errDropSegment
	}
	metrics.ResetsRx.Inc()
	if tcb.state == StateSynRcvd && tcb.status&statusPassive != 0 &&
		tcb.status&statusListenReopen != 0 {
		tcb.reListen()
		return nil
	}
	tcb.fsmCleanup()
	return nil
}
