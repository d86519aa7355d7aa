package tcp

import (
	"log/slog"

	"github.com/embnet/tcpsix/metrics"
)

// maxHandshakeRetries caps SYN-ACK re-issues of a passive connection in
// SYN-RECEIVED before it gives up and returns to LISTEN.
const maxHandshakeRetries = 5

// fsm drives one state machine transition under fsmLock and afterwards turns
// a pending notification into a non-blocking wake of the bound mailbox. It
// is the single entrypoint for user calls, the protocol loop and timers; all
// transitions of a TCB are totally ordered by its fsmLock.
func (tcb *TCB) fsm(ev event, pk *segmentIn, buf []byte) (int, error) {
	tcb.fsmLock.Lock()
	ret, err := tcb.fsmUnprotected(ev, pk, buf)
	notify := tcb.status&statusNotifyPending != 0
	tcb.status &^= statusNotifyPending
	box := tcb.box
	tcb.fsmLock.Unlock()
	if notify && box != nil {
		// Overflow drops the wake: the user loop re-derives state from the
		// TCB anyway, so a lost edge has no protocol effect.
		box.TryPut(msg{kind: msgNotifyUser})
	}
	return ret, err
}

func (tcb *TCB) fsmUnprotected(ev event, pk *segmentIn, buf []byte) (int, error) {
	tcb.trace("tcb:fsm", slog.String("event", ev.String()), slog.String("state", tcb.state.String()))
	switch ev {
	case eventCallOpen:
		return 0, tcb.fsmOpen()
	case eventCallSend:
		return tcb.fsmSend(buf)
	case eventCallRecv:
		return tcb.fsmRecv(buf)
	case eventCallClose:
		return 0, tcb.fsmClose()
	case eventCallAbort:
		return 0, tcb.fsmAbort()
	case eventRcvdPkt:
		return 0, tcb.fsmRcvdPkt(pk)
	case eventTimeoutConnection:
		tcb.fsmCleanup()
		return 0, nil
	case eventTimeoutRetransmit:
		return 0, tcb.fsmRetransmit()
	case eventTimeoutTimeWait:
		tcb.fsmCleanup()
		return 0, nil
	case eventSendProbe:
		return tcb.fsmSendProbe(buf)
	case eventClearRetransmit:
		tcb.rtqClear()
		return 0, nil
	}
	panic("tcp: unknown fsm event")
}

// fsmOpen performs the CALL_OPEN transition: CLOSED to LISTEN for passive
// connections, CLOSED to SYN-SENT with a fired SYN for active ones. A
// passive TCB re-entered after a handshake timeout falls back to LISTEN.
func (tcb *TCB) fsmOpen() error {
	passive := tcb.status&statusPassive != 0
	if tcb.state == StateSynRcvd && passive && tcb.status&statusListenReopen != 0 {
		tcb.reListen()
		return nil
	}
	if tcb.state != StateClosed {
		return ErrAlreadyConnected
	}
	if passive && tcb.stack.listenPortInUse(tcb.localPort, tcb) {
		return ErrAddrInUse
	}
	idx, b, ok := tcb.stack.pool.get()
	if !ok {
		return ErrNoMemory
	}
	tcb.rbuf = rcvRegion{idx: idx, buf: b}
	tcb.rcv.WND = tcb.rbuf.window()
	tcb.snd.MSS = Size(tcb.stack.cfg.MSS)

	if passive {
		tcb.status |= statusListenReopen
		tcb.setState(StateListen)
		tcb.stack.register(tcb)
		return nil
	}

	// Active open: resolve the source address and fire the SYN.
	if isUnspecified(tcb.localAddr) {
		addr, err := tcb.stack.netif.Addr(tcb.netif)
		if err != nil {
			tcb.stack.pool.release(tcb.rbuf.idx)
			tcb.rbuf = rcvRegion{idx: noBuffer}
			return ErrInvalidArg
		}
		tcb.localAddr = addr
	}
	iss := newISS(tcb.localAddr, tcb.peerAddr, tcb.localPort, tcb.peerPort)
	tcb.snd.ISS, tcb.snd.UNA, tcb.snd.NXT = iss, iss, iss
	seg := Segment{SEQ: iss, WND: tcb.rcv.WND, Flags: FlagSYN}
	tcb.stack.register(tcb)
	tcb.setState(StateSynSent)
	tcb.sendSegment(seg, nil)
	tcb.snd.NXT++ // SYN occupies one sequence number.
	tcb.rtqRecord(seg, nil, false)
	return nil
}

// reListen rewinds a passive TCB back to LISTEN keeping its lent receive
// buffer and local binding. Must be called with fsmLock held.
func (tcb *TCB) reListen() {
	tcb.rtqClear()
	tcb.peerAddr = [16]byte{}
	tcb.peerPort = 0
	tcb.snd = sendSpace{MSS: tcb.snd.MSS}
	tcb.rbuf.readOff, tcb.rbuf.fillOff = 0, 0
	tcb.rcv = recvSpace{WND: tcb.rbuf.window()}
	tcb.srtt, tcb.rttVar, tcb.rto = rtoUninitialized, rtoUninitialized, rtoUninitialized
	tcb.status &^= statusFINSent
	tcb.setState(StateListen)
}

// fsmSend transmits at most one segment of min(mss, snd.WND, len(buf))
// octets. Returns 0 without error when nothing can move yet: a segment is in
// flight, the send window is closed, or buf is empty.
func (tcb *TCB) fsmSend(buf []byte) (int, error) {
	if !tcb.state.txDataOpen() {
		return 0, ErrNotConnected
	}
	if tcb.rtq.valid {
		return 0, nil // At most one unacknowledged segment in flight.
	}
	payload := minSize(Size(len(buf)), minSize(tcb.snd.MSS, tcb.snd.maxSend()))
	if payload == 0 {
		return 0, nil
	}
	seg := Segment{
		SEQ:     tcb.snd.NXT,
		ACK:     tcb.rcv.NXT,
		WND:     tcb.rbuf.window(),
		Flags:   pshack,
		DATALEN: payload,
	}
	tcb.sendSegment(seg, buf[:payload])
	tcb.snd.NXT.UpdateForward(payload)
	tcb.rtqRecord(seg, buf[:payload], false)
	tcb.traceSnd("tcb:send")
	return int(payload), nil
}

// fsmRecv copies buffered receive data out to buf and re-opens the
// advertised window. A window reopening from zero is announced to the peer
// with a pure ACK so its zero-window probing can stop.
func (tcb *TCB) fsmRecv(buf []byte) (int, error) {
	if tcb.rbuf.idx == noBuffer || tcb.rbuf.buffered() == 0 {
		return 0, nil
	}
	wasZero := tcb.rbuf.window() == 0
	n := tcb.rbuf.read(buf)
	tcb.rcv.WND = tcb.rbuf.window()
	if n > 0 && wasZero && tcb.state.IsSynchronized() && tcb.state != StateTimeWait {
		tcb.sendACK()
	}
	return n, nil
}

// fsmClose starts the teardown sequence appropriate for the current state.
// Closing an already-CLOSED TCB is a no-op.
func (tcb *TCB) fsmClose() error {
	switch tcb.state {
	case StateClosed:
	case StateListen, StateSynSent:
		tcb.fsmCleanup()
	case StateSynRcvd, StateEstablished:
		tcb.sendFIN()
		tcb.setState(StateFinWait1)
	case StateCloseWait:
		tcb.sendFIN()
		tcb.setState(StateLastAck)
	default:
		// Teardown already in progress.
	}
	return nil
}

// fsmAbort drops all connection state immediately, emitting a RST towards
// synchronized peers as RFC 793 requires.
func (tcb *TCB) fsmAbort() error {
	if tcb.state.IsSynchronized() || tcb.state == StateSynRcvd {
		tcb.sendSegment(Segment{
			SEQ:   tcb.snd.NXT,
			ACK:   tcb.rcv.NXT,
			WND:   tcb.rbuf.window(),
			Flags: rstack,
		}, nil)
	}
	tcb.fsmCleanup()
	return nil
}

// fsmRetransmit services TIMEOUT_RETRANSMIT: the exact same byte range goes
// out again and the RTO doubles. A passive handshake that exhausted its
// retries rewinds to LISTEN instead.
func (tcb *TCB) fsmRetransmit() error {
	if !tcb.rtq.valid {
		return nil
	}
	if tcb.state == StateSynRcvd && tcb.status&statusPassive != 0 &&
		tcb.status&statusListenReopen != 0 && tcb.rtq.retries >= maxHandshakeRetries {
		tcb.reListen()
		return nil
	}
	return tcb.rtqRetransmit()
}

// fsmSendProbe services SEND_PROBE while the peer advertises a zero window.
// The first probe commits the first pending user byte at snd.NXT; subsequent
// ticks re-emit the identical single byte range. Probes never feed the RTT
// estimator.
func (tcb *TCB) fsmSendProbe(buf []byte) (int, error) {
	if tcb.rtq.valid && tcb.rtq.probe {
		metrics.ZeroWindowProbes.Inc()
		return 0, tcb.rtqRetransmit()
	}
	if tcb.rtq.valid || len(buf) == 0 || !tcb.state.txDataOpen() {
		return 0, nil
	}
	seg := Segment{
		SEQ:     tcb.snd.NXT,
		ACK:     tcb.rcv.NXT,
		WND:     tcb.rbuf.window(),
		Flags:   pshack,
		DATALEN: 1,
	}
	metrics.ZeroWindowProbes.Inc()
	tcb.sendSegment(seg, buf[:1])
	tcb.snd.NXT.UpdateForward(1)
	tcb.rtqRecord(seg, buf[:1], true)
	return 1, nil
}

// fsmCleanup releases every resource the connection holds and transitions to
// CLOSED: timers cancelled, retransmission queue dropped, receive buffer
// returned to the pool, demultiplexer entry removed.
func (tcb *TCB) fsmCleanup() {
	tcb.rtqClear()
	tcb.stack.timer.Cancel(&tcb.evTimeWait)
	if tcb.rbuf.idx != noBuffer {
		tcb.stack.pool.release(tcb.rbuf.idx)
		tcb.rbuf = rcvRegion{idx: noBuffer}
	}
	tcb.rcv.WND = 0
	tcb.status &^= statusFINSent
	tcb.stack.deregister(tcb)
	tcb.setState(StateClosed)
}

// enterTimeWait transitions to TIME-WAIT and arms the 2*MSL expiry towards
// the protocol loop. Must be called with fsmLock held.
func (tcb *TCB) enterTimeWait() {
	tcb.rtqClear()
	tcb.setState(StateTimeWait)
	s := tcb.stack
	s.timer.Schedule(&tcb.evTimeWait, 2*s.cfg.MSL.std(),
		msg{kind: msgTimeWait, tcb: tcb}, s.loop)
}

func isUnspecified(addr [16]byte) bool {
	return addr == [16]byte{}
}
