package tcp

import (
	"log/slog"
	"time"

	"github.com/embnet/tcpsix/mbox"
)

// The blocking user API. Each call serializes on the TCB's functionLock,
// binds a fresh mailbox to the connection, optionally schedules a
// connection timeout and a user timeout, then loops receiving from the
// mailbox and advancing the state machine until its terminal condition.
// On exit the mailbox is unbound and all call-owned timers cancelled.

func (tcb *TCB) newCallBox() *mbox.Box[msg] {
	return mbox.New[msg](tcb.stack.cfg.MsgQueueSizeExp)
}

func (tcb *TCB) schedConnTimeout(box *mbox.Box[msg]) {
	s := tcb.stack
	s.timer.Schedule(&tcb.evMisc, s.cfg.ConnectionTimeout.std(),
		msg{kind: msgConnectionTimeout}, box)
}

// open implements both flavors of connection opening, mirroring the
// passive/active split of the endpoint API.
func (tcb *TCB) open(remote *Endpoint, localAddr [16]byte, localPort uint16, passive bool) error {
	tcb.functionLock.Lock()
	defer tcb.functionLock.Unlock()

	if tcb.State() != StateClosed {
		return ErrAlreadyConnected
	}

	box := tcb.newCallBox()
	tcb.bindMbox(box)

	tcb.fsmLock.Lock()
	if passive {
		tcb.status |= statusPassive
		tcb.localAddr = localAddr
		if isUnspecified(localAddr) {
			tcb.status |= statusAllowAnyAddr
		}
		tcb.localPort = localPort
	} else {
		tcb.peerAddr = remote.Addr
		tcb.peerPort = remote.Port
		tcb.netif = remote.NetIF
		tcb.localPort = localPort
	}
	tcb.fsmLock.Unlock()

	if !passive {
		tcb.schedConnTimeout(box)
	}

	var reterr error
	_, reterr = tcb.fsm(eventCallOpen, nil, nil)
	if reterr != nil {
		tcb.debug("tcb:open", slog.String("err", reterr.Error()))
	}

	for reterr == nil {
		state := tcb.State()
		if state == StateClosed || state == StateEstablished || state == StateCloseWait {
			break
		}
		m := box.Get()
		switch m.kind {
		case msgNotifyUser:
			// Re-arm the handshake timeout so a passive connection stuck in
			// SYN-RECEIVED can fall back to LISTEN if its SYN-ACK is never
			// acknowledged.
			if tcb.State() == StateSynRcvd && passive {
				tcb.stack.timer.Cancel(&tcb.evMisc)
				tcb.schedConnTimeout(box)
			}
		case msgConnectionTimeout:
			if passive {
				tcb.fsm(eventClearRetransmit, nil, nil)
				tcb.fsm(eventCallOpen, nil, nil)
			} else {
				tcb.fsm(eventTimeoutConnection, nil, nil)
				reterr = ErrConnAborted
			}
		default:
			tcb.debug("tcb:open:unexpected-msg", slog.Uint64("kind", uint64(m.kind)))
		}
	}

	tcb.bindMbox(nil)
	tcb.stack.timer.Cancel(&tcb.evMisc)
	if reterr == nil && tcb.State() == StateClosed {
		reterr = ErrConnRefused
	}
	return reterr
}

// OpenActive establishes a connection to remote, binding the local side to
// localPort. It blocks until the connection is established, refused, or the
// connection timeout expires.
func (tcb *TCB) OpenActive(remote Endpoint, localPort uint16) error {
	if remote.Family != FamilyINET6 {
		return ErrFamilyUnsupported
	}
	if remote.Port == 0 || isUnspecified(remote.Addr) {
		return ErrInvalidArg
	}
	return tcb.open(&remote, [16]byte{}, localPort, false)
}

// OpenPassive listens on local's address and port and blocks until a peer
// completes a handshake. The unspecified address accepts connections to any
// local address.
func (tcb *TCB) OpenPassive(local Endpoint) error {
	if local.Family != FamilyINET6 {
		return ErrFamilyUnsupported
	}
	if local.Port == 0 {
		return ErrInvalidArg
	}
	return tcb.open(nil, local.Addr, local.Port, true)
}

// Send transmits data over an established connection, blocking until at
// least one segment has been sent and acknowledged, the connection dies, or
// a timeout fires. A zero timeout disables the user timeout; the connection
// timeout always applies. Returns the number of bytes handed to the network.
func (tcb *TCB) Send(data []byte, timeout time.Duration) (int, error) {
	tcb.functionLock.Lock()
	defer tcb.functionLock.Unlock()

	if !tcb.State().txDataOpen() {
		return 0, ErrNotConnected
	}
	if len(data) == 0 {
		return 0, nil
	}

	box := tcb.newCallBox()
	tcb.bindMbox(box)
	tcb.schedConnTimeout(box)

	var evUser, evProbe timerEvent
	if timeout > 0 {
		tcb.stack.timer.Schedule(&evUser, timeout, msg{kind: msgUserTimeout}, box)
	}

	sent := 0
	probing := false
	var probeInterval time.Duration
	var reterr error

	for reterr == nil && (sent == 0 || tcb.retransmitPending()) {
		if tcb.State() == StateClosed {
			reterr = ErrConnReset
			break
		}

		// A closed send window switches the call into zero-window probing.
		if tcb.sndWnd() == 0 && sent == 0 && !probing {
			probing = true
			probeInterval = time.Duration(tcb.probeStartMS()) * time.Millisecond
			tcb.stack.timer.Schedule(&evProbe, probeInterval, msg{kind: msgProbeTimeout}, box)
		}

		if sent == 0 && !probing {
			n, err := tcb.fsm(eventCallSend, nil, data)
			if err != nil {
				reterr = err
				break
			}
			sent = n
		}

		m := box.Get()
		switch m.kind {
		case msgConnectionTimeout:
			tcb.fsm(eventTimeoutConnection, nil, nil)
			reterr = ErrConnAborted
		case msgUserTimeout:
			tcb.fsm(eventClearRetransmit, nil, nil)
			reterr = ErrTimedOut
		case msgProbeTimeout:
			n, _ := tcb.fsm(eventSendProbe, nil, data)
			if n > 0 {
				sent = n
			}
			probeInterval *= 2
			lo, hi := tcb.stack.cfg.ProbeLowerBound.std(), tcb.stack.cfg.ProbeUpperBound.std()
			if probeInterval < lo {
				probeInterval = lo
			} else if probeInterval > hi {
				probeInterval = hi
			}
			if tcb.sndWnd() == 0 {
				tcb.stack.timer.Schedule(&evProbe, probeInterval, msg{kind: msgProbeTimeout}, box)
			}
		case msgNotifyUser:
			// Connection is alive: push the connection timeout out.
			tcb.stack.timer.Cancel(&tcb.evMisc)
			tcb.schedConnTimeout(box)
			if probing && tcb.sndWnd() > 0 {
				probing = false
				tcb.stack.timer.Cancel(&evProbe)
			}
		default:
			tcb.debug("tcb:send:unexpected-msg", slog.Uint64("kind", uint64(m.kind)))
		}
	}

	tcb.bindMbox(nil)
	tcb.stack.timer.Cancel(&tcb.evMisc)
	tcb.stack.timer.Cancel(&evProbe)
	tcb.stack.timer.Cancel(&evUser)
	if reterr != nil && sent == 0 {
		return 0, reterr
	}
	return sent, reterr
}

// Recv copies received data into buf. A zero timeout makes the call
// non-blocking: ErrWouldBlock is returned when no data waits. Otherwise the
// call blocks until data arrives, the timeout fires (ErrTimedOut, the
// connection stays open) or the connection dies.
func (tcb *TCB) Recv(buf []byte, timeout time.Duration) (int, error) {
	tcb.functionLock.Lock()
	defer tcb.functionLock.Unlock()

	state := tcb.State()
	if !state.rxDataOpen() && state != StateCloseWait {
		return 0, ErrNotConnected
	}
	if len(buf) == 0 {
		return 0, nil
	}

	// After the peer's FIN no further data arrives; drain what is buffered.
	if state == StateCloseWait {
		n, _ := tcb.fsm(eventCallRecv, nil, buf)
		return n, nil
	}

	if timeout == 0 {
		n, err := tcb.fsm(eventCallRecv, nil, buf)
		if err == nil && n == 0 {
			err = ErrWouldBlock
		}
		return n, err
	}

	box := tcb.newCallBox()
	tcb.bindMbox(box)
	tcb.schedConnTimeout(box)

	var evUser timerEvent
	tcb.stack.timer.Schedule(&evUser, timeout, msg{kind: msgUserTimeout}, box)

	got := 0
	var reterr error
	for got == 0 && reterr == nil {
		if tcb.State() == StateClosed {
			reterr = ErrConnReset
			break
		}
		n, err := tcb.fsm(eventCallRecv, nil, buf)
		if err != nil {
			reterr = err
			break
		}
		got = n
		if got > 0 || tcb.State() == StateCloseWait {
			break
		}
		m := box.Get()
		switch m.kind {
		case msgConnectionTimeout:
			tcb.fsm(eventTimeoutConnection, nil, nil)
			reterr = ErrConnAborted
		case msgUserTimeout:
			tcb.fsm(eventClearRetransmit, nil, nil)
			reterr = ErrTimedOut
		case msgNotifyUser:
		default:
			tcb.debug("tcb:recv:unexpected-msg", slog.Uint64("kind", uint64(m.kind)))
		}
	}

	tcb.bindMbox(nil)
	tcb.stack.timer.Cancel(&tcb.evMisc)
	tcb.stack.timer.Cancel(&evUser)
	return got, reterr
}

// Close tears the connection down gracefully and blocks until the state
// machine reaches CLOSED, the TIME-WAIT hold included. Closing an already
// closed connection is a no-op.
func (tcb *TCB) Close() error {
	tcb.functionLock.Lock()
	defer tcb.functionLock.Unlock()

	if tcb.State() == StateClosed {
		return nil
	}

	box := tcb.newCallBox()
	tcb.bindMbox(box)
	tcb.schedConnTimeout(box)

	tcb.fsm(eventCallClose, nil, nil)

	for tcb.State() != StateClosed {
		m := box.Get()
		switch m.kind {
		case msgConnectionTimeout:
			tcb.fsm(eventTimeoutConnection, nil, nil)
		case msgNotifyUser:
		default:
			tcb.debug("tcb:close:unexpected-msg", slog.Uint64("kind", uint64(m.kind)))
		}
	}

	tcb.bindMbox(nil)
	tcb.stack.timer.Cancel(&tcb.evMisc)
	return nil
}

// Abort forcibly terminates the connection, emitting a RST towards
// synchronized peers. Abort is idempotent and never blocks on the network.
func (tcb *TCB) Abort() {
	tcb.functionLock.Lock()
	defer tcb.functionLock.Unlock()
	if tcb.State() != StateClosed {
		tcb.fsm(eventCallAbort, nil, nil)
	}
}

// probeStartMS is the first zero-window probe interval: the current RTO.
func (tcb *TCB) probeStartMS() int32 {
	tcb.fsmLock.Lock()
	defer tcb.fsmLock.Unlock()
	return tcb.currentRTO()
}
