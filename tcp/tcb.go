package tcp

import (
	"sync"
	"sync/atomic"

	"github.com/embnet/tcpsix/etimer"
	"github.com/embnet/tcpsix/mbox"
)

// rtoUninitialized is the sentinel carried by srtt, rttVar and rto before the
// first round trip measurement, milliseconds otherwise.
const rtoUninitialized = -1

// timerEvent is this engine's instantiation of the shared timer service.
type timerEvent = etimer.Event[msg]

// sendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
//
//	     1         2          3          4
//	----------|----------|----------|----------
//		   SND.UNA    SND.NXT    SND.UNA
//							+SND.WND
//	1. old sequence numbers which have been acknowledged
//	2. sequence numbers of unacknowledged data
//	3. sequence numbers allowed for new data transmission
//	4. future sequence numbers which are not yet allowed
type sendSpace struct {
	ISS Value // initial send sequence number, defined locally on connection start
	UNA Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote.
	NXT Value // send next. This seq and up to UNA+WND-1 are allowed to be sent.
	WND Size  // send window defined by remote. Permitted number of local unacked octets in flight.
	MSS Size  // maximum segment size usable towards the peer.
}

// inFlight returns amount of unacked bytes sent out.
func (snd *sendSpace) inFlight() Size {
	return Sizeof(snd.UNA, snd.NXT)
}

// maxSend returns maximum segment datalength receivable by remote peer.
func (snd *sendSpace) maxSend() Size {
	inflight := snd.inFlight()
	if inflight >= snd.WND {
		return 0
	}
	return snd.WND - inflight
}

// recvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
//
//		1          2          3
//	----------|----------|----------
//		   RCV.NXT    RCV.NXT
//				     +RCV.WND
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers allowed for new reception
//	3 - future sequence numbers which are not yet allowed
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT Value // receive next. seqs before this have been acked.
	WND Size  // receive window defined by local.
}

// TCB is the Connection Control Block: the complete state of one TCP
// connection. A zero TCB is unusable; obtain one from [Stack.NewTCB] and
// destroy it only after observing [StateClosed].
//
// Two locks guard a TCB. functionLock serializes concurrent user calls so at
// most one goroutine owns the blocking API at a time. fsmLock is held for the
// duration of a single state machine transition by whichever side drives it,
// user call or protocol loop; all fields below it are protected by it.
type TCB struct {
	stack *Stack
	logger

	functionLock sync.Mutex
	fsmLock      sync.Mutex

	state  State
	status status

	localAddr [16]byte
	peerAddr  [16]byte
	localPort uint16
	peerPort  uint16
	netif     uint16

	snd sendSpace
	rcv recvSpace

	// RFC 6298 estimator state in milliseconds.
	srtt   int32
	rttVar int32
	rto    int32

	rbuf rcvRegion

	// rtq is the single-slot retransmission queue.
	rtq rtxDescriptor

	// box is the user-call mailbox currently bound to the connection, nil
	// outside API calls. Notifications posted to it never block.
	box *mbox.Box[msg]

	evMisc       etimer.Event[msg] // user-call timeout deliveries
	evRetransmit etimer.Event[msg] // retransmission timer, delivers to the protocol loop
	evTimeWait   etimer.Event[msg] // 2*MSL timer, delivers to the protocol loop

	// key is the published demultiplexing snapshot. The protocol loop matches
	// incoming segments against it without taking fsmLock.
	key atomic.Pointer[demuxKey]
}

// demuxKey is the identity snapshot incoming segments are matched against.
type demuxKey struct {
	state     State
	localPort uint16
	peerPort  uint16
	localAddr [16]byte
	peerAddr  [16]byte
	allowAny  bool
}

// syncKey republishes the demux snapshot. Must be called with fsmLock held
// after any change to connection identity or state.
func (tcb *TCB) syncKey() {
	key := demuxKey{
		state:     tcb.state,
		localPort: tcb.localPort,
		peerPort:  tcb.peerPort,
		localAddr: tcb.localAddr,
		peerAddr:  tcb.peerAddr,
		allowAny:  tcb.status&statusAllowAnyAddr != 0,
	}
	tcb.key.Store(&key)
}

// NewTCB returns a fresh connection control block in CLOSED state bound to
// the stack's protocol loop.
func (s *Stack) NewTCB() *TCB {
	tcb := &TCB{
		stack:  s,
		logger: s.logger,
		srtt:   rtoUninitialized,
		rttVar: rtoUninitialized,
		rto:    rtoUninitialized,
	}
	tcb.rbuf.idx = noBuffer
	return tcb
}

// State returns the current connection state.
func (tcb *TCB) State() State {
	tcb.fsmLock.Lock()
	defer tcb.fsmLock.Unlock()
	return tcb.state
}

// setState transitions the connection state and marks a pending user
// notification. Must be called with fsmLock held.
func (tcb *TCB) setState(s State) {
	if tcb.state == s {
		return
	}
	tcb.logStateChange(tcb.state, s)
	tcb.state = s
	tcb.syncKey()
	tcb.notifyUser()
}

// notifyUser marks that a user-observable condition changed during the
// current transition. Must be called with fsmLock held.
func (tcb *TCB) notifyUser() {
	tcb.status |= statusNotifyPending
}

// bindMbox attaches or detaches (nil) the user-call mailbox.
func (tcb *TCB) bindMbox(box *mbox.Box[msg]) {
	tcb.fsmLock.Lock()
	tcb.box = box
	tcb.fsmLock.Unlock()
}

// sndWnd reads the peer advertised send window.
func (tcb *TCB) sndWnd() Size {
	tcb.fsmLock.Lock()
	defer tcb.fsmLock.Unlock()
	return tcb.snd.WND
}

// retransmitPending reports whether an unacknowledged segment sits in the
// retransmission queue.
func (tcb *TCB) retransmitPending() bool {
	tcb.fsmLock.Lock()
	defer tcb.fsmLock.Unlock()
	return tcb.rtq.valid
}

// currentRTO returns the retransmission timeout to arm next, falling back to
// the configured minimum before the first measurement.
func (tcb *TCB) currentRTO() int32 {
	if tcb.rto <= 0 {
		return int32(tcb.stack.cfg.RTOMin.std().Milliseconds())
	}
	return tcb.rto
}
