package tcp

import (
	"sync"
	"testing"
	"time"
)

// captureNetIF records every frame the engine hands down so tests can assert
// on the exact segments emitted.
type captureNetIF struct {
	mu   sync.Mutex
	addr [16]byte
	out  [][]byte
}

func (c *captureNetIF) Output(src, dst [16]byte, netif uint16, tcpFrame []byte) error {
	c.mu.Lock()
	c.out = append(c.out, append([]byte(nil), tcpFrame...))
	c.mu.Unlock()
	return nil
}

func (c *captureNetIF) Addr(netif uint16) ([16]byte, error) {
	return c.addr, nil
}

// next pops the oldest captured frame as a segment plus payload.
func (c *captureNetIF) next(t *testing.T) (Segment, []byte) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) == 0 {
		t.Fatal("no captured frame")
	}
	raw := c.out[0]
	c.out = c.out[1:]
	tfrm, err := NewFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	payload := tfrm.Payload()
	return tfrm.Segment(len(payload)), payload
}

func (c *captureNetIF) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// newTestStack builds a stack whose timers are too slow to interfere with
// deterministic single-step tests.
func newTestStack(t *testing.T) (*Stack, *captureNetIF) {
	t.Helper()
	nif := &captureNetIF{addr: testAddrA}
	s, err := NewStack(StackConfig{
		ConnectionTimeout: Duration(5 * time.Minute),
		RTOMin:            Duration(60 * time.Second),
		RTOMax:            Duration(120 * time.Second),
		MSL:               Duration(60 * time.Second),
		RcvBufs:           2,
		RcvBufSize:        512,
	}, nif)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, nif
}

// helperEstablished wires a TCB directly into ESTABLISHED, skipping the
// handshake, with one octet of handshake history on both sides.
func helperEstablished(t *testing.T, s *Stack, iss, irs Value, peerWND Size) *TCB {
	t.Helper()
	tcb := s.NewTCB()
	idx, b, ok := s.pool.get()
	if !ok {
		t.Fatal("no receive buffer for helper")
	}
	tcb.fsmLock.Lock()
	tcb.localAddr = testAddrA
	tcb.peerAddr = testAddrB
	tcb.localPort = 1000
	tcb.peerPort = 2000
	tcb.rbuf = rcvRegion{idx: idx, buf: b}
	tcb.snd = sendSpace{ISS: iss, UNA: iss + 1, NXT: iss + 1, WND: peerWND, MSS: Size(s.cfg.MSS)}
	tcb.rcv = recvSpace{IRS: irs, NXT: irs + 1, WND: Size(len(b))}
	tcb.state = StateEstablished
	tcb.syncKey()
	tcb.fsmLock.Unlock()
	s.register(tcb)
	return tcb
}

func (tcb *TCB) inject(t *testing.T, seg Segment, payload []byte) {
	t.Helper()
	tcb.fsm(eventRcvdPkt, &segmentIn{
		seg:     seg,
		payload: payload,
		src:     testAddrB,
		dst:     testAddrA,
		srcPort: tcb.peerPort,
		dstPort: tcb.localPort,
	}, nil)
}

// checkInvariants asserts the continuously-holding properties of a TCB.
func checkInvariants(t *testing.T, tcb *TCB) {
	t.Helper()
	tcb.fsmLock.Lock()
	defer tcb.fsmLock.Unlock()
	inflight := Sizeof(tcb.snd.UNA, tcb.snd.NXT)
	allowed := tcb.snd.WND
	if tcb.rtq.probe {
		allowed++ // the committed probe octet sits past the shut window
	}
	if tcb.status&statusFINSent != 0 {
		allowed++ // FIN occupies a sequence number outside the data window
	}
	if tcb.state != StateClosed && inflight > allowed {
		t.Errorf("invariant: in flight %d exceeds window %d", inflight, allowed)
	}
	if tcb.rtq.valid {
		if tcb.rtq.seq.LessThan(tcb.snd.UNA) || !tcb.rtq.end().LessThanEq(tcb.snd.NXT) {
			t.Errorf("invariant: retransmit range [%d,%d) outside [%d,%d)",
				tcb.rtq.seq, tcb.rtq.end(), tcb.snd.UNA, tcb.snd.NXT)
		}
	}
	if tcb.state == StateClosed {
		if tcb.rbuf.idx != noBuffer {
			t.Error("invariant: CLOSED TCB holds a receive buffer")
		}
	}
	if tcb.rbuf.idx != noBuffer {
		if int(tcb.rbuf.window())+tcb.rbuf.buffered() != len(tcb.rbuf.buf) {
			t.Error("invariant: rcv window + buffered != capacity")
		}
	}
}

func TestFSMActiveHandshakeDataAndClose(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := s.NewTCB()
	tcb.fsmLock.Lock()
	tcb.peerAddr = testAddrB
	tcb.peerPort = 2000
	tcb.localPort = 1000
	tcb.fsmLock.Unlock()

	if _, err := tcb.fsm(eventCallOpen, nil, nil); err != nil {
		t.Fatal(err)
	}
	if tcb.State() != StateSynSent {
		t.Fatalf("state after open: %s", tcb.State())
	}
	syn, _ := nif.next(t)
	if syn.Flags != FlagSYN || syn.WND != 512 {
		t.Fatalf("bad SYN: %+v", syn)
	}
	iss := syn.SEQ
	checkInvariants(t, tcb)

	const irs = 5000
	tcb.inject(t, Segment{SEQ: irs, ACK: iss + 1, WND: 1000, Flags: synack}, nil)
	if tcb.State() != StateEstablished {
		t.Fatalf("state after SYN-ACK: %s", tcb.State())
	}
	ack, _ := nif.next(t)
	if ack.Flags != FlagACK || ack.ACK != irs+1 || ack.SEQ != iss+1 {
		t.Fatalf("bad handshake ACK: %+v", ack)
	}
	checkInvariants(t, tcb)

	// Data out, single byte, and the peer's acknowledgment covering it.
	n, err := tcb.fsm(eventCallSend, nil, []byte("x"))
	if err != nil || n != 1 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	data, payload := nif.next(t)
	if data.Flags != pshack || data.SEQ != iss+1 || data.DATALEN != 1 || string(payload) != "x" {
		t.Fatalf("bad data segment: %+v %q", data, payload)
	}
	tcb.inject(t, Segment{SEQ: irs + 1, ACK: iss + 2, WND: 1000, Flags: FlagACK}, nil)
	if tcb.retransmitPending() {
		t.Fatal("retransmit queue not cleared by covering ACK")
	}
	checkInvariants(t, tcb)

	// Incoming data gets buffered and acknowledged.
	tcb.inject(t, Segment{SEQ: irs + 1, ACK: iss + 2, WND: 1000, Flags: pshack, DATALEN: 3}, []byte("abc"))
	dataAck, _ := nif.next(t)
	if dataAck.ACK != irs+4 {
		t.Fatalf("data not acknowledged: %+v", dataAck)
	}
	var rbuf [8]byte
	n, _ = tcb.fsm(eventCallRecv, nil, rbuf[:])
	if n != 3 || string(rbuf[:n]) != "abc" {
		t.Fatalf("recv: %q", rbuf[:n])
	}
	checkInvariants(t, tcb)

	// Graceful close: FIN -> ACK -> FIN -> ACK -> TIME-WAIT -> CLOSED.
	tcb.fsm(eventCallClose, nil, nil)
	fin, _ := nif.next(t)
	if !fin.Flags.HasAll(finack) || fin.SEQ != iss+2 {
		t.Fatalf("bad FIN: %+v", fin)
	}
	if tcb.State() != StateFinWait1 {
		t.Fatalf("state after close: %s", tcb.State())
	}
	tcb.inject(t, Segment{SEQ: irs + 4, ACK: iss + 3, WND: 1000, Flags: FlagACK}, nil)
	if tcb.State() != StateFinWait2 {
		t.Fatalf("state after FIN ack: %s", tcb.State())
	}
	tcb.inject(t, Segment{SEQ: irs + 4, ACK: iss + 3, WND: 1000, Flags: finack}, nil)
	if tcb.State() != StateTimeWait {
		t.Fatalf("state after peer FIN: %s", tcb.State())
	}
	lastAck, _ := nif.next(t)
	if lastAck.ACK != irs+5 {
		t.Fatalf("final ACK: %+v", lastAck)
	}
	avail := s.pool.available()
	tcb.fsm(eventTimeoutTimeWait, nil, nil)
	if tcb.State() != StateClosed {
		t.Fatalf("state after 2MSL: %s", tcb.State())
	}
	if s.pool.available() != avail+1 {
		t.Error("receive buffer not returned on CLOSED")
	}
	checkInvariants(t, tcb)
}

func TestFSMPassiveHandshake(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := s.NewTCB()
	tcb.fsmLock.Lock()
	tcb.status |= statusPassive | statusAllowAnyAddr
	tcb.localPort = 80
	tcb.fsmLock.Unlock()

	if _, err := tcb.fsm(eventCallOpen, nil, nil); err != nil {
		t.Fatal(err)
	}
	if tcb.State() != StateListen || nif.pending() != 0 {
		t.Fatalf("listen must be silent, state=%s", tcb.State())
	}

	tcb.fsm(eventRcvdPkt, &segmentIn{
		seg:     Segment{SEQ: 9000, WND: 500, Flags: FlagSYN},
		src:     testAddrB,
		dst:     testAddrA,
		srcPort: 2222,
		dstPort: 80,
		mss:     900,
	}, nil)
	if tcb.State() != StateSynRcvd {
		t.Fatalf("state after SYN: %s", tcb.State())
	}
	sa, _ := nif.next(t)
	if sa.Flags != synack || sa.ACK != 9001 {
		t.Fatalf("bad SYN-ACK: %+v", sa)
	}
	tcb.fsmLock.Lock()
	adopted := tcb.peerPort == 2222 && tcb.peerAddr == testAddrB && tcb.snd.MSS == 900
	tcb.fsmLock.Unlock()
	if !adopted {
		t.Error("peer identity or MSS option not adopted from SYN")
	}

	tcb.inject(t, Segment{SEQ: 9001, ACK: sa.SEQ + 1, WND: 500, Flags: FlagACK}, nil)
	if tcb.State() != StateEstablished {
		t.Fatalf("state after handshake ACK: %s", tcb.State())
	}
	checkInvariants(t, tcb)
}

func TestFSMConnectionRefused(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := s.NewTCB()
	tcb.fsmLock.Lock()
	tcb.peerAddr = testAddrB
	tcb.peerPort = 81
	tcb.localPort = 1001
	tcb.fsmLock.Unlock()
	tcb.fsm(eventCallOpen, nil, nil)
	syn, _ := nif.next(t)

	avail := s.pool.available()
	tcb.inject(t, Segment{SEQ: 0, ACK: syn.SEQ + 1, Flags: rstack}, nil)
	if tcb.State() != StateClosed {
		t.Fatalf("RST must close a SYN-SENT connection, state=%s", tcb.State())
	}
	if s.pool.available() != avail+1 {
		t.Error("receive buffer leaked on refused connection")
	}
	checkInvariants(t, tcb)
}

func TestFSMRetransmitKarn(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := helperEstablished(t, s, 100, 300, 1000)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := tcb.fsm(eventCallSend, nil, payload)
	if err != nil || n != 100 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	first, firstPay := nif.next(t)

	// Second send attempt while one segment is in flight yields nothing.
	n, _ = tcb.fsm(eventCallSend, nil, []byte("more"))
	if n != 0 || nif.pending() != 0 {
		t.Fatal("second segment sent while one is unacknowledged")
	}

	rtoBefore := tcb.currentRTO()
	tcb.fsm(eventTimeoutRetransmit, nil, nil)
	retx, retxPay := nif.next(t)
	if retx.SEQ != first.SEQ || retx.DATALEN != first.DATALEN || string(retxPay) != string(firstPay) {
		t.Fatalf("retransmit differs from original:\nfirst=%+v\nretx=%+v", first, retx)
	}
	tcb.fsmLock.Lock()
	rtoAfter, retries := tcb.rto, tcb.rtq.retries
	tcb.fsmLock.Unlock()
	if rtoAfter != 2*rtoBefore {
		t.Errorf("rto after timeout: got %d want %d", rtoAfter, 2*rtoBefore)
	}
	if retries != 1 {
		t.Errorf("retries: got %d", retries)
	}
	checkInvariants(t, tcb)

	// The covering ACK clears the queue but, per Karn, takes no RTT sample.
	tcb.inject(t, Segment{SEQ: 301, ACK: 201, WND: 1000, Flags: FlagACK}, nil)
	tcb.fsmLock.Lock()
	cleared, srtt, una := !tcb.rtq.valid, tcb.srtt, tcb.snd.UNA
	tcb.fsmLock.Unlock()
	if !cleared {
		t.Error("retransmit queue not cleared")
	}
	if una != 201 {
		t.Errorf("snd.UNA: got %d want 201", una)
	}
	if srtt != rtoUninitialized {
		t.Errorf("srtt sampled from retransmitted segment: %d", srtt)
	}
	checkInvariants(t, tcb)
}

func TestFSMZeroWindowProbe(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := helperEstablished(t, s, 100, 300, 0)

	n, _ := tcb.fsm(eventCallSend, nil, []byte("y"))
	if n != 0 || nif.pending() != 0 {
		t.Fatal("data sent into a zero window")
	}

	// First probe commits the byte.
	n, _ = tcb.fsm(eventSendProbe, nil, []byte("y"))
	if n != 1 {
		t.Fatalf("probe commit: n=%d", n)
	}
	probe, probePay := nif.next(t)
	if probe.DATALEN != 1 || string(probePay) != "y" || probe.SEQ != 101 {
		t.Fatalf("bad probe: %+v %q", probe, probePay)
	}
	checkInvariants(t, tcb)

	// Subsequent ticks re-emit the identical byte range.
	tcb.fsm(eventSendProbe, nil, []byte("y"))
	probe2, probePay2 := nif.next(t)
	if probe2.SEQ != probe.SEQ || string(probePay2) != "y" {
		t.Fatalf("probe re-emission differs: %+v", probe2)
	}

	// The reopened window re-offers the byte on the retransmission path...
	tcb.inject(t, Segment{SEQ: 301, ACK: 101, WND: 1, Flags: FlagACK}, nil)
	reoffer, reofferPay := nif.next(t)
	if reoffer.SEQ != probe.SEQ || string(reofferPay) != "y" {
		t.Fatalf("window reopen did not re-offer the probe byte: %+v", reoffer)
	}
	// ...and its acknowledgment finishes the exchange without an RTT sample.
	tcb.inject(t, Segment{SEQ: 301, ACK: 102, WND: 1, Flags: FlagACK}, nil)
	tcb.fsmLock.Lock()
	cleared, srtt := !tcb.rtq.valid, tcb.srtt
	tcb.fsmLock.Unlock()
	if !cleared {
		t.Error("probe byte acknowledgment did not clear the queue")
	}
	if srtt != rtoUninitialized {
		t.Error("probe fed the RTT estimator")
	}
	checkInvariants(t, tcb)
}

func TestFSMAbortEmitsRST(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := helperEstablished(t, s, 100, 300, 1000)

	tcb.Abort()
	rst, _ := nif.next(t)
	if !rst.Flags.HasAny(FlagRST) || rst.SEQ != 101 {
		t.Fatalf("bad RST: %+v", rst)
	}
	if tcb.State() != StateClosed {
		t.Fatalf("state after abort: %s", tcb.State())
	}
	// Abort is idempotent and emits nothing the second time.
	tcb.Abort()
	if nif.pending() != 0 {
		t.Error("second abort emitted a segment")
	}
	checkInvariants(t, tcb)
}

func TestFSMPeerResetEstablished(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := helperEstablished(t, s, 100, 300, 1000)

	// Reset with wrong sequence draws a challenge ACK, no state change.
	tcb.inject(t, Segment{SEQ: 350, ACK: 101, WND: 1000, Flags: FlagRST}, nil)
	if tcb.State() != StateEstablished {
		t.Fatalf("off-sequence RST changed state: %s", tcb.State())
	}
	challenge, _ := nif.next(t)
	if challenge.Flags != FlagACK || challenge.ACK != 301 {
		t.Fatalf("bad challenge ACK: %+v", challenge)
	}

	// Exact reset kills the connection.
	tcb.inject(t, Segment{SEQ: 301, ACK: 101, WND: 1000, Flags: FlagRST}, nil)
	if tcb.State() != StateClosed {
		t.Fatalf("state after RST: %s", tcb.State())
	}
	checkInvariants(t, tcb)
}

func TestFSMSegmentAcceptance(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := helperEstablished(t, s, 100, 300, 1000)

	// Out-of-window sequence: ACK echo, no data buffered, no state change.
	tcb.inject(t, Segment{SEQ: 9999, ACK: 101, WND: 1000, Flags: pshack, DATALEN: 4}, []byte("nope"))
	echo, _ := nif.next(t)
	if echo.Flags != FlagACK || echo.ACK != 301 || echo.SEQ != 101 {
		t.Fatalf("bad echo ACK: %+v", echo)
	}
	var buf [8]byte
	if n, _ := tcb.fsm(eventCallRecv, nil, buf[:]); n != 0 {
		t.Error("out-of-window data was buffered")
	}

	// ACK of unsent data: echo ACK and drop.
	tcb.inject(t, Segment{SEQ: 301, ACK: 500, WND: 1000, Flags: FlagACK}, nil)
	echo2, _ := nif.next(t)
	if echo2.ACK != 301 {
		t.Fatalf("bad echo for unsent ACK: %+v", echo2)
	}
	tcb.fsmLock.Lock()
	una := tcb.snd.UNA
	tcb.fsmLock.Unlock()
	if una != 101 {
		t.Errorf("ACK of unsent data advanced snd.UNA to %d", una)
	}
	checkInvariants(t, tcb)
}

func TestFSMCloseOnClosedIsNoop(t *testing.T) {
	s, nif := newTestStack(t)
	tcb := s.NewTCB()
	if err := tcb.Close(); err != nil {
		t.Fatalf("close of CLOSED TCB: %v", err)
	}
	if nif.pending() != 0 {
		t.Error("close of CLOSED TCB emitted a segment")
	}
}
