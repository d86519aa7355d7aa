// Package tcp implements a user-space TCP endpoint on top of an IPv6 network
// layer: the per-connection finite state machine of RFC 9293, a single
// protocol goroutine multiplexing all connections, and a blocking user API
// that rendezvouses with the state machine through bounded mailboxes.
//
// The three layers, from the bottom up:
//
//   - [Frame] is a zero-copy view over raw TCP segment bytes.
//   - [TCB] holds all per-connection state and is driven exclusively by
//     typed events under its fsm lock.
//   - [Stack] owns the protocol goroutine, the receive-buffer pool and the
//     demultiplexing of incoming segments onto TCBs.
package tcp

import (
	"errors"
	"math/bits"
)

// Segment represents an incoming/outgoing TCP segment in the sequence space.
type Segment struct {
	SEQ     Value // sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISN) and the first data octet is ISN+1.
	ACK     Value // acknowledgment number. If ACK is set it is sequence number of first octet the sender of the segment is expecting to receive next.
	DATALEN Size  // The number of octets occupied by the data (payload) not counting SYN and FIN.
	WND     Size  // segment window
	Flags   Flags // TCP flags.
}

// LEN returns the length of the segment in octets including SYN and FIN flags.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // Add FIN bit.
	add += Size(seg.Flags>>1) & 1 // Add SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the last octet of the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

// Flags is a TCP flags bit-masked implementation i.e: SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant. Received URG is advisory and ignored.
)

const flagMask = 0x003f

// Flag combinations recurring throughout the state machine.
const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
	rstack = FlagRST | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns a human readable flag representation i.e:
//
//	"[SYN,ACK]"
func (flags Flags) String() string {
	// Cover the common cases without heap allocating.
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURG"
	var addcommas bool
	flags = flags.Mask()
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates states a TCP connection progresses through during its lifetime.
type State uint8

const (
	// CLOSED - represents no connection state at all. A TCB in this state
	// owns no timers, no receive buffer and no mailbox binding.
	StateClosed State = iota // CLOSED
	// LISTEN - represents waiting for a connection request from any remote TCP and port.
	StateListen // LISTEN
	// SYN-SENT - represents waiting for a matching connection request after having sent a connection request.
	StateSynSent // SYN-SENT
	// SYN-RECEIVED - represents waiting for a confirming connection request acknowledgment
	// after having both received and sent a connection request.
	StateSynRcvd // SYN-RECEIVED
	// ESTABLISHED - represents an open connection, data received can be delivered
	// to the user. The normal state for the data transfer phase of the connection.
	StateEstablished // ESTABLISHED
	// CLOSE-WAIT - represents waiting for a connection termination request from the local user.
	StateCloseWait // CLOSE-WAIT
	// LAST-ACK - represents waiting for an acknowledgment of the
	// connection termination request previously sent to the remote TCP.
	StateLastAck // LAST-ACK
	// FIN-WAIT-1 - represents waiting for a connection termination request
	// from the remote TCP, or an acknowledgment of the termination request previously sent.
	StateFinWait1 // FIN-WAIT-1
	// FIN-WAIT-2 - represents waiting for a connection termination request from the remote TCP.
	StateFinWait2 // FIN-WAIT-2
	// CLOSING - represents waiting for a connection termination request acknowledgment from the remote TCP.
	StateClosing // CLOSING
	// TIME-WAIT - represents waiting for enough time to pass to be sure the remote
	// TCP received the acknowledgment of its connection termination request.
	StateTimeWait // TIME-WAIT
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME-WAIT"
	}
	return "state(" + string('0'+byte(s)) + ")"
}

// IsSynchronized returns true if the connection has completed the three way handshake.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// isPreestablished returns true for states preceding establishment, Closed excluded.
func (s State) isPreestablished() bool {
	return s == StateListen || s == StateSynSent || s == StateSynRcvd
}

// rxDataOpen returns true while incoming payload data is still deliverable.
func (s State) rxDataOpen() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// txDataOpen returns true while the user may still submit data to send.
func (s State) txDataOpen() bool {
	return s == StateEstablished || s == StateCloseWait
}

// event discriminates what is driving a state machine transition: a user
// call, a received segment, or one of the protocol timers.
type event uint8

const (
	eventCallOpen event = iota + 1
	eventCallSend
	eventCallRecv
	eventCallClose
	eventCallAbort
	eventRcvdPkt
	eventTimeoutConnection
	eventTimeoutRetransmit
	eventTimeoutTimeWait
	eventSendProbe
	eventClearRetransmit
)

func (ev event) String() string {
	switch ev {
	case eventCallOpen:
		return "CALL_OPEN"
	case eventCallSend:
		return "CALL_SEND"
	case eventCallRecv:
		return "CALL_RECV"
	case eventCallClose:
		return "CALL_CLOSE"
	case eventCallAbort:
		return "CALL_ABORT"
	case eventRcvdPkt:
		return "RCVD_PKT"
	case eventTimeoutConnection:
		return "TIMEOUT_CONNECTION"
	case eventTimeoutRetransmit:
		return "TIMEOUT_RETRANSMIT"
	case eventTimeoutTimeWait:
		return "TIMEOUT_TIMEWAIT"
	case eventSendProbe:
		return "SEND_PROBE"
	case eventClearRetransmit:
		return "CLEAR_RETRANSMIT"
	}
	return "event(?)"
}

// status holds the auxiliary condition flags of a TCB.
type status uint8

const (
	// statusPassive marks connections created by a passive open.
	statusPassive status = 1 << iota
	// statusAllowAnyAddr accepts segments to any local address while listening.
	statusAllowAnyAddr
	// statusNotifyPending is set by transition handlers that changed a
	// user-observable condition; the fsm wrapper turns it into a mailbox wake.
	statusNotifyPending
	// statusFINSent tracks that our FIN occupies sequence number snd.NXT-1.
	statusFINSent
	// statusListenReopen returns the TCB to LISTEN instead of CLOSED when a
	// passive handshake fails or times out.
	statusListenReopen
)

var (
	errDropSegment = errors.New("tcp: drop segment") // silent drop, no protocol effect
)
