package tcp

import "errors"

// User visible error taxonomy. The blocking API returns these sentinels;
// Errno maps them onto the traditional negative integers for callers porting
// embedded code.
var (
	// ErrNotConnected is returned by calls requiring an established or
	// half-open connection when the TCB is not in such a state.
	ErrNotConnected = errors.New("tcp: not connected")
	// ErrAlreadyConnected is returned by open calls on a non-closed TCB.
	ErrAlreadyConnected = errors.New("tcp: already connected")
	// ErrNoMemory is returned when the receive buffer pool is exhausted.
	ErrNoMemory = errors.New("tcp: out of receive buffers")
	// ErrAddrInUse is returned by a passive open colliding on the local port.
	ErrAddrInUse = errors.New("tcp: address in use")
	// ErrTimedOut is returned when the user supplied timeout fired. The
	// connection remains open; the retransmission queue is cleared.
	ErrTimedOut = errors.New("tcp: user timeout")
	// ErrConnAborted is returned when the connection timeout fired and the
	// state machine advanced to CLOSED.
	ErrConnAborted = errors.New("tcp: connection aborted")
	// ErrConnRefused is returned when a connection attempt was answered with RST.
	ErrConnRefused = errors.New("tcp: connection refused")
	// ErrConnReset is returned when the peer reset an established session.
	ErrConnReset = errors.New("tcp: connection reset by peer")
	// ErrWouldBlock is returned by a non-blocking Recv with no data available.
	ErrWouldBlock = errors.New("tcp: operation would block")
	// ErrInvalidArg flags malformed endpoints, family mismatches and the like.
	ErrInvalidArg = errors.New("tcp: invalid argument")
	// ErrFamilyUnsupported is returned for address families other than IPv6.
	ErrFamilyUnsupported = errors.New("tcp: address family not supported")
)

// Errno returns the traditional negative errno value for the API errors
// above and 0 for nil. Unknown errors map to -EINVAL's value.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotConnected):
		return -107 // ENOTCONN
	case errors.Is(err, ErrAlreadyConnected):
		return -106 // EISCONN
	case errors.Is(err, ErrNoMemory):
		return -12 // ENOMEM
	case errors.Is(err, ErrAddrInUse):
		return -98 // EADDRINUSE
	case errors.Is(err, ErrTimedOut):
		return -110 // ETIMEDOUT
	case errors.Is(err, ErrConnAborted):
		return -103 // ECONNABORTED
	case errors.Is(err, ErrConnRefused):
		return -111 // ECONNREFUSED
	case errors.Is(err, ErrConnReset):
		return -104 // ECONNRESET
	case errors.Is(err, ErrWouldBlock):
		return -11 // EAGAIN
	case errors.Is(err, ErrFamilyUnsupported):
		return -97 // EAFNOSUPPORT
	}
	return -22 // EINVAL
}
