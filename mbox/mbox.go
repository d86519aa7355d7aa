// Package mbox implements a bounded FIFO mailbox of typed control messages.
// A mailbox rendezvouses a user goroutine with the protocol machinery: the
// protocol side posts without ever blocking (overflow drops the message) and
// the user side blocks on Get until something arrives.
package mbox

// Box is a bounded mailbox holding up to a power-of-two count of messages.
// All methods are safe for concurrent use.
type Box[T any] struct {
	ch chan T
}

// New returns a mailbox with capacity 1<<sizeExp.
func New[T any](sizeExp uint) *Box[T] {
	if sizeExp > 16 {
		panic("mbox: size exponent too large")
	}
	return &Box[T]{ch: make(chan T, 1<<sizeExp)}
}

// Cap returns the message capacity of the mailbox.
func (b *Box[T]) Cap() int { return cap(b.ch) }

// Len returns the number of queued messages.
func (b *Box[T]) Len() int { return len(b.ch) }

// TryPut enqueues v without blocking. It reports false if the mailbox is
// full, in which case the message is dropped.
func (b *Box[T]) TryPut(v T) bool {
	select {
	case b.ch <- v:
		return true
	default:
		return false
	}
}

// Get blocks until a message is available and returns it.
func (b *Box[T]) Get() T {
	return <-b.ch
}

// TryGet returns a queued message without blocking. ok is false if the
// mailbox is empty.
func (b *Box[T]) TryGet() (v T, ok bool) {
	select {
	case v = <-b.ch:
		return v, true
	default:
		return v, false
	}
}
