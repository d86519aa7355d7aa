// Package etimer schedules one-shot deliveries of typed messages into
// mailboxes. A single Timer instance services any number of events; each
// Event is owned by its scheduler and may be re-armed or cancelled at any
// time. Expiry posts the message without blocking and without allocating on
// the delivery path; a full mailbox drops the delivery.
package etimer

import (
	"sync"
	"time"

	"github.com/embnet/tcpsix/mbox"
)

// Timer is a service handing out one-shot mailbox deliveries. The zero value
// is ready to use and a single instance may serve all connections.
type Timer[T any] struct{}

// Event is the handle for one scheduled delivery. The zero value is an
// unarmed event. Events must not be copied after first use.
type Event[T any] struct {
	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

// Schedule arms ev to post msg into box after offset has elapsed. If ev is
// already armed the previous schedule is replaced.
func (tm *Timer[T]) Schedule(ev *Event[T], offset time.Duration, msg T, box *mbox.Box[T]) {
	ev.mu.Lock()
	ev.gen++
	gen := ev.gen
	if ev.t != nil {
		ev.t.Stop()
	}
	ev.t = time.AfterFunc(offset, func() {
		ev.mu.Lock()
		live := ev.gen == gen
		ev.mu.Unlock()
		if live {
			box.TryPut(msg)
		}
	})
	ev.mu.Unlock()
}

// Cancel disarms ev. Cancelling an unarmed or already-expired event is a no-op.
func (tm *Timer[T]) Cancel(ev *Event[T]) {
	ev.mu.Lock()
	ev.gen++
	if ev.t != nil {
		ev.t.Stop()
		ev.t = nil
	}
	ev.mu.Unlock()
}
