package etimer

import (
	"testing"
	"time"

	"github.com/embnet/tcpsix/mbox"
)

func TestScheduleDelivers(t *testing.T) {
	var tm Timer[int]
	var ev Event[int]
	box := mbox.New[int](2)
	tm.Schedule(&ev, time.Millisecond, 42, box)
	deadline := time.After(2 * time.Second)
	for box.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("no delivery within deadline")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if got := box.Get(); got != 42 {
		t.Errorf("delivered %d want 42", got)
	}
}

func TestCancelSuppressesDelivery(t *testing.T) {
	var tm Timer[int]
	var ev Event[int]
	box := mbox.New[int](2)
	tm.Schedule(&ev, 20*time.Millisecond, 1, box)
	tm.Cancel(&ev)
	tm.Cancel(&ev) // Cancel is idempotent.
	time.Sleep(60 * time.Millisecond)
	if _, ok := box.TryGet(); ok {
		t.Error("cancelled event still delivered")
	}
}

func TestRescheduleReplaces(t *testing.T) {
	var tm Timer[int]
	var ev Event[int]
	box := mbox.New[int](2)
	tm.Schedule(&ev, 10*time.Millisecond, 1, box)
	tm.Schedule(&ev, 30*time.Millisecond, 2, box)
	time.Sleep(100 * time.Millisecond)
	v, ok := box.TryGet()
	if !ok || v != 2 {
		t.Fatalf("want single delivery of 2, got %d (ok=%v)", v, ok)
	}
	if _, ok := box.TryGet(); ok {
		t.Error("replaced schedule delivered twice")
	}
}
