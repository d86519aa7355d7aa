package tcp

import "testing"

const (
	granMS = 1
	minMS  = 1000
	maxMS  = 60_000
)

func TestNextRTOFirstMeasurement(t *testing.T) {
	srtt, rttvar, rto := nextRTO(rtoUninitialized, rtoUninitialized, 200, granMS, minMS, maxMS)
	if srtt != 200 {
		t.Errorf("first srtt = sample: got %d", srtt)
	}
	if rttvar != 100 {
		t.Errorf("first rttvar = sample/2: got %d", rttvar)
	}
	// rto = srtt + max(G, 4*rttvar) = 200+400, clamped to min 1000.
	if rto != minMS {
		t.Errorf("rto must clamp to minimum: got %d", rto)
	}
}

func TestNextRTOSubsequent(t *testing.T) {
	// Second sample of 300ms over srtt=200, rttvar=100:
	// rttvar = 3/4*100 + 1/4*|200-300| = 100
	// srtt   = 7/8*200 + 1/8*300      = 212
	srtt, rttvar, rto := nextRTO(200, 100, 300, granMS, 1, maxMS)
	if rttvar != 100 {
		t.Errorf("rttvar: got %d want 100", rttvar)
	}
	if srtt != 212 {
		t.Errorf("srtt: got %d want 212", srtt)
	}
	if want := int32(212 + 400); rto != want {
		t.Errorf("rto: got %d want %d", rto, want)
	}
}

func TestNextRTOGranularityFloor(t *testing.T) {
	// With rttvar collapsed to zero the G term keeps rto above srtt.
	_, _, rto := nextRTO(50, 0, 50, 10, 1, maxMS)
	if rto != 60 {
		t.Errorf("rto must include clock granularity: got %d want 60", rto)
	}
}

func TestNextRTOClampMax(t *testing.T) {
	_, _, rto := nextRTO(50_000, 20_000, 55_000, granMS, minMS, maxMS)
	if rto != maxMS {
		t.Errorf("rto must clamp to maximum: got %d", rto)
	}
}

func TestRTOBackoffDoublesAndClamps(t *testing.T) {
	s, nif := newTestStack(t)
	_ = nif
	tcb := s.NewTCB()
	tcb.rto = 400
	tcb.rtoBackoff()
	if tcb.rto != 800 {
		t.Errorf("backoff: got %d want 800", tcb.rto)
	}
	tcb.rto = int32(s.cfg.RTOMax.std().Milliseconds()) - 1
	tcb.rtoBackoff()
	if tcb.rto != int32(s.cfg.RTOMax.std().Milliseconds()) {
		t.Errorf("backoff clamp: got %d", tcb.rto)
	}
	// Uninitialized rto backs off from the configured minimum.
	tcb.rto = rtoUninitialized
	tcb.rtoBackoff()
	if tcb.rto != 2*int32(s.cfg.RTOMin.std().Milliseconds()) {
		t.Errorf("backoff from uninitialized: got %d", tcb.rto)
	}
}
