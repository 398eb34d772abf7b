package breaker

import (
	"sync"
	"testing"
	"time"
)

func TestController_HaltAndResume(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return now }))

	if halted, _ := c.Halted(); halted {
		t.Fatal("new controller should be active")
	}

	if !c.Halt("daily loss 6% >= limit 5%") {
		t.Fatal("Halt() should report a transition")
	}
	if c.Halt("second reason") {
		t.Error("Halt() on halted controller should be a no-op")
	}

	halted, reason := c.Halted()
	if !halted || reason != "daily loss 6% >= limit 5%" {
		t.Errorf("Halted() = %v, %q", halted, reason)
	}

	s := c.Status()
	if s.State != StateHalted || s.HaltedSince == nil || !s.HaltedSince.Equal(now) || s.Trips != 1 {
		t.Errorf("status = %+v", s)
	}

	if !c.Resume() {
		t.Fatal("Resume() should report a transition")
	}
	if c.Resume() {
		t.Error("Resume() on active controller should be a no-op")
	}

	s = c.Status()
	if s.Halted || s.Reason != "" || s.HaltedSince != nil {
		t.Errorf("status after resume = %+v", s)
	}
	if len(s.History) != 2 || s.History[0].State != StateHalted || s.History[1].State != StateActive {
		t.Errorf("history = %+v", s.History)
	}
}

func TestController_EmptyReason(t *testing.T) {
	c := New()
	c.Halt("")
	if _, reason := c.Halted(); reason == "" {
		t.Error("halt reason should never be empty")
	}
}

func TestController_HistoryBounded(t *testing.T) {
	c := New(WithHistorySize(3))
	for i := 0; i < 5; i++ {
		c.Halt("x")
		c.Resume()
	}
	s := c.Status()
	if len(s.History) != 3 {
		t.Errorf("history = %d, want 3", len(s.History))
	}
	if s.Trips != 5 {
		t.Errorf("trips = %d, want 5", s.Trips)
	}
	if s.History[2].State != StateActive {
		t.Errorf("last event = %+v, want resume", s.History[2])
	}
}

func TestController_StatusIsACopy(t *testing.T) {
	c := New()
	c.Halt("x")
	s := c.Status()
	s.History[0].Reason = "changed"
	if c.Status().History[0].Reason != "x" {
		t.Error("mutating status history changed the controller")
	}
}

func TestController_ConcurrentHaltSingleTrip(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	transitions := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Halt("race") {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if transitions != 1 {
		t.Errorf("transitions = %d, want 1", transitions)
	}
}
