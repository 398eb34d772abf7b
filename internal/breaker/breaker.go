// Package breaker provides the global trading circuit breaker.
package breaker

import (
	"sync"
	"time"
)

// State is the trading state guarded by the breaker.
type State string

const (
	StateActive State = "ACTIVE" // Proposals are evaluated
	StateHalted State = "HALTED" // Every proposal is rejected until resumed
)

// DefaultHistorySize is how many transitions are kept.
const DefaultHistorySize = 50

// Event is one recorded transition.
type Event struct {
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Status is a point-in-time view of the breaker.
type Status struct {
	State       State      `json:"state"`
	Halted      bool       `json:"halted"`
	Reason      string     `json:"reason,omitempty"`
	HaltedSince *time.Time `json:"halted_since,omitempty"`
	Trips       int64      `json:"trips"`
	History     []Event    `json:"history"`
}

// Controller tracks the active/halted state. Only Resume leaves the halted state.
type Controller struct {
	mu          sync.RWMutex
	state       State
	reason      string
	haltedSince time.Time
	trips       int64
	history     []Event
	historySize int
	now         func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the clock used to timestamp transitions.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithHistorySize sets how many transitions are kept.
func WithHistorySize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.historySize = n
		}
	}
}

// New creates an active controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		state:       StateActive,
		historySize: DefaultHistorySize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Halt stops trading. It reports whether the state changed; halting an already
// halted controller keeps the original reason.
func (c *Controller) Halt(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateHalted {
		return false
	}
	if reason == "" {
		reason = "manual halt"
	}
	c.state = StateHalted
	c.reason = reason
	c.haltedSince = c.now()
	c.trips++
	c.record(Event{State: StateHalted, Reason: reason, At: c.haltedSince})
	return true
}

// Resume re-enables trading. It reports whether the state changed.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateActive {
		return false
	}
	c.state = StateActive
	c.reason = ""
	c.haltedSince = time.Time{}
	c.record(Event{State: StateActive, At: c.now()})
	return true
}

// Halted returns whether trading is halted and why.
func (c *Controller) Halted() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateHalted, c.reason
}

// Status returns a copy of the breaker state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		State:   c.state,
		Halted:  c.state == StateHalted,
		Reason:  c.reason,
		Trips:   c.trips,
		History: make([]Event, len(c.history)),
	}
	copy(s.History, c.history)
	if s.Halted {
		since := c.haltedSince
		s.HaltedSince = &since
	}
	return s
}

func (c *Controller) record(e Event) {
	c.history = append(c.history, e)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
}
