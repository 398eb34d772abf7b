package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

func statusOf(h SystemHealth, name string) Status {
	for _, c := range h.Components {
		if c.Name == name {
			return c.Status
		}
	}
	return StatusUnknown
}

func TestCheckNow_Aggregates(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  Status
	}{
		{"healthy", BreakerCheck(func() (bool, string) { return false, "" }), StatusHealthy},
		{"degraded", BreakerCheck(func() (bool, string) { return true, "drawdown" }), StatusDegraded},
		{"unhealthy", DatabaseCheck(func(ctx context.Context) error { return errors.New("disk I/O error") }), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(Config{}, zerolog.Nop())
			m.Register("component", tt.check)

			h := m.CheckNow(context.Background())
			if h.Status != tt.want || statusOf(h, "component") != tt.want {
				t.Errorf("status = %s, component = %s, want %s", h.Status, statusOf(h, "component"), tt.want)
			}
			if statusOf(h, "memory") != StatusHealthy || statusOf(h, "goroutines") != StatusHealthy {
				t.Errorf("system checks = %+v", h.Components)
			}
		})
	}
}

func TestCheckNow_RecoversPanics(t *testing.T) {
	m := NewMonitor(Config{}, zerolog.Nop())
	m.Register("broken", func(ctx context.Context) ComponentHealth { panic("boom") })

	h := m.CheckNow(context.Background())
	if h.Status != StatusUnhealthy || h.PanicRecoveries != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestFeedCheck(t *testing.T) {
	tests := []struct {
		name string
		last time.Time
		want Status
	}{
		{"never", time.Time{}, StatusDegraded},
		{"stale", time.Now().Add(-time.Hour), StatusDegraded},
		{"fresh", time.Now(), StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := FeedCheck(func() time.Time { return tt.last }, 5*time.Minute)(context.Background())
			if h.Status != tt.want {
				t.Errorf("status = %s, want %s", h.Status, tt.want)
			}
		})
	}
}

func TestCircuitCheck(t *testing.T) {
	if h := CircuitCheck(func() gobreaker.State { return gobreaker.StateOpen })(context.Background()); h.Status != StatusDegraded {
		t.Errorf("open circuit = %s", h.Status)
	}
	if h := CircuitCheck(func() gobreaker.State { return gobreaker.StateClosed })(context.Background()); h.Status != StatusHealthy {
		t.Errorf("closed circuit = %s", h.Status)
	}
}

func TestHandler(t *testing.T) {
	m := NewMonitor(Config{}, zerolog.Nop())
	m.Register("journal", DatabaseCheck(func(ctx context.Context) error { return errors.New("closed") }))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
	var body SystemHealth
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != StatusUnhealthy || body.TotalChecks != 1 {
		t.Errorf("body = %+v", body)
	}
}
