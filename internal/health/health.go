// Package health reports the health of the guardrail service and its collaborators.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Check represents a health check function.
type Check func(ctx context.Context) ComponentHealth

// Config holds health monitor configuration.
type Config struct {
	CheckTimeout       time.Duration
	MemoryThresholdMB  uint64
	GoroutineThreshold int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CheckTimeout:       5 * time.Second,
		MemoryThresholdMB:  500,
		GoroutineThreshold: 1000,
	}
}

// Monitor runs registered component checks and keeps the latest results.
type Monitor struct {
	mu sync.RWMutex

	checkTimeout       time.Duration
	memoryThreshold    uint64 // bytes
	goroutineThreshold int

	startTime       time.Time
	components      map[string]Check
	componentHealth map[string]ComponentHealth
	overallStatus   Status

	totalChecks     int64
	failedChecks    int64
	panicRecoveries int64

	logger zerolog.Logger
}

// NewMonitor creates a new health monitor.
func NewMonitor(cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}
	return &Monitor{
		checkTimeout:       cfg.CheckTimeout,
		memoryThreshold:    cfg.MemoryThresholdMB * 1024 * 1024,
		goroutineThreshold: cfg.GoroutineThreshold,
		startTime:          time.Now(),
		components:         make(map[string]Check),
		componentHealth:    make(map[string]ComponentHealth),
		overallStatus:      StatusUnknown,
		logger:             logger,
	}
}

// Register registers a health check for a component.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check concurrently and returns the resulting health.
func (m *Monitor) CheckNow(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]Check, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components)+2)

	for name, check := range components {
		wg.Add(1)
		go func(n string, c Check) {
			defer wg.Done()
			defer m.recoverPanic(n, results)

			start := time.Now()
			h := c(ctx)
			h.Name = n
			h.LastCheck = time.Now()
			if h.Latency == 0 {
				h.Latency = time.Since(start)
			}
			results <- h
		}(name, check)
	}
	results <- m.checkMemory()
	results <- m.checkGoroutines()

	wg.Wait()
	close(results)

	m.mu.Lock()
	m.totalChecks++
	hasUnhealthy, hasDegraded := false, false
	for h := range results {
		m.componentHealth[h.Name] = h
		switch h.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
			m.failedChecks++
			m.logger.Warn().Str("component", h.Name).Str("status", string(h.Status)).Msg(h.Message)
		case StatusDegraded:
			hasDegraded = true
		}
	}
	switch {
	case hasUnhealthy:
		m.overallStatus = StatusUnhealthy
	case hasDegraded:
		m.overallStatus = StatusDegraded
	default:
		m.overallStatus = StatusHealthy
	}
	m.mu.Unlock()

	return m.GetHealth()
}

func (m *Monitor) checkMemory() ComponentHealth {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	h := ComponentHealth{
		Name:      "memory",
		LastCheck: time.Now(),
		Details: map[string]interface{}{
			"alloc_mb": memStats.Alloc / 1024 / 1024,
			"sys_mb":   memStats.Sys / 1024 / 1024,
			"num_gc":   memStats.NumGC,
		},
	}
	if m.memoryThreshold > 0 && memStats.Alloc > m.memoryThreshold {
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("Memory usage high: %d MB", memStats.Alloc/1024/1024)
	} else {
		h.Status = StatusHealthy
		h.Message = fmt.Sprintf("Memory usage: %d MB", memStats.Alloc/1024/1024)
	}
	return h
}

func (m *Monitor) checkGoroutines() ComponentHealth {
	n := runtime.NumGoroutine()
	h := ComponentHealth{
		Name:      "goroutines",
		LastCheck: time.Now(),
		Details:   map[string]interface{}{"count": n},
	}
	if m.goroutineThreshold > 0 && n > m.goroutineThreshold {
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("High goroutine count: %d", n)
	} else {
		h.Status = StatusHealthy
		h.Message = fmt.Sprintf("Goroutine count: %d", n)
	}
	return h
}

func (m *Monitor) recoverPanic(component string, results chan<- ComponentHealth) {
	if r := recover(); r != nil {
		m.mu.Lock()
		m.panicRecoveries++
		m.mu.Unlock()
		results <- ComponentHealth{
			Name:      component,
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("Panic recovered: %v", r),
			LastCheck: time.Now(),
		}
	}
}

// GetHealth returns the most recent results.
func (m *Monitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.componentHealth))
	for _, h := range m.componentHealth {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:          m.overallStatus,
		Uptime:          time.Since(m.startTime).Round(time.Second).String(),
		StartTime:       m.startTime,
		Components:      components,
		TotalChecks:     m.totalChecks,
		FailedChecks:    m.failedChecks,
		PanicRecoveries: m.panicRecoveries,
	}
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status          Status            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	Components      []ComponentHealth `json:"components"`
	TotalChecks     int64             `json:"total_checks"`
	FailedChecks    int64             `json:"failed_checks"`
	PanicRecoveries int64             `json:"panic_recoveries"`
}

// Handler runs the checks and writes the result. Degraded is still 200.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := m.CheckNow(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if h.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(h)
	}
}

// DatabaseCheck reports the journal database as unhealthy when ping fails.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		h := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			h.Status = StatusUnhealthy
			h.Message = fmt.Sprintf("Database ping failed: %v", err)
		case h.Latency > 100*time.Millisecond:
			h.Status = StatusDegraded
			h.Message = fmt.Sprintf("Database slow: %v", h.Latency)
		default:
			h.Status = StatusHealthy
			h.Message = "Database healthy"
		}
		return h
	}
}

// FeedCheck reports a data feed as degraded when its last refresh is older than
// maxAge. The engine keeps using the last good values, so a stale feed is never unhealthy.
func FeedCheck(lastRefresh func() time.Time, maxAge time.Duration) Check {
	return func(ctx context.Context) ComponentHealth {
		last := lastRefresh()
		h := ComponentHealth{Details: map[string]interface{}{"last_refresh": last}}

		switch {
		case last.IsZero():
			h.Status = StatusDegraded
			h.Message = "Feed never refreshed, using fallback values"
		case time.Since(last) > maxAge:
			h.Status = StatusDegraded
			h.Message = fmt.Sprintf("Feed stale for %v", time.Since(last).Round(time.Second))
		default:
			h.Status = StatusHealthy
			h.Message = "Feed fresh"
		}
		return h
	}
}

// BreakerCheck reports the trading state. A halt is degraded: the service is up
// and rejecting proposals as intended.
func BreakerCheck(halted func() (bool, string)) Check {
	return func(ctx context.Context) ComponentHealth {
		isHalted, reason := halted()
		if isHalted {
			return ComponentHealth{Status: StatusDegraded, Message: "Trading halted: " + reason}
		}
		return ComponentHealth{Status: StatusHealthy, Message: "Trading active"}
	}
}

// CircuitCheck reports an outbound dependency guarded by a gobreaker circuit.
func CircuitCheck(state func() gobreaker.State) Check {
	return func(ctx context.Context) ComponentHealth {
		s := state()
		h := ComponentHealth{Details: map[string]interface{}{"circuit": s.String()}}
		switch s {
		case gobreaker.StateOpen:
			h.Status = StatusDegraded
			h.Message = "Circuit open, deliveries suspended"
		case gobreaker.StateHalfOpen:
			h.Status = StatusDegraded
			h.Message = "Circuit half-open, probing"
		default:
			h.Status = StatusHealthy
			h.Message = "Circuit closed"
		}
		return h
	}
}
