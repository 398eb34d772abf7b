// Package metrics exposes Prometheus metrics for the guardrail engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade-guardrails/internal/models"
)

// Metrics holds all guardrail collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Decisions        *prometheus.CounterVec
	FailedChecks     *prometheus.CounterVec
	Adjustments      prometheus.Counter
	EvaluationTime   prometheus.Histogram
	Halted           prometheus.Gauge
	Halts            *prometheus.CounterVec
	PendingHITL      prometheus.Gauge
	HITLResolutions  *prometheus.CounterVec
	Exposure         *prometheus.GaugeVec
	CurrentDrawdown  prometheus.Gauge
	AvailableCapital prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrails_decisions_total",
				Help: "Trade proposals evaluated by outcome",
			},
			[]string{"outcome"},
		),

		FailedChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrails_failed_checks_total",
				Help: "Failed guardrail checks by rule and severity",
			},
			[]string{"rule", "severity"},
		),

		Adjustments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guardrails_size_adjustments_total",
				Help: "Proposals returned with a reduced size",
			},
		),

		EvaluationTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guardrails_evaluation_seconds",
				Help:    "Time spent evaluating one proposal",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),

		Halted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardrails_trading_halted",
				Help: "1 while the circuit breaker is halted",
			},
		),

		Halts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrails_halts_total",
				Help: "Circuit breaker trips by source",
			},
			[]string{"source"},
		),

		PendingHITL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardrails_hitl_pending",
				Help: "Human approval requests awaiting a decision",
			},
		),

		HITLResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrails_hitl_resolutions_total",
				Help: "Human approval requests resolved by final status",
			},
			[]string{"status"},
		),

		Exposure: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardrails_exposure",
				Help: "Open notional by asset class",
			},
			[]string{"asset_class"},
		),

		CurrentDrawdown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardrails_current_drawdown_ratio",
				Help: "Current drawdown as a fraction of peak equity",
			},
		),

		AvailableCapital: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardrails_available_capital",
				Help: "Capital not committed to open positions",
			},
		),
	}

	m.registry.MustRegister(
		m.Decisions,
		m.FailedChecks,
		m.Adjustments,
		m.EvaluationTime,
		m.Halted,
		m.Halts,
		m.PendingHITL,
		m.HITLResolutions,
		m.Exposure,
		m.CurrentDrawdown,
		m.AvailableCapital,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision records one evaluation.
func (m *Metrics) ObserveDecision(d models.Decision, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(d.Outcome()).Inc()
	for _, c := range d.FailedChecks() {
		m.FailedChecks.WithLabelValues(c.Rule, string(c.Severity)).Inc()
	}
	if d.AdjustedProposal != nil {
		m.Adjustments.Inc()
	}
	m.EvaluationTime.Observe(elapsed.Seconds())
}

// SetHalted records the breaker state. source is "rule" or "manual" for a trip.
func (m *Metrics) SetHalted(halted bool, source string) {
	if m == nil {
		return
	}
	if halted {
		m.Halted.Set(1)
		m.Halts.WithLabelValues(source).Inc()
		return
	}
	m.Halted.Set(0)
}

// SetPending records the number of open approval requests.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingHITL.Set(float64(n))
}

// ObserveResolution records a request reaching a final status.
func (m *Metrics) ObserveResolution(status models.HITLStatus) {
	if m == nil {
		return
	}
	m.HITLResolutions.WithLabelValues(string(status)).Inc()
}

// ObservePortfolio records exposure, drawdown and free capital from a snapshot.
func (m *Metrics) ObservePortfolio(s models.PortfolioState) {
	if m == nil {
		return
	}
	for _, class := range models.AssetClasses {
		total := 0.0
		for _, p := range s.Positions {
			if p.AssetClass == class {
				total += p.Size.InexactFloat64()
			}
		}
		m.Exposure.WithLabelValues(string(class)).Set(total)
	}
	m.CurrentDrawdown.Set(s.CurrentDrawdown)
	m.AvailableCapital.Set(s.AvailableCapital.InexactFloat64())
}
