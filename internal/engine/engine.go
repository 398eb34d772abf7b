// Package engine is the decision aggregator. It owns orchestration only: state
// lives in the portfolio store, the breaker and the HITL queue, and policy lives
// in the stateless guardrail rules.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-guardrails/internal/breaker"
	"trade-guardrails/internal/config"
	"trade-guardrails/internal/correlation"
	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/guardrails"
	"trade-guardrails/internal/hitl"
	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/metrics"
	"trade-guardrails/internal/models"
	"trade-guardrails/internal/notify"
	"trade-guardrails/internal/portfolio"
	"trade-guardrails/internal/security"
	"trade-guardrails/internal/stream"
)

// DefaultNotifyTimeout bounds one background notification.
const DefaultNotifyTimeout = 15 * time.Second

// Journal receives every decision and transition. store.SQLiteStore implements it.
type Journal interface {
	SaveDecision(ctx context.Context, proposal models.TradeProposal, decision models.Decision) error
	SaveHITLRequest(ctx context.Context, req models.HITLRequest) error
	SaveBreakerEvent(ctx context.Context, event breaker.Event) error
}

// EventPublisher receives decisions, review transitions and breaker
// transitions as they happen. stream.Hub implements it.
type EventPublisher interface {
	Publish(ev stream.Event)
}

// DecisionEvent is the payload of a stream.EventDecision.
type DecisionEvent struct {
	Proposal models.TradeProposal `json:"proposal"`
	Decision models.Decision      `json:"decision"`
}

// Engine validates trade proposals against the guardrail policy.
type Engine struct {
	// mu serializes snapshot and evaluation against ledger mutations.
	mu sync.Mutex

	cfg          config.GuardrailConfig
	portfolio    *portfolio.Store
	correlations correlation.Provider
	breaker      *breaker.Controller
	queue        *hitl.Queue
	hitlCfg      config.HITLConfig

	logger   zerolog.Logger
	metrics  *metrics.Metrics
	journal  Journal
	notifier notify.Notifier
	events   EventPublisher
	audit    *security.AuditLogger
	now      func() time.Time

	notifyTimeout time.Duration
	dispatcher    *notify.Dispatcher

	// Last marked price and asset class per asset, for return observations.
	lastPrice  map[string]decimal.Decimal
	assetClass map[string]models.AssetClass
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logging.WithComponent(logger, "engine")
	}
}

// WithMetrics records engine activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithJournal appends every decision and transition to j.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithNotifier sends escalations and breaker transitions to n.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithEvents publishes engine events to p.
func WithEvents(p EventPublisher) Option {
	return func(e *Engine) {
		e.events = p
	}
}

// WithAudit writes the audit trail to al.
func WithAudit(al *security.AuditLogger) Option {
	return func(e *Engine) {
		e.audit = al
	}
}

// WithClock overrides the clock. It is also used by the default breaker and queue.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithBreaker uses an existing circuit breaker controller.
func WithBreaker(c *breaker.Controller) Option {
	return func(e *Engine) {
		e.breaker = c
	}
}

// WithQueue uses an existing HITL queue.
func WithQueue(q *hitl.Queue) Option {
	return func(e *Engine) {
		e.queue = q
	}
}

// WithNotifyTimeout bounds each background notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// New creates an engine over store. A nil provider reports zero correlation for
// every pair of distinct classes.
func New(cfg config.GuardrailConfig, hitlCfg config.HITLConfig, store *portfolio.Store, provider correlation.Provider, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("engine: portfolio store is required")
	}
	if provider == nil {
		static, err := correlation.NewStaticMatrix(nil)
		if err != nil {
			return nil, err
		}
		provider = static
	}

	e := &Engine{
		cfg:           cfg,
		hitlCfg:       hitlCfg,
		portfolio:     store,
		correlations:  provider,
		logger:        zerolog.Nop(),
		now:           time.Now,
		notifyTimeout: DefaultNotifyTimeout,
		lastPrice:     make(map[string]decimal.Decimal),
		assetClass:    make(map[string]models.AssetClass),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = breaker.New(breaker.WithClock(e.now))
	}
	if e.queue == nil {
		e.queue = hitl.NewQueue(hitlCfg, hitl.WithClock(e.now))
	}
	if e.notifier != nil {
		e.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{Timeout: e.notifyTimeout}, e.logger)
	}

	e.metrics.ObservePortfolio(store.Snapshot())
	if halted, _ := e.breaker.Halted(); halted && e.metrics != nil {
		e.metrics.Halted.Set(1)
	}
	return e, nil
}

// Config returns the policy the engine was built with.
func (e *Engine) Config() config.GuardrailConfig {
	return e.cfg
}

// ValidateTrade evaluates proposal. Policy violations are reported as checks in
// the decision; an error is returned only for a malformed proposal.
func (e *Engine) ValidateTrade(ctx context.Context, proposal models.TradeProposal) (models.Decision, error) {
	if err := proposal.Validate(); err != nil {
		_ = e.audit.LogInvalidSubmission(ctx, "proposal", proposal.ID, err)
		e.logger.Warn().Err(err).Str("proposal_id", proposal.ID).Msg("Rejected malformed proposal")
		return models.Decision{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidProposal, err)
	}

	start := time.Now()

	e.mu.Lock()
	now := e.now()
	d := models.Decision{
		ID:          uuid.NewString(),
		ProposalID:  proposal.ID,
		EvaluatedAt: now,
	}
	e.assetClass[proposal.Asset] = proposal.AssetClass

	var (
		tripped    bool
		haltReason string
	)
	if halted, reason := e.breaker.Halted(); halted {
		d.Checks = []models.GuardrailCheck{guardrails.HaltedCheck(reason)}
	} else {
		d.Checks = guardrails.Evaluate(guardrails.Input{
			Proposal:     proposal,
			Portfolio:    e.portfolio.Snapshot(),
			Correlations: correlation.Pairs(e.correlations),
			Now:          now,
			Config:       e.cfg,
		})
		v := guardrails.Aggregate(proposal, d.Checks)
		d.Approved = v.Approved
		if v.AdjustedSize != nil {
			adjusted := proposal.WithSize(*v.AdjustedSize)
			d.AdjustedProposal = &adjusted
		}
		if v.HaltReason != "" {
			tripped = e.breaker.Halt(v.HaltReason)
			_, haltReason = e.breaker.Halted()
		}
		if v.HITLReason != "" {
			req := e.queue.Create(proposal, v.HITLReason)
			d.HITLRequired = &req
		}
	}
	pendingCount := e.queue.PendingCount()
	e.mu.Unlock()

	logger := logging.WithProposal(e.logger, proposal)
	logging.LogDecision(logger, d)
	e.metrics.ObserveDecision(d, time.Since(start))
	e.metrics.SetPending(pendingCount)
	if err := e.audit.LogDecision(ctx, proposal, d); err != nil {
		e.logger.Error().Err(err).Msg("Failed to write audit event")
	}
	if e.journal != nil {
		if err := e.journal.SaveDecision(ctx, proposal, d); err != nil {
			e.logger.Error().Err(err).Str("decision_id", d.ID).Msg("Failed to journal decision")
		}
	}

	e.publish(stream.EventDecision, now, DecisionEvent{Proposal: proposal, Decision: d})

	if tripped {
		e.onHalt(ctx, haltReason, true, now)
	}
	if d.HITLRequired != nil {
		req := *d.HITLRequired
		logging.LogHITL(logger, req)
		e.journalHITL(ctx, req)
		e.publish(stream.EventHITL, now, req)
		e.notifyAsync(func(ctx context.Context) error {
			return e.notifier.SendEscalation(ctx, req)
		})
	}

	return d, nil
}

// onHalt runs the side effects of a breaker trip. source is "rule" for an automatic trip.
func (e *Engine) onHalt(ctx context.Context, reason string, automatic bool, at time.Time) {
	source := "manual"
	if automatic {
		source = "rule"
	}
	logging.LogHalt(e.logger, true, reason)
	e.metrics.SetHalted(true, source)
	if err := e.audit.LogHalt(ctx, reason, automatic); err != nil {
		e.logger.Error().Err(err).Msg("Failed to write audit event")
	}
	event := breaker.Event{State: breaker.StateHalted, Reason: reason, At: at}
	e.journalBreaker(ctx, event)
	e.publish(stream.EventBreaker, at, event)
	e.notifyAsync(func(ctx context.Context) error {
		return e.notifier.SendHalt(ctx, reason, automatic)
	})
}

// HaltTrading halts trading. It returns false when trading was already halted,
// in which case the original reason is kept.
func (e *Engine) HaltTrading(ctx context.Context, reason string) bool {
	if !e.breaker.Halt(reason) {
		return false
	}
	_, reason = e.breaker.Halted()
	e.onHalt(ctx, reason, false, e.now())
	return true
}

// ResumeTrading is the only way out of the halted state.
func (e *Engine) ResumeTrading(ctx context.Context) bool {
	if !e.breaker.Resume() {
		return false
	}
	logging.LogHalt(e.logger, false, "")
	e.metrics.SetHalted(false, "")
	if err := e.audit.LogResume(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to write audit event")
	}
	event := breaker.Event{State: breaker.StateActive, At: e.now()}
	e.journalBreaker(ctx, event)
	e.publish(stream.EventBreaker, event.At, event)
	e.notifyAsync(func(ctx context.Context) error {
		return e.notifier.SendResume(ctx)
	})
	return true
}

// Halted reports whether trading is halted and why.
func (e *Engine) Halted() (bool, string) {
	return e.breaker.Halted()
}

func (e *Engine) journalHITL(ctx context.Context, req models.HITLRequest) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveHITLRequest(ctx, req); err != nil {
		e.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to journal HITL request")
	}
}

func (e *Engine) journalBreaker(ctx context.Context, event breaker.Event) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveBreakerEvent(ctx, event); err != nil {
		e.logger.Error().Err(err).Msg("Failed to journal breaker event")
	}
}

func (e *Engine) publish(t stream.EventType, at time.Time, data interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(stream.Event{Type: t, At: at, Data: data})
}

// notifyAsync sends a notification without blocking the caller.
func (e *Engine) notifyAsync(send func(ctx context.Context) error) {
	if e.dispatcher == nil {
		return
	}
	if !e.dispatcher.Submit(send) {
		e.logger.Warn().Msg("Notification dropped")
	}
}

// Close waits for queued notifications. The engine sends none afterwards.
func (e *Engine) Close() error {
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
	return nil
}
