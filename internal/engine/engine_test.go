package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"trade-guardrails/internal/breaker"
	"trade-guardrails/internal/config"
	"trade-guardrails/internal/correlation"
	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/guardrails"
	"trade-guardrails/internal/metrics"
	"trade-guardrails/internal/models"
	"trade-guardrails/internal/notify"
	"trade-guardrails/internal/portfolio"
	"trade-guardrails/internal/stream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeJournal struct {
	mu        sync.Mutex
	decisions []models.Decision
	requests  []models.HITLRequest
	events    []breaker.Event
}

func (j *fakeJournal) SaveDecision(ctx context.Context, p models.TradeProposal, d models.Decision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions = append(j.decisions, d)
	return nil
}

func (j *fakeJournal) SaveHITLRequest(ctx context.Context, req models.HITLRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.requests = append(j.requests, req)
	return nil
}

func (j *fakeJournal) SaveBreakerEvent(ctx context.Context, e breaker.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	escalations []string
	halts       []string
	resumes     int
	expired     int
}

func (n *fakeNotifier) Send(ctx context.Context, notif notify.Notification) error { return nil }

func (n *fakeNotifier) SendEscalation(ctx context.Context, req models.HITLRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, req.ID)
	return nil
}

func (n *fakeNotifier) SendHalt(ctx context.Context, reason string, automatic bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.halts = append(n.halts, reason)
	return nil
}

func (n *fakeNotifier) SendResume(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resumes++
	return nil
}

func (n *fakeNotifier) SendExpired(ctx context.Context, reqs []models.HITLRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired += len(reqs)
	return nil
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	journal  *fakeJournal
	notifier *fakeNotifier
	store    *portfolio.Store
}

func newHarness(t *testing.T, cfg config.GuardrailConfig, provider correlation.Provider) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
		journal:  &fakeJournal{},
		notifier: &fakeNotifier{},
	}
	h.store = portfolio.New(decimal.NewFromInt(1000000), portfolio.WithClock(h.clock.Now))
	e, err := New(cfg, config.HITLConfig{}, h.store, provider,
		WithClock(h.clock.Now),
		WithJournal(h.journal),
		WithNotifier(h.notifier),
		WithMetrics(metrics.New()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = e
	return h
}

// permissive leaves only risk-per-trade able to fail on a fresh book.
func permissive() config.GuardrailConfig {
	cfg := config.DefaultGuardrailConfig()
	cfg.MaxPositionSize = 1
	cfg.MaxSectorExposure = 1
	cfg.MaxRiskPerDay = 1
	cfg.HITLTradeThreshold = 1e12
	return cfg
}

func proposal(id string, size int64) models.TradeProposal {
	return models.TradeProposal{
		ID:         id,
		Asset:      "BTCUSD",
		AssetClass: models.AssetCrypto,
		Side:       models.SideLong,
		Size:       decimal.NewFromInt(size),
		Price:      decimal.NewFromInt(65000),
		Urgency:    models.UrgencyGradual,
		Confidence: 0.8,
		AgentID:    "momentum",
	}
}

func findCheck(t *testing.T, d models.Decision, rule string) models.GuardrailCheck {
	t.Helper()
	for _, c := range d.Checks {
		if c.Rule == rule {
			return c
		}
	}
	t.Fatalf("no %s check in %+v", rule, d.Checks)
	return models.GuardrailCheck{}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultGuardrailConfig()
	cfg.MaxRiskPerTrade = 0
	_, err := New(cfg, config.HITLConfig{}, portfolio.New(decimal.NewFromInt(1)), nil)
	if !errors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
	if _, err := New(config.DefaultGuardrailConfig(), config.HITLConfig{}, nil, nil); err == nil {
		t.Error("nil store should be rejected")
	}
}

func TestValidateTrade_ShrinksOversizedRisk(t *testing.T) {
	h := newHarness(t, permissive(), nil)
	p := proposal("p-1", 500000)

	d, err := h.engine.ValidateTrade(context.Background(), p)
	if err != nil {
		t.Fatalf("ValidateTrade() error = %v", err)
	}

	if !d.Approved {
		t.Errorf("decision should be approved with an adjustment: %+v", d.Checks)
	}
	if d.AdjustedProposal == nil || !d.AdjustedProposal.Size.Equal(decimal.NewFromInt(400000)) {
		t.Fatalf("adjusted proposal = %+v, want size 400000", d.AdjustedProposal)
	}
	if !p.Size.Equal(decimal.NewFromInt(500000)) {
		t.Error("original proposal was modified")
	}
	if len(d.Checks) != len(guardrails.Rules()) {
		t.Errorf("checks = %d, want every rule", len(d.Checks))
	}
	if d.Outcome() != models.OutcomeAdjusted || d.ProposalID != "p-1" || d.ID == "" {
		t.Errorf("decision = %+v", d)
	}
	if len(h.journal.decisions) != 1 {
		t.Errorf("journaled decisions = %d, want 1", len(h.journal.decisions))
	}
}

func TestValidateTrade_DrawdownTripsBreaker(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()
	dd := 0.16
	h.engine.UpdatePortfolioState(ctx, models.PortfolioUpdate{CurrentDrawdown: &dd})

	d, err := h.engine.ValidateTrade(ctx, proposal("p-1", 10000))
	if err != nil {
		t.Fatalf("ValidateTrade() error = %v", err)
	}
	if d.Approved {
		t.Error("proposal approved during a drawdown breach")
	}
	c := findCheck(t, d, guardrails.RuleCircuitBreaker)
	if c.Passed || c.Severity != models.SeverityBlocker {
		t.Errorf("circuit breaker check = %+v", c)
	}

	st := h.engine.GetStatus()
	if !st.TradingHalted || !strings.Contains(st.HaltReason, "drawdown") {
		t.Fatalf("status = %+v, want halted on drawdown", st)
	}

	d, _ = h.engine.ValidateTrade(ctx, proposal("p-2", 10))
	if len(d.Checks) != 1 || d.Checks[0].Severity != models.SeverityBlocker || d.Approved {
		t.Fatalf("halted decision = %+v", d)
	}
	if !strings.HasPrefix(d.Checks[0].Message, "Trading halted: ") {
		t.Errorf("halted message = %q", d.Checks[0].Message)
	}

	h.engine.Close()
	if len(h.notifier.halts) != 1 || len(h.journal.events) != 1 || h.journal.events[0].State != breaker.StateHalted {
		t.Errorf("halts notified = %v, journaled = %+v", h.notifier.halts, h.journal.events)
	}
}

func TestValidateTrade_ReportedDrawdownSurvivesFill(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()
	dd := 0.16
	h.engine.UpdatePortfolioState(ctx, models.PortfolioUpdate{CurrentDrawdown: &dd})

	fill := models.Position{
		ID:         "fill-1",
		Asset:      "SPY",
		AssetClass: models.AssetStocks,
		Side:       models.SideLong,
		Size:       decimal.NewFromInt(1000),
		EntryPrice: decimal.NewFromInt(500),
	}
	if err := h.engine.AddPosition(ctx, fill); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}

	d, err := h.engine.ValidateTrade(ctx, proposal("p-1", 10000))
	if err != nil {
		t.Fatalf("ValidateTrade() error = %v", err)
	}
	if c := findCheck(t, d, guardrails.RuleCircuitBreaker); c.Passed {
		t.Errorf("circuit breaker passed at 16%% drawdown: %+v", c)
	}
	if st := h.engine.GetStatus(); !st.TradingHalted {
		t.Errorf("status = %+v, want halted", st)
	}
}

func TestValidateTrade_LargeTradeEscalates(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	p := proposal("p-1", 150000)
	p.Urgency = models.UrgencyImmediate

	d, err := h.engine.ValidateTrade(context.Background(), p)
	if err != nil {
		t.Fatalf("ValidateTrade() error = %v", err)
	}
	if d.Approved {
		t.Error("escalated proposal must not be approved")
	}
	if d.HITLRequired == nil {
		t.Fatal("expected a HITL request")
	}
	req := d.HITLRequired
	if want := h.clock.Now().Add(5 * time.Minute); !req.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", req.ExpiresAt, want)
	}
	if req.Urgency != models.HITLHigh || req.Status != models.HITLPending {
		t.Errorf("request = %+v", req)
	}

	pending := h.engine.GetPendingHITLRequests()
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Errorf("pending = %+v", pending)
	}

	h.engine.Close()
	if len(h.notifier.escalations) != 1 || len(h.journal.requests) != 1 {
		t.Errorf("escalations = %v, journaled = %d", h.notifier.escalations, len(h.journal.requests))
	}
}

func TestValidateTrade_InvalidProposal(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	p := proposal("p-1", 0)

	_, err := h.engine.ValidateTrade(context.Background(), p)
	if !errors.Is(err, apperrors.ErrInvalidProposal) {
		t.Fatalf("error = %v, want ErrInvalidProposal", err)
	}
	var verr *apperrors.ValidationError
	if !errors.As(err, &verr) || verr.Field != "size" {
		t.Errorf("validation error = %v", err)
	}
	if len(h.journal.decisions) != 0 {
		t.Error("malformed proposal was journaled")
	}
}

func TestHITLResolution(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()

	escalate := func(id string) models.HITLRequest {
		d, err := h.engine.ValidateTrade(ctx, proposal(id, 100000))
		if err != nil || d.HITLRequired == nil {
			t.Fatalf("ValidateTrade(%s) = %+v, %v", id, d, err)
		}
		return *d.HITLRequired
	}

	t.Run("approve once", func(t *testing.T) {
		req := escalate("p-approve")
		if !h.engine.ApproveHITL(ctx, req.ID, "desk") {
			t.Fatal("ApproveHITL() = false")
		}
		if h.engine.ApproveHITL(ctx, req.ID, "desk") || h.engine.RejectHITL(ctx, req.ID, "desk") {
			t.Error("resolved request accepted a second decision")
		}
		_, err := h.engine.ResolveHITL(ctx, req.ID, "desk", true)
		if !errors.Is(err, apperrors.ErrRequestNotPending) {
			t.Errorf("error = %v, want ErrRequestNotPending", err)
		}
		got, _ := h.engine.GetHITLRequest(req.ID)
		if got.Status != models.HITLApproved || got.ApprovedBy != "desk" {
			t.Errorf("request = %+v", got)
		}
	})

	t.Run("reject", func(t *testing.T) {
		req := escalate("p-reject")
		if !h.engine.RejectHITL(ctx, req.ID, "desk") {
			t.Fatal("RejectHITL() = false")
		}
		got, _ := h.engine.GetHITLRequest(req.ID)
		if got.Status != models.HITLRejected {
			t.Errorf("status = %s", got.Status)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if h.engine.ApproveHITL(ctx, "hitl-missing", "desk") {
			t.Error("approved a missing request")
		}
		_, err := h.engine.ResolveHITL(ctx, "hitl-missing", "desk", false)
		if !errors.Is(err, apperrors.ErrRequestNotFound) {
			t.Errorf("error = %v, want ErrRequestNotFound", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		req := escalate("p-expire")
		h.clock.Advance(time.Hour + time.Second)
		if h.engine.ApproveHITL(ctx, req.ID, "desk") {
			t.Fatal("approved after expiry")
		}
		got, _ := h.engine.GetHITLRequest(req.ID)
		if got.Status != models.HITLExpired {
			t.Errorf("status = %s, want expired", got.Status)
		}
	})
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()

	if _, err := h.engine.ValidateTrade(ctx, proposal("p-1", 100000)); err != nil {
		t.Fatal(err)
	}
	if got := h.engine.SweepExpired(ctx); len(got) != 0 {
		t.Fatalf("swept %d before deadline", len(got))
	}

	h.clock.Advance(2 * time.Hour)
	expired := h.engine.SweepExpired(ctx)
	if len(expired) != 1 || expired[0].Status != models.HITLExpired {
		t.Fatalf("expired = %+v", expired)
	}

	h.engine.Close()
	if h.notifier.expired != 1 {
		t.Errorf("expired notifications = %d", h.notifier.expired)
	}
	last := h.journal.requests[len(h.journal.requests)-1]
	if last.Status != models.HITLExpired {
		t.Errorf("last journaled status = %s", last.Status)
	}
}

func TestExpiryAfterPendingRead(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()

	first, _ := h.engine.ValidateTrade(ctx, proposal("p-1", 100000))
	second, _ := h.engine.ValidateTrade(ctx, proposal("p-2", 100000))
	if first.HITLRequired == nil || second.HITLRequired == nil {
		t.Fatal("proposals were not escalated")
	}

	h.clock.Advance(2 * time.Hour)
	if pending := h.engine.GetPendingHITLRequests(); len(pending) != 0 {
		t.Fatalf("pending after deadline = %d", len(pending))
	}
	if _, err := h.engine.ValidateTrade(ctx, proposal("p-3", 10)); err != nil {
		t.Fatal(err)
	}

	_, err := h.engine.ResolveHITL(ctx, first.HITLRequired.ID, "desk", true)
	if !errors.Is(err, apperrors.ErrRequestExpired) {
		t.Errorf("ResolveHITL() error = %v, want ErrRequestExpired", err)
	}
	if swept := h.engine.SweepExpired(ctx); len(swept) != 1 || swept[0].ID != second.HITLRequired.ID {
		t.Errorf("swept = %+v, want %s", swept, second.HITLRequired.ID)
	}

	h.engine.Close()
	if h.notifier.expired != 2 {
		t.Errorf("expired notifications = %d, want 2", h.notifier.expired)
	}
	final := map[string]models.HITLStatus{}
	for _, r := range h.journal.requests {
		final[r.ID] = r.Status
	}
	for _, id := range []string{first.HITLRequired.ID, second.HITLRequired.ID} {
		if final[id] != models.HITLExpired {
			t.Errorf("journaled status of %s = %s, want expired", id, final[id])
		}
	}
}

func TestHaltAndResume(t *testing.T) {
	h := newHarness(t, permissive(), nil)
	ctx := context.Background()

	if !h.engine.HaltTrading(ctx, "exchange outage") {
		t.Fatal("HaltTrading() = false")
	}
	if h.engine.HaltTrading(ctx, "second reason") {
		t.Error("second halt reported a transition")
	}
	if _, reason := h.engine.Halted(); reason != "exchange outage" {
		t.Errorf("reason = %q, want original reason", reason)
	}

	d, _ := h.engine.ValidateTrade(ctx, proposal("p-1", 1000))
	if d.Approved || d.Checks[0].Message != "Trading halted: exchange outage" {
		t.Errorf("decision while halted = %+v", d)
	}

	if !h.engine.ResumeTrading(ctx) {
		t.Fatal("ResumeTrading() = false")
	}
	if h.engine.ResumeTrading(ctx) {
		t.Error("resume while active reported a transition")
	}

	d, _ = h.engine.ValidateTrade(ctx, proposal("p-2", 1000))
	if !d.Approved {
		t.Errorf("decision after resume = %+v", d.Checks)
	}

	h.engine.Close()
	if h.notifier.resumes != 1 || len(h.journal.events) != 2 {
		t.Errorf("resumes = %d, events = %+v", h.notifier.resumes, h.journal.events)
	}
	if st := h.engine.GetStatus(); st.Breaker.Trips != 1 || len(st.Breaker.History) != 2 {
		t.Errorf("breaker status = %+v", st.Breaker)
	}
}

func TestResumeRetripsWhileBreached(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()
	loss := decimal.NewFromInt(-60000)
	h.engine.UpdatePortfolioState(ctx, models.PortfolioUpdate{DailyPnL: &loss})

	h.engine.ValidateTrade(ctx, proposal("p-1", 1000))
	h.engine.ResumeTrading(ctx)
	if halted, _ := h.engine.Halted(); halted {
		t.Fatal("resume did not clear the halt")
	}

	h.engine.ValidateTrade(ctx, proposal("p-2", 1000))
	if halted, reason := h.engine.Halted(); !halted || !strings.Contains(reason, "daily loss") {
		t.Errorf("halted = %v reason = %q, want re-trip on daily loss", halted, reason)
	}
}

func TestGetStatus_Idempotent(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()
	if err := h.engine.AddPosition(ctx, models.Position{
		ID: "pos-1", Asset: "ETHUSD", AssetClass: models.AssetCrypto, Side: models.SideLong,
		Size: decimal.NewFromInt(50000), EntryPrice: decimal.NewFromInt(3000),
	}); err != nil {
		t.Fatal(err)
	}

	first := h.engine.GetStatus()
	second := h.engine.GetStatus()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("status changed without mutation:\n%+v\n%+v", first, second)
	}
	if first.Config != config.DefaultGuardrailConfig() || first.PendingHITLCount != 0 {
		t.Errorf("status = %+v", first)
	}
}

func TestPortfolioOperations(t *testing.T) {
	est := correlation.NewEstimator(10)
	h := newHarness(t, config.DefaultGuardrailConfig(), est)
	ctx := context.Background()

	pos := models.Position{
		ID: "pos-1", Asset: "BTCUSD", AssetClass: models.AssetCrypto, Side: models.SideLong,
		Size: decimal.NewFromInt(100000), EntryPrice: decimal.NewFromInt(100),
	}
	if err := h.engine.AddPosition(ctx, pos); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	if err := h.engine.AddPosition(ctx, pos); !errors.Is(err, apperrors.ErrDuplicatePosition) {
		t.Errorf("duplicate error = %v", err)
	}

	for _, price := range []int64{110, 121, 115} {
		if n, err := h.engine.MarkPrice(ctx, "BTCUSD", decimal.NewFromInt(price)); err != nil || n != 1 {
			t.Fatalf("MarkPrice(%d) = %d, %v", price, n, err)
		}
	}
	if got := est.Samples(models.AssetCrypto); got != 2 {
		t.Errorf("estimator samples = %d, want 2", got)
	}
	if _, err := h.engine.MarkPrice(ctx, "BTCUSD", decimal.Zero); err == nil {
		t.Error("zero price accepted")
	}

	r, err := h.engine.ApplyCorrelationReduction(ctx)
	if err != nil {
		t.Fatalf("ApplyCorrelationReduction() error = %v", err)
	}
	if r.Positions != 1 || !r.Released.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("reduction = %+v", r)
	}

	pnl, ok := h.engine.ClosePosition(ctx, "pos-1", decimal.NewFromInt(120))
	if !ok || !pnl.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("ClosePosition() = %s, %v, want 10000", pnl, ok)
	}
	if _, ok := h.engine.ClosePosition(ctx, "pos-1", decimal.NewFromInt(120)); ok {
		t.Error("closed a missing position")
	}

	if err := h.engine.ResetPnL(ctx, models.PeriodDaily); err != nil {
		t.Fatal(err)
	}
	if st := h.engine.GetStatus(); !st.Portfolio.DailyPnL.IsZero() || len(st.Portfolio.Positions) != 0 {
		t.Errorf("portfolio = %+v", st.Portfolio)
	}
}

func TestGenerateReport_SectionOrder(t *testing.T) {
	h := newHarness(t, config.DefaultGuardrailConfig(), nil)
	ctx := context.Background()
	if _, err := h.engine.ValidateTrade(ctx, proposal("p-1", 100000)); err != nil {
		t.Fatal(err)
	}

	report := h.engine.GenerateReport()
	if !strings.HasPrefix(report, "Trading Status: ACTIVE\n") {
		t.Errorf("report does not start with the status line:\n%s", report)
	}
	last := -1
	for _, section := range []string{"Trading Status:", "\nPortfolio:\n", "\nLimits:\n", "\nPending Approvals: 1\n"} {
		i := strings.Index(report, section)
		if i <= last {
			t.Fatalf("section %q out of order in:\n%s", section, report)
		}
		last = i
	}

	h.engine.HaltTrading(ctx, "maintenance")
	if report := h.engine.GenerateReport(); !strings.HasPrefix(report, "Trading Status: HALTED (maintenance)") {
		t.Errorf("halted report:\n%s", report)
	}
}

func TestConcurrentValidation(t *testing.T) {
	h := newHarness(t, permissive(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := h.engine.ValidateTrade(ctx, proposal(fmt.Sprintf("p-%d", i), 1000)); err != nil {
				t.Error(err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = h.engine.AddPosition(ctx, models.Position{
				ID: fmt.Sprintf("pos-%d", i), Asset: "EURUSD", AssetClass: models.AssetForex, Side: models.SideShort,
				Size: decimal.NewFromInt(1000), EntryPrice: decimal.NewFromFloat(1.08),
			})
		}(i)
	}
	wg.Wait()

	if n := len(h.journal.decisions); n != 50 {
		t.Errorf("journaled decisions = %d, want 50", n)
	}
	if n := len(h.engine.GetStatus().Portfolio.Positions); n != 50 {
		t.Errorf("positions = %d, want 50", n)
	}
}

// Property: once halted, every decision is a rejection until trading resumes.
func TestProperty_BreakerMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("no approval after a trip without resume", prop.ForAll(
		func(drawdown float64, sizes []int64) bool {
			h := newHarness(t, permissive(), nil)
			ctx := context.Background()
			h.engine.UpdatePortfolioState(ctx, models.PortfolioUpdate{CurrentDrawdown: &drawdown})

			halted := false
			for i, size := range sizes {
				d, err := h.engine.ValidateTrade(ctx, proposal(fmt.Sprintf("p-%d", i), size))
				if err != nil {
					return false
				}
				if halted && (d.Approved || len(d.Checks) != 1) {
					return false
				}
				now, _ := h.engine.Halted()
				if halted && !now {
					return false
				}
				halted = now
			}
			// Clearing the drawdown does not resume trading.
			zero := 0.0
			h.engine.UpdatePortfolioState(ctx, models.PortfolioUpdate{CurrentDrawdown: &zero})
			after, _ := h.engine.Halted()
			return after == halted && halted == (drawdown >= 0.15 && len(sizes) > 0)
		},
		gen.Float64Range(0, 0.3),
		gen.SliceOf(gen.Int64Range(1, 200000)),
	))

	properties.TestingRun(t)
}

// Property: a decision that needs human approval is never approved.
func TestProperty_HITLForcesRejection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("hitl required implies not approved", prop.ForAll(
		func(size int64, urgent bool) bool {
			h := newHarness(t, permissive(), nil)
			h.engine.cfg.HITLTradeThreshold = 100000
			p := proposal("p", size)
			if urgent {
				p.Urgency = models.UrgencyImmediate
			}
			d, err := h.engine.ValidateTrade(context.Background(), p)
			if err != nil {
				return false
			}
			needsHITL := size >= 100000
			return (d.HITLRequired != nil) == needsHITL && (!needsHITL || !d.Approved)
		},
		gen.Int64Range(1, 500000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []stream.Event
}

func (p *recordingPublisher) Publish(ev stream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []stream.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stream.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func TestEngine_PublishesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	store := portfolio.New(decimal.NewFromInt(1000000))
	e, err := New(config.DefaultGuardrailConfig(), config.HITLConfig{}, store, nil, WithEvents(pub))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	d, err := e.ValidateTrade(ctx, proposal("p-1", 150000))
	if err != nil || d.HITLRequired == nil {
		t.Fatalf("ValidateTrade() = %+v, %v", d, err)
	}
	if !e.ApproveHITL(ctx, d.HITLRequired.ID, "risk-desk") {
		t.Fatal("ApproveHITL() = false")
	}
	e.HaltTrading(ctx, "operator")
	e.ResumeTrading(ctx)

	want := []stream.EventType{
		stream.EventDecision, stream.EventHITL, stream.EventHITL,
		stream.EventBreaker, stream.EventBreaker,
	}
	if got := pub.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}

	de, ok := pub.events[0].Data.(DecisionEvent)
	if !ok || de.Proposal.ID != "p-1" || de.Decision.ID != d.ID {
		t.Errorf("decision event = %+v", pub.events[0].Data)
	}
	if req, ok := pub.events[2].Data.(models.HITLRequest); !ok || req.Status != models.HITLApproved {
		t.Errorf("resolution event = %+v", pub.events[2].Data)
	}
	if ev, ok := pub.events[3].Data.(breaker.Event); !ok || ev.State != breaker.StateHalted || ev.Reason != "operator" {
		t.Errorf("halt event = %+v", pub.events[3].Data)
	}
}
