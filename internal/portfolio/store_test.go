package portfolio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func position(id, asset string, class models.AssetClass, side models.Side, size, entry float64) models.Position {
	return models.Position{
		ID:         id,
		Asset:      asset,
		AssetClass: class,
		Side:       side,
		Size:       d(size),
		EntryPrice: d(entry),
	}
}

func withStop(p models.Position, stop float64) models.Position {
	s := d(stop)
	p.StopLoss = &s
	return p
}

func TestAddPosition(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := New(d(1000000), WithClock(func() time.Time { return fixed }))

	if err := s.AddPosition(position("p1", "BTC", models.AssetCrypto, models.SideLong, 50000, 60000)); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(snap.Positions))
	}
	p := snap.Positions[0]
	if !p.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", p.Timestamp, fixed)
	}
	if !p.CurrentPrice.Equal(d(60000)) {
		t.Errorf("current price = %s, want entry price", p.CurrentPrice)
	}
	if !snap.AvailableCapital.Equal(d(950000)) {
		t.Errorf("available = %s, want 950000", snap.AvailableCapital)
	}
}

func TestAddPosition_Rejects(t *testing.T) {
	s := New(d(100000))
	if err := s.AddPosition(position("p1", "ES", models.AssetStocks, models.SideLong, 10000, 100)); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}

	tests := []struct {
		name string
		pos  models.Position
		want error
	}{
		{"duplicate id", position("p1", "NQ", models.AssetStocks, models.SideLong, 1000, 100), apperrors.ErrDuplicatePosition},
		{"zero size", position("p2", "NQ", models.AssetStocks, models.SideLong, 0, 100), apperrors.ErrInvalidPosition},
		{"unknown class", position("p3", "NQ", "bonds", models.SideLong, 1000, 100), apperrors.ErrInvalidPosition},
		{"insufficient funds", position("p4", "NQ", models.AssetStocks, models.SideLong, 95000, 100), apperrors.ErrInsufficientFunds},
		{"negative stop", withStop(position("p6", "NQ", models.AssetStocks, models.SideLong, 1000, 100), -0.5), apperrors.ErrInvalidPosition},
		{"zero stop", withStop(position("p7", "NQ", models.AssetStocks, models.SideLong, 1000, 100), 0), apperrors.ErrInvalidPosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddPosition(tt.pos)
			if !errors.Is(err, tt.want) {
				t.Errorf("AddPosition() error = %v, want %v", err, tt.want)
			}
		})
	}

	if n := len(s.Snapshot().Positions); n != 1 {
		t.Errorf("positions = %d after rejected adds, want 1", n)
	}

	var riskErr *apperrors.RiskError
	err := s.AddPosition(position("p5", "NQ", models.AssetStocks, models.SideLong, 95000, 100))
	if !errors.As(err, &riskErr) || riskErr.Current != 95000 || riskErr.Limit != 90000 {
		t.Errorf("insufficient funds detail = %v", err)
	}
}

func TestClosePosition_RealizesPnL(t *testing.T) {
	tests := []struct {
		name string
		side models.Side
		exit float64
		want float64
	}{
		{"long gain", models.SideLong, 110, 1000},
		{"long loss", models.SideLong, 90, -1000},
		{"short gain", models.SideShort, 90, 1000},
		{"short loss", models.SideShort, 120, -2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(d(100000))
			if err := s.AddPosition(position("p1", "GOLD", models.AssetCommodities, tt.side, 10000, 100)); err != nil {
				t.Fatalf("AddPosition() error = %v", err)
			}

			pnl, err := s.ClosePosition("p1", d(tt.exit))
			if err != nil {
				t.Fatalf("ClosePosition() error = %v", err)
			}
			if !pnl.Equal(d(tt.want)) {
				t.Errorf("pnl = %s, want %v", pnl, tt.want)
			}

			snap := s.Snapshot()
			if len(snap.Positions) != 0 {
				t.Errorf("position not removed")
			}
			for name, acc := range map[string]decimal.Decimal{
				"daily": snap.DailyPnL, "weekly": snap.WeeklyPnL, "monthly": snap.MonthlyPnL,
			} {
				if !acc.Equal(d(tt.want)) {
					t.Errorf("%s pnl = %s, want %v", name, acc, tt.want)
				}
			}
			if !snap.TotalCapital.Equal(d(100000 + tt.want)) {
				t.Errorf("total capital = %s", snap.TotalCapital)
			}
			if snap.AvailableCapital.GreaterThan(snap.TotalCapital) {
				t.Errorf("available %s exceeds total %s", snap.AvailableCapital, snap.TotalCapital)
			}
		})
	}
}

func TestClosePosition_NotFound(t *testing.T) {
	s := New(d(100000))
	_, err := s.ClosePosition("missing", d(1))
	if !errors.Is(err, apperrors.ErrPositionNotFound) {
		t.Errorf("error = %v, want ErrPositionNotFound", err)
	}
}

func TestUpdate_KeepsInvariants(t *testing.T) {
	s := New(d(100000))

	available := d(250000)
	current := 0.12
	lowerMax := 0.05
	s.Update(models.PortfolioUpdate{
		AvailableCapital: &available,
		CurrentDrawdown:  &current,
		MaxDrawdown:      &lowerMax,
	})

	snap := s.Snapshot()
	if !snap.AvailableCapital.Equal(snap.TotalCapital) {
		t.Errorf("available = %s, want clamped to total %s", snap.AvailableCapital, snap.TotalCapital)
	}
	if snap.MaxDrawdown != current {
		t.Errorf("max drawdown = %v, want raised to current %v", snap.MaxDrawdown, current)
	}

	daily := d(-3000)
	s.Update(models.PortfolioUpdate{DailyPnL: &daily})
	snap = s.Snapshot()
	if !snap.DailyPnL.Equal(daily) || snap.CurrentDrawdown != current {
		t.Errorf("partial update touched other fields: %+v", snap)
	}
}

func TestUpdate_ReportedDrawdownSurvivesFills(t *testing.T) {
	s := New(d(100000))
	reported := 0.16
	s.Update(models.PortfolioUpdate{CurrentDrawdown: &reported})

	if err := s.AddPosition(position("p1", "GOLD", models.AssetCommodities, models.SideLong, 1000, 2000)); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	if dd := s.Snapshot().CurrentDrawdown; dd != reported {
		t.Errorf("drawdown after fill = %v, want %v", dd, reported)
	}
	if _, err := s.ClosePosition("p1", d(2000)); err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if dd := s.Snapshot().CurrentDrawdown; dd != reported {
		t.Errorf("drawdown after flat close = %v, want %v", dd, reported)
	}

	// Marks are measured from the peak implied by the report: equity 100k at
	// 16% below a peak of 100k/0.84. A 10% loss on 10k takes equity to 99k.
	if err := s.AddPosition(position("p2", "GOLD", models.AssetCommodities, models.SideLong, 10000, 2000)); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	s.MarkPrice("GOLD", d(1800))
	want := 1 - 99000.0*0.84/100000.0
	if diff := s.Snapshot().CurrentDrawdown - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("drawdown after mark = %v, want %v", s.Snapshot().CurrentDrawdown, want)
	}
}

func TestMarkPrice_TracksDrawdownFromPeak(t *testing.T) {
	s := New(d(100000))
	if err := s.AddPosition(position("p1", "EURUSD", models.AssetForex, models.SideLong, 50000, 1.0)); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}

	// +10% on 50k notional lifts equity to 105k, the new peak.
	if n := s.MarkPrice("EURUSD", d(1.1)); n != 1 {
		t.Fatalf("marked = %d, want 1", n)
	}
	if dd := s.Snapshot().CurrentDrawdown; dd != 0 {
		t.Errorf("drawdown at peak = %v, want 0", dd)
	}

	// -10% from entry drops equity to 95k: (105k-95k)/105k.
	s.MarkPrice("EURUSD", d(0.9))
	snap := s.Snapshot()
	want := 10000.0 / 105000.0
	if diff := snap.CurrentDrawdown - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("drawdown = %v, want %v", snap.CurrentDrawdown, want)
	}
	if snap.MaxDrawdown < snap.CurrentDrawdown {
		t.Errorf("max drawdown %v below current %v", snap.MaxDrawdown, snap.CurrentDrawdown)
	}
	if !snap.Positions[0].UnrealizedPnL.Equal(d(-5000)) {
		t.Errorf("unrealized = %s, want -5000", snap.Positions[0].UnrealizedPnL)
	}

	// Recovery lowers current drawdown but not the running maximum.
	s.MarkPrice("EURUSD", d(1.05))
	snap = s.Snapshot()
	if snap.CurrentDrawdown >= want {
		t.Errorf("drawdown did not recover: %v", snap.CurrentDrawdown)
	}
	if snap.MaxDrawdown < want-1e-9 {
		t.Errorf("max drawdown decreased to %v", snap.MaxDrawdown)
	}

	s.ResetMaxDrawdown()
	snap = s.Snapshot()
	if snap.MaxDrawdown != snap.CurrentDrawdown {
		t.Errorf("after reset max = %v, current = %v", snap.MaxDrawdown, snap.CurrentDrawdown)
	}

	if n := s.MarkPrice("UNKNOWN", d(1)); n != 0 {
		t.Errorf("marked unknown asset = %d", n)
	}
}

func TestReducePositions(t *testing.T) {
	s := New(d(200000))
	if err := s.AddPosition(position("a", "BTC", models.AssetCrypto, models.SideLong, 40000, 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPosition(position("b", "SPY", models.AssetStocks, models.SideShort, 20000, 100)); err != nil {
		t.Fatal(err)
	}
	s.MarkPrice("BTC", d(110))

	r, err := s.ReducePositions(d(0.5))
	if err != nil {
		t.Fatalf("ReducePositions() error = %v", err)
	}
	if r.Positions != 2 || !r.Released.Equal(d(30000)) {
		t.Errorf("reduction = %+v", r)
	}
	if !r.Realized.Equal(d(2000)) {
		t.Errorf("realized = %s, want 2000", r.Realized)
	}

	snap := s.Snapshot()
	if !snap.Positions[0].Size.Equal(d(20000)) || !snap.Positions[1].Size.Equal(d(10000)) {
		t.Errorf("sizes = %s, %s", snap.Positions[0].Size, snap.Positions[1].Size)
	}
	if !snap.DailyPnL.Equal(d(2000)) {
		t.Errorf("daily pnl = %s, want 2000", snap.DailyPnL)
	}

	if _, err := s.ReducePositions(d(1)); err != nil {
		t.Fatalf("ReducePositions(1) error = %v", err)
	}
	if n := len(s.Snapshot().Positions); n != 0 {
		t.Errorf("positions after full reduction = %d", n)
	}

	for _, bad := range []float64{0, -0.1, 1.5} {
		if _, err := s.ReducePositions(d(bad)); err == nil {
			t.Errorf("ReducePositions(%v) expected error", bad)
		}
	}
}

func TestResetPnL(t *testing.T) {
	s := New(d(100000))
	loss := d(-500)
	s.Update(models.PortfolioUpdate{DailyPnL: &loss, WeeklyPnL: &loss, MonthlyPnL: &loss})

	if err := s.ResetPnL(models.PeriodDaily); err != nil {
		t.Fatalf("ResetPnL() error = %v", err)
	}
	snap := s.Snapshot()
	if !snap.DailyPnL.IsZero() || !snap.WeeklyPnL.Equal(loss) {
		t.Errorf("daily = %s weekly = %s", snap.DailyPnL, snap.WeeklyPnL)
	}
	if err := s.ResetPnL("hourly"); err == nil {
		t.Error("ResetPnL(hourly) expected error")
	}
}

func TestSnapshot_IsIsolated(t *testing.T) {
	s := New(d(100000))
	stop := d(0.02)
	p := position("p1", "ETH", models.AssetCrypto, models.SideLong, 1000, 10)
	p.StopLoss = &stop
	if err := s.AddPosition(p); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	snap.Positions[0].Size = d(1)
	*snap.Positions[0].StopLoss = d(0.9)
	snap.TotalCapital = d(1)

	again := s.Snapshot()
	if !again.Positions[0].Size.Equal(d(1000)) || !again.Positions[0].StopLoss.Equal(stop) {
		t.Error("mutating a snapshot changed the store")
	}
	if !again.TotalCapital.Equal(d(100000)) {
		t.Error("mutating a snapshot changed total capital")
	}
}

func TestNewFromState(t *testing.T) {
	state := models.PortfolioState{
		TotalCapital:     d(500000),
		AvailableCapital: d(600000),
		Positions:        []models.Position{position("x", "OIL", models.AssetCommodities, models.SideLong, 10000, 80)},
		CurrentDrawdown:  0.08,
	}
	s, err := NewFromState(state)
	if err != nil {
		t.Fatalf("NewFromState() error = %v", err)
	}
	snap := s.Snapshot()
	if !snap.AvailableCapital.Equal(d(500000)) {
		t.Errorf("available = %s, want clamped", snap.AvailableCapital)
	}
	if snap.MaxDrawdown != 0.08 {
		t.Errorf("max drawdown = %v, want 0.08", snap.MaxDrawdown)
	}

	state.Positions = append(state.Positions, state.Positions[0])
	if _, err := NewFromState(state); !errors.Is(err, apperrors.ErrDuplicatePosition) {
		t.Errorf("duplicate ids: error = %v", err)
	}
}

func TestConcurrentMutations(t *testing.T) {
	s := New(d(1000000))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A'+i%26)) + decimal.NewFromInt(int64(i)).String()
			if err := s.AddPosition(position(id, "BTC", models.AssetCrypto, models.SideLong, 1000, 100)); err != nil {
				t.Errorf("AddPosition(%s) error = %v", id, err)
				return
			}
			s.MarkPrice("BTC", d(101))
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	if len(snap.Positions) != 50 {
		t.Errorf("positions = %d, want 50", len(snap.Positions))
	}
	if !snap.AvailableCapital.Equal(d(950000)) {
		t.Errorf("available = %s, want 950000", snap.AvailableCapital)
	}
}

// Property: whatever sequence of opens, marks and closes is applied, available
// capital never exceeds total capital and current drawdown never exceeds max drawdown.
func TestProperty_LedgerInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("available <= total and current drawdown <= max drawdown", prop.ForAll(
		func(sizes []float64, moves []float64) bool {
			s := New(d(1000000))
			for i, size := range sizes {
				id := decimal.NewFromInt(int64(i)).String()
				_ = s.AddPosition(position(id, "BTC", models.AssetCrypto, models.SideLong, size, 100))
			}
			for i, move := range moves {
				s.MarkPrice("BTC", d(100*(1+move)))
				if i%3 == 0 {
					_, _ = s.ClosePosition(decimal.NewFromInt(int64(i)).String(), d(100*(1+move)))
				}

				snap := s.Snapshot()
				if snap.AvailableCapital.GreaterThan(snap.TotalCapital) {
					return false
				}
				if snap.CurrentDrawdown > snap.MaxDrawdown || snap.CurrentDrawdown < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.Float64Range(1000, 50000)),
		gen.SliceOfN(10, gen.Float64Range(-0.5, 0.5)),
	))

	properties.TestingRun(t)
}
