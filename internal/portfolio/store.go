// Package portfolio holds the capital and exposure ledger shared by all evaluations.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
)

// Store is the portfolio state store. All reads return deep copies.
type Store struct {
	state models.PortfolioState

	// Highest equity seen, used to derive drawdown on mark-to-market.
	peakEquity decimal.Decimal
	// Equity the current drawdown was last derived or reported at.
	drawdownEquity decimal.Decimal

	now func() time.Time

	mu sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to timestamp new positions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store with all capital available and no positions.
func New(initialCapital decimal.Decimal, opts ...Option) *Store {
	s := &Store{
		state: models.PortfolioState{
			TotalCapital:     initialCapital,
			AvailableCapital: initialCapital,
			Positions:        []models.Position{},
		},
		peakEquity:     initialCapital,
		drawdownEquity: initialCapital,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromState creates a store seeded with an existing ledger, as loaded from a file.
func NewFromState(state models.PortfolioState, opts ...Option) (*Store, error) {
	if !state.TotalCapital.IsPositive() {
		return nil, apperrors.NewValidationError("total_capital", state.TotalCapital, "must be positive")
	}
	seen := make(map[string]bool, len(state.Positions))
	for _, p := range state.Positions {
		if err := p.Validate(); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidPosition, "position %s: %v", p.ID, err)
		}
		if seen[p.ID] {
			return nil, apperrors.Wrapf(apperrors.ErrDuplicatePosition, "position %s", p.ID)
		}
		seen[p.ID] = true
	}

	s := New(state.TotalCapital, opts...)
	s.state = state.Clone()
	if s.state.Positions == nil {
		s.state.Positions = []models.Position{}
	}
	s.normalize()
	s.rebasePeak()
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() models.PortfolioState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Position returns a copy of the position with the given id.
func (s *Store) Position(id string) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexOf(id); i >= 0 {
		return s.state.Clone().Positions[i], true
	}
	return models.Position{}, false
}

// AddPosition records a new open position and reserves its notional from available capital.
func (s *Store) AddPosition(p models.Position) error {
	if err := p.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidPosition, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(p.ID) >= 0 {
		return apperrors.Wrapf(apperrors.ErrDuplicatePosition, "position %s", p.ID)
	}
	if p.Size.GreaterThan(s.state.AvailableCapital) {
		return fmt.Errorf("%w: %w", apperrors.ErrInsufficientFunds, apperrors.NewRiskError("available_capital",
			p.Size.InexactFloat64(), s.state.AvailableCapital.InexactFloat64(), "position "+p.ID+" exceeds available capital"))
	}

	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	if p.CurrentPrice.IsZero() {
		p.CurrentPrice = p.EntryPrice
	}
	p.UnrealizedPnL = p.PnLAt(p.CurrentPrice)
	if p.StopLoss != nil {
		stop := *p.StopLoss
		p.StopLoss = &stop
	}

	s.state.Positions = append(s.state.Positions, p)
	s.state.AvailableCapital = s.state.AvailableCapital.Sub(p.Size)
	s.recomputeDrawdown()
	return nil
}

// ClosePosition removes the position and realizes its P&L at exitPrice into the
// daily, weekly and monthly accumulators.
func (s *Store) ClosePosition(id string, exitPrice decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return decimal.Zero, apperrors.Wrapf(apperrors.ErrPositionNotFound, "position %s", id)
	}

	p := s.state.Positions[i]
	pnl := p.PnLAt(exitPrice)

	s.state.Positions = append(s.state.Positions[:i], s.state.Positions[i+1:]...)
	s.state.AvailableCapital = s.state.AvailableCapital.Add(p.Size)
	s.realize(pnl)
	s.recomputeDrawdown()
	return pnl, nil
}

// Update applies a partial update to the ledger. Nil fields are left unchanged.
// Changing total capital is treated as a deposit or withdrawal and rebases the
// equity peak. A reported drawdown also rebases the peak, so later fills and
// marks are measured against it.
func (s *Store) Update(u models.PortfolioUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.TotalCapital != nil {
		s.state.TotalCapital = *u.TotalCapital
		s.peakEquity = s.state.Equity()
		s.drawdownEquity = s.peakEquity
	}
	if u.AvailableCapital != nil {
		s.state.AvailableCapital = *u.AvailableCapital
	}
	if u.DailyPnL != nil {
		s.state.DailyPnL = *u.DailyPnL
	}
	if u.WeeklyPnL != nil {
		s.state.WeeklyPnL = *u.WeeklyPnL
	}
	if u.MonthlyPnL != nil {
		s.state.MonthlyPnL = *u.MonthlyPnL
	}
	if u.CurrentDrawdown != nil {
		s.state.CurrentDrawdown = *u.CurrentDrawdown
	}
	if u.MaxDrawdown != nil {
		s.state.MaxDrawdown = *u.MaxDrawdown
	}
	s.normalize()
	if u.CurrentDrawdown != nil {
		s.rebasePeak()
	}
}

// MarkPrice marks every position in asset to price and returns how many were updated.
func (s *Store) MarkPrice(asset string, price decimal.Decimal) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for i := range s.state.Positions {
		p := &s.state.Positions[i]
		if p.Asset != asset {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = p.PnLAt(price)
		marked++
	}
	if marked > 0 {
		s.recomputeDrawdown()
	}
	return marked
}

// Reduction summarizes a book-wide size reduction.
type Reduction struct {
	Fraction  decimal.Decimal `json:"fraction"`
	Positions int             `json:"positions"`
	Released  decimal.Decimal `json:"released"`
	Realized  decimal.Decimal `json:"realized"`
}

// ReducePositions shrinks every open position by fraction at its current price.
// The reduced notional returns to available capital and the proportional P&L is
// realized. A fraction of 1 closes the whole book.
func (s *Store) ReducePositions(fraction decimal.Decimal) (Reduction, error) {
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return Reduction{}, apperrors.NewValidationError("fraction", fraction, "must be in (0, 1]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := Reduction{Fraction: fraction, Released: decimal.Zero, Realized: decimal.Zero}
	kept := s.state.Positions[:0]
	for _, p := range s.state.Positions {
		cut := p.Size.Mul(fraction)
		pnl := p.PnLAt(p.CurrentPrice).Mul(fraction)

		r.Positions++
		r.Released = r.Released.Add(cut)
		r.Realized = r.Realized.Add(pnl)

		p.Size = p.Size.Sub(cut)
		if !p.Size.IsPositive() {
			continue
		}
		p.UnrealizedPnL = p.PnLAt(p.CurrentPrice)
		kept = append(kept, p)
	}
	s.state.Positions = kept

	s.state.AvailableCapital = s.state.AvailableCapital.Add(r.Released)
	s.realize(r.Realized)
	s.recomputeDrawdown()
	return r, nil
}

// ResetPnL zeroes one realized P&L accumulator at a calendar boundary.
func (s *Store) ResetPnL(period models.PnLPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch period {
	case models.PeriodDaily:
		s.state.DailyPnL = decimal.Zero
	case models.PeriodWeekly:
		s.state.WeeklyPnL = decimal.Zero
	case models.PeriodMonthly:
		s.state.MonthlyPnL = decimal.Zero
	default:
		return apperrors.NewValidationError("period", period, "must be daily, weekly or monthly")
	}
	return nil
}

// ResetMaxDrawdown lowers the running maximum drawdown to the current drawdown.
func (s *Store) ResetMaxDrawdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MaxDrawdown = s.state.CurrentDrawdown
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("capital=%s available=%s positions=%d drawdown=%.2f%%",
		snap.TotalCapital.StringFixed(2), snap.AvailableCapital.StringFixed(2),
		len(snap.Positions), snap.CurrentDrawdown*100)
}

func (s *Store) indexOf(id string) int {
	for i, p := range s.state.Positions {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// realize books pnl into capital and every accumulator. Caller holds mu.
func (s *Store) realize(pnl decimal.Decimal) {
	s.state.TotalCapital = s.state.TotalCapital.Add(pnl)
	s.state.AvailableCapital = s.state.AvailableCapital.Add(pnl)
	s.state.DailyPnL = s.state.DailyPnL.Add(pnl)
	s.state.WeeklyPnL = s.state.WeeklyPnL.Add(pnl)
	s.state.MonthlyPnL = s.state.MonthlyPnL.Add(pnl)
	s.normalize()
}

// recomputeDrawdown derives the current drawdown from the equity peak. A
// mutation that leaves equity unchanged keeps the drawdown as it stands.
// Caller holds mu.
func (s *Store) recomputeDrawdown() {
	equity := s.state.Equity()
	if equity.Equal(s.drawdownEquity) {
		return
	}
	s.drawdownEquity = equity
	if equity.GreaterThan(s.peakEquity) {
		s.peakEquity = equity
	}
	if s.peakEquity.IsPositive() {
		s.state.CurrentDrawdown = s.peakEquity.Sub(equity).Div(s.peakEquity).InexactFloat64()
	}
	s.normalize()
}

// rebasePeak sets the equity peak so that current equity sits at the current
// drawdown below it. Caller holds mu.
func (s *Store) rebasePeak() {
	equity := s.state.Equity()
	s.drawdownEquity = equity
	s.peakEquity = equity
	if dd := s.state.CurrentDrawdown; dd > 0 && dd < 1 {
		s.peakEquity = equity.Div(decimal.NewFromFloat(1 - dd))
	}
}

// normalize restores the ledger invariants. Caller holds mu.
func (s *Store) normalize() {
	if s.state.AvailableCapital.GreaterThan(s.state.TotalCapital) {
		s.state.AvailableCapital = s.state.TotalCapital
	}
	if s.state.CurrentDrawdown < 0 {
		s.state.CurrentDrawdown = 0
	}
	if s.state.MaxDrawdown < s.state.CurrentDrawdown {
		s.state.MaxDrawdown = s.state.CurrentDrawdown
	}
}
