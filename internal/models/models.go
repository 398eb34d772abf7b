// Package models provides domain models for the guardrail engine.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "trade-guardrails/internal/errors"
)

// AssetClass is a fixed category of tradable instrument used for exposure aggregation.
type AssetClass string

const (
	AssetCrypto      AssetClass = "crypto"
	AssetStocks      AssetClass = "stocks"
	AssetCommodities AssetClass = "commodities"
	AssetForex       AssetClass = "forex"
)

// AssetClasses lists every supported asset class in a stable order.
var AssetClasses = []AssetClass{AssetCrypto, AssetStocks, AssetCommodities, AssetForex}

// Valid reports whether a is one of the supported asset classes.
func (a AssetClass) Valid() bool {
	for _, c := range AssetClasses {
		if a == c {
			return true
		}
	}
	return false
}

// Side represents the direction of an exposure.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is long or short.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Urgency is the execution urgency requested by the proposer.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyGradual   Urgency = "gradual"
	UrgencyPatient   Urgency = "patient"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	return u == UrgencyImmediate || u == UrgencyGradual || u == UrgencyPatient
}

// DefaultStopDistance is the fractional adverse move assumed when no stop-loss is given.
var DefaultStopDistance = decimal.NewFromFloat(0.05)

// stopOrDefault returns the stop distance or the 5% default.
func stopOrDefault(stop *decimal.Decimal) decimal.Decimal {
	if stop == nil {
		return DefaultStopDistance
	}
	return *stop
}

// TradeProposal is an immutable request to open exposure.
type TradeProposal struct {
	ID         string           `json:"id"`
	Asset      string           `json:"asset"`
	AssetClass AssetClass       `json:"asset_class"`
	Side       Side             `json:"side"`
	Size       decimal.Decimal  `json:"size"`
	Price      decimal.Decimal  `json:"price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Urgency    Urgency          `json:"urgency"`
	Confidence float64          `json:"confidence"`
	AgentID    string           `json:"agent_id"`
}

// StopDistance returns the fractional stop distance, defaulting to 5%.
func (p TradeProposal) StopDistance() decimal.Decimal {
	return stopOrDefault(p.StopLoss)
}

// Risk returns the monetary amount at risk if the stop is hit.
func (p TradeProposal) Risk() decimal.Decimal {
	return p.Size.Mul(p.StopDistance())
}

// WithSize returns a copy of the proposal with a new size. The receiver is not modified.
func (p TradeProposal) WithSize(size decimal.Decimal) TradeProposal {
	out := p
	out.Size = size
	if p.StopLoss != nil {
		s := *p.StopLoss
		out.StopLoss = &s
	}
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		out.TakeProfit = &tp
	}
	return out
}

// Validate checks the structural invariants of a proposal.
func (p TradeProposal) Validate() error {
	if p.ID == "" {
		return apperrors.NewValidationError("id", p.ID, "must not be empty")
	}
	if p.Asset == "" {
		return apperrors.NewValidationError("asset", p.Asset, "must not be empty")
	}
	if !p.AssetClass.Valid() {
		return apperrors.NewValidationError("asset_class", p.AssetClass, "unknown asset class")
	}
	if !p.Side.Valid() {
		return apperrors.NewValidationError("side", p.Side, "must be long or short")
	}
	if !p.Size.IsPositive() {
		return apperrors.NewValidationError("size", p.Size, "must be positive")
	}
	if p.StopLoss != nil && !p.StopLoss.IsPositive() {
		return apperrors.NewValidationError("stop_loss", p.StopLoss, "must be positive when set")
	}
	if p.Urgency != "" && !p.Urgency.Valid() {
		return apperrors.NewValidationError("urgency", p.Urgency, "must be immediate, gradual or patient")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return apperrors.NewValidationError("confidence", p.Confidence, "must be between 0 and 1")
	}
	return nil
}

// String returns a short human readable form used in logs and reports.
func (p TradeProposal) String() string {
	return fmt.Sprintf("%s %s %s %s", p.ID, p.Side, p.Asset, p.Size.StringFixed(2))
}

// Position is one open exposure.
type Position struct {
	ID               string           `json:"id"`
	Asset            string           `json:"asset"`
	AssetClass       AssetClass       `json:"asset_class"`
	Side             Side             `json:"side"`
	Size             decimal.Decimal  `json:"size"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	Timestamp        time.Time        `json:"timestamp"`
	CorrelationGroup string           `json:"correlation_group,omitempty"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
}

// StopDistance returns the fractional stop distance, defaulting to 5%.
func (p Position) StopDistance() decimal.Decimal {
	return stopOrDefault(p.StopLoss)
}

// Risk returns the monetary amount at risk on this position.
func (p Position) Risk() decimal.Decimal {
	return p.Size.Mul(p.StopDistance())
}

// PnLAt returns the P&L of the position if marked at price.
// Size is a monetary notional, so P&L is size times the fractional price move.
func (p Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(p.EntryPrice).Div(p.EntryPrice)
	if p.Side == SideShort {
		move = move.Neg()
	}
	return p.Size.Mul(move)
}

// Validate checks the structural invariants of a position.
func (p Position) Validate() error {
	if p.ID == "" {
		return apperrors.NewValidationError("id", p.ID, "must not be empty")
	}
	if p.Asset == "" {
		return apperrors.NewValidationError("asset", p.Asset, "must not be empty")
	}
	if !p.AssetClass.Valid() {
		return apperrors.NewValidationError("asset_class", p.AssetClass, "unknown asset class")
	}
	if !p.Side.Valid() {
		return apperrors.NewValidationError("side", p.Side, "must be long or short")
	}
	if !p.Size.IsPositive() {
		return apperrors.NewValidationError("size", p.Size, "must be positive")
	}
	if p.EntryPrice.IsNegative() {
		return apperrors.NewValidationError("entry_price", p.EntryPrice, "must not be negative")
	}
	if p.StopLoss != nil && !p.StopLoss.IsPositive() {
		return apperrors.NewValidationError("stop_loss", p.StopLoss, "must be positive when set")
	}
	return nil
}

// PortfolioState is the capital and exposure ledger.
type PortfolioState struct {
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	Positions        []Position      `json:"positions"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
	WeeklyPnL        decimal.Decimal `json:"weekly_pnl"`
	MonthlyPnL       decimal.Decimal `json:"monthly_pnl"`
	CurrentDrawdown  float64         `json:"current_drawdown"`
	MaxDrawdown      float64         `json:"max_drawdown"`
}

// Clone returns a deep copy of the state.
func (s PortfolioState) Clone() PortfolioState {
	out := s
	out.Positions = make([]Position, len(s.Positions))
	for i, p := range s.Positions {
		if p.StopLoss != nil {
			stop := *p.StopLoss
			p.StopLoss = &stop
		}
		out.Positions[i] = p
	}
	return out
}

// UnrealizedPnL sums the unrealized P&L of all open positions.
func (s PortfolioState) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

// Equity returns total capital plus unrealized P&L.
func (s PortfolioState) Equity() decimal.Decimal {
	return s.TotalCapital.Add(s.UnrealizedPnL())
}

// Exposure returns the summed notional of all open positions.
func (s PortfolioState) Exposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.Size)
	}
	return total
}

// PortfolioUpdate is a partial update of the portfolio ledger. Nil fields are left unchanged.
type PortfolioUpdate struct {
	TotalCapital     *decimal.Decimal `json:"total_capital,omitempty"`
	AvailableCapital *decimal.Decimal `json:"available_capital,omitempty"`
	DailyPnL         *decimal.Decimal `json:"daily_pnl,omitempty"`
	WeeklyPnL        *decimal.Decimal `json:"weekly_pnl,omitempty"`
	MonthlyPnL       *decimal.Decimal `json:"monthly_pnl,omitempty"`
	CurrentDrawdown  *float64         `json:"current_drawdown,omitempty"`
	MaxDrawdown      *float64         `json:"max_drawdown,omitempty"`
}

// PnLPeriod identifies one of the realized P&L accumulators.
type PnLPeriod string

const (
	PeriodDaily   PnLPeriod = "daily"
	PeriodWeekly  PnLPeriod = "weekly"
	PeriodMonthly PnLPeriod = "monthly"
)
