package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"trade-guardrails/internal/correlation"
	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
	"trade-guardrails/internal/portfolio"
	"trade-guardrails/internal/security"
)

// AddPosition records an opened position and commits its notional.
func (e *Engine) AddPosition(ctx context.Context, p models.Position) error {
	e.mu.Lock()
	err := e.portfolio.AddPosition(p)
	if err == nil {
		e.assetClass[p.Asset] = p.AssetClass
	}
	snap := e.portfolio.Snapshot()
	e.mu.Unlock()

	details := map[string]interface{}{
		"position_id": p.ID,
		"asset":       p.Asset,
		"side":        p.Side,
		"size":        p.Size.String(),
	}
	e.afterLedgerChange(ctx, security.AuditPositionOpened, details, snap, err)
	return err
}

// ClosePosition removes a position at exitPrice and returns the realized P&L.
// It returns false when no position has that id.
func (e *Engine) ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal) (decimal.Decimal, bool) {
	e.mu.Lock()
	pnl, err := e.portfolio.ClosePosition(id, exitPrice)
	snap := e.portfolio.Snapshot()
	e.mu.Unlock()

	details := map[string]interface{}{
		"position_id": id,
		"exit_price":  exitPrice.String(),
		"realized":    pnl.String(),
	}
	e.afterLedgerChange(ctx, security.AuditPositionClosed, details, snap, err)
	return pnl, err == nil
}

// UpdatePortfolioState applies a partial update to the ledger.
func (e *Engine) UpdatePortfolioState(ctx context.Context, u models.PortfolioUpdate) models.PortfolioState {
	e.mu.Lock()
	e.portfolio.Update(u)
	snap := e.portfolio.Snapshot()
	e.mu.Unlock()

	details := map[string]interface{}{
		"total_capital":    snap.TotalCapital.String(),
		"daily_pnl":        snap.DailyPnL.String(),
		"current_drawdown": snap.CurrentDrawdown,
	}
	e.afterLedgerChange(ctx, security.AuditPortfolioUpdated, details, snap, nil)
	return snap
}

// MarkPrice marks open positions in asset to price and returns how many were marked.
// When the correlation provider learns from returns, the move since the previous
// mark of the asset is fed to it.
func (e *Engine) MarkPrice(ctx context.Context, asset string, price decimal.Decimal) (int, error) {
	if !price.IsPositive() {
		return 0, apperrors.NewValidationError("price", price, "must be positive")
	}

	e.mu.Lock()
	marked := e.portfolio.MarkPrice(asset, price)
	prev, seen := e.lastPrice[asset]
	class, known := e.assetClass[asset]
	e.lastPrice[asset] = price
	snap := e.portfolio.Snapshot()
	e.mu.Unlock()

	if obs, ok := e.correlations.(correlation.Observer); ok && seen && known && prev.IsPositive() {
		ret := price.Div(prev).Sub(decimal.NewFromInt(1)).InexactFloat64()
		obs.Observe(class, ret)
	}
	e.metrics.ObservePortfolio(snap)
	return marked, nil
}

// ApplyCorrelationReduction shrinks every open position by the configured
// correlation reduction percent.
func (e *Engine) ApplyCorrelationReduction(ctx context.Context) (portfolio.Reduction, error) {
	fraction := decimal.NewFromFloat(e.cfg.CorrelationReductionPercent)

	e.mu.Lock()
	r, err := e.portfolio.ReducePositions(fraction)
	snap := e.portfolio.Snapshot()
	e.mu.Unlock()

	details := map[string]interface{}{
		"fraction":  fraction.String(),
		"positions": r.Positions,
		"released":  r.Released.String(),
		"realized":  r.Realized.String(),
	}
	e.afterLedgerChange(ctx, security.AuditPortfolioReduced, details, snap, err)
	return r, err
}

// ResetPnL zeroes one realized P&L accumulator.
func (e *Engine) ResetPnL(ctx context.Context, period models.PnLPeriod) error {
	e.mu.Lock()
	err := e.portfolio.ResetPnL(period)
	snap := e.portfolio.Snapshot()
	e.mu.Unlock()

	details := map[string]interface{}{"reset": string(period)}
	e.afterLedgerChange(ctx, security.AuditPortfolioUpdated, details, snap, err)
	return err
}

func (e *Engine) afterLedgerChange(ctx context.Context, eventType security.AuditEventType, details map[string]interface{}, snap models.PortfolioState, err error) {
	if err != nil {
		e.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Portfolio change refused")
	} else {
		e.logger.Info().Str("event", string(eventType)).Str("total_capital", snap.TotalCapital.StringFixed(2)).Msg("Portfolio updated")
		e.metrics.ObservePortfolio(snap)
	}
	if auditErr := e.audit.LogPortfolio(ctx, eventType, details, err); auditErr != nil {
		e.logger.Error().Err(auditErr).Msg("Failed to write audit event")
	}
}
