package engine

import (
	"fmt"
	"strings"
	"time"

	"trade-guardrails/internal/breaker"
	"trade-guardrails/internal/config"
	"trade-guardrails/internal/models"
)

// Status is a point-in-time view of the engine.
type Status struct {
	TradingHalted    bool                   `json:"trading_halted"`
	HaltReason       string                 `json:"halt_reason,omitempty"`
	Breaker          breaker.Status         `json:"breaker"`
	Portfolio        models.PortfolioState  `json:"portfolio"`
	PendingHITLCount int                    `json:"pending_hitl_count"`
	Config           config.GuardrailConfig `json:"config"`
}

// GetStatus returns the current status. It does not change engine state.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	snap := e.portfolio.Snapshot()
	e.mu.Unlock()

	halted, reason := e.breaker.Halted()
	return Status{
		TradingHalted:    halted,
		HaltReason:       reason,
		Breaker:          e.breaker.Status(),
		Portfolio:        snap,
		PendingHITLCount: e.queue.PendingCount(),
		Config:           e.cfg,
	}
}

// GenerateReport renders the status as plain text. Sections always appear in
// the order: status line, Portfolio, Limits, Pending Approvals.
func (e *Engine) GenerateReport() string {
	st := e.GetStatus()
	pending := e.queue.ListPending()
	s := st.Portfolio
	c := st.Config

	var b strings.Builder

	if st.TradingHalted {
		fmt.Fprintf(&b, "Trading Status: HALTED (%s)\n", st.HaltReason)
	} else {
		b.WriteString("Trading Status: ACTIVE\n")
	}
	fmt.Fprintf(&b, "Generated: %s\n", e.now().UTC().Format(time.RFC3339))

	b.WriteString("\nPortfolio:\n")
	fmt.Fprintf(&b, "  Total Capital:      %s\n", s.TotalCapital.StringFixed(2))
	fmt.Fprintf(&b, "  Available Capital:  %s\n", s.AvailableCapital.StringFixed(2))
	fmt.Fprintf(&b, "  Open Positions:     %d\n", len(s.Positions))
	fmt.Fprintf(&b, "  Gross Exposure:     %s\n", s.Exposure().StringFixed(2))
	for _, class := range models.AssetClasses {
		exposure := 0.0
		for _, p := range s.Positions {
			if p.AssetClass == class {
				exposure += p.Size.InexactFloat64()
			}
		}
		if exposure > 0 {
			fmt.Fprintf(&b, "    %-16s  %.2f\n", class, exposure)
		}
	}
	fmt.Fprintf(&b, "  Unrealized P&L:     %s\n", s.UnrealizedPnL().StringFixed(2))
	fmt.Fprintf(&b, "  Daily P&L:          %s\n", s.DailyPnL.StringFixed(2))
	fmt.Fprintf(&b, "  Weekly P&L:         %s\n", s.WeeklyPnL.StringFixed(2))
	fmt.Fprintf(&b, "  Monthly P&L:        %s\n", s.MonthlyPnL.StringFixed(2))
	fmt.Fprintf(&b, "  Current Drawdown:   %.2f%%\n", s.CurrentDrawdown*100)
	fmt.Fprintf(&b, "  Max Drawdown:       %.2f%%\n", s.MaxDrawdown*100)

	b.WriteString("\nLimits:\n")
	fmt.Fprintf(&b, "  Max Risk Per Trade:     %.2f%%\n", c.MaxRiskPerTrade*100)
	fmt.Fprintf(&b, "  Max Risk Per Day:       %.2f%%\n", c.MaxRiskPerDay*100)
	fmt.Fprintf(&b, "  Max Position Size:      %.2f%%\n", c.MaxPositionSize*100)
	fmt.Fprintf(&b, "  Max Sector Exposure:    %.2f%%\n", c.MaxSectorExposure*100)
	fmt.Fprintf(&b, "  Correlation Threshold:  %.2f\n", c.CorrelationThreshold)
	fmt.Fprintf(&b, "  HITL Trade Threshold:   %.2f\n", c.HITLTradeThreshold)
	fmt.Fprintf(&b, "  HITL Drawdown:          %.2f%%\n", c.HITLDrawdownThreshold*100)
	fmt.Fprintf(&b, "  Daily Loss Limit:       %.2f%%\n", c.DailyLossLimit*100)
	fmt.Fprintf(&b, "  Weekly Loss Limit:      %.2f%%\n", c.WeeklyLossLimit*100)
	fmt.Fprintf(&b, "  Max Drawdown Limit:     %.2f%%\n", c.MaxDrawdownLimit*100)

	fmt.Fprintf(&b, "\nPending Approvals: %d\n", len(pending))
	for _, req := range pending {
		fmt.Fprintf(&b, "  - %s [%s] %s (expires %s)\n",
			req.ID, req.Urgency, req.TradeProposal, req.ExpiresAt.UTC().Format(time.RFC3339))
	}

	return b.String()
}
