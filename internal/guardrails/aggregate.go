package guardrails

import (
	"github.com/shopspring/decimal"

	"trade-guardrails/internal/models"
)

// Verdicts is the merged outcome of one set of checks, before any side effects.
type Verdicts struct {
	Approved bool
	// AdjustedSize is set when the smallest offered size is positive and differs
	// from the proposal size.
	AdjustedSize *decimal.Decimal
	// HITLReason is set when a check requires human approval.
	HITLReason string
	// HaltReason is set when a check requires trading to stop.
	HaltReason string
}

// Aggregate merges checks for proposal. A proposal is approved only when no check
// fails as blocker or critical, no human approval is required, and any offered
// size is positive.
func Aggregate(proposal models.TradeProposal, checks []models.GuardrailCheck) Verdicts {
	var (
		v        Verdicts
		blocked  bool
		smallest *decimal.Decimal
	)

	for _, c := range checks {
		if !c.Passed && (c.Severity == models.SeverityBlocker || c.Severity == models.SeverityCritical) {
			blocked = true
		}
		if !c.Passed && c.Severity == models.SeverityBlocker && c.Rule == RuleCircuitBreaker && v.HaltReason == "" {
			v.HaltReason = c.Message
		}
		if c.Action == models.ActionRequireHITL && v.HITLReason == "" {
			v.HITLReason = c.Message
		}
		if c.AdjustedSize != nil && (smallest == nil || c.AdjustedSize.LessThan(*smallest)) {
			size := *c.AdjustedSize
			smallest = &size
		}
	}

	// A non-positive offered size means no size fits.
	if smallest != nil && !smallest.IsPositive() {
		blocked = true
	}
	if smallest != nil && smallest.IsPositive() && !smallest.Equal(proposal.Size) {
		v.AdjustedSize = smallest
	}

	v.Approved = !blocked && v.HITLReason == ""
	return v
}
