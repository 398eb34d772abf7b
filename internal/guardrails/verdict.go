// Package guardrails implements the risk rules applied to every trade proposal.
// Rules are pure: they read an Input and return a check, and never mutate state.
package guardrails

import (
	"github.com/shopspring/decimal"

	"trade-guardrails/internal/models"
)

// Verdict is the kind of outcome a rule reaches. Its severity, action and pass
// flag come from verdictTable so every rule grades the same outcome the same way.
type Verdict int

const (
	// VerdictPass means the rule found nothing to object to.
	VerdictPass Verdict = iota
	// VerdictShrink asks for the proposal to be resized to the check's adjusted size.
	VerdictShrink
	// VerdictFlag warns without computing a size; the proposal is never auto-shrunk.
	VerdictFlag
	// VerdictSystemic flags book-wide risk that the proposal alone cannot fix.
	VerdictSystemic
	// VerdictRefuse rejects the proposal.
	VerdictRefuse
	// VerdictEscalate requires a human decision.
	VerdictEscalate
	// VerdictHalt stops all trading.
	VerdictHalt
)

type grade struct {
	passed   bool
	severity models.Severity
	action   models.Action
}

var verdictTable = map[Verdict]grade{
	VerdictPass:     {true, models.SeverityInfo, models.ActionApprove},
	VerdictShrink:   {false, models.SeverityWarning, models.ActionReduce},
	VerdictFlag:     {false, models.SeverityWarning, models.ActionReduce},
	VerdictSystemic: {false, models.SeverityCritical, models.ActionReduce},
	VerdictRefuse:   {false, models.SeverityCritical, models.ActionReject},
	VerdictEscalate: {false, models.SeverityWarning, models.ActionRequireHITL},
	VerdictHalt:     {false, models.SeverityBlocker, models.ActionReject},
}

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictShrink:
		return "shrink"
	case VerdictFlag:
		return "flag"
	case VerdictSystemic:
		return "systemic"
	case VerdictRefuse:
		return "refuse"
	case VerdictEscalate:
		return "escalate"
	case VerdictHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// Grade returns the severity and action assigned to v.
func (v Verdict) Grade() (models.Severity, models.Action) {
	g := verdictTable[v]
	return g.severity, g.action
}

// NewCheck builds a check graded by the verdict table. adjusted is only kept for
// VerdictShrink and VerdictRefuse.
func NewCheck(rule string, v Verdict, message string, adjusted *decimal.Decimal) models.GuardrailCheck {
	g, ok := verdictTable[v]
	if !ok {
		g = verdictTable[VerdictRefuse]
	}
	c := models.GuardrailCheck{
		Rule:     rule,
		Passed:   g.passed,
		Message:  message,
		Severity: g.severity,
		Action:   g.action,
	}
	if adjusted != nil && (v == VerdictShrink || v == VerdictRefuse) {
		size := *adjusted
		c.AdjustedSize = &size
	}
	return c
}
