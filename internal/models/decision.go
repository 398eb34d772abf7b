package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades how serious a guardrail verdict is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityBlocker  Severity = "blocker"
)

// Action is what a guardrail asks the aggregator to do with the proposal.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionReduce      Action = "reduce"
	ActionReject      Action = "reject"
	ActionRequireHITL Action = "require_hitl"
)

// GuardrailCheck is one evaluator's verdict.
type GuardrailCheck struct {
	Rule         string           `json:"rule"`
	Passed       bool             `json:"passed"`
	Message      string           `json:"message"`
	Severity     Severity         `json:"severity"`
	Action       Action           `json:"action"`
	AdjustedSize *decimal.Decimal `json:"adjusted_size,omitempty"`
}

// HITLUrgency is the urgency of a human review request.
type HITLUrgency string

const (
	HITLLow    HITLUrgency = "low"
	HITLMedium HITLUrgency = "medium"
	HITLHigh   HITLUrgency = "high"
)

// Rank orders urgencies so that high sorts first.
func (u HITLUrgency) Rank() int {
	switch u {
	case HITLHigh:
		return 0
	case HITLMedium:
		return 1
	default:
		return 2
	}
}

// UrgencyFor maps a proposal urgency to a review urgency.
func UrgencyFor(u Urgency) HITLUrgency {
	switch u {
	case UrgencyImmediate:
		return HITLHigh
	case UrgencyGradual:
		return HITLMedium
	default:
		return HITLLow
	}
}

// HITLStatus is the lifecycle state of a review request.
type HITLStatus string

const (
	HITLPending  HITLStatus = "pending"
	HITLApproved HITLStatus = "approved"
	HITLRejected HITLStatus = "rejected"
	HITLExpired  HITLStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s HITLStatus) Terminal() bool {
	return s != HITLPending
}

// HITLRequest is an escalation awaiting a human decision.
// ApprovedBy and ApprovedAt record the actor who resolved the request, for both
// approvals and rejections.
type HITLRequest struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	TradeProposal TradeProposal `json:"trade_proposal"`
	Reason        string        `json:"reason"`
	Urgency       HITLUrgency   `json:"urgency"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Status        HITLStatus    `json:"status"`
	ApprovedBy    string        `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time    `json:"approved_at,omitempty"`
}

// Decision is the aggregated outcome of validating one proposal.
type Decision struct {
	ID               string           `json:"id"`
	ProposalID       string           `json:"proposal_id"`
	Approved         bool             `json:"approved"`
	Checks           []GuardrailCheck `json:"checks"`
	AdjustedProposal *TradeProposal   `json:"adjusted_proposal,omitempty"`
	HITLRequired     *HITLRequest     `json:"hitl_required,omitempty"`
	EvaluatedAt      time.Time        `json:"evaluated_at"`
}

// Decision outcomes used for logging, metrics and the journal.
const (
	OutcomeApproved  = "approved"
	OutcomeAdjusted  = "adjusted"
	OutcomeRejected  = "rejected"
	OutcomeEscalated = "escalated"
	OutcomeHalted    = "halted"
)

// Outcome classifies the decision into a single label.
func (d Decision) Outcome() string {
	for _, c := range d.Checks {
		if !c.Passed && c.Severity == SeverityBlocker {
			return OutcomeHalted
		}
	}
	switch {
	case d.HITLRequired != nil:
		return OutcomeEscalated
	case !d.Approved:
		return OutcomeRejected
	case d.AdjustedProposal != nil:
		return OutcomeAdjusted
	default:
		return OutcomeApproved
	}
}

// FailedChecks returns the checks that did not pass.
func (d Decision) FailedChecks() []GuardrailCheck {
	var failed []GuardrailCheck
	for _, c := range d.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}
