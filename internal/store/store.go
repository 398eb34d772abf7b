// Package store provides the decision journal. The journal is an append-only
// audit record; engine state is never reloaded from it.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trade-guardrails/internal/breaker"
	"trade-guardrails/internal/models"
)

// Journal defines the interface for decision persistence.
type Journal interface {
	// Decisions
	SaveDecision(ctx context.Context, proposal models.TradeProposal, decision models.Decision) error
	GetDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error)
	GetDecisionStats(ctx context.Context, dateRange DateRange) (*DecisionStats, error)

	// HITL requests
	SaveHITLRequest(ctx context.Context, req models.HITLRequest) error
	GetHITLRequests(ctx context.Context, filter HITLFilter) ([]models.HITLRequest, error)

	// Circuit breaker
	SaveBreakerEvent(ctx context.Context, event breaker.Event) error
	GetBreakerEvents(ctx context.Context, limit int) ([]breaker.Event, error)

	// Lifecycle
	Close() error
}

// DecisionRecord is one journaled validation.
type DecisionRecord struct {
	ID            string                  `json:"id"`
	ProposalID    string                  `json:"proposal_id"`
	AgentID       string                  `json:"agent_id"`
	Asset         string                  `json:"asset"`
	AssetClass    models.AssetClass       `json:"asset_class"`
	Side          models.Side             `json:"side"`
	Size          decimal.Decimal         `json:"size"`
	AdjustedSize  *decimal.Decimal        `json:"adjusted_size,omitempty"`
	Outcome       string                  `json:"outcome"`
	Approved      bool                    `json:"approved"`
	HITLRequestID string                  `json:"hitl_request_id,omitempty"`
	Checks        []models.GuardrailCheck `json:"checks"`
	EvaluatedAt   time.Time               `json:"evaluated_at"`
}

// DecisionFilter represents filters for querying decisions.
type DecisionFilter struct {
	Outcome   string
	AgentID   string
	Asset     string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// HITLFilter represents filters for querying HITL requests.
type HITLFilter struct {
	Status models.HITLStatus
	Limit  int
}

// DateRange represents a date range for queries.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// DecisionStats summarizes journaled decisions.
type DecisionStats struct {
	Total          int            `json:"total"`
	ByOutcome      map[string]int `json:"by_outcome"`
	FailuresByRule map[string]int `json:"failures_by_rule"`
	ApprovalRate   float64        `json:"approval_rate"`
}
