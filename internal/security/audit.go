// Package security provides the guardrail audit trail.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/models"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Proposal events
	AuditProposalApproved  AuditEventType = "PROPOSAL_APPROVED"
	AuditProposalAdjusted  AuditEventType = "PROPOSAL_ADJUSTED"
	AuditProposalRejected  AuditEventType = "PROPOSAL_REJECTED"
	AuditProposalEscalated AuditEventType = "PROPOSAL_ESCALATED"
	AuditProposalHalted    AuditEventType = "PROPOSAL_HALTED"

	// HITL events
	AuditHITLApproved AuditEventType = "HITL_APPROVED"
	AuditHITLRejected AuditEventType = "HITL_REJECTED"
	AuditHITLExpired  AuditEventType = "HITL_EXPIRED"

	// Circuit breaker events
	AuditTradingHalted  AuditEventType = "TRADING_HALTED"
	AuditTradingResumed AuditEventType = "TRADING_RESUMED"

	// Portfolio events
	AuditPositionOpened    AuditEventType = "POSITION_OPENED"
	AuditPositionClosed    AuditEventType = "POSITION_CLOSED"
	AuditPortfolioUpdated  AuditEventType = "PORTFOLIO_UPDATED"
	AuditPortfolioReduced  AuditEventType = "PORTFOLIO_REDUCED"
	AuditInvalidSubmission AuditEventType = "INVALID_SUBMISSION"

	// Access events
	AuditAccessDenied AuditEventType = "ACCESS_DENIED"
)

var outcomeEvents = map[string]AuditEventType{
	models.OutcomeApproved:  AuditProposalApproved,
	models.OutcomeAdjusted:  AuditProposalAdjusted,
	models.OutcomeRejected:  AuditProposalRejected,
	models.OutcomeEscalated: AuditProposalEscalated,
	models.OutcomeHalted:    AuditProposalHalted,
}

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Actor      string                 `json:"actor,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Asset      string                 `json:"asset,omitempty"`
	ProposalID string                 `json:"proposal_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Success    bool                   `json:"success"`
	ErrorMsg   string                 `json:"error,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines. A nil *AuditLogger discards events.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
	now       func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration for logDir.
func DefaultAuditConfig(logDir string) AuditConfig {
	return AuditConfig{
		LogDir:     logDir,
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365, // Keep audit logs for 1 year
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger writing to LogDir/audit.log.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	// Ensure audit directory exists with restricted permissions
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return NewAuditLoggerWithWriter(writer), nil
}

// NewAuditLoggerWithWriter creates an audit logger over w.
func NewAuditLoggerWithWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.SessionID = al.sessionID
	if event.TraceID == "" {
		event.TraceID = logging.RequestID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogDecision logs the outcome of one validation with every failed check.
func (al *AuditLogger) LogDecision(ctx context.Context, p models.TradeProposal, d models.Decision) error {
	failed := make([]string, 0)
	for _, c := range d.FailedChecks() {
		failed = append(failed, fmt.Sprintf("%s[%s/%s]: %s", c.Rule, c.Severity, c.Action, c.Message))
	}

	details := map[string]interface{}{
		"decision_id":   d.ID,
		"side":          p.Side,
		"size":          p.Size.String(),
		"confidence":    p.Confidence,
		"failed_checks": failed,
	}
	if d.AdjustedProposal != nil {
		details["adjusted_size"] = d.AdjustedProposal.Size.String()
	}
	event := AuditEvent{
		EventType:  outcomeEvents[d.Outcome()],
		AgentID:    p.AgentID,
		Asset:      p.Asset,
		ProposalID: p.ID,
		Success:    d.Approved,
		Details:    details,
	}
	if d.HITLRequired != nil {
		event.RequestID = d.HITLRequired.ID
	}
	return al.Log(ctx, event)
}

// LogHITL logs the resolution of a human review request.
func (al *AuditLogger) LogHITL(ctx context.Context, req models.HITLRequest, success bool, errMsg string) error {
	eventType := AuditHITLRejected
	switch req.Status {
	case models.HITLApproved:
		eventType = AuditHITLApproved
	case models.HITLExpired:
		eventType = AuditHITLExpired
	}
	return al.Log(ctx, AuditEvent{
		EventType:  eventType,
		Actor:      req.ApprovedBy,
		AgentID:    req.TradeProposal.AgentID,
		Asset:      req.TradeProposal.Asset,
		ProposalID: req.TradeProposal.ID,
		RequestID:  req.ID,
		Success:    success,
		ErrorMsg:   errMsg,
		Details: map[string]interface{}{
			"urgency":    req.Urgency,
			"expires_at": req.ExpiresAt,
		},
	})
}

// LogHalt logs a circuit breaker trip.
func (al *AuditLogger) LogHalt(ctx context.Context, reason string, automatic bool) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditTradingHalted,
		Success:   true,
		Details: map[string]interface{}{
			"reason":    reason,
			"automatic": automatic,
		},
	})
}

// LogResume logs a manual resume.
func (al *AuditLogger) LogResume(ctx context.Context) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditTradingResumed,
		Success:   true,
	})
}

// LogPortfolio logs a ledger mutation.
func (al *AuditLogger) LogPortfolio(ctx context.Context, eventType AuditEventType, details map[string]interface{}, err error) error {
	event := AuditEvent{
		EventType: eventType,
		Success:   err == nil,
		Details:   details,
	}
	if err != nil {
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogInvalidSubmission logs a proposal or position rejected before evaluation.
func (al *AuditLogger) LogInvalidSubmission(ctx context.Context, kind, id string, err error) error {
	return al.Log(ctx, AuditEvent{
		EventType:  AuditInvalidSubmission,
		ProposalID: id,
		Success:    false,
		ErrorMsg:   err.Error(),
		Details: map[string]interface{}{
			"kind": kind,
		},
	})
}

// LogAccessDenied logs a write operation refused in read-only mode.
func (al *AuditLogger) LogAccessDenied(ctx context.Context, op string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditAccessDenied,
		Success:   false,
		ErrorMsg:  "read-only mode",
		Details: map[string]interface{}{
			"operation": op,
		},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
