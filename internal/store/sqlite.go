// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"trade-guardrails/internal/breaker"
	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
)

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based journal.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.NewStoreError("open", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.NewStoreError("open", fmt.Errorf("failed to open database: %w", err))
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.NewStoreError("schema", fmt.Errorf("failed to initialize schema: %w", err))
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per validated proposal
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		agent_id TEXT,
		asset TEXT NOT NULL,
		asset_class TEXT NOT NULL,
		side TEXT NOT NULL,
		size TEXT NOT NULL,
		adjusted_size TEXT,
		outcome TEXT NOT NULL,
		approved INTEGER NOT NULL,
		hitl_request_id TEXT,
		checks TEXT NOT NULL,
		proposal TEXT NOT NULL,
		evaluated_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Latest state of each human approval request
	CREATE TABLE IF NOT EXISTS hitl_requests (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		proposal TEXT NOT NULL,
		reason TEXT NOT NULL,
		urgency TEXT NOT NULL,
		status TEXT NOT NULL,
		approved_by TEXT,
		approved_at DATETIME,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Circuit breaker transitions
	CREATE TABLE IF NOT EXISTS breaker_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		state TEXT NOT NULL,
		reason TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_evaluated ON decisions(evaluated_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);
	CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_hitl_status ON hitl_requests(status);
	CREATE INDEX IF NOT EXISTS idx_breaker_at ON breaker_events(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveDecision journals one validation.
func (s *SQLiteStore) SaveDecision(ctx context.Context, proposal models.TradeProposal, d models.Decision) error {
	checks, err := json.Marshal(d.Checks)
	if err != nil {
		return apperrors.NewStoreError("save_decision", err)
	}
	proposalJSON, err := json.Marshal(proposal)
	if err != nil {
		return apperrors.NewStoreError("save_decision", err)
	}

	var adjusted, hitlID sql.NullString
	if d.AdjustedProposal != nil {
		adjusted = sql.NullString{String: d.AdjustedProposal.Size.String(), Valid: true}
	}
	if d.HITLRequired != nil {
		hitlID = sql.NullString{String: d.HITLRequired.ID, Valid: true}
	}
	approved := 0
	if d.Approved {
		approved = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions (id, proposal_id, agent_id, asset, asset_class, side, size, adjusted_size, outcome, approved, hitl_request_id, checks, proposal, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, proposal.ID, proposal.AgentID, proposal.Asset, string(proposal.AssetClass), string(proposal.Side),
		proposal.Size.String(), adjusted, d.Outcome(), approved, hitlID, string(checks), string(proposalJSON), d.EvaluatedAt.UTC())
	if err != nil {
		return apperrors.NewStoreError("save_decision", fmt.Errorf("failed to save decision: %w", err))
	}
	return nil
}

// GetDecisions retrieves journaled decisions, newest first.
func (s *SQLiteStore) GetDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error) {
	query := "SELECT id, proposal_id, COALESCE(agent_id, ''), asset, asset_class, side, size, adjusted_size, outcome, approved, COALESCE(hitl_request_id, ''), checks, evaluated_at FROM decisions WHERE 1=1"
	args := []interface{}{}

	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Asset != "" {
		query += " AND asset = ?"
		args = append(args, filter.Asset)
	}
	if !filter.StartDate.IsZero() {
		query += " AND evaluated_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND evaluated_at <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY evaluated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreError("get_decisions", fmt.Errorf("failed to query decisions: %w", err))
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var (
			r         DecisionRecord
			class     string
			side      string
			size      string
			adjusted  sql.NullString
			approved  int
			checksRaw string
		)
		if err := rows.Scan(&r.ID, &r.ProposalID, &r.AgentID, &r.Asset, &class, &side, &size, &adjusted,
			&r.Outcome, &approved, &r.HITLRequestID, &checksRaw, &r.EvaluatedAt); err != nil {
			return nil, apperrors.NewStoreError("get_decisions", fmt.Errorf("failed to scan decision: %w", err))
		}
		r.AssetClass = models.AssetClass(class)
		r.Side = models.Side(side)
		r.Approved = approved == 1
		if r.Size, err = decimal.NewFromString(size); err != nil {
			return nil, apperrors.NewStoreError("get_decisions", err)
		}
		if adjusted.Valid {
			a, err := decimal.NewFromString(adjusted.String)
			if err != nil {
				return nil, apperrors.NewStoreError("get_decisions", err)
			}
			r.AdjustedSize = &a
		}
		if err := json.Unmarshal([]byte(checksRaw), &r.Checks); err != nil {
			return nil, apperrors.NewStoreError("get_decisions", fmt.Errorf("failed to decode checks: %w", err))
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetDecisionStats summarizes decisions evaluated within dateRange. Zero bounds are open.
func (s *SQLiteStore) GetDecisionStats(ctx context.Context, dateRange DateRange) (*DecisionStats, error) {
	records, err := s.GetDecisions(ctx, DecisionFilter{StartDate: dateRange.Start, EndDate: dateRange.End})
	if err != nil {
		return nil, err
	}

	stats := &DecisionStats{
		ByOutcome:      make(map[string]int),
		FailuresByRule: make(map[string]int),
	}
	approved := 0
	for _, r := range records {
		stats.Total++
		stats.ByOutcome[r.Outcome]++
		if r.Approved {
			approved++
		}
		for _, c := range r.Checks {
			if !c.Passed {
				stats.FailuresByRule[c.Rule]++
			}
		}
	}
	if stats.Total > 0 {
		stats.ApprovalRate = float64(approved) / float64(stats.Total)
	}
	return stats, nil
}

// SaveHITLRequest records the latest state of a request.
func (s *SQLiteStore) SaveHITLRequest(ctx context.Context, req models.HITLRequest) error {
	proposalJSON, err := json.Marshal(req.TradeProposal)
	if err != nil {
		return apperrors.NewStoreError("save_hitl", err)
	}

	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	if req.ApprovedBy != "" {
		approvedBy = sql.NullString{String: req.ApprovedBy, Valid: true}
	}
	if req.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: req.ApprovedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hitl_requests (id, proposal_id, proposal, reason, urgency, status, approved_by, approved_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at,
			updated_at = CURRENT_TIMESTAMP
	`, req.ID, req.TradeProposal.ID, string(proposalJSON), req.Reason, string(req.Urgency), string(req.Status),
		approvedBy, approvedAt, req.Timestamp.UTC(), req.ExpiresAt.UTC())
	if err != nil {
		return apperrors.NewStoreError("save_hitl", fmt.Errorf("failed to save hitl request: %w", err))
	}
	return nil
}

// GetHITLRequests retrieves requests, newest first.
func (s *SQLiteStore) GetHITLRequests(ctx context.Context, filter HITLFilter) ([]models.HITLRequest, error) {
	query := "SELECT id, proposal, reason, urgency, status, COALESCE(approved_by, ''), approved_at, created_at, expires_at FROM hitl_requests WHERE 1=1"
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreError("get_hitl", fmt.Errorf("failed to query hitl requests: %w", err))
	}
	defer rows.Close()

	var requests []models.HITLRequest
	for rows.Next() {
		var (
			req         models.HITLRequest
			proposalRaw string
			urgency     string
			status      string
			approvedAt  sql.NullTime
		)
		if err := rows.Scan(&req.ID, &proposalRaw, &req.Reason, &urgency, &status, &req.ApprovedBy,
			&approvedAt, &req.Timestamp, &req.ExpiresAt); err != nil {
			return nil, apperrors.NewStoreError("get_hitl", fmt.Errorf("failed to scan hitl request: %w", err))
		}
		if err := json.Unmarshal([]byte(proposalRaw), &req.TradeProposal); err != nil {
			return nil, apperrors.NewStoreError("get_hitl", fmt.Errorf("failed to decode proposal: %w", err))
		}
		req.Urgency = models.HITLUrgency(urgency)
		req.Status = models.HITLStatus(status)
		if approvedAt.Valid {
			at := approvedAt.Time
			req.ApprovedAt = &at
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// SaveBreakerEvent records a circuit breaker transition.
func (s *SQLiteStore) SaveBreakerEvent(ctx context.Context, event breaker.Event) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO breaker_events (state, reason, at) VALUES (?, ?, ?)",
		string(event.State), event.Reason, event.At.UTC())
	if err != nil {
		return apperrors.NewStoreError("save_breaker_event", fmt.Errorf("failed to save breaker event: %w", err))
	}
	return nil
}

// GetBreakerEvents retrieves the most recent transitions, newest first.
func (s *SQLiteStore) GetBreakerEvents(ctx context.Context, limit int) ([]breaker.Event, error) {
	query := "SELECT state, COALESCE(reason, ''), at FROM breaker_events ORDER BY at DESC, id DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreError("get_breaker_events", fmt.Errorf("failed to query breaker events: %w", err))
	}
	defer rows.Close()

	var events []breaker.Event
	for rows.Next() {
		var (
			e     breaker.Event
			state string
		)
		if err := rows.Scan(&state, &e.Reason, &e.At); err != nil {
			return nil, apperrors.NewStoreError("get_breaker_events", fmt.Errorf("failed to scan breaker event: %w", err))
		}
		e.State = breaker.State(state)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
