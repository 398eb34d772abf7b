// Package hitl manages trade proposals escalated for human approval.
package hitl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trade-guardrails/internal/config"
	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
)

// Default time-to-live of a request by proposal urgency.
const (
	DefaultImmediateTTL = 5 * time.Minute
	DefaultTTL          = time.Hour
)

// Queue holds HITL requests. A pending request past its deadline reads as
// expired, but the stored status only changes when it is acted on or swept, so
// each expiry is reported exactly once.
type Queue struct {
	mu       sync.Mutex
	requests map[string]*models.HITLRequest
	order    []string

	immediateTTL time.Duration
	defaultTTL   time.Duration
	now          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates an empty queue. Zero TTLs fall back to the defaults.
func NewQueue(cfg config.HITLConfig, opts ...Option) *Queue {
	q := &Queue{
		requests:     make(map[string]*models.HITLRequest),
		immediateTTL: cfg.ImmediateTTL,
		defaultTTL:   cfg.DefaultTTL,
		now:          time.Now,
	}
	if q.immediateTTL <= 0 {
		q.immediateTTL = DefaultImmediateTTL
	}
	if q.defaultTTL <= 0 {
		q.defaultTTL = DefaultTTL
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// TTL returns how long a request for a proposal with urgency u stays open.
func (q *Queue) TTL(u models.Urgency) time.Duration {
	if u == models.UrgencyImmediate {
		return q.immediateTTL
	}
	return q.defaultTTL
}

// Create inserts a pending request for proposal.
func (q *Queue) Create(proposal models.TradeProposal, reason string) models.HITLRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	req := &models.HITLRequest{
		ID:            "hitl-" + uuid.NewString(),
		Timestamp:     now,
		TradeProposal: proposal.WithSize(proposal.Size),
		Reason:        reason,
		Urgency:       models.UrgencyFor(proposal.Urgency),
		ExpiresAt:     now.Add(q.TTL(proposal.Urgency)),
		Status:        models.HITLPending,
	}
	q.requests[req.ID] = req
	q.order = append(q.order, req.ID)
	return copyRequest(req)
}

// Approve marks a pending request approved by actor.
func (q *Queue) Approve(id, actor string) (models.HITLRequest, error) {
	return q.resolve(id, actor, models.HITLApproved)
}

// Reject marks a pending request rejected by actor.
func (q *Queue) Reject(id, actor string) (models.HITLRequest, error) {
	return q.resolve(id, actor, models.HITLRejected)
}

// ApproveRequest is Approve reduced to success or failure.
func (q *Queue) ApproveRequest(id, actor string) bool {
	_, err := q.Approve(id, actor)
	return err == nil
}

// RejectRequest is Reject reduced to success or failure.
func (q *Queue) RejectRequest(id, actor string) bool {
	_, err := q.Reject(id, actor)
	return err == nil
}

func (q *Queue) resolve(id, actor string, status models.HITLStatus) (models.HITLRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return models.HITLRequest{}, apperrors.Wrapf(apperrors.ErrRequestNotFound, "request %s", id)
	}
	now := q.now()
	if req.Status == models.HITLPending && now.After(req.ExpiresAt) {
		req.Status = models.HITLExpired
		return copyRequest(req), apperrors.Wrapf(apperrors.ErrRequestExpired, "request %s expired at %s", id, req.ExpiresAt.Format(time.RFC3339))
	}
	if req.Status != models.HITLPending {
		return copyRequest(req), apperrors.Wrapf(apperrors.ErrRequestNotPending, "request %s is %s", id, req.Status)
	}

	req.Status = status
	req.ApprovedBy = actor
	req.ApprovedAt = &now
	return copyRequest(req), nil
}

// ListPending returns open requests, most urgent first and oldest first within an urgency.
func (q *Queue) ListPending() []models.HITLRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var pending []models.HITLRequest
	for _, id := range q.order {
		req := q.requests[id]
		if req.Status == models.HITLPending && now.Before(req.ExpiresAt) {
			pending = append(pending, copyRequest(req))
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Urgency.Rank() < pending[j].Urgency.Rank()
	})
	return pending
}

// PendingCount returns the number of open requests.
func (q *Queue) PendingCount() int {
	return len(q.ListPending())
}

// Get returns a request by id.
func (q *Queue) Get(id string) (models.HITLRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return models.HITLRequest{}, false
	}
	return viewRequest(req, q.now()), true
}

// List returns every request in creation order.
func (q *Queue) List() []models.HITLRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	all := make([]models.HITLRequest, 0, len(q.order))
	for _, id := range q.order {
		all = append(all, viewRequest(q.requests[id], now))
	}
	return all
}

// Sweep expires every pending request past its deadline and returns them.
func (q *Queue) Sweep() []models.HITLRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expireLocked(q.now())
}

// Run sweeps every interval until ctx is done, passing newly expired requests to onExpired.
func (q *Queue) Run(ctx context.Context, interval time.Duration, onExpired func([]models.HITLRequest)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := q.Sweep(); len(expired) > 0 && onExpired != nil {
				onExpired(expired)
			}
		}
	}
}

func (q *Queue) expireLocked(now time.Time) []models.HITLRequest {
	var expired []models.HITLRequest
	for _, id := range q.order {
		req := q.requests[id]
		if req.Status == models.HITLPending && now.After(req.ExpiresAt) {
			req.Status = models.HITLExpired
			expired = append(expired, copyRequest(req))
		}
	}
	return expired
}

// viewRequest copies req with the status it has at now.
func viewRequest(req *models.HITLRequest, now time.Time) models.HITLRequest {
	out := copyRequest(req)
	if out.Status == models.HITLPending && now.After(out.ExpiresAt) {
		out.Status = models.HITLExpired
	}
	return out
}

func copyRequest(req *models.HITLRequest) models.HITLRequest {
	out := *req
	out.TradeProposal = req.TradeProposal.WithSize(req.TradeProposal.Size)
	if req.ApprovedAt != nil {
		at := *req.ApprovedAt
		out.ApprovedAt = &at
	}
	return out
}
