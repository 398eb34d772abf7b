package engine

import (
	"context"
	"errors"
	"time"

	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/models"
	"trade-guardrails/internal/stream"
)

// ApproveHITL approves a pending request. It returns false when the request is
// missing, already resolved, or past its deadline.
func (e *Engine) ApproveHITL(ctx context.Context, id, actor string) bool {
	_, err := e.ResolveHITL(ctx, id, actor, true)
	return err == nil
}

// RejectHITL rejects a pending request under the same conditions as ApproveHITL.
func (e *Engine) RejectHITL(ctx context.Context, id, actor string) bool {
	_, err := e.ResolveHITL(ctx, id, actor, false)
	return err == nil
}

// ResolveHITL approves or rejects a request and reports why it could not.
// Errors wrap ErrRequestNotFound, ErrRequestNotPending or ErrRequestExpired.
func (e *Engine) ResolveHITL(ctx context.Context, id, actor string, approve bool) (models.HITLRequest, error) {
	var (
		req models.HITLRequest
		err error
	)
	if approve {
		req, err = e.queue.Approve(id, actor)
	} else {
		req, err = e.queue.Reject(id, actor)
	}

	logger := logging.WithRequest(e.logger, id)
	switch {
	case err == nil:
		e.onResolved(ctx, req, true, "")
	case errors.Is(err, apperrors.ErrRequestExpired):
		logger.Info().Str("actor", actor).Msg("HITL resolution after deadline")
		e.onExpired(ctx, []models.HITLRequest{req})
	default:
		logger.Warn().Err(err).Str("actor", actor).Msg("HITL resolution refused")
	}
	return req, err
}

// onResolved records a request that reached a final status.
func (e *Engine) onResolved(ctx context.Context, req models.HITLRequest, success bool, errMsg string) {
	logging.LogHITL(e.logger, req)
	e.metrics.ObserveResolution(req.Status)
	e.metrics.SetPending(e.queue.PendingCount())
	if err := e.audit.LogHITL(ctx, req, success, errMsg); err != nil {
		e.logger.Error().Err(err).Msg("Failed to write audit event")
	}
	e.journalHITL(ctx, req)
	e.publish(stream.EventHITL, e.now(), req)
}

// GetPendingHITLRequests returns open requests, most urgent first.
func (e *Engine) GetPendingHITLRequests() []models.HITLRequest {
	return e.queue.ListPending()
}

// GetHITLRequest returns a request in any status.
func (e *Engine) GetHITLRequest(id string) (models.HITLRequest, bool) {
	return e.queue.Get(id)
}

// ListHITLRequests returns every request in creation order.
func (e *Engine) ListHITLRequests() []models.HITLRequest {
	return e.queue.List()
}

// SweepExpired expires overdue requests now and records them.
func (e *Engine) SweepExpired(ctx context.Context) []models.HITLRequest {
	expired := e.queue.Sweep()
	e.onExpired(ctx, expired)
	return expired
}

// RunSweeper expires overdue requests every interval until ctx is done.
// Between sweeps a resolution attempt past the deadline records the expiry.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.hitlCfg.SweepInterval
	}
	if interval <= 0 {
		return
	}
	e.queue.Run(ctx, interval, func(expired []models.HITLRequest) {
		e.onExpired(ctx, expired)
	})
}

func (e *Engine) onExpired(ctx context.Context, expired []models.HITLRequest) {
	if len(expired) == 0 {
		return
	}
	for _, req := range expired {
		e.onResolved(ctx, req, false, "expired before a decision")
	}
	e.notifyAsync(func(ctx context.Context) error {
		return e.notifier.SendExpired(ctx, expired)
	})
}
