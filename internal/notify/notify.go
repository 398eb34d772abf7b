// Package notify delivers guardrail notifications to operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"trade-guardrails/internal/config"
	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
	"trade-guardrails/pkg/utils"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendEscalation(ctx context.Context, req models.HITLRequest) error
	SendHalt(ctx context.Context, reason string, automatic bool) error
	SendResume(ctx context.Context) error
	SendExpired(ctx context.Context, reqs []models.HITLRequest) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationEscalation NotificationType = "escalation"
	NotificationHalt       NotificationType = "halt"
	NotificationResume     NotificationType = "resume"
	NotificationExpired    NotificationType = "expired"
	NotificationInfo       NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll          NotificationLevel = "all"
	LevelBreakerOnly  NotificationLevel = "breaker_only"
	LevelApprovalOnly NotificationLevel = "approvals_only"
)

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}

	if mn.level == "" {
		mn.level = LevelAll
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelBreakerOnly:
		return notifType == NotificationHalt || notifType == NotificationResume
	case LevelApprovalOnly:
		return notifType == NotificationEscalation || notifType == NotificationExpired
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return apperrors.Wrapf(apperrors.ErrNotificationFailed, "%s", strings.Join(errs, "; "))
	}
	return nil
}

// SendEscalation announces a trade waiting for human approval.
func (mn *MultiNotifier) SendEscalation(ctx context.Context, req models.HITLRequest) error {
	p := req.TradeProposal
	title := fmt.Sprintf("Approval needed: %s %s %s", p.Side, p.Asset, p.Size.StringFixed(2))
	message := fmt.Sprintf(
		"Request: %s\nProposal: %s\nAgent: %s\nUrgency: %s\nExpires: %s\nReason: %s",
		req.ID,
		p.ID,
		p.AgentID,
		req.Urgency,
		req.ExpiresAt.Format(time.RFC3339),
		req.Reason,
	)

	return mn.Send(ctx, Notification{
		Type:    NotificationEscalation,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"request_id":  req.ID,
			"proposal_id": p.ID,
			"asset":       p.Asset,
			"asset_class": p.AssetClass,
			"side":        p.Side,
			"size":        p.Size.String(),
			"urgency":     req.Urgency,
			"expires_at":  req.ExpiresAt.Format(time.RFC3339),
		},
	})
}

// SendHalt announces a circuit breaker trip.
func (mn *MultiNotifier) SendHalt(ctx context.Context, reason string, automatic bool) error {
	source := "manual"
	if automatic {
		source = "automatic"
	}
	return mn.Send(ctx, Notification{
		Type:    NotificationHalt,
		Title:   "Trading halted",
		Message: fmt.Sprintf("Trading halted (%s): %s\nResume requires an explicit operator action.", source, reason),
		Data: map[string]interface{}{
			"reason":    reason,
			"automatic": automatic,
		},
	})
}

// SendResume announces that trading resumed.
func (mn *MultiNotifier) SendResume(ctx context.Context) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationResume,
		Title:   "Trading resumed",
		Message: "The circuit breaker was reset by an operator.",
	})
}

// SendExpired lists approval requests that lapsed without a decision.
func (mn *MultiNotifier) SendExpired(ctx context.Context, reqs []models.HITLRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	var sb strings.Builder
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
		sb.WriteString(fmt.Sprintf("%s: %s (%s)\n", r.ID, r.TradeProposal.String(), r.Urgency))
	}
	return mn.Send(ctx, Notification{
		Type:    NotificationExpired,
		Title:   fmt.Sprintf("%d approval request(s) expired", len(reqs)),
		Message: sb.String(),
		Data: map[string]interface{}{
			"request_ids": ids,
		},
	})
}

// WebhookNotifier sends notifications via HTTP webhook. Delivery is rate limited
// and guarded by a circuit breaker so a dead endpoint fails fast.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   utils.RetryConfig
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = 1 + cfg.Retries
	retry.InitialDelay = 250 * time.Millisecond
	retry.MaxDelay = 2 * time.Second

	st := gobreaker.Settings{Name: "webhook"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		breaker: gobreaker.NewCircuitBreaker(st),
		retry:   retry,
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// State returns the delivery circuit state.
func (w *WebhookNotifier) State() gobreaker.State {
	return w.breaker.State()
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, utils.Retry(ctx, w.retry, func() error {
			return w.post(ctx, body)
		})
	})
	return err
}

// post delivers one payload. Client errors are not retried.
func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return utils.Permanent(fmt.Errorf("creating webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TradeGuardrails/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return utils.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a new LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Name returns the name of the notifier.
func (l *LogNotifier) Name() string {
	return "log"
}

// IsEnabled returns whether the notifier is enabled.
func (l *LogNotifier) IsEnabled() bool {
	return true
}

// Send logs the notification.
func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	event := l.logger.Info()
	if n.Type == NotificationHalt {
		event = l.logger.Warn()
	}
	event.
		Str("type", string(n.Type)).
		Str("title", n.Title).
		Interface("data", n.Data).
		Msg(n.Message)
	return nil
}

// NoOpNotifier is a notifier that does nothing (for testing or disabled notifications).
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send does nothing.
func (n *NoOpNotifier) Send(ctx context.Context, notif Notification) error {
	return nil
}

// SendEscalation does nothing.
func (n *NoOpNotifier) SendEscalation(ctx context.Context, req models.HITLRequest) error {
	return nil
}

// SendHalt does nothing.
func (n *NoOpNotifier) SendHalt(ctx context.Context, reason string, automatic bool) error {
	return nil
}

// SendResume does nothing.
func (n *NoOpNotifier) SendResume(ctx context.Context) error {
	return nil
}

// SendExpired does nothing.
func (n *NoOpNotifier) SendExpired(ctx context.Context, reqs []models.HITLRequest) error {
	return nil
}
