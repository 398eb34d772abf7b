package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"trade-guardrails/internal/config"
	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recordingChannel) Name() string    { return "recording" }
func (r *recordingChannel) IsEnabled() bool { return true }
func (r *recordingChannel) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func testRequest() models.HITLRequest {
	return models.HITLRequest{
		ID:        "hitl-1",
		Timestamp: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		TradeProposal: models.TradeProposal{
			ID:         "prop-9",
			Asset:      "XAUUSD",
			AssetClass: models.AssetCommodities,
			Side:       models.SideLong,
			Size:       decimal.NewFromInt(150000),
			Urgency:    models.UrgencyImmediate,
			AgentID:    "macro-agent",
		},
		Reason:    "Human approval required: trade size 150000.00 >= 100000.00",
		Urgency:   models.HITLHigh,
		ExpiresAt: time.Date(2026, 4, 1, 9, 5, 0, 0, time.UTC),
		Status:    models.HITLPending,
	}
}

func TestWebhookNotifier_PostsEscalation(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	mn := NewMultiNotifier(config.NotificationConfig{
		Enabled: true,
		Webhook: config.WebhookConfig{Enabled: true, URL: server.URL, RatePerMinute: 60, Timeout: time.Second},
	})

	if err := mn.SendEscalation(context.Background(), testRequest()); err != nil {
		t.Fatalf("SendEscalation() error = %v", err)
	}

	if got["type"] != string(NotificationEscalation) {
		t.Errorf("type = %v", got["type"])
	}
	data, _ := got["data"].(map[string]interface{})
	if data["request_id"] != "hitl-1" || data["urgency"] != "high" || data["size"] != "150000" {
		t.Errorf("data = %v", data)
	}
}

func TestWebhookNotifier_BreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: server.URL, RatePerMinute: 600, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := w.Send(ctx, Notification{Type: NotificationHalt, Title: "t"}); err == nil {
			t.Fatalf("send %d should fail on 502", i)
		}
	}
	if w.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", w.State())
	}

	err := w.Send(ctx, Notification{Type: NotificationHalt, Title: "t"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("send with open breaker error = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("server calls = %d, want 3", n)
	}
}

func TestWebhookNotifier_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"recovers after server errors", []int{503, 502, 204}, 3, false},
		{"client error not retried", []int{400, 204}, 1, true},
		{"throttled is retried", []int{429, 200}, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer server.Close()

			w := NewWebhookNotifier(config.WebhookConfig{
				Enabled: true, URL: server.URL, RatePerMinute: 600, Timeout: time.Second, Retries: 2,
			})
			err := w.Send(context.Background(), Notification{Type: NotificationHalt, Title: "t"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if n := atomic.LoadInt32(&calls); n != tt.wantCalls {
				t.Errorf("server calls = %d, want %d", n, tt.wantCalls)
			}
			if w.State() != gobreaker.StateClosed {
				t.Errorf("breaker state = %s, want closed", w.State())
			}
		})
	}
}

func TestWebhookNotifier_DisabledWithoutURL(t *testing.T) {
	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true})
	if w.IsEnabled() {
		t.Error("webhook without url should be disabled")
	}
	if err := w.Send(context.Background(), Notification{}); err != nil {
		t.Errorf("disabled send error = %v", err)
	}
}

func TestMultiNotifier_LevelFilter(t *testing.T) {
	tests := []struct {
		level NotificationLevel
		want  []NotificationType
	}{
		{LevelAll, []NotificationType{NotificationEscalation, NotificationHalt, NotificationResume, NotificationExpired}},
		{LevelBreakerOnly, []NotificationType{NotificationHalt, NotificationResume}},
		{LevelApprovalOnly, []NotificationType{NotificationEscalation, NotificationExpired}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			ch := &recordingChannel{}
			mn := NewMultiNotifier(config.NotificationConfig{Level: string(tt.level)})
			mn.AddChannel(ch)

			ctx := context.Background()
			_ = mn.SendEscalation(ctx, testRequest())
			_ = mn.SendHalt(ctx, "drawdown", true)
			_ = mn.SendResume(ctx)
			_ = mn.SendExpired(ctx, []models.HITLRequest{testRequest()})

			if len(ch.sent) != len(tt.want) {
				t.Fatalf("sent = %d, want %d", len(ch.sent), len(tt.want))
			}
			for i, n := range ch.sent {
				if n.Type != tt.want[i] {
					t.Errorf("sent[%d] = %s, want %s", i, n.Type, tt.want[i])
				}
				if n.Timestamp.IsZero() {
					t.Error("timestamp not set")
				}
			}
		})
	}
}

func TestMultiNotifier_WrapsChannelErrors(t *testing.T) {
	mn := NewMultiNotifier(config.NotificationConfig{})
	mn.AddChannel(&recordingChannel{err: errors.New("boom")})

	err := mn.SendHalt(context.Background(), "x", false)
	if !errors.Is(err, apperrors.ErrNotificationFailed) {
		t.Errorf("error = %v, want ErrNotificationFailed", err)
	}
}

func TestSendExpired_EmptyIsNoop(t *testing.T) {
	ch := &recordingChannel{}
	mn := NewMultiNotifier(config.NotificationConfig{})
	mn.AddChannel(ch)
	if err := mn.SendExpired(context.Background(), nil); err != nil || len(ch.sent) != 0 {
		t.Errorf("err = %v, sent = %d", err, len(ch.sent))
	}
}
