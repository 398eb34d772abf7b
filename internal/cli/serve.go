package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-guardrails/internal/api"
	"trade-guardrails/internal/config"
	"trade-guardrails/internal/correlation"
	"trade-guardrails/internal/engine"
	"trade-guardrails/internal/health"
	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/metrics"
	"trade-guardrails/internal/notify"
	"trade-guardrails/internal/portfolio"
	"trade-guardrails/internal/security"
	"trade-guardrails/internal/store"
	"trade-guardrails/internal/stream"
)

const (
	healthInterval  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

type serveOptions struct {
	addr     string
	readOnly bool
	strict   bool
}

func newServeCmd(app *App) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the guardrail HTTP service",
		Long: `Run the guardrail engine behind the HTTP API.

The service keeps the portfolio ledger, the circuit breaker and the review queue
in memory. Decisions, review outcomes and breaker transitions are appended to
the SQLite journal and the audit trail when those are enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.requireConfig(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, app, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.readOnly, "read-only", false, "reject every state-changing request")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "require an agent id on every proposal")

	return cmd
}

func runServe(ctx context.Context, app *App, opts serveOptions) error {
	cfg := *app.Config
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	logger := app.Logger

	provider, err := correlation.FromConfig(cfg.Correlation, logging.WithComponent(logger, "correlation"))
	if err != nil {
		return err
	}

	m := metrics.New()
	monitor := health.NewMonitor(health.DefaultConfig(), logging.WithComponent(logger, "health"))

	hub := stream.NewHub(stream.DefaultHubConfig(), logging.WithComponent(logger, "stream"))
	if err := hub.Start(ctx); err != nil {
		return err
	}
	defer hub.Stop()

	engineOpts := []engine.Option{engine.WithLogger(logger), engine.WithMetrics(m), engine.WithEvents(hub)}

	var auditLogger *security.AuditLogger
	if cfg.Audit.Enabled {
		auditLogger, err = security.NewAuditLogger(security.DefaultAuditConfig(cfg.Audit.LogDir))
		if err != nil {
			return err
		}
		defer auditLogger.Close()
		engineOpts = append(engineOpts, engine.WithAudit(auditLogger))
	}

	if cfg.Store.Enabled {
		journal, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		engineOpts = append(engineOpts, engine.WithJournal(journal))
		monitor.Register("journal", health.DatabaseCheck(journal.Ping))
	}

	notifier, webhook := buildNotifier(cfg.Notifications, logger)
	engineOpts = append(engineOpts, engine.WithNotifier(notifier))
	if webhook != nil {
		monitor.Register("webhook", health.CircuitCheck(webhook.State))
	}

	ledger := portfolio.New(decimal.NewFromFloat(cfg.Portfolio.InitialCapital))
	eng, err := engine.New(cfg.Guardrails, cfg.HITL, ledger, provider, engineOpts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	monitor.Register("breaker", health.BreakerCheck(eng.Halted))
	if feed, ok := provider.(*correlation.RedisMatrix); ok {
		interval := cfg.Correlation.RefreshInterval
		if interval <= 0 {
			interval = time.Minute
		}
		defer feed.Close()
		go feed.Run(ctx, interval)
		monitor.Register("correlation_feed", health.FeedCheck(feed.LastRefresh, 3*interval))
	}

	go eng.RunSweeper(ctx, cfg.HITL.SweepInterval)
	go monitor.Run(ctx, healthInterval)

	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithHealth(monitor),
		api.WithEvents(hub),
		api.WithAccessController(security.NewAccessController(opts.readOnly, auditLogger)),
	}
	if opts.strict {
		serverOpts = append(serverOpts, api.WithStrictValidation())
	}
	server := api.NewServer(cfg.Server, eng, serverOpts...)

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("correlation", cfg.Correlation.Source).
		Float64("capital", cfg.Portfolio.InitialCapital).
		Bool("journal", cfg.Store.Enabled).
		Bool("audit", cfg.Audit.Enabled).
		Msg("Guardrail service starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildNotifier returns the configured notifier and, when enabled, the webhook
// channel so its circuit can be health checked.
func buildNotifier(cfg config.NotificationConfig, logger zerolog.Logger) (notify.Notifier, *notify.WebhookNotifier) {
	if !cfg.Enabled {
		return notify.NewNoOpNotifier(), nil
	}

	channels := cfg
	channels.Webhook.Enabled = false
	mn := notify.NewMultiNotifier(channels)
	mn.AddChannel(notify.NewLogNotifier(logging.WithComponent(logger, "notify")))

	if !cfg.Webhook.Enabled || cfg.Webhook.URL == "" {
		return mn, nil
	}
	webhook := notify.NewWebhookNotifier(cfg.Webhook)
	mn.AddChannel(webhook)
	logger.Info().Str("url", security.MaskURL(cfg.Webhook.URL)).Msg("Webhook notifications enabled")
	return mn, webhook
}
