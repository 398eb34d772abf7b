// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"trade-guardrails/internal/config"
	"trade-guardrails/internal/models"
)

// NewLogger creates a logger from the logging section of the config.
func NewLogger(cfg config.LoggingConfig) zerolog.Logger {
	return NewLoggerWithWriter(cfg, nil)
}

// NewLoggerWithWriter creates a logger that additionally writes to extra when non-nil.
func NewLoggerWithWriter(cfg config.LoggingConfig, extra io.Writer) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	if extra != nil {
		writers = append(writers, extra)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel converts a config level name into a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ContextKey is the type for context keys.
type ContextKey string

const (
	// LoggerKey is the context key for the logger.
	LoggerKey ContextKey = "logger"
	// RequestIDKey is the context key for request ID.
	RequestIDKey ContextKey = "request_id"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID returns the request ID stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// WithProposal adds proposal identity to the logger context.
func WithProposal(logger zerolog.Logger, p models.TradeProposal) zerolog.Logger {
	return logger.With().
		Str("proposal_id", p.ID).
		Str("asset", p.Asset).
		Str("agent_id", p.AgentID).
		Logger()
}

// WithRule adds a guardrail rule name to the logger context.
func WithRule(logger zerolog.Logger, rule string) zerolog.Logger {
	return logger.With().Str("rule", rule).Logger()
}

// WithRequest adds a HITL request ID to the logger context.
func WithRequest(logger zerolog.Logger, requestID string) zerolog.Logger {
	return logger.With().Str("request_id", requestID).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogDecision logs the outcome of a validation.
func LogDecision(logger zerolog.Logger, d models.Decision) {
	for _, c := range d.Checks {
		l := WithRule(logger, c.Rule)
		l.Debug().
			Bool("passed", c.Passed).
			Str("severity", string(c.Severity)).
			Str("action", string(c.Action)).
			Msg(c.Message)
	}

	event := logger.Info()
	if !d.Approved {
		event = logger.Warn()
	}
	event.
		Str("event", "decision").
		Str("decision_id", d.ID).
		Str("outcome", d.Outcome()).
		Bool("approved", d.Approved).
		Int("failed_checks", len(d.FailedChecks())).
		Msg("Trade proposal evaluated")
}

// LogHalt logs a circuit breaker transition.
func LogHalt(logger zerolog.Logger, halted bool, reason string) {
	if halted {
		logger.Warn().
			Str("event", "halt").
			Str("reason", reason).
			Msg("Trading halted")
		return
	}
	logger.Info().
		Str("event", "resume").
		Msg("Trading resumed")
}

// LogHITL logs a human review transition.
func LogHITL(logger zerolog.Logger, req models.HITLRequest) {
	logger.Info().
		Str("event", "hitl").
		Str("request_id", req.ID).
		Str("proposal_id", req.TradeProposal.ID).
		Str("status", string(req.Status)).
		Str("urgency", string(req.Urgency)).
		Str("actor", req.ApprovedBy).
		Time("expires_at", req.ExpiresAt).
		Msg("HITL request update")
}
