// Package config provides configuration management for the guardrail engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "trade-guardrails/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Guardrails    GuardrailConfig    `mapstructure:"guardrails"`
	Portfolio     PortfolioConfig    `mapstructure:"portfolio"`
	HITL          HITLConfig         `mapstructure:"hitl"`
	Correlation   CorrelationConfig  `mapstructure:"correlation"`
	Server        ServerConfig       `mapstructure:"server"`
	Store         StoreConfig        `mapstructure:"store"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Audit         AuditConfig        `mapstructure:"audit"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

// GuardrailConfig holds the risk policy thresholds. All fractions are of total capital.
// It is treated as immutable once an engine has been built from it.
type GuardrailConfig struct {
	MaxRiskPerTrade             float64 `mapstructure:"max_risk_per_trade" json:"max_risk_per_trade"`
	MaxRiskPerDay               float64 `mapstructure:"max_risk_per_day" json:"max_risk_per_day"`
	MaxPositionSize             float64 `mapstructure:"max_position_size" json:"max_position_size"`
	MaxSectorExposure           float64 `mapstructure:"max_sector_exposure" json:"max_sector_exposure"`
	CorrelationThreshold        float64 `mapstructure:"correlation_threshold" json:"correlation_threshold"`
	CorrelationReductionPercent float64 `mapstructure:"correlation_reduction_percent" json:"correlation_reduction_percent"`
	HITLTradeThreshold          float64 `mapstructure:"hitl_trade_threshold" json:"hitl_trade_threshold"`           // monetary
	HITLDrawdownThreshold       float64 `mapstructure:"hitl_drawdown_threshold" json:"hitl_drawdown_threshold"`     // fraction
	DailyLossLimit              float64 `mapstructure:"daily_loss_limit" json:"daily_loss_limit"`
	WeeklyLossLimit             float64 `mapstructure:"weekly_loss_limit" json:"weekly_loss_limit"`
	MaxDrawdownLimit            float64 `mapstructure:"max_drawdown_limit" json:"max_drawdown_limit"`
}

// DefaultGuardrailConfig returns the default risk policy.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		MaxRiskPerTrade:             0.02,
		MaxRiskPerDay:               0.06,
		MaxPositionSize:             0.10,
		MaxSectorExposure:           0.30,
		CorrelationThreshold:        0.80,
		CorrelationReductionPercent: 0.50,
		HITLTradeThreshold:          100000,
		HITLDrawdownThreshold:       0.10,
		DailyLossLimit:              0.05,
		WeeklyLossLimit:             0.10,
		MaxDrawdownLimit:            0.15,
	}
}

// Validate checks that every threshold is usable.
func (g GuardrailConfig) Validate() error {
	fractions := []struct {
		name  string
		value float64
	}{
		{"max_risk_per_trade", g.MaxRiskPerTrade},
		{"max_risk_per_day", g.MaxRiskPerDay},
		{"max_position_size", g.MaxPositionSize},
		{"max_sector_exposure", g.MaxSectorExposure},
		{"correlation_threshold", g.CorrelationThreshold},
		{"correlation_reduction_percent", g.CorrelationReductionPercent},
		{"hitl_drawdown_threshold", g.HITLDrawdownThreshold},
		{"daily_loss_limit", g.DailyLossLimit},
		{"weekly_loss_limit", g.WeeklyLossLimit},
		{"max_drawdown_limit", g.MaxDrawdownLimit},
	}
	for _, f := range fractions {
		if f.value <= 0 || f.value > 1 {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "%s must be in (0, 1], got %v", f.name, f.value)
		}
	}
	if g.HITLTradeThreshold <= 0 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "hitl_trade_threshold must be positive, got %v", g.HITLTradeThreshold)
	}
	return nil
}

// PortfolioConfig holds the starting ledger for a session.
type PortfolioConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
}

// HITLConfig holds human review queue configuration.
type HITLConfig struct {
	ImmediateTTL  time.Duration `mapstructure:"immediate_ttl"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 0 disables the background sweep
}

// Correlation sources.
const (
	CorrelationStatic    = "static"
	CorrelationEstimator = "estimator"
	CorrelationRedis     = "redis"
)

// CorrelationConfig selects and configures the correlation provider.
type CorrelationConfig struct {
	Source          string             `mapstructure:"source"`
	Static          map[string]float64 `mapstructure:"static"` // "crypto:stocks" -> 0.4
	Window          int                `mapstructure:"window"`
	RedisAddr       string             `mapstructure:"redis_addr"`
	RedisKey        string             `mapstructure:"redis_key"`
	RefreshInterval time.Duration      `mapstructure:"refresh_interval"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig holds decision journal configuration.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	LogDir  string `mapstructure:"log_dir"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Level   string        `mapstructure:"level"` // all, breaker_only, approvals_only
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// Retries is the number of extra attempts after a failed delivery.
	Retries int `mapstructure:"retries"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/trade-guardrails"
	}
	return filepath.Join(home, ".config", "trade-guardrails")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing config file
// is replaced by a template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := writeTemplate(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config template: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	g := DefaultGuardrailConfig()
	v.SetDefault("guardrails.max_risk_per_trade", g.MaxRiskPerTrade)
	v.SetDefault("guardrails.max_risk_per_day", g.MaxRiskPerDay)
	v.SetDefault("guardrails.max_position_size", g.MaxPositionSize)
	v.SetDefault("guardrails.max_sector_exposure", g.MaxSectorExposure)
	v.SetDefault("guardrails.correlation_threshold", g.CorrelationThreshold)
	v.SetDefault("guardrails.correlation_reduction_percent", g.CorrelationReductionPercent)
	v.SetDefault("guardrails.hitl_trade_threshold", g.HITLTradeThreshold)
	v.SetDefault("guardrails.hitl_drawdown_threshold", g.HITLDrawdownThreshold)
	v.SetDefault("guardrails.daily_loss_limit", g.DailyLossLimit)
	v.SetDefault("guardrails.weekly_loss_limit", g.WeeklyLossLimit)
	v.SetDefault("guardrails.max_drawdown_limit", g.MaxDrawdownLimit)

	v.SetDefault("portfolio.initial_capital", 1000000.0)

	v.SetDefault("hitl.immediate_ttl", 5*time.Minute)
	v.SetDefault("hitl.default_ttl", time.Hour)
	v.SetDefault("hitl.sweep_interval", 30*time.Second)

	v.SetDefault("correlation.source", CorrelationStatic)
	v.SetDefault("correlation.window", 60)
	v.SetDefault("correlation.redis_addr", "localhost:6379")
	v.SetDefault("correlation.redis_key", "guardrails:correlation")
	v.SetDefault("correlation.refresh_interval", time.Minute)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", filepath.Join(configDir, "guardrails.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "guardrails.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_dir", filepath.Join(configDir, "audit"))

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.webhook.rate_per_minute", 30)
	v.SetDefault("notifications.webhook.timeout", 10*time.Second)
	v.SetDefault("notifications.webhook.retries", 2)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GUARDRAILS_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GUARDRAILS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GUARDRAILS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GUARDRAILS_CORRELATION_SOURCE"); v != "" {
		cfg.Correlation.Source = v
	}
	if v := os.Getenv("GUARDRAILS_REDIS_ADDR"); v != "" {
		cfg.Correlation.RedisAddr = v
	}
	if v := os.Getenv("GUARDRAILS_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Enabled = true
		cfg.Notifications.Webhook.Enabled = true
		cfg.Notifications.Webhook.URL = v
	}
	if v := os.Getenv("GUARDRAILS_INITIAL_CAPITAL"); v != "" {
		if capital, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Portfolio.InitialCapital = capital
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Guardrails.Validate(); err != nil {
		return err
	}

	if c.Portfolio.InitialCapital <= 0 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "initial_capital must be positive")
	}

	if c.HITL.ImmediateTTL <= 0 || c.HITL.DefaultTTL <= 0 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "hitl ttl values must be positive")
	}

	switch c.Correlation.Source {
	case CorrelationStatic, CorrelationEstimator, CorrelationRedis:
	default:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "unknown correlation source: %s (must be static, estimator or redis)", c.Correlation.Source)
	}
	for pair, value := range c.Correlation.Static {
		if !strings.Contains(pair, ":") {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "correlation pair %q must look like class_a:class_b", pair)
		}
		if value < -1 || value > 1 {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "correlation %q must be between -1 and 1", pair)
		}
	}
	if c.Correlation.Source == CorrelationEstimator && c.Correlation.Window < 2 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "correlation window must be at least 2")
	}

	switch c.Notifications.Level {
	case "", "all", "breaker_only", "approvals_only":
	default:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "unknown notification level: %s", c.Notifications.Level)
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "webhook enabled without url")
	}
	if c.Notifications.Webhook.Retries < 0 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "webhook retries must be non-negative")
	}

	return nil
}
