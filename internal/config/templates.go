package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Trade Guardrails Configuration

[guardrails]
# Maximum risk per trade as a fraction of total capital (the 2% rule)
max_risk_per_trade = 0.02
# Maximum summed risk of trades opened today
max_risk_per_day = 0.06
# Maximum size of a single asset/side position
max_position_size = 0.10
# Maximum exposure per asset class
max_sector_exposure = 0.30
# Correlation kill-switch threshold and book reduction fraction
correlation_threshold = 0.80
correlation_reduction_percent = 0.50
# Proposals at or above this notional need human approval
hitl_trade_threshold = 100000.0
# Drawdown at which every proposal needs human approval
hitl_drawdown_threshold = 0.10
# Circuit breaker limits
daily_loss_limit = 0.05
weekly_loss_limit = 0.10
max_drawdown_limit = 0.15

[portfolio]
initial_capital = 1000000.0

[hitl]
immediate_ttl = "5m"
default_ttl = "1h"
# Background expiry sweep, "0s" to rely on lazy expiry only
sweep_interval = "30s"

[correlation]
# static, estimator or redis
source = "static"
window = 60
redis_addr = "localhost:6379"
redis_key = "guardrails:correlation"
refresh_interval = "1m"

[correlation.static]
"crypto:stocks" = 0.45
"crypto:commodities" = 0.20
"crypto:forex" = 0.10
"stocks:commodities" = 0.30
"stocks:forex" = 0.25
"commodities:forex" = 0.35

[server]
addr = ":8080"
read_timeout = "10s"
write_timeout = "10s"

[store]
enabled = true

[logging]
# debug, info, warn, error
level = "info"
console = true
file = false

[audit]
enabled = true

[notifications]
enabled = false
# all, breaker_only, approvals_only
level = "all"

[notifications.webhook]
enabled = false
url = ""
rate_per_minute = 30
timeout = "10s"
retries = 2
`

// Template returns the default config.toml contents.
func Template() string {
	return configTemplate
}

func writeTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
