// Package cli provides the command-line interface for the guardrail service.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trade-guardrails/internal/config"
	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/security"
)

// Version information, set with -ldflags at build time.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger

	loadErr error
}

// requireConfig returns the error from loading the configuration, if any.
func (a *App) requireConfig() error {
	if a.loadErr != nil {
		return a.loadErr
	}
	if a.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}
	return nil
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "guardrails",
		Short: "Trade-risk guardrails for automated trading agents",
		Long: `Guardrails validates trade proposals from automated agents against a risk
policy before they reach a broker.

Every proposal is checked for position size, risk per trade and per day, sector
exposure, correlation, loss limits and drawdown. Trades are approved, shrunk,
rejected or escalated to a human reviewer, and a circuit breaker halts all
trading when a loss limit is hit.

Use 'guardrails serve' to run the HTTP service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir

			cfg, err := config.Load(dir)
			if err != nil {
				// Commands that need the configuration report this themselves.
				app.loadErr = err
				cfg = config.Default()
			}
			app.Config = cfg

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Config.Logging.Level = "debug"
			}
			app.Logger = logging.NewLogger(app.Config.Logging)
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/trade-guardrails)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newCheckCmd(app))
	rootCmd.AddCommand(newReportCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Guardrails v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the guardrail configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.requireConfig(); err != nil {
				return err
			}
			output := NewOutput(cmd)
			masked := maskedConfig(app.Config)
			if output.IsJSON() {
				return output.JSON(masked)
			}
			showConfig(output, masked)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := filepath.Join(app.ConfigDir, "config.toml")
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.requireConfig(); err != nil {
				if output.IsJSON() {
					_ = output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				} else {
					output.Error("Configuration validation failed: %v", err)
				}
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

// maskedConfig returns a copy of cfg that is safe to print.
func maskedConfig(cfg *config.Config) *config.Config {
	masked := *cfg
	if masked.Notifications.Webhook.URL != "" {
		masked.Notifications.Webhook.URL = security.MaskURL(masked.Notifications.Webhook.URL)
	}
	return &masked
}

func showConfig(output *Output, cfg *config.Config) {
	g := cfg.Guardrails
	output.Bold("Guardrails")
	output.Printf("  Max Risk Per Trade:     %s\n", FormatFraction(g.MaxRiskPerTrade))
	output.Printf("  Max Risk Per Day:       %s\n", FormatFraction(g.MaxRiskPerDay))
	output.Printf("  Max Position Size:      %s\n", FormatFraction(g.MaxPositionSize))
	output.Printf("  Max Sector Exposure:    %s\n", FormatFraction(g.MaxSectorExposure))
	output.Printf("  Correlation Threshold:  %.2f\n", g.CorrelationThreshold)
	output.Printf("  Correlation Reduction:  %s\n", FormatFraction(g.CorrelationReductionPercent))
	output.Printf("  HITL Trade Threshold:   %.2f\n", g.HITLTradeThreshold)
	output.Printf("  HITL Drawdown:          %s\n", FormatFraction(g.HITLDrawdownThreshold))
	output.Printf("  Daily Loss Limit:       %s\n", FormatFraction(g.DailyLossLimit))
	output.Printf("  Weekly Loss Limit:      %s\n", FormatFraction(g.WeeklyLossLimit))
	output.Printf("  Max Drawdown Limit:     %s\n", FormatFraction(g.MaxDrawdownLimit))
	output.Println()

	output.Bold("Portfolio")
	output.Printf("  Initial Capital:        %.2f\n", cfg.Portfolio.InitialCapital)
	output.Println()

	output.Bold("Human Review")
	output.Printf("  Immediate TTL:          %s\n", cfg.HITL.ImmediateTTL)
	output.Printf("  Default TTL:            %s\n", cfg.HITL.DefaultTTL)
	output.Printf("  Sweep Interval:         %s\n", cfg.HITL.SweepInterval)
	output.Println()

	output.Bold("Correlation")
	output.Printf("  Source:                 %s\n", cfg.Correlation.Source)
	switch cfg.Correlation.Source {
	case config.CorrelationRedis:
		output.Printf("  Redis:                  %s (%s)\n", cfg.Correlation.RedisAddr, cfg.Correlation.RedisKey)
		output.Printf("  Refresh Interval:       %s\n", cfg.Correlation.RefreshInterval)
	case config.CorrelationEstimator:
		output.Printf("  Window:                 %d\n", cfg.Correlation.Window)
	}
	output.Println()

	output.Bold("Service")
	output.Printf("  Listen Address:         %s\n", cfg.Server.Addr)
	output.Printf("  Journal:                %v (%s)\n", cfg.Store.Enabled, cfg.Store.Path)
	output.Printf("  Audit Trail:            %v (%s)\n", cfg.Audit.Enabled, cfg.Audit.LogDir)
	output.Printf("  Log Level:              %s\n", cfg.Logging.Level)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:                %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:                  %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:                %v\n", cfg.Notifications.Webhook.Enabled)
	if cfg.Notifications.Webhook.URL != "" {
		output.Printf("  Webhook URL:            %s\n", cfg.Notifications.Webhook.URL)
	}
}
