package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-guardrails/internal/correlation"
	"trade-guardrails/internal/engine"
	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/models"
	"trade-guardrails/internal/portfolio"
)

const feedTimeout = 5 * time.Second

func newCheckCmd(app *App) *cobra.Command {
	var proposalPath, portfolioPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate one trade proposal offline",
		Long: `Validate a trade proposal against the configured policy without running the
service. The portfolio defaults to an empty book holding the configured initial
capital.`,
		Example: `  guardrails check --proposal proposal.json
  guardrails check --proposal proposal.json --portfolio book.json --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.requireConfig(); err != nil {
				return err
			}
			output := NewOutput(cmd)

			var proposal models.TradeProposal
			if err := readJSONFile(proposalPath, &proposal); err != nil {
				return err
			}

			eng, closeFn, err := offlineEngine(cmd.Context(), app, portfolioPath)
			if err != nil {
				return err
			}
			defer closeFn()

			decision, err := eng.ValidateTrade(cmd.Context(), proposal)
			if err != nil {
				output.Error("Proposal is invalid: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(decision)
			}
			printDecision(output, proposal, decision, eng.GetStatus())
			return nil
		},
	}

	cmd.Flags().StringVar(&proposalPath, "proposal", "", "trade proposal JSON file")
	cmd.Flags().StringVar(&portfolioPath, "portfolio", "", "portfolio state JSON file")
	_ = cmd.MarkFlagRequired("proposal")

	return cmd
}

func newReportCmd(app *App) *cobra.Command {
	var portfolioPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the status report for a portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.requireConfig(); err != nil {
				return err
			}
			output := NewOutput(cmd)

			eng, closeFn, err := offlineEngine(cmd.Context(), app, portfolioPath)
			if err != nil {
				return err
			}
			defer closeFn()

			if output.IsJSON() {
				return output.JSON(eng.GetStatus())
			}
			output.Print("%s", eng.GenerateReport())
			return nil
		},
	}

	cmd.Flags().StringVar(&portfolioPath, "portfolio", "", "portfolio state JSON file")
	return cmd
}

// offlineEngine builds an engine over the portfolio in path, or over an empty
// book when path is empty. A redis correlation feed is read once.
func offlineEngine(ctx context.Context, app *App, path string) (*engine.Engine, func(), error) {
	cfg := app.Config
	logger := app.Logger

	var ledger *portfolio.Store
	if path == "" {
		ledger = portfolio.New(decimal.NewFromFloat(cfg.Portfolio.InitialCapital))
	} else {
		var state models.PortfolioState
		if err := readJSONFile(path, &state); err != nil {
			return nil, nil, err
		}
		var err error
		if ledger, err = portfolio.NewFromState(state); err != nil {
			return nil, nil, err
		}
	}

	provider, err := correlation.FromConfig(cfg.Correlation, logging.WithComponent(logger, "correlation"))
	if err != nil {
		return nil, nil, err
	}
	closeFeed := func() {}
	if feed, ok := provider.(*correlation.RedisMatrix); ok {
		refreshCtx, cancel := context.WithTimeout(ctx, feedTimeout)
		if err := feed.Refresh(refreshCtx); err != nil {
			logger.Warn().Err(err).Msg("Correlation feed unavailable, using static values")
		}
		cancel()
		closeFeed = func() { _ = feed.Close() }
	}

	eng, err := engine.New(cfg.Guardrails, cfg.HITL, ledger, provider, engine.WithLogger(logger))
	if err != nil {
		closeFeed()
		return nil, nil, err
	}
	return eng, func() {
		_ = eng.Close()
		closeFeed()
	}, nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func printDecision(output *Output, p models.TradeProposal, d models.Decision, st engine.Status) {
	output.Bold("Decision: %s", output.OutcomeColor(d.Outcome()))
	output.Printf("  Proposal:  %s (%s)\n", p, p.AssetClass)
	if d.AdjustedProposal != nil {
		output.Printf("  Adjusted:  %s -> %s\n", FormatMoney(p.Size), output.Yellow(FormatMoney(d.AdjustedProposal.Size)))
	}
	output.Printf("  Daily P&L: %s  Drawdown: %s\n", output.FormatPnL(st.Portfolio.DailyPnL), FormatFraction(st.Portfolio.CurrentDrawdown))
	if st.TradingHalted {
		output.Error("  Trading halted: %s", st.HaltReason)
	}
	if d.HITLRequired != nil {
		output.Warning("  Review %s required before %s", output.Cyan(d.HITLRequired.ID), FormatDateTime(d.HITLRequired.ExpiresAt))
		output.Dim("  %s", d.HITLRequired.Reason)
	}
	output.Println()

	table := NewTable(output, "Rule", "Result", "Severity", "Action", "Message")
	for _, c := range d.Checks {
		rule, result, message := c.Rule, output.Green("PASS"), output.DimText(TruncateString(c.Message, 80))
		if !c.Passed {
			rule, result, message = output.BoldText(c.Rule), output.Red("FAIL"), TruncateString(c.Message, 80)
		}
		table.AddRow(rule, result, string(c.Severity), string(c.Action), message)
	}
	table.Render()
}
