package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"trade-guardrails/internal/models"
	"trade-guardrails/internal/store"
)

// newJournalCmd adds commands that read the decision journal.
func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the decision journal",
		Long:  "Review journaled decisions, review requests and breaker transitions.",
	}

	cmd.AddCommand(newJournalDecisionsCmd(app))
	cmd.AddCommand(newJournalHITLCmd(app))
	cmd.AddCommand(newJournalStatsCmd(app))
	cmd.AddCommand(newJournalBreakerCmd(app))

	return cmd
}

// openJournal opens the configured journal database.
func openJournal(app *App) (*store.SQLiteStore, error) {
	if err := app.requireConfig(); err != nil {
		return nil, err
	}
	if !app.Config.Store.Enabled {
		return nil, fmt.Errorf("decision journal is disabled (store.enabled = false)")
	}
	return store.NewSQLiteStore(app.Config.Store.Path)
}

func newJournalDecisionsCmd(app *App) *cobra.Command {
	var (
		outcome, agent, asset string
		since                 time.Duration
		limit                 int
	)

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List journaled decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			filter := store.DecisionFilter{Outcome: outcome, AgentID: agent, Asset: asset, Limit: limit}
			if since > 0 {
				filter.StartDate = time.Now().Add(-since)
			}
			records, err := journal.GetDecisions(ctx, filter)
			if err != nil {
				output.Error("Failed to fetch decisions: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(records)
			}
			if len(records) == 0 {
				output.Info("No decisions recorded.")
				return nil
			}

			table := NewTable(output, "Time", "Proposal", "Agent", "Asset", "Side", "Size", "Adjusted", "Outcome", "Failed")
			for _, r := range records {
				adjusted := "-"
				if r.AdjustedSize != nil {
					adjusted = FormatMoney(*r.AdjustedSize)
				}
				failed := 0
				for _, c := range r.Checks {
					if !c.Passed {
						failed++
					}
				}
				table.AddRow(
					FormatDateTime(r.EvaluatedAt),
					TruncateString(r.ProposalID, 20),
					TruncateString(r.AgentID, 16),
					r.Asset,
					string(r.Side),
					FormatMoney(r.Size),
					adjusted,
					output.OutcomeColor(r.Outcome),
					fmt.Sprintf("%d", failed),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (approved, adjusted, rejected, escalated, halted)")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&asset, "asset", "", "filter by asset")
	cmd.Flags().DurationVar(&since, "since", 0, "only decisions newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of decisions")

	return cmd
}

func newJournalHITLCmd(app *App) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "hitl",
		Short: "List journaled review requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			reqs, err := journal.GetHITLRequests(ctx, store.HITLFilter{Status: models.HITLStatus(status), Limit: limit})
			if err != nil {
				output.Error("Failed to fetch review requests: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(reqs)
			}
			if len(reqs) == 0 {
				output.Info("No review requests recorded.")
				return nil
			}

			table := NewTable(output, "Created", "ID", "Proposal", "Urgency", "Status", "Resolved By", "Reason")
			for _, r := range reqs {
				table.AddRow(
					FormatDateTime(r.Timestamp),
					TruncateString(r.ID, 12),
					r.TradeProposal.String(),
					string(r.Urgency),
					string(r.Status),
					r.ApprovedBy,
					TruncateString(r.Reason, 48),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, approved, rejected, expired)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of requests")

	return cmd
}

func newJournalStatsCmd(app *App) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize journaled decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var dr store.DateRange
			if since > 0 {
				dr.Start = time.Now().Add(-since)
			}
			stats, err := journal.GetDecisionStats(ctx, dr)
			if err != nil {
				output.Error("Failed to compute stats: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(stats)
			}

			output.Bold("Decision Summary")
			output.Printf("  Total:          %d\n", stats.Total)
			output.Printf("  Approval Rate:  %.1f%%\n", stats.ApprovalRate*100)
			output.Println()

			output.Bold("By Outcome")
			for _, outcome := range []string{
				models.OutcomeApproved, models.OutcomeAdjusted, models.OutcomeRejected,
				models.OutcomeEscalated, models.OutcomeHalted,
			} {
				output.Printf("  %-12s %d\n", output.OutcomeColor(outcome), stats.ByOutcome[outcome])
			}

			if len(stats.FailuresByRule) > 0 {
				output.Println()
				output.Bold("Failures By Rule")
				rules := make([]string, 0, len(stats.FailuresByRule))
				for rule := range stats.FailuresByRule {
					rules = append(rules, rule)
				}
				sort.Slice(rules, func(i, j int) bool {
					return stats.FailuresByRule[rules[i]] > stats.FailuresByRule[rules[j]]
				})
				for _, rule := range rules {
					output.Printf("  %-24s %d\n", rule, stats.FailuresByRule[rule])
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only decisions newer than this (e.g. 168h)")
	return cmd
}

func newJournalBreakerCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "List circuit breaker transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			events, err := journal.GetBreakerEvents(ctx, limit)
			if err != nil {
				output.Error("Failed to fetch breaker events: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(events)
			}
			if len(events) == 0 {
				output.Info("No breaker transitions recorded.")
				return nil
			}

			table := NewTable(output, "Time", "State", "Reason")
			for _, e := range events {
				table.AddRow(FormatDateTime(e.At), fmt.Sprintf("%v", e.State), e.Reason)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}
