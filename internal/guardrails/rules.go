package guardrails

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-guardrails/internal/config"
	"trade-guardrails/internal/correlation"
	"trade-guardrails/internal/models"
)

// Rule names as they appear in checks.
const (
	RuleRiskPerTrade    = "risk_per_trade"
	RulePositionSize    = "position_size_limit"
	RuleSectorExposure  = "sector_exposure"
	RuleCorrelation     = "correlation_kill_switch"
	RuleCircuitBreaker  = "circuit_breaker"
	RuleHITLRequirement = "hitl_requirement"
	RuleDailyRiskBudget = "daily_risk_budget"
)

// Input is everything a rule may look at. It is a snapshot: rules never see
// state change while they run.
type Input struct {
	Proposal     models.TradeProposal
	Portfolio    models.PortfolioState
	Correlations []correlation.Pair
	Now          time.Time
	Config       config.GuardrailConfig
}

// Rule is one named evaluator.
type Rule struct {
	Name     string
	Evaluate func(Input) models.GuardrailCheck
}

// Rules returns the evaluators in evaluation order.
func Rules() []Rule {
	return []Rule{
		{RuleRiskPerTrade, RiskPerTrade},
		{RulePositionSize, PositionSizeLimit},
		{RuleSectorExposure, SectorExposure},
		{RuleCorrelation, CorrelationKillSwitch},
		{RuleCircuitBreaker, CircuitBreaker},
		{RuleHITLRequirement, HITLRequirement},
		{RuleDailyRiskBudget, DailyRiskBudget},
	}
}

// Evaluate runs every rule in order. Rules never short-circuit each other.
func Evaluate(in Input) []models.GuardrailCheck {
	rules := Rules()
	checks := make([]models.GuardrailCheck, 0, len(rules))
	for _, r := range rules {
		checks = append(checks, r.Evaluate(in))
	}
	return checks
}

func fraction(capital decimal.Decimal, f float64) decimal.Decimal {
	return capital.Mul(decimal.NewFromFloat(f))
}

func money(v decimal.Decimal) string {
	return v.StringFixed(2)
}

// RiskPerTrade limits the loss at the stop to MaxRiskPerTrade of capital and
// offers the largest size that fits.
func RiskPerTrade(in Input) models.GuardrailCheck {
	p := in.Proposal
	stop := p.StopDistance()
	risk := p.Risk()
	limit := fraction(in.Portfolio.TotalCapital, in.Config.MaxRiskPerTrade)

	if risk.LessThanOrEqual(limit) {
		return NewCheck(RuleRiskPerTrade, VerdictPass,
			fmt.Sprintf("Trade risk %s within limit %s", money(risk), money(limit)), nil)
	}

	adjusted := limit.Div(stop)
	return NewCheck(RuleRiskPerTrade, VerdictShrink,
		fmt.Sprintf("Trade risk %s exceeds %.1f%% limit %s, reduce size to %s",
			money(risk), in.Config.MaxRiskPerTrade*100, money(limit), money(adjusted)),
		&adjusted)
}

// PositionSizeLimit caps the combined size of same-asset same-side exposure.
func PositionSizeLimit(in Input) models.GuardrailCheck {
	p := in.Proposal
	existing := decimal.Zero
	for _, pos := range in.Portfolio.Positions {
		if pos.Asset == p.Asset && pos.Side == p.Side {
			existing = existing.Add(pos.Size)
		}
	}
	limit := fraction(in.Portfolio.TotalCapital, in.Config.MaxPositionSize)
	total := existing.Add(p.Size)

	if total.LessThanOrEqual(limit) {
		return NewCheck(RulePositionSize, VerdictPass,
			fmt.Sprintf("Position %s %s would be %s of limit %s", p.Asset, p.Side, money(total), money(limit)), nil)
	}

	adjusted := decimal.Max(decimal.Zero, limit.Sub(existing))
	if adjusted.IsZero() {
		return NewCheck(RulePositionSize, VerdictRefuse,
			fmt.Sprintf("Existing %s %s position %s already uses the %s limit",
				p.Asset, p.Side, money(existing), money(limit)),
			&adjusted)
	}
	return NewCheck(RulePositionSize, VerdictShrink,
		fmt.Sprintf("Position %s %s would be %s, above limit %s, reduce size to %s",
			p.Asset, p.Side, money(total), money(limit), money(adjusted)),
		&adjusted)
}

// SectorExposure flags asset-class concentration. It never computes a size.
func SectorExposure(in Input) models.GuardrailCheck {
	p := in.Proposal
	exposure := p.Size
	for _, pos := range in.Portfolio.Positions {
		if pos.AssetClass == p.AssetClass {
			exposure = exposure.Add(pos.Size)
		}
	}
	limit := fraction(in.Portfolio.TotalCapital, in.Config.MaxSectorExposure)

	if exposure.LessThanOrEqual(limit) {
		return NewCheck(RuleSectorExposure, VerdictPass,
			fmt.Sprintf("%s exposure %s within limit %s", p.AssetClass, money(exposure), money(limit)), nil)
	}
	return NewCheck(RuleSectorExposure, VerdictFlag,
		fmt.Sprintf("%s exposure %s exceeds %.0f%% limit %s",
			p.AssetClass, money(exposure), in.Config.MaxSectorExposure*100, money(limit)), nil)
}

// CorrelationKillSwitch flags when any two asset classes move together. The
// proposal is not resized; the reduction applies to the open book.
func CorrelationKillSwitch(in Input) models.GuardrailCheck {
	if len(in.Correlations) == 0 {
		return NewCheck(RuleCorrelation, VerdictPass, "No correlation data", nil)
	}

	worst := in.Correlations[0]
	for _, pair := range in.Correlations[1:] {
		if pair.Value > worst.Value {
			worst = pair
		}
	}

	if worst.Value < in.Config.CorrelationThreshold {
		return NewCheck(RuleCorrelation, VerdictPass,
			fmt.Sprintf("Highest correlation %s below threshold %.2f", worst, in.Config.CorrelationThreshold), nil)
	}
	return NewCheck(RuleCorrelation, VerdictSystemic,
		fmt.Sprintf("Correlation %s at or above threshold %.2f, hedges are not diversifying: reduce open positions by %.0f%%",
			worst, in.Config.CorrelationThreshold, in.Config.CorrelationReductionPercent*100), nil)
}

// CircuitBreaker reports a halt when losses or drawdown breach their limits. The
// caller is responsible for tripping the breaker on a failed check.
func CircuitBreaker(in Input) models.GuardrailCheck {
	if reason := BreachReason(in.Portfolio, in.Config); reason != "" {
		return NewCheck(RuleCircuitBreaker, VerdictHalt, reason, nil)
	}
	return NewCheck(RuleCircuitBreaker, VerdictPass, "Loss and drawdown limits intact", nil)
}

// BreachReason returns why the portfolio breaches a circuit breaker limit, or "".
func BreachReason(s models.PortfolioState, cfg config.GuardrailConfig) string {
	var reasons []string

	if s.TotalCapital.IsPositive() {
		daily := s.DailyPnL.Neg().Div(s.TotalCapital).InexactFloat64()
		if daily >= cfg.DailyLossLimit {
			reasons = append(reasons, fmt.Sprintf("daily loss %.2f%% >= limit %.2f%%", daily*100, cfg.DailyLossLimit*100))
		}
		weekly := s.WeeklyPnL.Neg().Div(s.TotalCapital).InexactFloat64()
		if weekly >= cfg.WeeklyLossLimit {
			reasons = append(reasons, fmt.Sprintf("weekly loss %.2f%% >= limit %.2f%%", weekly*100, cfg.WeeklyLossLimit*100))
		}
	}
	if s.CurrentDrawdown >= cfg.MaxDrawdownLimit {
		reasons = append(reasons, fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", s.CurrentDrawdown*100, cfg.MaxDrawdownLimit*100))
	}

	if len(reasons) == 0 {
		return ""
	}
	return "Circuit breaker: " + strings.Join(reasons, "; ")
}

// HITLRequirement escalates large trades and any trade during a deep drawdown.
func HITLRequirement(in Input) models.GuardrailCheck {
	var reasons []string

	threshold := decimal.NewFromFloat(in.Config.HITLTradeThreshold)
	if in.Proposal.Size.GreaterThanOrEqual(threshold) {
		reasons = append(reasons, fmt.Sprintf("trade size %s >= %s", money(in.Proposal.Size), money(threshold)))
	}
	if in.Portfolio.CurrentDrawdown >= in.Config.HITLDrawdownThreshold {
		reasons = append(reasons, fmt.Sprintf("drawdown %.2f%% >= %.2f%%",
			in.Portfolio.CurrentDrawdown*100, in.Config.HITLDrawdownThreshold*100))
	}

	if len(reasons) == 0 {
		return NewCheck(RuleHITLRequirement, VerdictPass, "No human approval required", nil)
	}
	return NewCheck(RuleHITLRequirement, VerdictEscalate,
		"Human approval required: "+strings.Join(reasons, "; "), nil)
}

// DailyRiskBudget flags when today's opened risk plus this trade exceeds
// MaxRiskPerDay. It never computes a size.
func DailyRiskBudget(in Input) models.GuardrailCheck {
	used := decimal.Zero
	for _, pos := range in.Portfolio.Positions {
		if sameDay(pos.Timestamp, in.Now) {
			used = used.Add(pos.Risk())
		}
	}
	total := used.Add(in.Proposal.Risk())
	limit := fraction(in.Portfolio.TotalCapital, in.Config.MaxRiskPerDay)

	if total.LessThanOrEqual(limit) {
		return NewCheck(RuleDailyRiskBudget, VerdictPass,
			fmt.Sprintf("Daily risk %s within budget %s", money(total), money(limit)), nil)
	}
	return NewCheck(RuleDailyRiskBudget, VerdictFlag,
		fmt.Sprintf("Daily risk %s (opened today %s) exceeds budget %s", money(total), money(used), money(limit)), nil)
}

// HaltedCheck is the only check returned while trading is halted.
func HaltedCheck(reason string) models.GuardrailCheck {
	return NewCheck(RuleCircuitBreaker, VerdictHalt, "Trading halted: "+reason, nil)
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
