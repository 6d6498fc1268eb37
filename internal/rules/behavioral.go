package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BehavioralRule measures how far above the account's usual spending the
// amount sits, as a z-score scaled by the configured cap.
type BehavioralRule struct {
	cfg     domain.BehavioralRuleConfig
	neutral float64
}

// NewBehavioralRule creates the behavioral deviation rule.
func NewBehavioralRule(cfg domain.BehavioralRuleConfig, neutral float64) *BehavioralRule {
	return &BehavioralRule{cfg: cfg, neutral: neutral}
}

func (r *BehavioralRule) Name() string              { return NameBehavioral }
func (r *BehavioralRule) Params() domain.RuleParams { return r.cfg.RuleParams }

// Evaluate scores the deviation. Spending below the mean scores zero.
func (r *BehavioralRule) Evaluate(tx *domain.Transaction, sig domain.Signals) domain.RiskFactor {
	if !sig.HasProfile() {
		return unavailable(NameBehavioral, r.cfg.RuleParams, r.neutral, "no account spending profile")
	}

	z := ZScore(tx.AmountFloat(), *sig.AccountMean, *sig.AccountStd, r.cfg.MinStdDev)
	if z <= 0 {
		return factor(NameBehavioral, r.cfg.RuleParams, 0,
			fmt.Sprintf("amount at or below account mean %.2f", *sig.AccountMean))
	}
	return factor(NameBehavioral, r.cfg.RuleParams, z/r.cfg.ZScoreCap,
		fmt.Sprintf("amount is %.2f standard deviations above account mean %.2f", z, *sig.AccountMean))
}

// ZScore computes (amount-mean)/std with std floored at minStd so a flat
// history does not divide by zero.
func ZScore(amount, mean, std, minStd float64) float64 {
	std = math.Max(std, minStd)
	if std <= 0 {
		std = 1
	}
	return (amount - mean) / std
}
