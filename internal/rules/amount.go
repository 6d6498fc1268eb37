package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Amount rule sub-scores.
const (
	amountHighBase   = 0.8
	amountMediumRisk = 0.5
	amountMicroRisk  = 0.7
	amountNormalRisk = 0.2
)

// AmountRule flags unusually large and micro transactions.
// Above the high boundary the value climbs from 0.8 toward 1.0 as the amount grows.
type AmountRule struct {
	cfg    domain.AmountRuleConfig
	high   decimal.Decimal
	medium decimal.Decimal
	micro  decimal.Decimal
}

// NewAmountRule creates the amount anomaly rule.
func NewAmountRule(cfg domain.AmountRuleConfig) *AmountRule {
	return &AmountRule{
		cfg:    cfg,
		high:   decimal.NewFromFloat(cfg.HighAmount),
		medium: decimal.NewFromFloat(cfg.MediumAmount),
		micro:  decimal.NewFromFloat(cfg.MicroAmount),
	}
}

func (r *AmountRule) Name() string              { return NameAmount }
func (r *AmountRule) Params() domain.RuleParams { return r.cfg.RuleParams }

// Evaluate scores the transaction amount against the configured boundaries.
func (r *AmountRule) Evaluate(tx *domain.Transaction, _ domain.Signals) domain.RiskFactor {
	amt := tx.Amount
	switch {
	case amt.GreaterThan(r.high):
		ratio, _ := r.high.Div(amt).Float64()
		v := amountHighBase + (1-amountHighBase)*(1-ratio)
		return factor(NameAmount, r.cfg.RuleParams, v,
			fmt.Sprintf("amount %s exceeds high-amount boundary %s", amt.String(), r.high.String()))
	case amt.GreaterThan(r.medium):
		return factor(NameAmount, r.cfg.RuleParams, amountMediumRisk,
			fmt.Sprintf("amount %s exceeds medium-amount boundary %s", amt.String(), r.medium.String()))
	case amt.LessThan(r.micro):
		return factor(NameAmount, r.cfg.RuleParams, amountMicroRisk,
			fmt.Sprintf("micro-transaction of %s", amt.String()))
	default:
		return factor(NameAmount, r.cfg.RuleParams, amountNormalRisk, "amount within normal range")
	}
}
