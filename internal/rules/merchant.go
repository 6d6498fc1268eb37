package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MerchantRule reports the merchant's own risk score, boosted for
// categories on the high-risk list.
type MerchantRule struct {
	cfg        domain.MerchantRuleConfig
	categories map[string]bool
}

// NewMerchantRule creates the merchant rule.
func NewMerchantRule(cfg domain.MerchantRuleConfig) *MerchantRule {
	return &MerchantRule{cfg: cfg, categories: lowerSet(cfg.HighRiskCategories)}
}

func (r *MerchantRule) Name() string              { return NameMerchant }
func (r *MerchantRule) Params() domain.RuleParams { return r.cfg.RuleParams }

// Evaluate scores the merchant.
func (r *MerchantRule) Evaluate(tx *domain.Transaction, _ domain.Signals) domain.RiskFactor {
	m := tx.Merchant
	value := m.RiskScore
	desc := fmt.Sprintf("merchant %q risk score %.2f", m.Name, m.RiskScore)
	if r.categories[strings.ToLower(strings.TrimSpace(m.Category))] {
		value += r.cfg.CategoryBoost
		desc += fmt.Sprintf(", high-risk category %q", m.Category)
	}
	return factor(NameMerchant, r.cfg.RuleParams, value, desc)
}
