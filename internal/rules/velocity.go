package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// VelocityRule scores how many transactions the account made in the trailing
// hour and day. The counts are supplied by the caller.
type VelocityRule struct {
	cfg     domain.VelocityRuleConfig
	neutral float64
}

// NewVelocityRule creates the velocity rule.
func NewVelocityRule(cfg domain.VelocityRuleConfig, neutral float64) *VelocityRule {
	return &VelocityRule{cfg: cfg, neutral: neutral}
}

func (r *VelocityRule) Name() string              { return NameVelocity }
func (r *VelocityRule) Params() domain.RuleParams { return r.cfg.RuleParams }

// Evaluate takes the worse of the two windows. Only a missing pair of counts
// makes the rule unavailable.
func (r *VelocityRule) Evaluate(_ *domain.Transaction, sig domain.Signals) domain.RiskFactor {
	if sig.Velocity1h == nil && sig.Velocity24h == nil {
		return unavailable(NameVelocity, r.cfg.RuleParams, r.neutral, "no transaction velocity data")
	}

	var (
		value float64
		parts []string
	)
	if sig.Velocity1h != nil {
		v := windowValue(*sig.Velocity1h, r.cfg.HourlyLimit)
		value = math.Max(value, v)
		parts = append(parts, fmt.Sprintf("%d in last hour (limit %d)", max(*sig.Velocity1h, 0), r.cfg.HourlyLimit))
	}
	if sig.Velocity24h != nil {
		v := windowValue(*sig.Velocity24h, r.cfg.DailyLimit)
		value = math.Max(value, v)
		parts = append(parts, fmt.Sprintf("%d in last 24h (limit %d)", max(*sig.Velocity24h, 0), r.cfg.DailyLimit))
	}
	return factor(NameVelocity, r.cfg.RuleParams, value, "transactions: "+strings.Join(parts, ", "))
}

// windowValue stays below 0.1 up to the limit, then jumps to 0.5 and
// reaches 1.0 at twice the limit.
func windowValue(count, limit int) float64 {
	if count <= 0 || limit <= 0 {
		return 0
	}
	if count <= limit {
		return 0.1 * float64(count) / float64(limit)
	}
	excess := float64(count-limit) / float64(limit)
	return 0.5 + 0.5*math.Min(1, excess)
}
