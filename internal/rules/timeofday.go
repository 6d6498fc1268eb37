package rules

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	timeNightRisk    = 0.9
	timeOffHoursRisk = 0.6
	timeOnHourRisk   = 0.4
	timeNormalRisk   = 0.1
)

// TimeOfDayRule elevates risk outside business hours and more so at night.
// The hour is taken in the configured timezone.
type TimeOfDayRule struct {
	cfg domain.TimeOfDayRuleConfig
	loc *time.Location
}

// NewTimeOfDayRule creates the time-of-day rule. An unknown timezone falls
// back to UTC; EngineConfig.Validate rejects it before we get here.
func NewTimeOfDayRule(cfg domain.TimeOfDayRuleConfig) *TimeOfDayRule {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &TimeOfDayRule{cfg: cfg, loc: loc}
}

func (r *TimeOfDayRule) Name() string              { return NameTimeOfDay }
func (r *TimeOfDayRule) Params() domain.RuleParams { return r.cfg.RuleParams }

// Evaluate scores the local hour of the transaction.
func (r *TimeOfDayRule) Evaluate(tx *domain.Transaction, _ domain.Signals) domain.RiskFactor {
	local := tx.Timestamp.In(r.loc)
	h := local.Hour()
	stamp := local.Format("15:04:05 MST")

	switch {
	case h >= r.cfg.NightStart && h < r.cfg.NightEnd:
		return factor(NameTimeOfDay, r.cfg.RuleParams, timeNightRisk,
			fmt.Sprintf("night-time transaction at %s", stamp))
	case h < r.cfg.BusinessStart || h >= r.cfg.BusinessEnd:
		return factor(NameTimeOfDay, r.cfg.RuleParams, timeOffHoursRisk,
			fmt.Sprintf("outside business hours %02d:00-%02d:00 at %s", r.cfg.BusinessStart, r.cfg.BusinessEnd, stamp))
	case local.Minute() == 0 && local.Second() == 0:
		return factor(NameTimeOfDay, r.cfg.RuleParams, timeOnHourRisk,
			fmt.Sprintf("timestamp exactly on the hour at %s", stamp))
	default:
		return factor(NameTimeOfDay, r.cfg.RuleParams, timeNormalRisk, "within business hours")
	}
}

// Location returns the timezone the rule evaluates in.
func (r *TimeOfDayRule) Location() *time.Location { return r.loc }
