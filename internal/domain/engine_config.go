package domain

import (
	"math"
	"net/netip"
	"strings"
	"time"
	_ "time/tzdata"
)

// EngineConfig is the full tunable surface of the scoring engine.
// Every weight, threshold and list lives here rather than in rule code.
type EngineConfig struct {
	Amount     AmountRuleConfig     `json:"amount" yaml:"amount"`
	Velocity   VelocityRuleConfig   `json:"velocity" yaml:"velocity"`
	Location   LocationRuleConfig   `json:"location" yaml:"location"`
	TimeOfDay  TimeOfDayRuleConfig  `json:"timeOfDay" yaml:"time_of_day"`
	Merchant   MerchantRuleConfig   `json:"merchant" yaml:"merchant"`
	Behavioral BehavioralRuleConfig `json:"behavioral" yaml:"behavioral"`

	// Expressions are operator-defined CEL rules evaluated after the built-ins.
	Expressions []ExpressionRule `json:"expressions,omitempty" yaml:"expressions,omitempty"`

	Decision DecisionConfig `json:"decision" yaml:"decision"`

	// ModelBlendRatio is the share of the final score taken from the model
	// probability when one is available. 0 disables blending.
	ModelBlendRatio float64 `json:"modelBlendRatio" yaml:"model_blend_ratio"`

	// NeutralValue is reported by a rule whose input signal is unavailable.
	NeutralValue float64 `json:"neutralValue" yaml:"neutral_value"`
}

// RuleParams are the weight and trigger threshold shared by every rule.
type RuleParams struct {
	Weight    float64 `json:"weight" yaml:"weight"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// AmountRuleConfig tunes the amount anomaly rule.
type AmountRuleConfig struct {
	RuleParams   `yaml:",inline"`
	HighAmount   float64 `json:"highAmount" yaml:"high_amount"`
	MediumAmount float64 `json:"mediumAmount" yaml:"medium_amount"`
	MicroAmount  float64 `json:"microAmount" yaml:"micro_amount"`
}

// VelocityRuleConfig tunes the velocity rule.
type VelocityRuleConfig struct {
	RuleParams  `yaml:",inline"`
	HourlyLimit int `json:"hourlyLimit" yaml:"hourly_limit"`
	DailyLimit  int `json:"dailyLimit" yaml:"daily_limit"`
}

// LocationRuleConfig tunes the location rule.
type LocationRuleConfig struct {
	RuleParams        `yaml:",inline"`
	AllowedCountries  []string `json:"allowedCountries" yaml:"allowed_countries"`
	HighRiskCountries []string `json:"highRiskCountries" yaml:"high_risk_countries"`
	FlaggedNetworks   []string `json:"flaggedNetworks,omitempty" yaml:"flagged_networks,omitempty"`
	IPIncrement       float64  `json:"ipIncrement" yaml:"ip_increment"`
}

// TimeOfDayRuleConfig tunes the time-of-day rule. Hours are [start, end).
type TimeOfDayRuleConfig struct {
	RuleParams    `yaml:",inline"`
	BusinessStart int    `json:"businessStart" yaml:"business_start"`
	BusinessEnd   int    `json:"businessEnd" yaml:"business_end"`
	NightStart    int    `json:"nightStart" yaml:"night_start"`
	NightEnd      int    `json:"nightEnd" yaml:"night_end"`
	Timezone      string `json:"timezone" yaml:"timezone"`
}

// MerchantRuleConfig tunes the merchant rule.
type MerchantRuleConfig struct {
	RuleParams         `yaml:",inline"`
	HighRiskCategories []string `json:"highRiskCategories" yaml:"high_risk_categories"`
	CategoryBoost      float64  `json:"categoryBoost" yaml:"category_boost"`
}

// BehavioralRuleConfig tunes the behavioral deviation rule.
type BehavioralRuleConfig struct {
	RuleParams `yaml:",inline"`
	ZScoreCap  float64 `json:"zScoreCap" yaml:"z_score_cap"`
	MinStdDev  float64 `json:"minStdDev" yaml:"min_std_dev"`
}

// ExpressionRule is an operator-defined rule written in CEL.
// The expression must produce a bool, int or double; results are clamped to [0,1].
type ExpressionRule struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Expression  string  `json:"expression" yaml:"expression"`
	Weight      float64 `json:"weight" yaml:"weight"`
	Threshold   float64 `json:"threshold" yaml:"threshold"`
	Enabled     bool    `json:"enabled" yaml:"enabled"`
}

// DecisionConfig holds the recommendation thresholds.
type DecisionConfig struct {
	FraudThreshold    float64 `json:"fraudThreshold" yaml:"fraud_threshold"`
	HighRiskThreshold float64 `json:"highRiskThreshold" yaml:"high_risk_threshold"`
}

// DefaultEngineConfig returns the stock rule set. Built-in weights sum to 1.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Amount: AmountRuleConfig{
			RuleParams:   RuleParams{Weight: 0.25, Threshold: 0.5},
			HighAmount:   1000,
			MediumAmount: 500,
			MicroAmount:  1,
		},
		Velocity: VelocityRuleConfig{
			RuleParams:  RuleParams{Weight: 0.20, Threshold: 0.5},
			HourlyLimit: 5,
			DailyLimit:  20,
		},
		Location: LocationRuleConfig{
			RuleParams:        RuleParams{Weight: 0.15, Threshold: 0.5},
			AllowedCountries:  []string{"IE", "IRL"},
			HighRiskCountries: []string{"KP", "PRK", "IR", "IRN", "SY", "SYR", "CU", "CUB", "MM", "MMR"},
			IPIncrement:       0.2,
		},
		TimeOfDay: TimeOfDayRuleConfig{
			RuleParams:    RuleParams{Weight: 0.15, Threshold: 0.5},
			BusinessStart: 9,
			BusinessEnd:   17,
			NightStart:    0,
			NightEnd:      5,
			Timezone:      "UTC",
		},
		Merchant: MerchantRuleConfig{
			RuleParams:         RuleParams{Weight: 0.10, Threshold: 0.5},
			HighRiskCategories: []string{"gambling", "crypto", "cash_advance", "money_transfer", "unknown"},
			CategoryBoost:      0.3,
		},
		Behavioral: BehavioralRuleConfig{
			RuleParams: RuleParams{Weight: 0.15, Threshold: 0.5},
			ZScoreCap:  3,
			MinStdDev:  1,
		},
		Decision: DecisionConfig{
			FraudThreshold:    0.7,
			HighRiskThreshold: 0.9,
		},
		ModelBlendRatio: 0.4,
		NeutralValue:    0.5,
	}
}

// WeightSum is the total weight of the built-in and enabled expression rules.
func (c *EngineConfig) WeightSum() float64 {
	sum := c.Amount.Weight + c.Velocity.Weight + c.Location.Weight +
		c.TimeOfDay.Weight + c.Merchant.Weight + c.Behavioral.Weight
	for _, e := range c.Expressions {
		if e.Enabled {
			sum += e.Weight
		}
	}
	return sum
}

// WeightsNormalized reports whether the weights sum to 1 within rounding error.
func (c *EngineConfig) WeightsNormalized() bool {
	return math.Abs(c.WeightSum()-1) < 1e-6
}

// Validate rejects configurations the engine cannot run with.
func (c *EngineConfig) Validate() error {
	params := []struct {
		name string
		p    RuleParams
	}{
		{"amount", c.Amount.RuleParams},
		{"velocity", c.Velocity.RuleParams},
		{"location", c.Location.RuleParams},
		{"timeOfDay", c.TimeOfDay.RuleParams},
		{"merchant", c.Merchant.RuleParams},
		{"behavioral", c.Behavioral.RuleParams},
	}
	for _, rp := range params {
		if err := validateParams(rp.name, rp.p); err != nil {
			return err
		}
	}

	if c.Amount.MediumAmount <= 0 || c.Amount.HighAmount <= c.Amount.MediumAmount {
		return NewConfigError("amount.highAmount", "must exceed mediumAmount, which must be positive")
	}
	if c.Amount.MicroAmount < 0 || c.Amount.MicroAmount >= c.Amount.MediumAmount {
		return NewConfigError("amount.microAmount", "must be non-negative and below mediumAmount")
	}
	if c.Velocity.HourlyLimit <= 0 || c.Velocity.DailyLimit <= 0 {
		return NewConfigError("velocity", "limits must be positive")
	}
	if !unit(c.Location.IPIncrement) {
		return NewConfigError("location.ipIncrement", "must be between 0 and 1")
	}
	for _, cidr := range c.Location.FlaggedNetworks {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return NewConfigError("location.flaggedNetworks", "invalid CIDR "+cidr)
		}
	}

	t := c.TimeOfDay
	if !hour(t.BusinessStart) || !hour(t.BusinessEnd) || t.BusinessStart >= t.BusinessEnd {
		return NewConfigError("timeOfDay.business", "window must be 0 <= start < end <= 24")
	}
	if !hour(t.NightStart) || !hour(t.NightEnd) || t.NightStart > t.NightEnd {
		return NewConfigError("timeOfDay.night", "window must be 0 <= start <= end <= 24")
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return NewConfigError("timeOfDay.timezone", "unknown timezone "+t.Timezone)
	}

	if !unit(c.Merchant.CategoryBoost) {
		return NewConfigError("merchant.categoryBoost", "must be between 0 and 1")
	}
	if c.Behavioral.ZScoreCap <= 0 {
		return NewConfigError("behavioral.zScoreCap", "must be positive")
	}
	if c.Behavioral.MinStdDev < 0 {
		return NewConfigError("behavioral.minStdDev", "must not be negative")
	}

	seen := make(map[string]bool, len(c.Expressions))
	for _, e := range c.Expressions {
		if e.ID == "" || e.Expression == "" {
			return NewConfigError("expressions", "id and expression are required")
		}
		if seen[e.ID] {
			return NewConfigError("expressions", "duplicate id "+e.ID)
		}
		seen[e.ID] = true
		if err := validateParams("expressions."+e.ID, RuleParams{Weight: e.Weight, Threshold: e.Threshold}); err != nil {
			return err
		}
	}

	d := c.Decision
	if !unit(d.FraudThreshold) || !unit(d.HighRiskThreshold) {
		return NewConfigError("decision", "thresholds must be between 0 and 1")
	}
	if d.HighRiskThreshold < d.FraudThreshold {
		return NewConfigError("decision.highRiskThreshold", "must not be below fraudThreshold")
	}
	if !unit(c.ModelBlendRatio) {
		return NewConfigError("modelBlendRatio", "must be between 0 and 1")
	}
	if !unit(c.NeutralValue) {
		return NewConfigError("neutralValue", "must be between 0 and 1")
	}
	return nil
}

func validateParams(name string, p RuleParams) error {
	if !unit(p.Weight) {
		return NewConfigError(name+".weight", "must be between 0 and 1")
	}
	if !unit(p.Threshold) {
		return NewConfigError(name+".threshold", "must be between 0 and 1")
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 && !math.IsNaN(v) }

func hour(h int) bool { return h >= 0 && h <= 24 }

// EngineConfigRecord is a persisted, versioned engine configuration.
type EngineConfigRecord struct {
	Version   int           `json:"version"`
	Source    string        `json:"source"` // default, file, api
	Config    *EngineConfig `json:"config"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Clone returns a deep copy so engines never share mutable slices.
func (c *EngineConfig) Clone() *EngineConfig {
	out := *c
	out.Location.AllowedCountries = append([]string(nil), c.Location.AllowedCountries...)
	out.Location.HighRiskCountries = append([]string(nil), c.Location.HighRiskCountries...)
	out.Location.FlaggedNetworks = append([]string(nil), c.Location.FlaggedNetworks...)
	out.Merchant.HighRiskCategories = append([]string(nil), c.Merchant.HighRiskCategories...)
	out.Expressions = append([]ExpressionRule(nil), c.Expressions...)
	return &out
}
