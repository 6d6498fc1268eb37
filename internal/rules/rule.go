// Package rules implements the independent risk rules the scoring engine
// combines. Every rule is a pure function of a transaction and its signals.
package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in rule names, in evaluation order.
const (
	NameAmount     = "amount_anomaly"
	NameVelocity   = "velocity"
	NameLocation   = "location_risk"
	NameTimeOfDay  = "time_of_day"
	NameMerchant   = "merchant_risk"
	NameBehavioral = "behavioral_pattern"
)

// Kinds reported by Descriptor.
const (
	KindBuiltin    = "builtin"
	KindExpression = "expression"
)

// Rule evaluates one risk signal. Implementations never panic and never
// fail for a validated transaction; a missing input yields an unavailable
// factor carrying the neutral value.
type Rule interface {
	Name() string
	Params() domain.RuleParams
	Evaluate(tx *domain.Transaction, sig domain.Signals) domain.RiskFactor
}

// Descriptor summarizes a loaded rule for introspection.
type Descriptor struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Weight     float64 `json:"weight"`
	Threshold  float64 `json:"threshold"`
	Expression string  `json:"expression,omitempty"`
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// factor assembles a RiskFactor from a rule's parameters and raw value.
func factor(name string, p domain.RuleParams, value float64, description string) domain.RiskFactor {
	value = Clamp01(value)
	return domain.RiskFactor{
		Name:         name,
		Description:  description,
		Weight:       p.Weight,
		Value:        value,
		Threshold:    p.Threshold,
		Contribution: p.Weight * value,
		Triggered:    value > p.Threshold,
	}
}

// unavailable reports the neutral value for a rule whose signal is missing.
func unavailable(name string, p domain.RuleParams, neutral float64, what string) domain.RiskFactor {
	f := factor(name, p, neutral, fmt.Sprintf("signal unavailable: %s", what))
	f.Unavailable = true
	return f
}
