package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Set is the ordered, immutable collection of rules built from one
// engine configuration. It is safe for concurrent use.
type Set struct {
	rules []Rule
}

// NewSet builds the six built-in rules followed by the enabled expression
// rules. cfg must already be validated.
func NewSet(cfg *domain.EngineConfig) (*Set, error) {
	tod := NewTimeOfDayRule(cfg.TimeOfDay)
	rs := []Rule{
		NewAmountRule(cfg.Amount),
		NewVelocityRule(cfg.Velocity, cfg.NeutralValue),
		NewLocationRule(cfg.Location),
		tod,
		NewMerchantRule(cfg.Merchant),
		NewBehavioralRule(cfg.Behavioral, cfg.NeutralValue),
	}

	if len(cfg.Expressions) > 0 {
		env, err := newEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL environment: %w", err)
		}
		for _, ec := range cfg.Expressions {
			if !ec.Enabled {
				continue
			}
			er, err := CompileExpression(env, ec, tod.Location(), cfg.NeutralValue)
			if err != nil {
				return nil, err
			}
			for _, existing := range rs {
				if existing.Name() == er.Name() {
					return nil, fmt.Errorf("rule %s: name %q is already in use", ec.ID, er.Name())
				}
			}
			rs = append(rs, er)
		}
	}
	return &Set{rules: rs}, nil
}

// Rules returns the rules in evaluation order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Rule looks up a rule by name.
func (s *Set) Rule(name string) (Rule, bool) {
	for _, r := range s.rules {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// Len returns the number of rules.
func (s *Set) Len() int { return len(s.rules) }

// Evaluate runs every rule in order. Rules are cheap and pure, so they run
// sequentially and the result order is deterministic.
func (s *Set) Evaluate(tx *domain.Transaction, sig domain.Signals) []domain.RiskFactor {
	out := make([]domain.RiskFactor, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Evaluate(tx, sig)
	}
	return out
}

// Descriptors summarizes every rule for introspection.
func (s *Set) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(s.rules))
	for _, r := range s.rules {
		p := r.Params()
		d := Descriptor{Name: r.Name(), Kind: KindBuiltin, Weight: p.Weight, Threshold: p.Threshold}
		if er, ok := r.(*ExpressionRule); ok {
			d.Kind = KindExpression
			d.Expression = er.Expression()
		}
		out = append(out, d)
	}
	return out
}
