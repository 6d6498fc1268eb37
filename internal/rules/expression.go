package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExpressionRule is an operator-defined rule compiled from CEL.
//
// Missing signals are exposed as -1. An expression that reads a signal
// variable without also reading its has_* flag is reported as unavailable
// when that signal is missing; one that reads the flag handles the absence
// itself.
type ExpressionRule struct {
	cfg     domain.ExpressionRule
	program cel.Program
	loc     *time.Location
	neutral float64

	// unguarded lists the signal variables read without their has_* flag.
	unguarded []string
}

// signalGuards maps each signal variable to the flag that reports it.
var signalGuards = map[string]string{
	"velocity_1h":  "has_velocity",
	"velocity_24h": "has_velocity",
	"account_mean": "has_profile",
	"account_std":  "has_profile",
}

// newEnv declares the variables available to expression rules.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("country", cel.StringType),
		cel.Variable("city", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("merchant_name", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("merchant_risk", cel.DoubleType),
		cel.Variable("card_network", cel.StringType),
		cel.Variable("card_issuer", cel.StringType),
		cel.Variable("has_velocity", cel.BoolType),
		cel.Variable("velocity_1h", cel.IntType),
		cel.Variable("velocity_24h", cel.IntType),
		cel.Variable("has_profile", cel.BoolType),
		cel.Variable("account_mean", cel.DoubleType),
		cel.Variable("account_std", cel.DoubleType),
	)
}

// CompileExpression compiles cfg against env, requiring a bool, int or
// double result.
func CompileExpression(env *cel.Env, cfg domain.ExpressionRule, loc *time.Location, neutral float64) (*ExpressionRule, error) {
	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	out := ast.OutputType()
	if out != cel.BoolType && out != cel.DoubleType && out != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &ExpressionRule{
		cfg:       cfg,
		program:   program,
		loc:       loc,
		neutral:   neutral,
		unguarded: unguardedSignals(ast),
	}, nil
}

// unguardedSignals returns the signal variables the checked expression
// references without referencing their has_* flag, in a stable order.
func unguardedSignals(ast *cel.Ast) []string {
	refs := make(map[string]bool)
	for _, ref := range ast.NativeRep().ReferenceMap() {
		if ref != nil && ref.Name != "" {
			refs[ref.Name] = true
		}
	}
	var out []string
	for _, name := range []string{"velocity_1h", "velocity_24h", "account_mean", "account_std"} {
		if refs[name] && !refs[signalGuards[name]] {
			out = append(out, name)
		}
	}
	return out
}

// missing reports the unguarded signal variables absent from sig.
func (r *ExpressionRule) missing(sig domain.Signals) []string {
	var out []string
	for _, name := range r.unguarded {
		switch name {
		case "velocity_1h":
			if sig.Velocity1h == nil {
				out = append(out, name)
			}
		case "velocity_24h":
			if sig.Velocity24h == nil {
				out = append(out, name)
			}
		case "account_mean", "account_std":
			if !sig.HasProfile() {
				out = append(out, name)
			}
		}
	}
	return out
}

// Name prefers the display name and falls back to the ID.
func (r *ExpressionRule) Name() string {
	if r.cfg.Name != "" {
		return r.cfg.Name
	}
	return r.cfg.ID
}

func (r *ExpressionRule) Params() domain.RuleParams {
	return domain.RuleParams{Weight: r.cfg.Weight, Threshold: r.cfg.Threshold}
}

// Expression returns the CEL source.
func (r *ExpressionRule) Expression() string { return r.cfg.Expression }

// Evaluate runs the program. Missing unguarded signals and runtime errors
// such as division by zero produce an unavailable factor instead of failing
// the assessment.
func (r *ExpressionRule) Evaluate(tx *domain.Transaction, sig domain.Signals) domain.RiskFactor {
	if missing := r.missing(sig); len(missing) > 0 {
		return unavailable(r.Name(), r.Params(), r.neutral, strings.Join(missing, ", "))
	}
	out, _, err := r.program.Eval(r.activation(tx, sig))
	if err != nil {
		return unavailable(r.Name(), r.Params(), r.neutral, fmt.Sprintf("expression error: %v", err))
	}
	desc := r.cfg.Description
	if desc == "" {
		desc = r.cfg.Expression
	}
	return factor(r.Name(), r.Params(), toScore(out), desc)
}

func (r *ExpressionRule) activation(tx *domain.Transaction, sig domain.Signals) map[string]any {
	local := tx.Timestamp.In(r.loc)

	v1h, v24h := int64(-1), int64(-1)
	if sig.Velocity1h != nil {
		v1h = int64(*sig.Velocity1h)
	}
	if sig.Velocity24h != nil {
		v24h = int64(*sig.Velocity24h)
	}
	mean, std := -1.0, -1.0
	if sig.HasProfile() {
		mean, std = *sig.AccountMean, *sig.AccountStd
	}

	return map[string]any{
		"amount":            tx.AmountFloat(),
		"currency":          tx.Currency,
		"hour":              int64(local.Hour()),
		"weekday":           int64(local.Weekday()),
		"country":           tx.Location.Country,
		"city":              tx.Location.City,
		"ip":                tx.Location.IPAddress,
		"merchant_name":     tx.Merchant.Name,
		"merchant_category": tx.Merchant.Category,
		"merchant_risk":     tx.Merchant.RiskScore,
		"card_network":      tx.Card.Network,
		"card_issuer":       tx.Card.Issuer,
		"has_velocity":      sig.Velocity1h != nil || sig.Velocity24h != nil,
		"velocity_1h":       v1h,
		"velocity_24h":      v24h,
		"has_profile":       sig.HasProfile(),
		"account_mean":      mean,
		"account_std":       std,
	}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
