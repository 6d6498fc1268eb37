// Package scoring combines rule outputs into a risk assessment.
//
// An Engine is built once from a validated EngineConfig and is immutable
// afterwards: Assess performs no I/O and holds no locks, so any number of
// goroutines may call it concurrently. Configuration changes are applied by
// building a new Engine and swapping it in through a Provider.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Risk level boundaries (inclusive lower bounds).
const (
	MediumFloor   = 0.3
	HighFloor     = 0.5
	CriticalFloor = 0.7
)

// Engine scores transactions with a fixed rule set and decision thresholds.
type Engine struct {
	cfg     *domain.EngineConfig
	set     *rules.Set
	version int
}

// New validates cfg and builds an engine from it. version identifies the
// persisted configuration the engine was built from (0 when unversioned).
func New(cfg *domain.EngineConfig, version int) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	own := cfg.Clone()
	set, err := rules.NewSet(own)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return &Engine{cfg: own, set: set, version: version}, nil
}

// Version returns the configuration version this engine was built from.
func (e *Engine) Version() int { return e.version }

// Config returns a copy of the engine configuration.
func (e *Engine) Config() *domain.EngineConfig { return e.cfg.Clone() }

// Rules returns the engine's rule set.
func (e *Engine) Rules() *rules.Set { return e.set }

// Assess scores one transaction. It fails only when tx is invalid.
func (e *Engine) Assess(tx *domain.Transaction, sig domain.Signals) (*domain.RiskAssessment, error) {
	if tx == nil {
		return nil, domain.NewValidationError("transaction", "is required")
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	breakdown := e.set.Evaluate(tx, sig)

	var sum, totalWeight, missingWeight float64
	for _, f := range breakdown {
		sum += f.Contribution
		totalWeight += f.Weight
		if f.Unavailable {
			missingWeight += f.Weight
		}
	}
	ruleScore := rules.Clamp01(sum)

	a := &domain.RiskAssessment{
		RuleScore:          ruleScore,
		OverallScore:       ruleScore,
		Mode:               domain.ModeRulesOnly,
		Confidence:         1,
		UnavailableSignals: sig.Missing(),
		Breakdown:          breakdown,
		Factors:            RankFactors(breakdown),
	}
	if totalWeight > 0 {
		a.Confidence = rules.Clamp01(1 - missingWeight/totalWeight)
	}

	if p, ok := e.modelProbability(sig); ok {
		a.ModelProbability = &p
		a.OverallScore = Blend(ruleScore, p, e.cfg.ModelBlendRatio)
		a.Mode = domain.ModeRulesAndModel
	}

	a.RiskLevel = Level(a.OverallScore)
	a.Recommendation = Recommend(a.OverallScore, e.cfg.Decision)
	return a, nil
}

// modelProbability returns a usable model output. A blend ratio of zero or
// an out-of-range probability leaves the assessment in rules-only mode.
func (e *Engine) modelProbability(sig domain.Signals) (float64, bool) {
	if sig.ModelProbability == nil || e.cfg.ModelBlendRatio <= 0 {
		return 0, false
	}
	p := *sig.ModelProbability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, false
	}
	return p, true
}

// Blend mixes the rule score with the model probability. ratio is the
// model's share.
func Blend(ruleScore, probability, ratio float64) float64 {
	return rules.Clamp01((1-ratio)*ruleScore + ratio*probability)
}

// Level maps an overall score onto the fixed risk level table:
// <0.3 LOW, [0.3,0.5) MEDIUM, [0.5,0.7) HIGH, >=0.7 CRITICAL.
func Level(score float64) domain.RiskLevel {
	switch {
	case score >= CriticalFloor:
		return domain.RiskCritical
	case score >= HighFloor:
		return domain.RiskHigh
	case score >= MediumFloor:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Recommend maps an overall score onto a disposition.
func Recommend(score float64, d domain.DecisionConfig) domain.Recommendation {
	switch {
	case score >= d.HighRiskThreshold:
		return domain.RecommendBlock
	case score >= d.FraudThreshold:
		return domain.RecommendReview
	default:
		return domain.RecommendApprove
	}
}

// RankFactors keeps the triggered factors and orders them by descending
// contribution. Ties keep rule order.
func RankFactors(all []domain.RiskFactor) []domain.RiskFactor {
	out := make([]domain.RiskFactor, 0, len(all))
	for _, f := range all {
		if f.Triggered {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Contribution > out[j].Contribution
	})
	return out
}
