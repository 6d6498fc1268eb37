package domain

// RiskLevel is the discrete band an overall score falls into.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the suggested disposition for a transaction.
type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendReview  Recommendation = "REVIEW"
	RecommendBlock   Recommendation = "BLOCK"
)

// ScoringMode reports whether a model probability took part in the score.
type ScoringMode string

const (
	ModeRulesOnly     ScoringMode = "rules_only"
	ModeRulesAndModel ScoringMode = "rules_and_model"
)

// RiskFactor is one rule's contribution to an assessment.
type RiskFactor struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Weight       float64 `json:"weight"`
	Value        float64 `json:"value"`
	Threshold    float64 `json:"threshold"`
	Contribution float64 `json:"contribution"`
	Triggered    bool    `json:"triggered"`
	Unavailable  bool    `json:"unavailable,omitempty"`
}

// RiskAssessment is the engine's output for a single transaction.
type RiskAssessment struct {
	OverallScore   float64        `json:"overallScore"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Factors        []RiskFactor   `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`

	RuleScore          float64      `json:"ruleScore"`
	ModelProbability   *float64     `json:"modelProbability,omitempty"`
	Mode               ScoringMode  `json:"mode"`
	Confidence         float64      `json:"confidence"`
	UnavailableSignals []string     `json:"unavailableSignals,omitempty"`
	Breakdown          []RiskFactor `json:"breakdown"`
}

// FactorNames returns the names of the triggered factors in ranking order.
func (a *RiskAssessment) FactorNames() []string {
	names := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, f.Name)
	}
	return names
}

// Actionable reports whether the recommendation requires human attention.
func (a *RiskAssessment) Actionable() bool {
	return a.Recommendation == RecommendReview || a.Recommendation == RecommendBlock
}
