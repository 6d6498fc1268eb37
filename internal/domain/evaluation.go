package domain

import (
	"time"
)

// Evaluation is the persisted record of one assessment run.
type Evaluation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	TxID      string    `json:"txId"`
	Timestamp time.Time `json:"timestamp"`

	Assessment RiskAssessment `json:"assessment"`

	// Processing metadata
	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId"`
	SignalsMs      int64  `json:"signalsMs"`
	ModelMs        int64  `json:"modelMs"`
	ScoringMs      int64  `json:"scoringMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
	ConfigVersion  int    `json:"configVersion"`
	ModelVersion   string `json:"modelVersion,omitempty"`
}

// EvaluationResponse is the API response for a transaction assessment.
type EvaluationResponse struct {
	EvaluationID   string             `json:"evaluationId"`
	TxID           string             `json:"txId"`
	TenantID       string             `json:"tenantId"`
	OverallScore   float64            `json:"overallScore"`
	RiskLevel      RiskLevel          `json:"riskLevel"`
	Recommendation Recommendation     `json:"recommendation"`
	Mode           ScoringMode        `json:"mode"`
	Confidence     float64            `json:"confidence"`
	Factors        []RiskFactor       `json:"factors"`
	Unavailable    []string           `json:"unavailableSignals,omitempty"`
	Metadata       EvaluationMetadata `json:"metadata"`
}

// ToResponse converts an Evaluation to an API response.
func (e *Evaluation) ToResponse() *EvaluationResponse {
	a := e.Assessment
	factors := a.Factors
	if factors == nil {
		factors = []RiskFactor{}
	}
	return &EvaluationResponse{
		EvaluationID:   e.ID,
		TxID:           e.TxID,
		TenantID:       e.TenantID,
		OverallScore:   a.OverallScore,
		RiskLevel:      a.RiskLevel,
		Recommendation: a.Recommendation,
		Mode:           a.Mode,
		Confidence:     a.Confidence,
		Factors:        factors,
		Unavailable:    a.UnavailableSignals,
		Metadata:       e.Metadata,
	}
}
