package domain

import "context"

// ModelClient scores a transaction with a separately trained statistical model.
// Implementations return a fraud probability in [0,1].
type ModelClient interface {
	Predict(ctx context.Context, tx *Transaction, signals Signals) (float64, error)

	// Version identifies the model for audit metadata.
	Version() string
}

// ModelConfig selects and parameterizes the optional model.
type ModelConfig struct {
	// Type is "none" or "logistic".
	Type string `json:"type"`

	// CoefficientsPath points at a YAML file of logistic coefficients.
	CoefficientsPath string `json:"coefficientsPath"`

	// TimeoutMs bounds each prediction.
	TimeoutMs int `json:"timeoutMs"`
}
