// Package model provides the optional fraud probability models that can be
// blended with the rule score.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUnavailable is returned when no model is configured.
var ErrUnavailable = errors.New("model unavailable")

// Disabled is the model used when scoring runs rules only.
type Disabled struct{}

// Predict always reports ErrUnavailable.
func (Disabled) Predict(context.Context, *domain.Transaction, domain.Signals) (float64, error) {
	return 0, ErrUnavailable
}

// Version returns an empty version.
func (Disabled) Version() string { return "" }

// New creates the model selected by cfg.
func New(cfg domain.ModelConfig) (domain.ModelClient, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return Disabled{}, nil
	case "logistic":
		if cfg.CoefficientsPath == "" {
			return DefaultLogistic(), nil
		}
		return LoadLogistic(cfg.CoefficientsPath)
	default:
		return nil, fmt.Errorf("unsupported model type: %s", cfg.Type)
	}
}
