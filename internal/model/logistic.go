package model

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Feature names accepted in a coefficients file.
const (
	FeatureLogAmount    = "log_amount"
	FeatureHour         = "hour"
	FeatureWeekend      = "weekend"
	FeatureMerchantRisk = "merchant_risk"
	FeatureNight        = "night"
	FeatureVelocity1h   = "velocity_1h"
	FeatureVelocity24h  = "velocity_24h"
	FeatureAmountZScore = "amount_zscore"
	FeatureHasIP        = "has_ip"
)

var knownFeatures = map[string]bool{
	FeatureLogAmount:    true,
	FeatureHour:         true,
	FeatureWeekend:      true,
	FeatureMerchantRisk: true,
	FeatureNight:        true,
	FeatureVelocity1h:   true,
	FeatureVelocity24h:  true,
	FeatureAmountZScore: true,
	FeatureHasIP:        true,
}

// Coefficients is the on-disk form of a trained logistic model.
type Coefficients struct {
	Version      string             `yaml:"version"`
	Intercept    float64            `yaml:"intercept"`
	Coefficients map[string]float64 `yaml:"coefficients"`
}

// Logistic is a logistic regression over a fixed feature set. Training
// happens elsewhere; this type only applies the exported coefficients.
type Logistic struct {
	version   string
	intercept float64
	weights   map[string]float64
}

// NewLogistic validates c and builds a model from it.
func NewLogistic(c Coefficients) (*Logistic, error) {
	if c.Version == "" {
		return nil, fmt.Errorf("coefficients: version is required")
	}
	if len(c.Coefficients) == 0 {
		return nil, fmt.Errorf("coefficients: at least one coefficient is required")
	}
	weights := make(map[string]float64, len(c.Coefficients))
	for name, w := range c.Coefficients {
		if !knownFeatures[name] {
			return nil, fmt.Errorf("coefficients: unknown feature %q", name)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("coefficients: %s is not finite", name)
		}
		weights[name] = w
	}
	return &Logistic{version: c.Version, intercept: c.Intercept, weights: weights}, nil
}

// LoadLogistic reads coefficients from a YAML file.
func LoadLogistic(path string) (*Logistic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coefficients: %w", err)
	}
	var c Coefficients
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse coefficients %s: %w", path, err)
	}
	return NewLogistic(c)
}

// DefaultLogistic returns a small hand-tuned baseline used when no trained
// coefficients are supplied.
func DefaultLogistic() *Logistic {
	m, _ := NewLogistic(Coefficients{
		Version:   "baseline-1",
		Intercept: -6.0,
		Coefficients: map[string]float64{
			FeatureLogAmount:    0.45,
			FeatureMerchantRisk: 2.0,
			FeatureNight:        1.2,
			FeatureVelocity1h:   0.25,
			FeatureVelocity24h:  0.03,
			FeatureAmountZScore: 0.4,
		},
	})
	return m
}

// Version identifies the coefficient set.
func (m *Logistic) Version() string { return m.version }

// Predict returns the fraud probability for tx.
func (m *Logistic) Predict(ctx context.Context, tx *domain.Transaction, sig domain.Signals) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tx == nil {
		return 0, fmt.Errorf("predict: transaction is required")
	}

	features := Features(tx, sig)
	z := m.intercept
	// Sum in a fixed order so results are bit-for-bit reproducible.
	names := make([]string, 0, len(m.weights))
	for name := range m.weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		z += m.weights[name] * features[name]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Features extracts the model inputs. Missing signals contribute zero.
func Features(tx *domain.Transaction, sig domain.Signals) map[string]float64 {
	f := map[string]float64{
		FeatureLogAmount:    math.Log1p(math.Max(tx.AmountFloat(), 0)),
		FeatureMerchantRisk: tx.Merchant.RiskScore,
	}
	ts := tx.Timestamp.UTC()
	f[FeatureHour] = float64(ts.Hour()) / 23
	if ts.Hour() < 6 {
		f[FeatureNight] = 1
	}
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		f[FeatureWeekend] = 1
	}
	if sig.Velocity1h != nil {
		f[FeatureVelocity1h] = float64(*sig.Velocity1h)
	}
	if sig.Velocity24h != nil {
		f[FeatureVelocity24h] = float64(*sig.Velocity24h)
	}
	if sig.HasProfile() {
		std := math.Max(*sig.AccountStd, 1)
		f[FeatureAmountZScore] = (tx.AmountFloat() - *sig.AccountMean) / std
	}
	if tx.Location.IPAddress != "" {
		f[FeatureHasIP] = 1
	}
	return f
}
