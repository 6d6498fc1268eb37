package domain

import "time"

// Signals is the bundle of precomputed external inputs that accompanies a
// transaction into the engine. A nil field means the signal is unavailable.
type Signals struct {
	Velocity1h       *int     `json:"velocityCount1h,omitempty"`
	Velocity24h      *int     `json:"velocityCount24h,omitempty"`
	AccountMean      *float64 `json:"accountMeanAmount,omitempty"`
	AccountStd       *float64 `json:"accountStdAmount,omitempty"`
	ModelProbability *float64 `json:"modelProbability,omitempty"`
}

// Signal names used when reporting unavailable inputs.
const (
	SignalVelocity1h       = "velocityCount1h"
	SignalVelocity24h      = "velocityCount24h"
	SignalAccountMean      = "accountMeanAmount"
	SignalAccountStd       = "accountStdAmount"
	SignalModelProbability = "modelProbability"
)

// HasProfile reports whether both account baseline statistics are present.
func (s Signals) HasProfile() bool {
	return s.AccountMean != nil && s.AccountStd != nil
}

// Missing lists the names of absent signals in a stable order.
func (s Signals) Missing() []string {
	var out []string
	if s.Velocity1h == nil {
		out = append(out, SignalVelocity1h)
	}
	if s.Velocity24h == nil {
		out = append(out, SignalVelocity24h)
	}
	if s.AccountMean == nil {
		out = append(out, SignalAccountMean)
	}
	if s.AccountStd == nil {
		out = append(out, SignalAccountStd)
	}
	if s.ModelProbability == nil {
		out = append(out, SignalModelProbability)
	}
	return out
}

// IntPtr is a convenience for building signal bundles.
func IntPtr(v int) *int { return &v }

// FloatPtr is a convenience for building signal bundles.
func FloatPtr(v float64) *float64 { return &v }

// AccountProfile is an account's historical spending baseline.
type AccountProfile struct {
	AccountID string  `json:"accountId"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stdDev"`

	// WindowStart and WindowEnd bound the history the baseline was computed
	// over, as [WindowStart, WindowEnd).
	WindowStart time.Time `json:"windowStart,omitempty"`
	WindowEnd   time.Time `json:"windowEnd,omitempty"`
}
