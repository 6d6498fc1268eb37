package domain

import (
	"fmt"
	"time"
)

// AlertStatus is the lifecycle state of a fraud alert.
type AlertStatus string

const (
	AlertActive        AlertStatus = "ACTIVE"
	AlertInvestigating AlertStatus = "INVESTIGATING"
	AlertResolved      AlertStatus = "RESOLVED"
	AlertFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// Alert is an investigation case opened for a REVIEW or BLOCK assessment.
type Alert struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	TxID            string         `json:"txId"`
	EvaluationID    string         `json:"evaluationId"`
	Severity        RiskLevel      `json:"severity"`
	Recommendation  Recommendation `json:"recommendation"`
	Status          AlertStatus    `json:"status"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	RiskScore       float64        `json:"riskScore"`
	TriggeredRules  []string       `json:"triggeredRules"`
	AssignedTo      string         `json:"assignedTo,omitempty"`
	ResolutionNotes string         `json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       *time.Time     `json:"updatedAt,omitempty"`
}

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertActive:        {AlertInvestigating, AlertResolved, AlertFalsePositive},
	AlertInvestigating: {AlertResolved, AlertFalsePositive},
}

// ParseAlertStatus validates a status string.
func ParseAlertStatus(s string) (AlertStatus, error) {
	switch st := AlertStatus(s); st {
	case AlertActive, AlertInvestigating, AlertResolved, AlertFalsePositive:
		return st, nil
	}
	return "", fmt.Errorf("unknown alert status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// Transition moves the alert to next, recording assignee and notes.
func (a *Alert) Transition(next AlertStatus, assignedTo, notes string, at time.Time) error {
	allowed := false
	for _, s := range alertTransitions[a.Status] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}
	a.Status = next
	if assignedTo != "" {
		a.AssignedTo = assignedTo
	}
	if notes != "" {
		a.ResolutionNotes = notes
	}
	a.UpdatedAt = &at
	return nil
}
