package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades an emergency request.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts the severity names case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// EmergencyStatus is the lifecycle state of an emergency request.
type EmergencyStatus string

const (
	StatusPending    EmergencyStatus = "pending"
	StatusAssigned   EmergencyStatus = "assigned"
	StatusEnRoute    EmergencyStatus = "en_route"
	StatusArrived    EmergencyStatus = "arrived"
	StatusAtHospital EmergencyStatus = "at_hospital"
	StatusCompleted  EmergencyStatus = "completed"
	StatusCancelled  EmergencyStatus = "cancelled"
)

// IsTerminal reports whether no transition may leave the status.
func (s EmergencyStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// EmergencyRequest is a patient's help call.
type EmergencyRequest struct {
	ID               string          `json:"id"`
	PatientID        string          `json:"patient_id"`
	Location         Location        `json:"location"`
	Severity         Severity        `json:"severity"`
	Description      string          `json:"description,omitempty"`
	PatientCondition string          `json:"patient_condition,omitempty"`
	Status           EmergencyStatus `json:"status"`
	// AmbulanceID and AssignmentID reference the accepted assignment while
	// the request is assigned or further along.
	AmbulanceID  string    `json:"ambulance_id,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int64     `json:"version"`
}

// Hospital is read-only reference data.
type Hospital struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Location Location `json:"location"`
	Capacity int      `json:"capacity"`
}
