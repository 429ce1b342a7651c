package model

import "time"

// Outcome records how an offer was resolved.
type Outcome string

const (
	OutcomeOffered   Outcome = "offered"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDeclined  Outcome = "declined"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeWithdrawn Outcome = "withdrawn"
	OutcomeCompleted Outcome = "completed"
)

// IsRejected reports whether the assignment ended without serving the
// emergency. Rejected records are kept for audit.
func (o Outcome) IsRejected() bool {
	switch o {
	case OutcomeDeclined, OutcomeExpired, OutcomeCancelled, OutcomeWithdrawn:
		return true
	}
	return false
}

// Assignment is the durable record of one offer and, once accepted, of its
// operational lifecycle. The assignment ID doubles as the offer ID.
type Assignment struct {
	ID               string     `json:"id"`
	EmergencyID      string     `json:"emergency_id"`
	AmbulanceID      string     `json:"ambulance_id"`
	DriverID         string     `json:"driver_id,omitempty"`
	Outcome          Outcome    `json:"outcome"`
	OfferedAt        time.Time  `json:"offered_at"`
	Deadline         time.Time  `json:"deadline"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	PickupETAMinutes *int       `json:"pickup_eta_minutes,omitempty"`
	DistanceKM       float64    `json:"distance_km"`
	Notes            string     `json:"notes,omitempty"`
	Version          int64      `json:"version"`
}

// Decision is a driver's answer to an offer.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)
