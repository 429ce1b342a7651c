package model

import "time"

// AmbulanceStatus is the dispatch status of an ambulance.
type AmbulanceStatus string

const (
	AmbulanceAvailable AmbulanceStatus = "available"
	// AmbulanceReserved marks an ambulance holding an open offer. It is an
	// internal sub-state of available and is reported as available.
	AmbulanceReserved AmbulanceStatus = "reserved"
	AmbulanceAssigned AmbulanceStatus = "assigned"
	AmbulanceEnRoute  AmbulanceStatus = "en_route"
	AmbulanceOffline  AmbulanceStatus = "offline"
)

// Public maps internal sub-states to the status exposed to clients.
func (s AmbulanceStatus) Public() AmbulanceStatus {
	if s == AmbulanceReserved {
		return AmbulanceAvailable
	}
	return s
}

// Valid reports whether s is a known status.
func (s AmbulanceStatus) Valid() bool {
	switch s {
	case AmbulanceAvailable, AmbulanceReserved, AmbulanceAssigned, AmbulanceEnRoute, AmbulanceOffline:
		return true
	}
	return false
}

// Ambulance is a vehicle and its driver as seen by the dispatch core.
type Ambulance struct {
	ID              string          `json:"id"`
	VehicleNumber   string          `json:"vehicle_number"`
	DriverID        string          `json:"driver_id"`
	Status          AmbulanceStatus `json:"status"`
	CurrentLocation Location        `json:"current_location"`
	Capacity        int             `json:"capacity"`
	// UpdatedAt is the timestamp of the last applied location tick.
	UpdatedAt       time.Time `json:"updated_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// PublicView returns a copy with the status mapped for clients.
func (a Ambulance) PublicView() Ambulance {
	a.Status = a.Status.Public()
	return a
}
