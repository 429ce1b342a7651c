package mqtt

import (
	"time"

	"github.com/kilianp07/ambulance/core/model"
)

// OfferMessage is published to the driver of the offered ambulance.
type OfferMessage struct {
	OfferID          string         `json:"offer_id"`
	EmergencyID      string         `json:"emergency_id"`
	AmbulanceID      string         `json:"ambulance_id"`
	Severity         model.Severity `json:"severity"`
	Location         model.Location `json:"location"`
	Description      string         `json:"description,omitempty"`
	PatientCondition string         `json:"patient_condition,omitempty"`
	DistanceKM       float64        `json:"distance_km"`
	PickupETAMinutes int            `json:"pickup_eta_minutes"`
	Deadline         time.Time      `json:"deadline"`
}

// ResponseMessage is a driver's answer to an offer.
type ResponseMessage struct {
	OfferID  string         `json:"offer_id"`
	Decision model.Decision `json:"decision"`
	DriverID string         `json:"driver_id,omitempty"`
}

// LocationMessage is a location tick. A zero timestamp means "now".
type LocationMessage struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// AckMessage reports the result of a response back to the driver.
type AckMessage struct {
	OfferID string        `json:"offer_id"`
	Outcome model.Outcome `json:"outcome,omitempty"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
}
