package events

import (
	"time"

	"github.com/kilianp07/ambulance/core/model"
)

// OfferEvent is published when an offer is created and again when it is
// resolved. Latency is the time between the offer and its resolution and is
// zero for OutcomeOffered.
type OfferEvent struct {
	OfferID     string
	EmergencyID string
	AmbulanceID string
	Severity    model.Severity
	Outcome     model.Outcome
	DistanceKM  float64
	Latency     time.Duration
	Time        time.Time
}

// MatchFailedEvent is published when matching leaves an emergency pending.
// Err is nil when the candidate list was simply exhausted.
type MatchFailedEvent struct {
	EmergencyID string
	Reason      string
	Tried       int
	Err         error
	Time        time.Time
}
