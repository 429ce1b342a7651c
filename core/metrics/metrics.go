package metrics

import (
	"time"

	"github.com/kilianp07/ambulance/core/model"
)

// OfferRecord describes one offer outcome.
type OfferRecord struct {
	OfferID     string
	EmergencyID string
	AmbulanceID string
	Severity    model.Severity
	Outcome     model.Outcome
	DistanceKM  float64
	Latency     time.Duration
	Time        time.Time
}

// MetricsSink records offer outcomes.
type MetricsSink interface {
	RecordOffer(rec OfferRecord) error
}

// MatchFailure describes a matching pass that left an emergency pending.
type MatchFailure struct {
	EmergencyID string
	Reason      string
	Tried       int
	Time        time.Time
}

// MatchFailureRecorder is implemented by sinks able to record failed matches.
type MatchFailureRecorder interface {
	RecordMatchFailure(ev MatchFailure) error
}

// FleetAvailabilityRecorder records how many ambulances can take offers.
type FleetAvailabilityRecorder interface {
	RecordFleetAvailability(available, total int) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordOffer(OfferRecord) error          { return nil }
func (NopSink) RecordMatchFailure(MatchFailure) error  { return nil }
func (NopSink) RecordFleetAvailability(int, int) error { return nil }

// MultiSink fans records out to several sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordOffer forwards the record to all sinks, returning the first error.
func (m *MultiSink) RecordOffer(rec OfferRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordOffer(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordMatchFailure forwards to the sinks that support it.
func (m *MultiSink) RecordMatchFailure(ev MatchFailure) error {
	for _, s := range m.Sinks {
		if r, ok := s.(MatchFailureRecorder); ok {
			if err := r.RecordMatchFailure(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordFleetAvailability forwards to the sinks that support it.
func (m *MultiSink) RecordFleetAvailability(available, total int) error {
	for _, s := range m.Sinks {
		if r, ok := s.(FleetAvailabilityRecorder); ok {
			if err := r.RecordFleetAvailability(available, total); err != nil {
				return err
			}
		}
	}
	return nil
}
