package metrics

import (
	"errors"

	coremetrics "github.com/kilianp07/ambulance/core/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink records offer outcomes in Prometheus metrics.
type PromSink struct {
	offers   *prometheus.CounterVec
	distance *prometheus.HistogramVec
	failures *prometheus.CounterVec
	fleet    *prometheus.GaugeVec
}

// NewPromSink registers the sink collectors on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	offers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ambulance_offer_outcomes_total",
		Help: "Offer outcomes by severity",
	}, []string{"severity", "outcome"})
	distance := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ambulance_offer_distance_km",
		Help:    "Straight-line distance between the ambulance and the patient at offer time",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50},
	}, []string{"outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ambulance_match_failures_by_reason_total",
		Help: "Matching passes that left an emergency pending",
	}, []string{"reason"})
	fleet := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ambulance_fleet_size",
		Help: "Ambulances known to the geo index",
	}, []string{"state"})

	var err error
	if offers, err = register(reg, offers); err != nil {
		return nil, err
	}
	if distance, err = register(reg, distance); err != nil {
		return nil, err
	}
	if failures, err = register(reg, failures); err != nil {
		return nil, err
	}
	if fleet, err = register(reg, fleet); err != nil {
		return nil, err
	}
	return &PromSink{offers: offers, distance: distance, failures: failures, fleet: fleet}, nil
}

// register reuses an already registered collector of the same shape.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordOffer counts the outcome and observes the offer distance.
func (s *PromSink) RecordOffer(rec coremetrics.OfferRecord) error {
	s.offers.WithLabelValues(string(rec.Severity), string(rec.Outcome)).Inc()
	s.distance.WithLabelValues(string(rec.Outcome)).Observe(rec.DistanceKM)
	return nil
}

// RecordMatchFailure counts failed matching passes by reason.
func (s *PromSink) RecordMatchFailure(ev coremetrics.MatchFailure) error {
	s.failures.WithLabelValues(ev.Reason).Inc()
	return nil
}

// RecordFleetAvailability sets the fleet gauges.
func (s *PromSink) RecordFleetAvailability(available, total int) error {
	s.fleet.WithLabelValues("available").Set(float64(available))
	s.fleet.WithLabelValues("total").Set(float64(total))
	return nil
}
