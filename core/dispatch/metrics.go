package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	offerOutcomes   *prometheus.CounterVec
	responseLatency *prometheus.HistogramVec
	matchFailures   *prometheus.CounterVec
	activeOffers    prometheus.Gauge
	notifyFailure   prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.HistogramVec, *prometheus.CounterVec, prometheus.Gauge, prometheus.Counter) {
	out := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offers_total",
			Help: "Offers by outcome, including offers made",
		},
		[]string{"outcome"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_offer_response_seconds",
			Help:    "Time from offer to its resolution",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 45, 60},
		},
		[]string{"outcome"},
	)
	fail := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_match_failures_total",
			Help: "Matching passes that left an emergency pending",
		},
		[]string{"reason"},
	)
	active := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_offers",
			Help: "Offers waiting for a driver response",
		},
	)
	notify := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_offer_notify_failures_total",
			Help: "Offers that could not be pushed to the driver channel",
		},
	)
	return out, lat, fail, active, notify
}

func init() {
	offerOutcomes, responseLatency, matchFailures, activeOffers, notifyFailure = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(offerOutcomes, responseLatency, matchFailures, activeOffers, notifyFailure)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	offerOutcomes, responseLatency, matchFailures, activeOffers, notifyFailure = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
