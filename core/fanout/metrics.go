package fanout

import "github.com/prometheus/client_golang/prometheus"

var (
	activeSubscribers  prometheus.Gauge
	droppedSubscribers prometheus.Counter
	publishedEvents    *prometheus.CounterVec
	forwardDropped     prometheus.Counter
	forwardFailures    *prometheus.CounterVec
)

func newCollectors() (prometheus.Gauge, prometheus.Counter, *prometheus.CounterVec, prometheus.Counter, *prometheus.CounterVec) {
	subs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_subscribers",
		Help: "Live subscriptions across all topics",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_slow_subscribers_dropped_total",
		Help: "Subscriptions dropped because their buffer was full",
	})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_events_published_total",
		Help: "Events published by type",
	}, []string{"type"})
	fwdDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_forward_dropped_total",
		Help: "Events not forwarded to transports because the queue was full",
	})
	fwdFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_forward_failures_total",
		Help: "Transport publish failures",
	}, []string{"transport"})
	return subs, dropped, published, fwdDropped, fwdFailures
}

func init() {
	activeSubscribers, droppedSubscribers, publishedEvents, forwardDropped, forwardFailures = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers fan-out metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(activeSubscribers, droppedSubscribers, publishedEvents, forwardDropped, forwardFailures)
}

// ResetMetrics reinitializes the collectors for tests and registers them on
// reg if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	activeSubscribers, droppedSubscribers, publishedEvents, forwardDropped, forwardFailures = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
