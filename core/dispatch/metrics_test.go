package dispatch

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistration(t *testing.T) {
	ResetMetrics(nil)
	t.Cleanup(func() { ResetMetrics(nil) })
	reg := prometheus.NewRegistry()
	MustRegisterMetrics(reg)
	// touch metrics so they are exported
	offerOutcomes.WithLabelValues("accepted").Inc()
	responseLatency.WithLabelValues("accepted").Observe(3)
	matchFailures.WithLabelValues("exhausted").Inc()
	activeOffers.Set(1)
	notifyFailure.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[*mf.Name] = true
	}
	expected := []string{
		"dispatch_offers_total",
		"dispatch_offer_response_seconds",
		"dispatch_match_failures_total",
		"dispatch_active_offers",
		"dispatch_offer_notify_failures_total",
	}
	for _, n := range expected {
		if !names[n] {
			t.Errorf("metric %s not registered", n)
		}
	}
}
