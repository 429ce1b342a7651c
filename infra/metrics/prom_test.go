package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/ambulance/core/metrics"
	"github.com/kilianp07/ambulance/core/model"
)

func TestPromSinkRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordOffer(coremetrics.OfferRecord{Severity: model.SeverityHigh, Outcome: model.OutcomeDeclined, DistanceKM: 2}))
	require.NoError(t, sink.RecordOffer(coremetrics.OfferRecord{Severity: model.SeverityHigh, Outcome: model.OutcomeDeclined, DistanceKM: 3}))
	require.NoError(t, sink.RecordMatchFailure(coremetrics.MatchFailure{Reason: "exhausted"}))
	require.NoError(t, sink.RecordFleetAvailability(3, 5))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.offers.WithLabelValues("high", "declined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.failures.WithLabelValues("exhausted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.fleet.WithLabelValues("available")))
	assert.Equal(t, 5.0, testutil.ToFloat64(sink.fleet.WithLabelValues("total")))
}

func TestPromSinkReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	second, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, first.RecordOffer(coremetrics.OfferRecord{Severity: model.SeverityLow, Outcome: model.OutcomeExpired}))
	assert.Equal(t, 1.0, testutil.ToFloat64(second.offers.WithLabelValues("low", "expired")))
}
