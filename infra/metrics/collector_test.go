package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/ambulance/core/events"
	coremetrics "github.com/kilianp07/ambulance/core/metrics"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/internal/eventbus"
)

type memSink struct {
	mu       sync.Mutex
	offers   []coremetrics.OfferRecord
	failures []coremetrics.MatchFailure
}

func (m *memSink) RecordOffer(r coremetrics.OfferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, r)
	return nil
}

func (m *memSink) RecordMatchFailure(f coremetrics.MatchFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

func (m *memSink) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.offers), len(m.failures)
}

func TestEventCollectorRecordsBusEvents(t *testing.T) {
	bus := eventbus.New()
	sink := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := StartEventCollector(ctx, bus, sink)

	bus.Publish(events.OfferEvent{OfferID: "o1", Outcome: model.OutcomeAccepted, Severity: model.SeverityHigh})
	bus.Publish(events.MatchFailedEvent{EmergencyID: "e1", Reason: "exhausted"})
	bus.Publish("ignored")

	assert.Eventually(t, func() bool {
		o, f := sink.counts()
		return o == 1 && f == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, "o1", sink.offers[0].OfferID)
}

func TestEventCollectorNilBus(t *testing.T) {
	done := StartEventCollector(context.Background(), nil, &memSink{})
	_, open := <-done
	assert.False(t, open)
}
