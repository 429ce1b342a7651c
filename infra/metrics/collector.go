package metrics

import (
	"context"

	"github.com/kilianp07/ambulance/core/events"
	coremetrics "github.com/kilianp07/ambulance/core/metrics"
	"github.com/kilianp07/ambulance/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records dispatch
// events in the sink. It stops when the context is canceled or the bus is
// closed; the returned channel is closed once the collector has exited.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || sink == nil {
		close(done)
		return done
	}
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				record(sink, ev)
			}
		}
	}()
	return done
}

func record(sink coremetrics.MetricsSink, ev eventbus.Event) {
	switch e := ev.(type) {
	case events.OfferEvent:
		_ = sink.RecordOffer(coremetrics.OfferRecord{
			OfferID:     e.OfferID,
			EmergencyID: e.EmergencyID,
			AmbulanceID: e.AmbulanceID,
			Severity:    e.Severity,
			Outcome:     e.Outcome,
			DistanceKM:  e.DistanceKM,
			Latency:     e.Latency,
			Time:        e.Time,
		})
	case events.MatchFailedEvent:
		if r, ok := sink.(coremetrics.MatchFailureRecorder); ok {
			_ = r.RecordMatchFailure(coremetrics.MatchFailure{
				EmergencyID: e.EmergencyID,
				Reason:      e.Reason,
				Tried:       e.Tried,
				Time:        e.Time,
			})
		}
	}
}
