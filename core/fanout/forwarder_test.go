package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Publish(_ context.Context, _ string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker down")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingTransport) Subscribe(context.Context, string) (<-chan Event, func(), error) {
	return nil, func() {}, errors.New("not supported")
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestForwarderMirrorsPublishedEvents(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	ok := &recordingTransport{}
	bad := &recordingTransport{fail: true}
	fwd := NewForwarder(8, nil, ok, bad)
	h := NewHub(newFake().snapshot, WithForwarder(fwd))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { fwd.Run(ctx); close(done) }()

	h.Publish(Event{Topic: EmergencyTopic("e1"), Type: EventStatus})
	h.Publish(Event{Topic: AmbulanceTopic("a1"), Type: EventLocation})
	assert.Eventually(t, func() bool { return ok.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(forwardFailures.WithLabelValues("recording")) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.True(t, ok.closed)
}

func TestForwarderDropsWhenFull(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	fwd := NewForwarder(1, nil)
	assert.True(t, fwd.Enqueue(Event{}))
	assert.False(t, fwd.Enqueue(Event{}))
	assert.Equal(t, uint64(1), fwd.Dropped())
	assert.Equal(t, float64(1), testutil.ToFloat64(forwardDropped))
}
