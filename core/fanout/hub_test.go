package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kilianp07/ambulance/core/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeState is a versioned emergency used as snapshot source.
type fakeState struct {
	mu sync.Mutex
	em model.EmergencyRequest
}

func (f *fakeState) snapshot(_ context.Context, topic string) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic != EmergencyTopic(f.em.ID) {
		return Event{}, errors.New("not found")
	}
	em := f.em
	return Event{Version: em.Version, Emergency: &em}, nil
}

func (f *fakeState) commit(h *Hub, status model.EmergencyStatus) {
	f.mu.Lock()
	f.em.Status = status
	f.em.Version++
	em := f.em
	f.mu.Unlock()
	h.Publish(Event{Topic: EmergencyTopic(em.ID), Type: EventStatus, Version: em.Version, Emergency: &em})
}

func newFake() *fakeState {
	return &fakeState{em: model.EmergencyRequest{ID: "e1", Status: model.StatusPending, Version: 1}}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestParseTopic(t *testing.T) {
	kind, id, err := ParseTopic("emergency:e1")
	require.NoError(t, err)
	assert.Equal(t, KindEmergency, kind)
	assert.Equal(t, "e1", id)

	for _, bad := range []string{"", "emergency", "emergency:", "fleet:a1", "ambulance:a/1"} {
		_, _, err := ParseTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestSnapshotThenLive(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	st := newFake()
	h := NewHub(st.snapshot)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap := recv(t, sub)
	assert.True(t, snap.Snapshot)
	assert.Equal(t, EventSnapshot, snap.Type)
	assert.Equal(t, model.StatusPending, snap.Emergency.Status)

	st.commit(h, model.StatusAssigned)
	ev := recv(t, sub)
	assert.Equal(t, model.StatusAssigned, ev.Emergency.Status)
	assert.Equal(t, int64(2), ev.Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(activeSubscribers))
}

func TestSubscribeUnknownTopic(t *testing.T) {
	h := NewHub(newFake().snapshot)
	defer h.Close()
	_, err := h.Subscribe(context.Background(), EmergencyTopic("nope"))
	assert.Error(t, err)
	assert.Equal(t, 0, h.Subscribers(EmergencyTopic("nope")))
}

func TestNoGapUnderConcurrentCommits(t *testing.T) {
	st := newFake()
	h := NewHub(st.snapshot, WithBuffer(1024))
	defer h.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			st.commit(h, model.StatusAssigned)
		}
		close(stop)
	}()

	sub, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)
	<-stop
	wg.Wait()

	tr := NewTracker()
	first := recv(t, sub)
	require.True(t, tr.Apply(first))
	last := first.Emergency.Version
	for last < 201 {
		ev := recv(t, sub)
		if !tr.Apply(ev) {
			continue
		}
		assert.Equal(t, last+1, ev.Emergency.Version, "gap after version %d", last)
		last = ev.Emergency.Version
	}
	sub.Unsubscribe()
}

func TestSlowConsumerDropped(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	st := newFake()
	h := NewHub(st.snapshot, WithBuffer(2))
	defer h.Close()

	slow, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)
	fast, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)

	var fastGot atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range fast.Events() {
			fastGot.Add(1)
		}
	}()

	for i := 0; i < 5; i++ {
		st.commit(h, model.StatusAssigned)
		time.Sleep(5 * time.Millisecond)
	}

	n := 0
	for range slow.Events() {
		n++
	}
	assert.Equal(t, 2, n, "buffered events stay readable after the drop")
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	assert.Equal(t, float64(1), testutil.ToFloat64(droppedSubscribers))
	assert.Equal(t, 1, h.Subscribers(EmergencyTopic("e1")))

	assert.Eventually(t, func() bool { return fastGot.Load() == 6 }, time.Second, 5*time.Millisecond)
	fast.Unsubscribe()
	<-done
	assert.NoError(t, fast.Err())
}

func TestUnsubscribeDiscardsBuffered(t *testing.T) {
	st := newFake()
	h := NewHub(st.snapshot)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)
	st.commit(h, model.StatusAssigned)
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers(EmergencyTopic("e1")))
	st.commit(h, model.StatusEnRoute)
}

func TestContextCancelEndsSubscription(t *testing.T) {
	h := NewHub(newFake().snapshot)
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.Subscribe(ctx, EmergencyTopic("e1"))
	require.NoError(t, err)
	cancel()
	assert.Eventually(t, func() bool { return h.Subscribers(EmergencyTopic("e1")) == 0 }, time.Second, 5*time.Millisecond)
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	h := NewHub(newFake().snapshot)
	sub, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)
	h.Close()
	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), ErrClosed)
	_, err = h.Subscribe(context.Background(), EmergencyTopic("e1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamRestartable(t *testing.T) {
	st := newFake()
	h := NewHub(st.snapshot)
	defer h.Close()
	seq := h.Stream(context.Background(), EmergencyTopic("e1"))

	for round := 0; round < 2; round++ {
		for ev := range seq {
			assert.True(t, ev.Snapshot)
			break
		}
		assert.Equal(t, 0, h.Subscribers(EmergencyTopic("e1")))
	}
}

func TestStreamEndsWithContext(t *testing.T) {
	st := newFake()
	h := NewHub(st.snapshot)
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range h.Stream(ctx, EmergencyTopic("e1")) {
			got <- ev
		}
	}()
	assert.True(t, (<-got).Snapshot)
	require.Eventually(t, func() bool { return h.Subscribers(EmergencyTopic("e1")) == 1 }, time.Second, 5*time.Millisecond)
	st.commit(h, model.StatusAssigned)
	assert.Equal(t, model.StatusAssigned, (<-got).Emergency.Status)
	cancel()
	<-done
}

func TestTrackerApplyIfNewer(t *testing.T) {
	tr := NewTracker()
	em := func(v int64) *model.EmergencyRequest { return &model.EmergencyRequest{ID: "e1", Version: v} }
	assert.True(t, tr.Apply(Event{Emergency: em(2)}))
	assert.False(t, tr.Apply(Event{Emergency: em(2)}))
	assert.False(t, tr.Apply(Event{Emergency: em(1)}))
	assert.True(t, tr.Apply(Event{Emergency: em(3)}))

	now := time.Now()
	amb := &model.Ambulance{ID: "a1", UpdatedAt: now}
	assert.True(t, tr.Apply(Event{Ambulance: amb}))
	older := &model.Ambulance{ID: "a1", UpdatedAt: now.Add(-time.Second)}
	assert.False(t, tr.Apply(Event{Ambulance: older}))

	assert.True(t, Newer(Event{Emergency: em(1)}, Event{Emergency: em(2)}))
	assert.False(t, Newer(Event{Emergency: em(2)}, Event{Emergency: em(2)}))
}

// gatedState is a snapshot source whose loads block until released.
type gatedState struct {
	*fakeState
	gate    chan struct{}
	loading atomic.Int32
}

func (g *gatedState) snapshot(ctx context.Context, topic string) (Event, error) {
	g.loading.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
	return g.fakeState.snapshot(ctx, topic)
}

func TestPublishDoesNotWaitForSnapshotLoad(t *testing.T) {
	g := &gatedState{fakeState: newFake(), gate: make(chan struct{})}
	h := NewHub(g.snapshot)
	defer h.Close()

	subs := make(chan *Subscription, 2)
	for i := 0; i < 2; i++ {
		go func() {
			sub, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
			assert.NoError(t, err)
			subs <- sub
		}()
	}
	require.Eventually(t, func() bool { return g.loading.Load() == 2 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		g.commit(h, model.StatusAssigned)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish waited for the snapshot loads")
	}

	g.commit(h, model.StatusEnRoute)
	close(g.gate)
	for i := 0; i < 2; i++ {
		sub := <-subs
		require.NotNil(t, sub)
		snap := recv(t, sub)
		assert.True(t, snap.Snapshot)
		assert.Equal(t, int64(3), snap.Version)
		assert.Equal(t, model.StatusEnRoute, snap.Emergency.Status)

		// Events held back during the load are already in the snapshot.
		select {
		case ev := <-sub.Events():
			t.Fatalf("unexpected event after snapshot: %+v", ev)
		case <-time.After(20 * time.Millisecond):
		}
		g.commit(h, model.StatusArrived)
		assert.Equal(t, model.StatusArrived, recv(t, sub).Emergency.Status)
		sub.Unsubscribe()
	}
}

func TestEventsDuringSnapshotLoadFollowSnapshot(t *testing.T) {
	st := newFake()
	var h *Hub
	loads := 0
	h = NewHub(func(ctx context.Context, topic string) (Event, error) {
		snap, err := st.snapshot(ctx, topic)
		loads++
		if loads == 1 {
			// Committed after the read, published while still loading.
			st.commit(h, model.StatusAssigned)
		}
		return snap, err
	})
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Equal(t, model.StatusPending, recv(t, sub).Emergency.Status)
	ev := recv(t, sub)
	assert.False(t, ev.Snapshot)
	assert.Equal(t, model.StatusAssigned, ev.Emergency.Status)
}

func TestOverflowDuringSnapshotLoadRetries(t *testing.T) {
	st := newFake()
	var h *Hub
	loads := 0
	h = NewHub(func(ctx context.Context, topic string) (Event, error) {
		loads++
		if loads == 1 {
			for i := 0; i < 3; i++ {
				st.commit(h, model.StatusAssigned)
			}
		}
		return st.snapshot(ctx, topic)
	}, WithBuffer(2))
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), EmergencyTopic("e1"))
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Equal(t, 2, loads)
	snap := recv(t, sub)
	assert.True(t, snap.Snapshot)
	assert.Equal(t, int64(4), snap.Version)
}
