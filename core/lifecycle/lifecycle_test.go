package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/infra/store/memory"
	"github.com/kilianp07/ambulance/internal/storetest"
)

var fastRetry = store.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 5}

type recorder struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *recorder) Publish(ev fanout.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []fanout.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fanout.Event(nil), r.events...)
}

func newStore(t *testing.T, st store.Store, opts ...Option) (*Store, *recorder) {
	t.Helper()
	var n atomic.Int64
	rec := &recorder{}
	opts = append([]Option{
		WithPublisher(rec),
		WithRetryPolicy(fastRetry),
		WithIDGenerator(func() string { return "em-" + string(rune('a'+n.Add(1)-1)) }),
	}, opts...)
	return New(st, opts...), rec
}

func addis() model.Location { return model.Location{Lat: 9.03, Lng: 38.74} }

func create(t *testing.T, s *Store, patient string) model.EmergencyRequest {
	t.Helper()
	em, err := s.Create(context.Background(), CreateRequest{PatientID: patient, Location: addis(), Severity: model.SeverityCritical})
	require.NoError(t, err)
	return em
}

func TestCreateValidation(t *testing.T) {
	s, _ := newStore(t, memory.New())
	ctx := context.Background()

	_, err := s.Create(ctx, CreateRequest{Location: addis(), Severity: model.SeverityLow})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.Create(ctx, CreateRequest{PatientID: "p1", Severity: model.SeverityLow})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.Create(ctx, CreateRequest{PatientID: "p1", Location: addis(), Severity: "urgent"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	em, err := s.Create(ctx, CreateRequest{PatientID: " p1 ", Location: addis(), Severity: "HIGH"})
	require.NoError(t, err)
	assert.Equal(t, "p1", em.PatientID)
	assert.Equal(t, model.SeverityHigh, em.Severity)
	assert.Equal(t, model.StatusPending, em.Status)
	assert.Equal(t, int64(1), em.Version)
}

func TestOneActiveEmergencyPerPatient(t *testing.T) {
	s, _ := newStore(t, memory.New())
	ctx := context.Background()
	em := create(t, s, "p1")

	_, err := s.Create(ctx, CreateRequest{PatientID: "p1", Location: addis(), Severity: model.SeverityLow})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// Other patients are unaffected.
	create(t, s, "p2")

	_, err = s.Transition(ctx, em.ID, EventPatientCancelled)
	require.NoError(t, err)
	second := create(t, s, "p1")
	assert.NotEqual(t, em.ID, second.ID)
}

func TestConcurrentCreateSamePatient(t *testing.T) {
	mem := memory.New()
	// Two stores over one backend stand in for two processes.
	a, _ := newStore(t, mem, WithIDGenerator(func() string { return "from-a" }))
	b, _ := newStore(t, mem, WithIDGenerator(func() string { return "from-b" }))

	var wg sync.WaitGroup
	var ok, conflict atomic.Int32
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			_, err := s.Create(context.Background(), CreateRequest{PatientID: "p1", Location: addis(), Severity: model.SeverityLow})
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.CodeOf(err) == apperr.CodeConflict:
				conflict.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), conflict.Load())
}

func TestFullLifecycle(t *testing.T) {
	s, rec := newStore(t, memory.New())
	ctx := context.Background()
	em := create(t, s, "p1")
	asg := model.Assignment{ID: "as1", EmergencyID: em.ID, AmbulanceID: "amb-1"}

	em, err := s.Transition(ctx, em.ID, EventAssignmentAccepted, WithAssignment(asg))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, em.Status)
	assert.Equal(t, "amb-1", em.AmbulanceID)
	assert.Equal(t, "as1", em.AssignmentID)

	for _, step := range []struct {
		ev   Event
		want model.EmergencyStatus
	}{
		{EventTransitStarted, model.StatusEnRoute},
		{EventPatientReached, model.StatusArrived},
		{EventDepartedForFacility, model.StatusAtHospital},
		{EventHandoffConfirmed, model.StatusCompleted},
	} {
		em, err = s.Transition(ctx, em.ID, step.ev)
		require.NoError(t, err, step.ev)
		assert.Equal(t, step.want, em.Status)
	}
	assert.Equal(t, int64(6), em.Version)

	events := rec.all()
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, fanout.EmergencyTopic(em.ID), ev.Topic)
		assert.Equal(t, int64(i+1), ev.Version, "events leave in commit order")
	}
	assert.Equal(t, "as1", events[1].Assignment.ID)

	active, err := s.ListActive(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestTerminalIsFinal(t *testing.T) {
	s, _ := newStore(t, memory.New())
	ctx := context.Background()
	em := create(t, s, "p1")
	_, err := s.Transition(ctx, em.ID, EventPatientCancelled)
	require.NoError(t, err)

	for ev := range allEvents() {
		_, err := s.Transition(ctx, em.ID, ev, WithAssignment(model.Assignment{ID: "x"}))
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition, ev)
	}
	got, err := s.Get(ctx, em.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func allEvents() map[Event]struct{} {
	out := map[Event]struct{}{}
	for _, edges := range transitions {
		for ev := range edges {
			out[ev] = struct{}{}
		}
	}
	return out
}

func TestIllegalTransitionsRejected(t *testing.T) {
	s, rec := newStore(t, memory.New())
	ctx := context.Background()
	em := create(t, s, "p1")

	_, err := s.Transition(ctx, em.ID, EventTransitStarted)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = s.Transition(ctx, em.ID, EventAssignmentReleased)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = s.Transition(ctx, "missing", EventPatientCancelled)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.Transition(ctx, em.ID, EventAssignmentAccepted)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Len(t, rec.all(), 1, "only the creation was published")
}

func TestReleaseClearsBinding(t *testing.T) {
	s, _ := newStore(t, memory.New())
	ctx := context.Background()
	em := create(t, s, "p1")
	_, err := s.Transition(ctx, em.ID, EventAssignmentAccepted, WithAssignment(model.Assignment{ID: "as1", AmbulanceID: "amb-1"}))
	require.NoError(t, err)
	em, err = s.Transition(ctx, em.ID, EventAssignmentReleased)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, em.Status)
	assert.Empty(t, em.AmbulanceID)
	assert.Empty(t, em.AssignmentID)
}

func TestTransientFailuresRetried(t *testing.T) {
	faulty := storetest.NewFaulty(memory.New())
	s, _ := newStore(t, faulty)
	ctx := context.Background()
	em := create(t, s, "p1")

	faulty.FailNext(2)
	got, err := s.Transition(ctx, em.ID, EventPatientCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	faulty.FailNext(100)
	_, err = s.Get(ctx, em.ID)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	faulty.FailNext(0)
}

func TestConcurrentTransitionsSerialized(t *testing.T) {
	s, _ := newStore(t, memory.New())
	ctx := context.Background()
	em := create(t, s, "p1")
	asg := WithAssignment(model.Assignment{ID: "as1", AmbulanceID: "amb-1"})

	var wg sync.WaitGroup
	var won atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(ctx, em.ID, EventAssignmentAccepted, asg); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestListByStatusOldestFirst(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	s, _ := newStore(t, memory.New(), WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	ctx := context.Background()
	first := create(t, s, "p1")
	second := create(t, s, "p2")
	third := create(t, s, "p3")
	_, err := s.Transition(ctx, second.ID, EventPatientCancelled)
	require.NoError(t, err)

	pending, err := s.ListByStatus(ctx, model.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, third.ID, pending[1].ID)

	limited, err := s.ListByStatus(ctx, model.StatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("transit_started")
	require.NoError(t, err)
	assert.True(t, DriverEvent(ev))
	assert.False(t, DriverEvent(EventPatientCancelled))
	_, err = ParseEvent("teleported")
	assert.Error(t, err)
}
