// Package dispatch turns pending emergencies into assigned ones. The
// Coordinator offers an emergency to the nearest available ambulance, waits
// for the driver's answer within a deadline and moves on to the next
// candidate on decline or timeout, guaranteeing that exactly one ambulance
// ends up holding the accepted assignment.
//
// Every emergency is serialized on its own lock; nothing is guarded by a
// process wide lock. Offer state is persisted so that a restarted process
// resumes in-flight offers with Recover.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/geo"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/logger"
	"github.com/kilianp07/ambulance/core/metrics"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/internal/eventbus"
	"github.com/kilianp07/ambulance/internal/keylock"
)

// Locator is the part of the geo index the coordinator relies on.
type Locator interface {
	Register(ctx context.Context, a model.Ambulance) (model.Ambulance, error)
	RecordLocation(ctx context.Context, id string, loc model.Location, at time.Time) (model.Ambulance, bool, error)
	NearestAvailable(ctx context.Context, loc model.Location, limit int) ([]geo.Candidate, error)
	TryReserve(ctx context.Context, id string) (model.Ambulance, bool, error)
	Swap(ctx context.Context, id string, to model.AmbulanceStatus, from ...model.AmbulanceStatus) (model.Ambulance, bool, error)
	Get(ctx context.Context, id string) (model.Ambulance, error)
	List(ctx context.Context) []model.Ambulance
	Counts() (available, total int)
}

// Publisher receives change events for subscribers.
type Publisher interface {
	Publish(fanout.Event)
}

// OfferNotifier pushes offers to the driver channel.
type OfferNotifier interface {
	NotifyOffer(ctx context.Context, offer model.Assignment, em model.EmergencyRequest) error
}

type engagement struct {
	emergencyID string
	accepted    bool
}

// Coordinator runs the offer state machine of every emergency.
type Coordinator struct {
	cfg      Config
	store    store.Store
	life     *lifecycle.Store
	geo      Locator
	pub      Publisher
	notifier OfferNotifier
	audit    audit.Store
	metrics  metrics.MetricsSink
	bus      eventbus.EventBus
	logger   logger.Logger
	now      func() time.Time
	newID    func() string

	locks *keylock.Locker

	mu      sync.Mutex
	timers  map[string]*time.Timer
	engaged map[string]engagement
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	kicked atomic.Bool
	// sitOut lists emergencies the next kicked pass leaves alone. Guarded
	// by mu.
	sitOut map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher sets where ambulance and offer events are published.
func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.pub = p } }

// WithNotifier pushes every offer to a driver channel.
func WithNotifier(n OfferNotifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithAuditStore records offer outcomes and failed matches.
func WithAuditStore(s audit.Store) Option { return func(c *Coordinator) { c.audit = s } }

// WithMetricsSink records offer outcomes to an external sink.
func WithMetricsSink(s metrics.MetricsSink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.metrics = s
		}
	}
}

// WithEventBus publishes internal OfferEvent and MatchFailedEvent values.
func WithEventBus(b eventbus.EventBus) Option { return func(c *Coordinator) { c.bus = b } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(c *Coordinator) { c.logger = logger.OrNop(l) } }

// WithClock replaces time.Now for deadlines and timestamps.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithIDGenerator replaces the uuid generator used for offer ids.
func WithIDGenerator(fn func() string) Option { return func(c *Coordinator) { c.newID = fn } }

// NewCoordinator creates a coordinator. Unset config fields get their
// defaults.
func NewCoordinator(cfg Config, st store.Store, life *lifecycle.Store, loc Locator, opts ...Option) (*Coordinator, error) {
	if st == nil || life == nil || loc == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewCoordinator")
	}
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		store:   st,
		life:    life,
		geo:     loc,
		audit:   audit.NewMemoryStore(),
		metrics: metrics.NopSink{},
		logger:  logger.NopLogger{},
		now:     time.Now,
		newID:   uuid.NewString,
		locks:   keylock.New(),
		timers:  make(map[string]*time.Timer),
		engaged: make(map[string]engagement),
		sitOut:  make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close stops the offer timers, waits for background work and releases the
// audit store and event bus.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	if c.bus != nil {
		c.bus.Close()
	}
	if c.audit != nil {
		return c.audit.Close()
	}
	return nil
}

// spawn runs fn in the background unless the coordinator is closed.
func (c *Coordinator) spawn(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// kick schedules a sweep, coalescing requests made while one is queued.
// The emergencies in skip are left out of that sweep.
func (c *Coordinator) kick(skip ...string) {
	if len(skip) > 0 {
		c.mu.Lock()
		for _, id := range skip {
			c.sitOut[id] = struct{}{}
		}
		c.mu.Unlock()
	}
	if c.kicked.Swap(true) {
		return
	}
	c.spawn(func(ctx context.Context) {
		for c.kicked.Swap(false) {
			c.mu.Lock()
			skip := c.sitOut
			c.sitOut = make(map[string]struct{})
			c.mu.Unlock()
			if _, err := c.sweep(ctx, skip); err != nil && ctx.Err() == nil {
				c.logger.Errorf("scheduling pass: %v", err)
			}
		}
	})
}

// Run sweeps pending emergencies every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Errorf("sweep: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit creates an emergency and starts matching it. The returned request
// is pending; it becomes assigned once a driver accepts. When matching fails
// the emergency stays pending and is picked up again by the sweep.
func (c *Coordinator) Submit(ctx context.Context, req lifecycle.CreateRequest) (model.EmergencyRequest, error) {
	em, err := c.life.Create(ctx, req)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	unlock := c.locks.Lock(em.ID)
	defer unlock()
	st, err := c.loadState(ctx, em.ID)
	if err != nil {
		c.logger.Errorf("emergency %s: load offer state: %v", em.ID, err)
		return em, nil
	}
	if st.CurrentOfferID != "" {
		// A sweep got to it first.
		return em, nil
	}
	if err := c.match(ctx, em, st); err != nil {
		c.logger.Errorf("emergency %s: matching failed: %v", em.ID, err)
	}
	return em, nil
}

// Sweep re-matches every pending emergency without an offer in flight and
// expires overdue offers whose timer was lost. It returns the number of
// offers made.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	return c.sweep(ctx, nil)
}

func (c *Coordinator) sweep(ctx context.Context, skip map[string]struct{}) (int, error) {
	pending, err := c.life.ListByStatus(ctx, model.StatusPending, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, em := range pending {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, ok := skip[em.ID]; ok {
			continue
		}
		offered, err := c.rematch(ctx, em.ID)
		if err != nil {
			c.logger.Errorf("emergency %s: sweep: %v", em.ID, err)
			continue
		}
		if offered {
			n++
		}
	}
	c.recordFleet()
	return n, nil
}

func (c *Coordinator) rematch(ctx context.Context, id string) (bool, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	em, err := c.life.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if em.Status != model.StatusPending {
		return false, nil
	}
	st, err := c.loadState(ctx, id)
	if err != nil {
		return false, err
	}
	if st.CurrentOfferID != "" {
		if c.now().Before(st.Deadline) {
			return false, nil
		}
		asg, err := c.getAssignment(ctx, st.CurrentOfferID)
		if err != nil {
			return false, err
		}
		if asg.Outcome == model.OutcomeOffered {
			if _, err := c.reject(ctx, em, st, asg, model.OutcomeExpired, "offer timed out"); err != nil {
				return false, err
			}
			return st.CurrentOfferID != "", nil
		}
		st.CurrentOfferID = ""
	}
	if err := c.match(ctx, em, st); err != nil {
		return false, err
	}
	return st.CurrentOfferID != "", nil
}

// Snapshot loads the current state of a fan-out topic.
func (c *Coordinator) Snapshot(ctx context.Context, topic string) (fanout.Event, error) {
	kind, id, err := fanout.ParseTopic(topic)
	if err != nil {
		return fanout.Event{}, err
	}
	ev := fanout.Event{Topic: topic, Type: fanout.EventSnapshot, Snapshot: true, Time: c.now().UTC()}
	switch kind {
	case fanout.KindEmergency:
		em, err := c.life.Get(ctx, id)
		if err != nil {
			return fanout.Event{}, err
		}
		ev.Version = em.Version
		ev.Emergency = &em
		asgID := em.AssignmentID
		if asgID == "" && em.Status == model.StatusPending {
			if st, err := c.loadState(ctx, id); err == nil {
				asgID = st.CurrentOfferID
			}
		}
		if asgID != "" {
			if asg, err := c.getAssignment(ctx, asgID); err == nil {
				ev.Assignment = &asg
			}
		}
		if em.AmbulanceID != "" {
			if amb, err := c.geo.Get(ctx, em.AmbulanceID); err == nil {
				pub := amb.PublicView()
				ev.Ambulance = &pub
			}
		}
	case fanout.KindAmbulance:
		amb, err := c.geo.Get(ctx, id)
		if err != nil {
			return fanout.Event{}, err
		}
		pub := amb.PublicView()
		ev.Ambulance = &pub
		ev.Version = ambulanceVersion(pub)
		if e, ok := c.engagement(id); ok {
			if asg, err := c.currentAssignment(ctx, e.emergencyID, id); err == nil {
				ev.Assignment = &asg
			}
		}
	}
	return ev, nil
}

// currentAssignment returns the open offer or accepted assignment linking
// the emergency to the ambulance.
func (c *Coordinator) currentAssignment(ctx context.Context, emergencyID, ambulanceID string) (model.Assignment, error) {
	history, err := c.History(ctx, emergencyID)
	if err != nil {
		return model.Assignment{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		a := history[i]
		if a.AmbulanceID == ambulanceID && (a.Outcome == model.OutcomeOffered || a.Outcome == model.OutcomeAccepted) {
			return a, nil
		}
	}
	return model.Assignment{}, store.NotFound("assignment for " + ambulanceID)
}

// History returns every assignment made for the emergency, rejected ones
// included, in offer order.
func (c *Coordinator) History(ctx context.Context, emergencyID string) ([]model.Assignment, error) {
	var out []model.Assignment
	err := c.retry(ctx, func() error {
		recs, err := c.store.Query(ctx, store.Query{
			Kind:    kindAssignment,
			Where:   map[string]string{"emergency_id": emergencyID},
			OrderBy: "offered",
		})
		if err != nil {
			return err
		}
		out = make([]model.Assignment, 0, len(recs))
		for _, rec := range recs {
			var a model.Assignment
			if err := store.Decode(rec, &a); err != nil {
				return err
			}
			a.Version = rec.Version
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// Assignment returns one assignment by id.
func (c *Coordinator) Assignment(ctx context.Context, id string) (model.Assignment, error) {
	return c.getAssignment(ctx, id)
}

// Audit queries the audit log.
func (c *Coordinator) Audit(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	return c.audit.Query(ctx, q)
}

func (c *Coordinator) retry(ctx context.Context, fn func() error) error {
	return store.Retry(ctx, c.cfg.Retry, fn)
}

func (c *Coordinator) publish(ev fanout.Event) {
	if c.pub != nil {
		c.pub.Publish(ev)
	}
}

func (c *Coordinator) publishAmbulance(amb model.Ambulance, typ fanout.EventType) {
	pub := amb.PublicView()
	c.publish(fanout.Event{
		Topic:     fanout.AmbulanceTopic(amb.ID),
		Type:      typ,
		Version:   ambulanceVersion(pub),
		Time:      c.now().UTC(),
		Ambulance: &pub,
	})
}

// ambulanceVersion orders ambulance events: status changes and location
// ticks both move it forward.
func ambulanceVersion(a model.Ambulance) int64 {
	v := a.StatusChangedAt.UnixNano()
	if u := a.UpdatedAt.UnixNano(); u > v {
		v = u
	}
	return v
}

func (c *Coordinator) engage(ambulanceID, emergencyID string, accepted bool) {
	c.mu.Lock()
	c.engaged[ambulanceID] = engagement{emergencyID: emergencyID, accepted: accepted}
	c.mu.Unlock()
}

func (c *Coordinator) disengage(ambulanceID string) {
	c.mu.Lock()
	delete(c.engaged, ambulanceID)
	c.mu.Unlock()
}

func (c *Coordinator) engagement(ambulanceID string) (engagement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engaged[ambulanceID]
	return e, ok
}

func (c *Coordinator) recordFleet() {
	fr, ok := c.metrics.(metrics.FleetAvailabilityRecorder)
	if !ok {
		return
	}
	available, total := c.geo.Counts()
	if err := fr.RecordFleetAvailability(available, total); err != nil {
		c.logger.Errorf("fleet metrics error: %v", err)
	}
}
