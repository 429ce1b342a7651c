package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/logger"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/infra/mqtt"
)

const publishTimeout = 5 * time.Second

// Dispatch is the part of the dispatch API the crews call directly.
type Dispatch interface {
	RegisterAmbulance(ctx context.Context, a model.Ambulance) (model.Ambulance, error)
	Progress(ctx context.Context, emergencyID string, ev lifecycle.Event, driverID string) (model.EmergencyRequest, error)
}

// Fleet runs the simulated ambulances. Offers and acks arrive over MQTT,
// responses and location ticks leave over MQTT, and lifecycle progress is
// reported through Dispatch.
type Fleet struct {
	cfg      Config
	topics   mqtt.Topics
	dispatch Dispatch
	strategy ResponseStrategy
	log      logger.Logger
	now      func() time.Time

	mu         sync.Mutex
	conn       mqtt.Conn
	order      []*Ambulance
	byID       map[string]*Ambulance
	offers     map[string]mqtt.OfferMessage
	ctx        context.Context
	responding sync.WaitGroup
}

// Option configures a Fleet.
type Option func(*Fleet)

// WithStrategy overrides the response strategy derived from the config.
func WithStrategy(s ResponseStrategy) Option { return func(f *Fleet) { f.strategy = s } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(f *Fleet) { f.log = logger.OrNop(l) } }

// WithClock sets the clock used to timestamp location ticks.
func WithClock(now func() time.Time) Option { return func(f *Fleet) { f.now = now } }

// NewFleet generates the fleet described by cfg. topicPrefix must match the
// driver channel of the dispatch service.
func NewFleet(cfg Config, topicPrefix string, d Dispatch, opts ...Option) (*Fleet, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("simulator: nil dispatch client")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	f := &Fleet{
		cfg:      cfg,
		topics:   mqtt.Topics{Prefix: topicPrefix},
		dispatch: d,
		log:      logger.NopLogger{},
		now:      time.Now,
		byID:     map[string]*Ambulance{},
		offers:   map[string]mqtt.OfferMessage{},
		ctx:      context.Background(),
	}
	f.order = GenerateFleet(cfg, rng)
	for _, a := range f.order {
		f.byID[a.ID] = a
	}
	f.strategy = NewStrategy(cfg, rng)
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Ambulances returns a copy of the fleet state.
func (f *Fleet) Ambulances() []Ambulance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Ambulance, len(f.order))
	for i, a := range f.order {
		out[i] = *a
	}
	return out
}

// Register announces every ambulance to the dispatch service as available.
func (f *Fleet) Register(ctx context.Context) error {
	for _, a := range f.Ambulances() {
		_, err := f.dispatch.RegisterAmbulance(ctx, model.Ambulance{
			ID:              a.ID,
			VehicleNumber:   a.VehicleNumber,
			DriverID:        a.DriverID,
			Capacity:        1,
			Status:          model.AmbulanceAvailable,
			CurrentLocation: a.Location,
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", a.ID, err)
		}
	}
	f.log.Infof("registered %d ambulances", len(f.order))
	return nil
}

// Subscribe attaches the fleet to an MQTT connection. Pass it as the
// onConnect callback of mqtt.Dial so subscriptions survive reconnects.
func (f *Fleet) Subscribe(c mqtt.Conn) {
	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()
	subs := map[string]paho.MessageHandler{
		f.topics.AllOffers(): f.onOffer,
		f.topics.AllAcks():   f.onAck,
	}
	for topic, h := range subs {
		if token := c.Subscribe(topic, 1, h); token.Wait() && token.Error() != nil {
			f.log.Errorf("subscribe %s: %v", topic, token.Error())
		}
	}
}

// Run ticks the fleet every Interval until ctx is done, then waits for
// pending responses.
func (f *Fleet) Run(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.responding.Wait()
			return
		case <-ticker.C:
			f.Tick(ctx, f.cfg.Interval)
		}
	}
}

type report struct {
	emergencyID string
	ambulanceID string
	driverID    string
	event       lifecycle.Event
}

// Tick advances every mission by dt, publishes a location tick per
// ambulance and reports the lifecycle events reached.
func (f *Fleet) Tick(ctx context.Context, dt time.Duration) {
	at := f.now().UTC()
	f.mu.Lock()
	var reports []report
	ticks := make(map[string]mqtt.LocationMessage, len(f.order))
	for _, a := range f.order {
		if ev, emID, ok := a.advance(dt, f.cfg.SpeedKMH, f.cfg.OnScene, f.cfg.Hospital); ok {
			reports = append(reports, report{emergencyID: emID, ambulanceID: a.ID, driverID: a.DriverID, event: ev})
		}
		ticks[a.ID] = mqtt.LocationMessage{Lat: a.Location.Lat, Lng: a.Location.Lng, Timestamp: at}
	}
	f.mu.Unlock()

	for id, msg := range ticks {
		f.publish(f.topics.Location(id), msg)
	}
	for _, r := range reports {
		f.progress(ctx, r)
	}
}

func (f *Fleet) progress(ctx context.Context, r report) {
	if _, err := f.dispatch.Progress(ctx, r.emergencyID, r.event, r.driverID); err != nil {
		f.log.Warnf("%s: report %s for %s: %v", r.ambulanceID, r.event, r.emergencyID, err)
		if !apperr.Retryable(err) {
			f.abandon(r.ambulanceID, r.emergencyID)
		}
		return
	}
	f.log.Debugw("progress reported", map[string]any{
		"ambulance_id": r.ambulanceID, "emergency_id": r.emergencyID, "event": string(r.event),
	})
}

// abandon drops a mission the dispatch service no longer accepts, e.g.
// after the patient cancelled.
func (f *Fleet) abandon(ambulanceID, emergencyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.byID[ambulanceID]; a != nil && a.emergencyID == emergencyID {
		a.release()
	}
}

func (f *Fleet) onOffer(_ paho.Client, msg paho.Message) {
	var offer mqtt.OfferMessage
	if err := json.Unmarshal(msg.Payload(), &offer); err != nil {
		f.log.Warnf("decode offer on %s: %v", msg.Topic(), err)
		return
	}
	id, err := f.topics.AmbulanceID(msg.Topic())
	if err != nil {
		f.log.Warnf("offer: %v", err)
		return
	}
	f.mu.Lock()
	a := f.byID[id]
	if a == nil {
		f.mu.Unlock()
		return
	}
	busy, driver, ctx := a.Busy(), a.DriverID, f.ctx
	f.offers[offer.OfferID] = offer
	f.responding.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.responding.Done()
		decision, ok := model.DecisionDecline, true
		if !busy {
			decision, ok = f.strategy.Decide(ctx, offer)
		}
		if !ok {
			f.log.Infof("%s: ignoring offer %s", id, offer.OfferID)
			return
		}
		f.log.Infof("%s: %s offer %s for %s (%.1f km)", id, decision, offer.OfferID, offer.EmergencyID, offer.DistanceKM)
		f.publish(f.topics.Response(id), mqtt.ResponseMessage{OfferID: offer.OfferID, Decision: decision, DriverID: driver})
	}()
}

func (f *Fleet) onAck(_ paho.Client, msg paho.Message) {
	var ack mqtt.AckMessage
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		f.log.Warnf("decode ack on %s: %v", msg.Topic(), err)
		return
	}
	id, err := f.topics.AmbulanceID(msg.Topic())
	if err != nil {
		f.log.Warnf("ack: %v", err)
		return
	}
	f.mu.Lock()
	offer, known := f.offers[ack.OfferID]
	delete(f.offers, ack.OfferID)
	a := f.byID[id]
	accepted := known && a != nil && ack.Error == "" && ack.Outcome == model.OutcomeAccepted && !a.Busy()
	var r report
	if accepted {
		a.assign(offer.EmergencyID, offer.Location)
		r = report{emergencyID: offer.EmergencyID, ambulanceID: id, driverID: a.DriverID, event: lifecycle.EventTransitStarted}
	}
	ctx := f.ctx
	f.mu.Unlock()

	switch {
	case ack.Error != "":
		f.log.Warnf("%s: response to %s rejected: %s %s", id, ack.OfferID, ack.Code, ack.Error)
	case accepted:
		f.log.Infof("%s: dispatched to %s", id, offer.EmergencyID)
		f.progress(ctx, r)
	}
}

func (f *Fleet) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		f.log.Errorf("marshal %s: %v", topic, err)
		return
	}
	f.mu.Lock()
	c := f.conn
	f.mu.Unlock()
	if c == nil {
		f.log.Warnf("not connected, dropping %s", topic)
		return
	}
	token := c.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		f.log.Errorf("publish %s: timeout", topic)
		return
	}
	if err := token.Error(); err != nil {
		f.log.Errorf("publish %s: %v", topic, err)
	}
}
