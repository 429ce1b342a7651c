package simulator

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/infra/mqtt"
)

type published struct {
	topic   string
	payload []byte
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]paho.MessageHandler
	sent     []published
}

func (c *fakeConn) IsConnected() bool                { return true }
func (c *fakeConn) Connect() paho.Token              { return doneToken{} }
func (c *fakeConn) Disconnect(uint)                  {}
func (c *fakeConn) Unsubscribe(...string) paho.Token { return doneToken{} }
func (c *fakeConn) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.sent = append(c.sent, published{topic, b})
	return doneToken{}
}
func (c *fakeConn) Subscribe(topic string, _ byte, h paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = map[string]paho.MessageHandler{}
	}
	c.handlers[topic] = h
	return doneToken{}
}

func (c *fakeConn) deliver(t *testing.T, pattern, topic string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.mu.Lock()
	h := c.handlers[pattern]
	c.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", pattern)
	h(nil, message{topic: topic, p: b})
}

func (c *fakeConn) on(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.sent {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (doneToken) Error() error                   { return nil }

type message struct {
	topic string
	p     []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.p }
func (m message) Ack()              {}

type fakeDispatch struct {
	mu         sync.Mutex
	registered []model.Ambulance
	events     []lifecycle.Event
	failOn     lifecycle.Event
}

func (d *fakeDispatch) RegisterAmbulance(_ context.Context, a model.Ambulance) (model.Ambulance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, a)
	return a, nil
}

func (d *fakeDispatch) Progress(_ context.Context, id string, ev lifecycle.Event, _ string) (model.EmergencyRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev == d.failOn {
		return model.EmergencyRequest{}, apperr.InvalidTransitionf("emergency %s is cancelled", id)
	}
	d.events = append(d.events, ev)
	return model.EmergencyRequest{ID: id}, nil
}

func (d *fakeDispatch) seen() []lifecycle.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]lifecycle.Event(nil), d.events...)
}

var center = model.Location{Lat: 9.03, Lng: 38.74}

func newTestFleet(t *testing.T, d Dispatch, opts ...Option) (*Fleet, *fakeConn) {
	t.Helper()
	cfg := Config{
		Count:    1,
		Center:   center,
		SpreadKM: 1,
		Hospital: offset(center, 2, 0),
		SpeedKMH: 60,
		OnScene:  time.Minute,
		Seed:     1,
	}
	f, err := NewFleet(cfg, "ambulance", d, append([]Option{WithStrategy(AutoAccept{})}, opts...)...)
	require.NoError(t, err)
	conn := &fakeConn{}
	f.Subscribe(conn)
	return f, conn
}

func offerFor(id string) mqtt.OfferMessage {
	return mqtt.OfferMessage{OfferID: "o-" + id, EmergencyID: "e1", AmbulanceID: "amb0001", Location: center}
}

func lastResponse(t *testing.T, conn *fakeConn) mqtt.ResponseMessage {
	t.Helper()
	var resp mqtt.ResponseMessage
	require.Eventually(t, func() bool { return len(conn.on("ambulance/amb0001/response")) > 0 }, time.Second, 5*time.Millisecond)
	sent := conn.on("ambulance/amb0001/response")
	require.NoError(t, json.Unmarshal(sent[len(sent)-1].payload, &resp))
	return resp
}

func TestFleetCompletesTrip(t *testing.T) {
	d := &fakeDispatch{}
	f, conn := newTestFleet(t, d)
	ctx := context.Background()

	require.NoError(t, f.Register(ctx))
	require.Len(t, d.registered, 1)
	assert.Equal(t, model.AmbulanceAvailable, d.registered[0].Status)
	assert.Equal(t, "drv-amb0001", d.registered[0].DriverID)

	conn.deliver(t, "ambulance/+/offer", "ambulance/amb0001/offer", offerFor("1"))
	resp := lastResponse(t, conn)
	assert.Equal(t, mqtt.ResponseMessage{OfferID: "o-1", Decision: model.DecisionAccept, DriverID: "drv-amb0001"}, resp)

	conn.deliver(t, "ambulance/+/ack", "ambulance/amb0001/ack", mqtt.AckMessage{OfferID: "o-1", Outcome: model.OutcomeAccepted})
	assert.Equal(t, []lifecycle.Event{lifecycle.EventTransitStarted}, d.seen())
	assert.True(t, f.Ambulances()[0].Busy())

	f.Tick(ctx, 10*time.Minute)
	assert.Equal(t, center, f.Ambulances()[0].Location)
	f.Tick(ctx, time.Minute)
	f.Tick(ctx, 10*time.Minute)

	assert.Equal(t, []lifecycle.Event{
		lifecycle.EventTransitStarted,
		lifecycle.EventPatientReached,
		lifecycle.EventDepartedForFacility,
		lifecycle.EventHandoffConfirmed,
	}, d.seen())
	a := f.Ambulances()[0]
	assert.False(t, a.Busy())
	assert.InDelta(t, 0, model.DistanceKM(a.Location, offset(center, 2, 0)), 1e-6)

	ticks := conn.on("ambulance/amb0001/location")
	require.Len(t, ticks, 3)
	var loc mqtt.LocationMessage
	require.NoError(t, json.Unmarshal(ticks[0].payload, &loc))
	assert.Equal(t, center.Lat, loc.Lat)
	assert.False(t, loc.Timestamp.IsZero())
}

func TestTickMovesPartially(t *testing.T) {
	d := &fakeDispatch{}
	f, conn := newTestFleet(t, d)
	start := f.Ambulances()[0].Location
	far := offset(start, 5, 0)

	conn.deliver(t, "ambulance/+/offer", "ambulance/amb0001/offer",
		mqtt.OfferMessage{OfferID: "o1", EmergencyID: "e1", Location: far})
	lastResponse(t, conn)
	conn.deliver(t, "ambulance/+/ack", "ambulance/amb0001/ack", mqtt.AckMessage{OfferID: "o1", Outcome: model.OutcomeAccepted})

	f.Tick(context.Background(), time.Minute)
	a := f.Ambulances()[0]
	assert.InDelta(t, 1, model.DistanceKM(start, a.Location), 0.01)
	assert.InDelta(t, 4, model.DistanceKM(a.Location, far), 0.01)
	assert.Equal(t, []lifecycle.Event{lifecycle.EventTransitStarted}, d.seen())
}

func TestBusyAmbulanceDeclines(t *testing.T) {
	f, conn := newTestFleet(t, &fakeDispatch{})
	conn.deliver(t, "ambulance/+/offer", "ambulance/amb0001/offer", offerFor("1"))
	lastResponse(t, conn)
	conn.deliver(t, "ambulance/+/ack", "ambulance/amb0001/ack", mqtt.AckMessage{OfferID: "o-1", Outcome: model.OutcomeAccepted})
	require.True(t, f.Ambulances()[0].Busy())

	conn.deliver(t, "ambulance/+/offer", "ambulance/amb0001/offer", offerFor("2"))
	require.Eventually(t, func() bool { return len(conn.on("ambulance/amb0001/response")) == 2 }, time.Second, 5*time.Millisecond)
	resp := lastResponse(t, conn)
	assert.Equal(t, "o-2", resp.OfferID)
	assert.Equal(t, model.DecisionDecline, resp.Decision)
}

func TestRejectedAckKeepsAmbulanceIdle(t *testing.T) {
	d := &fakeDispatch{}
	f, conn := newTestFleet(t, d)
	conn.deliver(t, "ambulance/+/offer", "ambulance/amb0001/offer", offerFor("1"))
	lastResponse(t, conn)

	conn.deliver(t, "ambulance/+/ack", "ambulance/amb0001/ack",
		mqtt.AckMessage{OfferID: "o-1", Code: "stale_offer", Error: "offer expired"})
	assert.False(t, f.Ambulances()[0].Busy())
	assert.Empty(t, d.seen())
}

func TestMissionAbandonedWhenDispatchRefuses(t *testing.T) {
	d := &fakeDispatch{failOn: lifecycle.EventPatientReached}
	f, conn := newTestFleet(t, d)
	conn.deliver(t, "ambulance/+/offer", "ambulance/amb0001/offer", offerFor("1"))
	lastResponse(t, conn)
	conn.deliver(t, "ambulance/+/ack", "ambulance/amb0001/ack", mqtt.AckMessage{OfferID: "o-1", Outcome: model.OutcomeAccepted})

	f.Tick(context.Background(), 10*time.Minute)
	assert.False(t, f.Ambulances()[0].Busy())
	assert.Equal(t, []lifecycle.Event{lifecycle.EventTransitStarted}, d.seen())
}

func TestSilentStrategyPublishesNothing(t *testing.T) {
	silent := NewRandomResponse(0, 0, 1, rand.New(rand.NewSource(1)))
	f, conn := newTestFleet(t, &fakeDispatch{}, WithStrategy(silent))
	conn.deliver(t, "ambulance/+/offer", "ambulance/amb0001/offer", offerFor("1"))
	f.responding.Wait()
	assert.Empty(t, conn.on("ambulance/amb0001/response"))
}

func TestRunStopsOnCancel(t *testing.T) {
	f, conn := newTestFleet(t, &fakeDispatch{})
	f.cfg.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(conn.on("ambulance/amb0001/location")) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fleet did not stop")
	}
}

func TestNewFleetValidates(t *testing.T) {
	_, err := NewFleet(Config{DeclineRate: 0.7, DropRate: 0.5}, "ambulance", &fakeDispatch{})
	assert.Error(t, err)
	_, err = NewFleet(Config{}, "ambulance", nil)
	assert.Error(t, err)
}
