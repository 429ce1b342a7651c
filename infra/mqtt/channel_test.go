package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/monitoring"
)

type fakeHandler struct {
	mu        sync.Mutex
	responses []ResponseMessage
	locations map[string]model.Location
	at        time.Time
	err       error
}

func (f *fakeHandler) Respond(_ context.Context, offerID string, d model.Decision, driverID string) (model.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, ResponseMessage{OfferID: offerID, Decision: d, DriverID: driverID})
	if f.err != nil {
		return model.Assignment{ID: offerID}, f.err
	}
	return model.Assignment{ID: offerID, Outcome: model.OutcomeAccepted}, nil
}

func (f *fakeHandler) RecordLocation(_ context.Context, id string, loc model.Location, at time.Time) (model.Ambulance, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locations == nil {
		f.locations = map[string]model.Location{}
	}
	f.locations[id] = loc
	f.at = at
	return model.Ambulance{ID: id, CurrentLocation: loc}, true, nil
}

func newChannel(t *testing.T, mc *mockClient, h Handler, cfg Config) *DriverChannel {
	t.Helper()
	withMock(t, mc)
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	d, err := NewDriverChannel(cfg, h, nil)
	require.NoError(t, err)
	return d
}

func TestDriverChannelSubscribesOnConnect(t *testing.T) {
	mc := &mockClient{}
	newChannel(t, mc, &fakeHandler{}, Config{QoS: map[string]byte{"response": 2}})
	assert.Equal(t, byte(2), mc.subscribed["ambulance/+/response"])
	assert.Contains(t, mc.subscribed, "ambulance/+/location")
}

func TestNotifyOfferPublishesOnAmbulanceTopic(t *testing.T) {
	mc := &mockClient{}
	d := newChannel(t, mc, &fakeHandler{}, Config{})
	eta := 4
	deadline := time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)
	err := d.NotifyOffer(context.Background(),
		model.Assignment{ID: "o1", AmbulanceID: "amb-1", DistanceKM: 2.5, PickupETAMinutes: &eta, Deadline: deadline},
		model.EmergencyRequest{ID: "e1", Severity: model.SeverityHigh, Location: model.Location{Lat: 9.03, Lng: 38.74}})
	require.NoError(t, err)

	sent := mc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ambulance/amb-1/offer", sent[0].topic)
	var msg OfferMessage
	require.NoError(t, json.Unmarshal(sent[0].payload, &msg))
	assert.Equal(t, "o1", msg.OfferID)
	assert.Equal(t, "e1", msg.EmergencyID)
	assert.Equal(t, 4, msg.PickupETAMinutes)
	assert.True(t, deadline.Equal(msg.Deadline))
}

func TestNotifyOfferRetries(t *testing.T) {
	mc := &mockClient{publishErrs: []error{errors.New("net fail"), nil}}
	d := newChannel(t, mc, &fakeHandler{}, Config{MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, d.NotifyOffer(context.Background(), model.Assignment{ID: "o1", AmbulanceID: "a"}, model.EmergencyRequest{ID: "e1"}))
	assert.Len(t, mc.sent(), 2)
}

type recordMonitor struct {
	mu   sync.Mutex
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.mu.Lock()
	r.err, r.tags = err, tags
	r.mu.Unlock()
}
func (r *recordMonitor) CapturePanic(any)    {}
func (r *recordMonitor) Flush(time.Duration) {}

func TestNotifyOfferErrorCaptured(t *testing.T) {
	fail := errors.New("net fail")
	mc := &mockClient{publishErrs: []error{fail, fail, fail}}
	d := newChannel(t, mc, &fakeHandler{}, Config{MaxRetries: 2, BackoffMS: 1})
	mon := &recordMonitor{}
	monitoring.Init(mon)
	t.Cleanup(func() { monitoring.Init(monitoring.NopMonitor{}) })

	err := d.NotifyOffer(context.Background(), model.Assignment{ID: "o1", AmbulanceID: "amb-1"}, model.EmergencyRequest{ID: "e1"})
	require.Error(t, err)
	assert.Len(t, mc.sent(), 3)
	require.NotNil(t, mon.err)
	assert.Equal(t, "mqtt", mon.tags["module"])
	assert.Equal(t, "amb-1", mon.tags["ambulance_id"])
}

func TestResponseForwardedAndAcked(t *testing.T) {
	mc := &mockClient{}
	h := &fakeHandler{}
	newChannel(t, mc, h, Config{})

	mc.deliver("ambulance/+/response", "ambulance/amb-1/response", []byte(`{"offer_id":"o1","decision":"accept","driver_id":"d1"}`))
	require.Len(t, h.responses, 1)
	assert.Equal(t, ResponseMessage{OfferID: "o1", Decision: model.DecisionAccept, DriverID: "d1"}, h.responses[0])

	sent := mc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ambulance/amb-1/ack", sent[0].topic)
	var ack AckMessage
	require.NoError(t, json.Unmarshal(sent[0].payload, &ack))
	assert.Equal(t, model.OutcomeAccepted, ack.Outcome)
	assert.Empty(t, ack.Error)
}

func TestRejectedResponseAckCarriesCode(t *testing.T) {
	mc := &mockClient{}
	h := &fakeHandler{err: apperr.StaleOfferf("offer o1 expired")}
	newChannel(t, mc, h, Config{})

	mc.deliver("ambulance/+/response", "ambulance/amb-1/response", []byte(`{"offer_id":"o1","decision":"accept"}`))
	var ack AckMessage
	require.NoError(t, json.Unmarshal(mc.sent()[0].payload, &ack))
	assert.Equal(t, string(apperr.CodeStaleOffer), ack.Code)
	assert.Contains(t, ack.Error, "expired")
}

func TestMalformedMessagesIgnored(t *testing.T) {
	mc := &mockClient{}
	h := &fakeHandler{}
	newChannel(t, mc, h, Config{})
	mc.deliver("ambulance/+/response", "ambulance/amb-1/response", []byte(`not json`))
	mc.deliver("ambulance/+/location", "elsewhere/amb-1/location", []byte(`{"lat":1,"lng":2}`))
	assert.Empty(t, h.responses)
	assert.Empty(t, h.locations)
	assert.Empty(t, mc.sent())
}

func TestLocationForwarded(t *testing.T) {
	mc := &mockClient{}
	h := &fakeHandler{}
	newChannel(t, mc, h, Config{TopicPrefix: "fleet"})
	mc.deliver("fleet/+/location", "fleet/amb-7/location", []byte(`{"lat":9.05,"lng":38.7,"timestamp":"2026-05-01T10:00:00Z"}`))
	assert.Equal(t, model.Location{Lat: 9.05, Lng: 38.7}, h.locations["amb-7"])
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), h.at.UTC())
}

func TestCloseUnsubscribes(t *testing.T) {
	mc := &mockClient{}
	d := newChannel(t, mc, &fakeHandler{}, Config{})
	d.Close()
	assert.ElementsMatch(t, []string{"ambulance/+/response", "ambulance/+/location"}, mc.unsubscribe)
}

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "ambulance"}
	id, err := tp.AmbulanceID("ambulance/a-1/location")
	require.NoError(t, err)
	assert.Equal(t, "a-1", id)
	_, err = tp.AmbulanceID("ambulance/")
	assert.Error(t, err)
	assert.Equal(t, "ambulance/a-1/offer", tp.Offer("a-1"))
}
