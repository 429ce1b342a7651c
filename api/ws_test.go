package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/config"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/model"
)

func (e *testEnv) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, res, err
}

func readEvent(t *testing.T, conn *websocket.Conn) fanout.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev fanout.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestSubscribeEmergencySnapshotThenTail(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.register(t, "a1", 1)
	em := e.createEmergency(t, "p1")
	e.openOffer(t, em.ID)

	conn, _, err := e.dial(t, "/api/emergency/"+em.ID+"/subscribe")
	require.NoError(t, err)

	snap := readEvent(t, conn)
	assert.True(t, snap.Snapshot)
	assert.Equal(t, fanout.EventSnapshot, snap.Type)
	require.NotNil(t, snap.Emergency)
	assert.Equal(t, model.StatusPending, snap.Emergency.Status)
	require.NotNil(t, snap.Assignment)
	assert.Equal(t, model.OutcomeOffered, snap.Assignment.Outcome)

	res := e.do(t, http.MethodPost, "/api/emergency/"+em.ID+"/cancel", nil, HeaderPatientID, "p1")
	require.Equal(t, http.StatusOK, res.status, "%+v", res.Error)

	for {
		ev := readEvent(t, conn)
		if ev.Type == fanout.EventStatus && ev.Emergency != nil {
			assert.Equal(t, model.StatusCancelled, ev.Emergency.Status)
			assert.Equal(t, fanout.EmergencyTopic(em.ID), ev.Topic)
			break
		}
	}
}

func TestSubscribeAmbulanceReceivesLocation(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.register(t, "a1", 1)

	conn, _, err := e.dial(t, "/api/ambulance/a1/subscribe")
	require.NoError(t, err)
	snap := readEvent(t, conn)
	require.NotNil(t, snap.Ambulance)
	assert.Equal(t, "a1", snap.Ambulance.ID)

	res := e.do(t, http.MethodPost, "/api/ambulance/a1/location",
		map[string]any{"lat": 9.1, "lng": 38.8, "timestamp": time.Now().UTC().Add(time.Minute)})
	require.Equal(t, http.StatusOK, res.status)

	ev := readEvent(t, conn)
	assert.Equal(t, fanout.EventLocation, ev.Type)
	require.NotNil(t, ev.Ambulance)
	assert.Equal(t, 9.1, ev.Ambulance.CurrentLocation.Lat)
}

func TestSubscribeUnknownTopic(t *testing.T) {
	e := newEnv(t, envOptions{})

	_, res, err := e.dial(t, "/api/emergency/missing/subscribe")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	_, res, err = e.dial(t, "/api/ambulance/bad:id/subscribe")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

// floodingHub overruns every new subscription before handing it out.
type floodingHub struct{ *fanout.Hub }

func (f floodingHub) Subscribe(ctx context.Context, topic string) (*fanout.Subscription, error) {
	sub, err := f.Hub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		f.Publish(fanout.Event{Topic: topic, Type: fanout.EventStatus, Version: int64(100 + i)})
	}
	return sub, nil
}

func TestSlowSubscriberGetsResync(t *testing.T) {
	e := newEnv(t, envOptions{hub: func(_ *fanout.Hub, snapshot fanout.SnapshotFunc) Subscriber {
		small := fanout.NewHub(snapshot, fanout.WithBuffer(1))
		t.Cleanup(small.Close)
		return floodingHub{small}
	}})
	e.register(t, "a1", 1)

	conn, _, err := e.dial(t, "/api/ambulance/a1/subscribe")
	require.NoError(t, err)

	snap := readEvent(t, conn)
	assert.True(t, snap.Snapshot)

	var frame controlFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameResync, frame.Type)
	assert.Equal(t, fanout.AmbulanceTopic("a1"), frame.Topic)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestSubscriptionEndsWhenHubCloses(t *testing.T) {
	e := newEnv(t, envOptions{api: config.APIConfig{PingInterval: 50 * time.Millisecond}})
	e.register(t, "a1", 1)

	conn, _, err := e.dial(t, "/api/ambulance/a1/subscribe")
	require.NoError(t, err)
	readEvent(t, conn)

	e.hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
