package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/infra/mqtt"
	"github.com/kilianp07/ambulance/internal/testutil"
)

func TestRegisteredBackends(t *testing.T) {
	assert.Equal(t, []string{"amqp", "mqtt", "redis"}, Types())
}

func TestTopicMapping(t *testing.T) {
	assert.Equal(t, "emergency.e1", routingKey("emergency:e1"))
	assert.Equal(t, "ambulance.a_1", routingKey("ambulance:a.1"))
	assert.Equal(t, "#", routingKey(AllTopics))

	m := &MQTT{prefix: "ambulance/events"}
	assert.Equal(t, "ambulance/events/emergency/e1", m.brokerTopic("emergency:e1"))
	assert.Equal(t, "ambulance/events/#", m.brokerTopic(AllTopics))

	assert.NoError(t, checkTopic(AllTopics))
	assert.Error(t, checkTopic("hospital:h1"))
}

func TestPumpDropsWhenFull(t *testing.T) {
	p := newPump(context.Background(), "test", nil)
	defer p.cancel()
	payload, err := encode(fanout.Event{Topic: "emergency:e1", Type: fanout.EventStatus, Version: 1})
	require.NoError(t, err)
	for i := 0; i < subscriberBuffer+5; i++ {
		p.deliver(payload)
	}
	p.deliver([]byte("garbage"))
	assert.Len(t, p.out, subscriberBuffer)
	ev := <-p.out
	assert.Equal(t, "emergency:e1", ev.Topic)
	assert.Equal(t, int64(1), ev.Version)
}

// exercise checks that an event published on a topic reaches a subscriber
// of that topic and a wildcard subscriber, and not a subscriber of another
// topic.
func exercise(t *testing.T, tr fanout.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	own, stopOwn, err := tr.Subscribe(ctx, "emergency:e1")
	require.NoError(t, err)
	defer stopOwn()
	all, stopAll, err := tr.Subscribe(ctx, AllTopics)
	require.NoError(t, err)
	defer stopAll()
	other, stopOther, err := tr.Subscribe(ctx, "emergency:e2")
	require.NoError(t, err)
	defer stopOther()

	em := model.EmergencyRequest{ID: "e1", Status: model.StatusAssigned, Version: 2}
	ev := fanout.Event{Topic: "emergency:e1", Type: fanout.EventStatus, Version: 2, Emergency: &em, Time: time.Now().UTC()}
	// Subscriptions may take a moment to propagate on the broker.
	require.Eventually(t, func() bool {
		if err := tr.Publish(ctx, ev.Topic, ev); err != nil {
			return false
		}
		select {
		case got := <-own:
			return got.Emergency != nil && got.Emergency.Status == model.StatusAssigned
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 20*time.Second, 10*time.Millisecond)

	select {
	case got := <-all:
		assert.Equal(t, "emergency:e1", got.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("wildcard subscriber got nothing")
	}
	select {
	case got := <-other:
		t.Fatalf("unexpected event on other topic: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Error(t, tr.Publish(ctx, AllTopics, ev))
}

func TestRedisTransport(t *testing.T) {
	addr := testutil.StartRedis(t)
	tr, err := Open(factoryConfig("redis", map[string]any{"addr": addr}))
	require.NoError(t, err)
	defer tr.Close()
	exercise(t, tr)
}

func TestMQTTTransport(t *testing.T) {
	broker := testutil.StartMosquitto(t)
	tr, err := NewMQTT(mqtt.Config{Broker: broker, ClientID: "transport-test"}, nil)
	require.NoError(t, err)
	defer tr.Close()
	exercise(t, tr)
}

func TestAMQPTransport(t *testing.T) {
	url := testutil.StartRabbitMQ(t)
	tr, err := NewAMQP(AMQPConfig{URL: url}, nil)
	require.NoError(t, err)
	defer tr.Close()
	exercise(t, tr)
}
