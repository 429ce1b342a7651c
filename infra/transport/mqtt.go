package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/logger"
	"github.com/kilianp07/ambulance/infra/mqtt"
)

// MQTT carries events on topics <prefix>/events/<kind>/<id>.
type MQTT struct {
	cli    mqtt.Conn
	prefix string
	qos    byte
	log    logger.Logger

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// NewMQTT connects to the broker described by cfg.
func NewMQTT(cfg mqtt.Config, log logger.Logger) (*MQTT, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !strings.HasSuffix(cfg.ClientID, "-events") {
		cfg.ClientID += "-events"
	}
	m := &MQTT{prefix: cfg.TopicPrefix + "/events", qos: 1, log: logger.OrNop(log), subs: map[string]paho.MessageHandler{}}
	if q, ok := cfg.QoS["events"]; ok {
		m.qos = q
	}
	cli, err := mqtt.Dial(cfg, m.log, m.resubscribe)
	if err != nil {
		return nil, err
	}
	m.cli = cli
	return m, nil
}

func (m *MQTT) Name() string { return "mqtt" }

// brokerTopic maps emergency:<id> to <prefix>/events/emergency/<id>.
func (m *MQTT) brokerTopic(topic string) string {
	if topic == AllTopics {
		return m.prefix + "/#"
	}
	kind, id, _ := strings.Cut(topic, ":")
	return m.prefix + "/" + kind + "/" + id
}

func (m *MQTT) Publish(ctx context.Context, topic string, ev fanout.Event) error {
	if err := checkTopic(topic); err != nil || topic == AllTopics {
		return fmt.Errorf("mqtt publish: invalid topic %q", topic)
	}
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	token := m.cli.Publish(m.brokerTopic(topic), m.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Subscribe(ctx context.Context, topic string) (<-chan fanout.Event, func(), error) {
	if err := checkTopic(topic); err != nil {
		return nil, nil, err
	}
	bt := m.brokerTopic(topic)
	p := newPump(ctx, "mqtt "+bt, m.log)
	h := func(_ paho.Client, msg paho.Message) { p.deliver(msg.Payload()) }

	m.mu.Lock()
	if _, dup := m.subs[bt]; dup {
		m.mu.Unlock()
		p.cancel()
		return nil, nil, fmt.Errorf("mqtt: already subscribed to %s", bt)
	}
	m.subs[bt] = h
	m.mu.Unlock()

	if token := m.cli.Subscribe(bt, m.qos, h); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		m.forget(bt)
		p.cancel()
		return nil, nil, fmt.Errorf("mqtt subscribe %s: %w", bt, token.Error())
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			p.cancel()
			m.forget(bt)
			m.cli.Unsubscribe(bt).WaitTimeout(time.Second)
		})
	}
	go func() {
		<-p.ctx.Done()
		stop()
	}()
	return p.out, stop, nil
}

func (m *MQTT) forget(bt string) {
	m.mu.Lock()
	delete(m.subs, bt)
	m.mu.Unlock()
}

// resubscribe restores subscriptions after a reconnect.
func (m *MQTT) resubscribe(c mqtt.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for bt, h := range m.subs {
		if token := c.Subscribe(bt, m.qos, h); token.Wait() && token.Error() != nil {
			m.log.Errorf("resubscribe %s: %v", bt, token.Error())
		}
	}
}

func (m *MQTT) Close() error {
	if m.cli != nil && m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
	return nil
}

func init() {
	_ = Register("mqtt", func(conf map[string]any) (fanout.Transport, error) {
		var c mqtt.Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewMQTT(c, nil)
	})
}
