// Package transport mirrors fan-out events to external brokers so that
// other processes can follow emergencies and ambulances. Backends are
// selected from configuration through Open.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/logger"
)

// AllTopics subscribes to every emergency and ambulance topic.
const AllTopics = "*"

// subscriberBuffer bounds the channel returned by Subscribe. Events that do
// not fit are dropped; consumers resync from a snapshot.
const subscriberBuffer = 64

var registry = factory.NewRegistry[fanout.Transport]()

// Register adds a transport backend.
func Register(name string, f factory.Factory[fanout.Transport]) error {
	return registry.Register(name, f)
}

// Types lists the registered backends.
func Types() []string { return registry.Types() }

// Open creates the transport described by cfg.
func Open(cfg factory.ModuleConfig) (fanout.Transport, error) {
	return registry.Create(cfg)
}

func encode(ev fanout.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Topic, err)
	}
	return b, nil
}

func decode(b []byte) (fanout.Event, error) {
	var ev fanout.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return fanout.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func checkTopic(topic string) error {
	if topic == AllTopics {
		return nil
	}
	_, _, err := fanout.ParseTopic(topic)
	return err
}

// pump delivers decoded payloads to a bounded channel until ctx ends.
type pump struct {
	out    chan fanout.Event
	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger
	name   string
}

func newPump(ctx context.Context, name string, log logger.Logger) *pump {
	ctx, cancel := context.WithCancel(ctx)
	return &pump{out: make(chan fanout.Event, subscriberBuffer), ctx: ctx, cancel: cancel, log: logger.OrNop(log), name: name}
}

func (p *pump) deliver(payload []byte) {
	ev, err := decode(payload)
	if err != nil {
		p.log.Warnf("%s: %v", p.name, err)
		return
	}
	select {
	case p.out <- ev:
	case <-p.ctx.Done():
	default:
		p.log.Warnf("%s: subscriber full, dropping %s event on %s", p.name, ev.Type, ev.Topic)
	}
}
