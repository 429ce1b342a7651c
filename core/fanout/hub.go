// Package fanout delivers entity changes to live subscribers. Every
// subscription starts with a snapshot of the topic followed by the live
// events committed after it, so a late subscriber never misses a change.
package fanout

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/kilianp07/ambulance/core/logger"
)

// DefaultBuffer is the per-subscription event capacity.
const DefaultBuffer = 64

var (
	// ErrSlowConsumer ends a subscription whose buffer was full when an
	// event had to be delivered. The subscriber must resubscribe and will
	// receive a fresh snapshot.
	ErrSlowConsumer = errors.New("fanout: subscriber too slow")
	// ErrClosed is returned once the hub is closed.
	ErrClosed = errors.New("fanout: hub closed")
)

// SnapshotFunc loads the current state of a topic.
type SnapshotFunc func(ctx context.Context, topic string) (Event, error)

type topicState struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	dead bool
}

// Hub routes published events to topic subscribers.
type Hub struct {
	mu       sync.RWMutex
	topics   map[string]*topicState
	closed   bool
	snapshot SnapshotFunc
	buffer   int
	fwd      *Forwarder
	log      logger.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer overrides DefaultBuffer.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithForwarder mirrors every published event to f.
func WithForwarder(f *Forwarder) Option {
	return func(h *Hub) { h.fwd = f }
}

// WithLogger sets the hub logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) { h.log = logger.OrNop(l) }
}

// NewHub creates a hub. snapshot is called on every Subscribe.
func NewHub(snapshot SnapshotFunc, opts ...Option) *Hub {
	h := &Hub{
		topics:   make(map[string]*topicState),
		snapshot: snapshot,
		buffer:   DefaultBuffer,
		log:      logger.NopLogger{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetSnapshot replaces the snapshot loader. It must be called before the
// first Subscribe.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

func (h *Hub) state(topic string, create bool) (*topicState, error) {
	if create {
		h.mu.Lock()
		defer h.mu.Unlock()
	} else {
		h.mu.RLock()
		defer h.mu.RUnlock()
	}
	if h.closed {
		return nil, ErrClosed
	}
	ts := h.topics[topic]
	if ts == nil && create {
		ts = &topicState{subs: make(map[*Subscription]struct{})}
		h.topics[topic] = ts
	}
	return ts, nil
}

// Subscribe registers a subscription on topic. The first event received is
// the topic snapshot; live events follow in commit order. The subscription
// ends when ctx is done, on Unsubscribe, when the subscriber falls behind
// or when the hub closes.
func (h *Hub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if _, _, err := ParseTopic(topic); err != nil {
		return nil, err
	}
	h.mu.RLock()
	load := h.snapshot
	h.mu.RUnlock()
	if load == nil {
		return nil, errors.New("fanout: no snapshot loader")
	}

	for {
		ts, err := h.state(topic, true)
		if err != nil {
			return nil, err
		}
		ts.mu.Lock()
		if ts.dead {
			ts.mu.Unlock()
			continue
		}
		// The subscription is registered before the snapshot is read so that
		// events committed meanwhile are held back, not lost. The loader runs
		// without ts.mu; publishers of the topic never wait on it.
		sub := &Subscription{
			hub:     h,
			topic:   topic,
			ts:      ts,
			ch:      make(chan Event, h.buffer),
			pending: true,
		}
		ts.subs[sub] = struct{}{}
		activeSubscribers.Inc()
		ts.mu.Unlock()

		snap, err := load(ctx, topic)

		ts.mu.Lock()
		if sub.ended {
			ts.mu.Unlock()
			if errors.Is(sub.Err(), ErrSlowConsumer) && ctx.Err() == nil {
				continue
			}
			if err == nil {
				err = sub.Err()
			}
			return nil, err
		}
		if err != nil {
			sub.endLocked(nil, true)
			h.reapLocked(topic, ts)
			ts.mu.Unlock()
			return nil, err
		}
		snap.Topic = topic
		snap.Type = EventSnapshot
		snap.Snapshot = true
		sub.releaseLocked(snap)
		if !sub.ended {
			sub.stop = context.AfterFunc(ctx, sub.Unsubscribe)
		}
		ts.mu.Unlock()
		return sub, nil
	}
}

// Publish delivers ev to every subscriber of ev.Topic without blocking.
// Subscribers whose buffer is full are dropped with ErrSlowConsumer.
func (h *Hub) Publish(ev Event) {
	publishedEvents.WithLabelValues(string(ev.Type)).Inc()
	if h.fwd != nil {
		h.fwd.Enqueue(ev)
	}
	ts, err := h.state(ev.Topic, false)
	if err != nil || ts == nil {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for sub := range ts.subs {
		if sub.pending {
			if len(sub.early) < h.buffer {
				sub.early = append(sub.early, ev)
				continue
			}
			sub.endLocked(ErrSlowConsumer, false)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.log.Warnf("dropping slow subscriber on %s", ev.Topic)
			droppedSubscribers.Inc()
			sub.endLocked(ErrSlowConsumer, false)
		}
	}
	h.reapLocked(ev.Topic, ts)
}

// reapLocked removes an empty topic from the hub. ts.mu must be held.
func (h *Hub) reapLocked(topic string, ts *topicState) {
	if len(ts.subs) > 0 || ts.dead {
		return
	}
	ts.dead = true
	h.mu.Lock()
	if h.topics[topic] == ts {
		delete(h.topics, topic)
	}
	h.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	ts, err := h.state(topic, false)
	if err != nil || ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// Close ends all subscriptions with ErrClosed. Later Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]*topicState)
	h.mu.Unlock()

	for _, ts := range topics {
		ts.mu.Lock()
		ts.dead = true
		for sub := range ts.subs {
			sub.endLocked(ErrClosed, false)
		}
		ts.mu.Unlock()
	}
}

// Stream returns a lazy sequence of the events on topic. Each range over
// the sequence opens its own subscription, and a subscription dropped for
// falling behind is reopened with a fresh snapshot. The sequence ends when
// ctx is done, when the hub closes or when the topic cannot be loaded.
func (h *Hub) Stream(ctx context.Context, topic string) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			sub, err := h.Subscribe(ctx, topic)
			if err != nil {
				return
			}
			for ev := range sub.Events() {
				if !yield(ev) {
					sub.Unsubscribe()
					return
				}
			}
			if !errors.Is(sub.Err(), ErrSlowConsumer) || ctx.Err() != nil {
				return
			}
		}
	}
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	hub   *Hub
	topic string
	ts    *topicState
	ch    chan Event
	stop  func() bool

	// pending is set while the snapshot loads; early holds the events
	// published meanwhile. Both are guarded by ts.mu.
	pending bool
	early   []Event

	mu    sync.Mutex
	ended bool
	err   error
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the delivery channel. It is closed when the subscription
// ends; Err then reports why.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err returns ErrSlowConsumer or ErrClosed when the subscription was ended
// by the hub, and nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe ends the subscription. Once it returns no further event is
// delivered; buffered events are discarded. It is safe to call repeatedly.
func (s *Subscription) Unsubscribe() {
	s.ts.mu.Lock()
	defer s.ts.mu.Unlock()
	s.endLocked(nil, true)
	s.hub.reapLocked(s.topic, s.ts)
}

// releaseLocked delivers the snapshot followed by the held back events that
// are newer than it. s.ts.mu must be held.
func (s *Subscription) releaseLocked(snap Event) {
	s.pending = false
	early := s.early
	s.early = nil
	s.ch <- snap
	t := NewTracker()
	t.Apply(snap)
	for _, ev := range early {
		if !t.Apply(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			droppedSubscribers.Inc()
			s.endLocked(ErrSlowConsumer, false)
			return
		}
	}
}

// endLocked must run with s.ts.mu held.
func (s *Subscription) endLocked(err error, discard bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	s.mu.Unlock()

	s.early = nil
	delete(s.ts.subs, s)
	activeSubscribers.Dec()
	if s.stop != nil {
		s.stop()
	}
	if discard {
	drain:
		for {
			select {
			case <-s.ch:
			default:
				break drain
			}
		}
	}
	close(s.ch)
}
