package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kilianp07/ambulance/core/logger"
)

// Transport mirrors events to an external broker so that processes other
// than the dispatch core can follow topics. Subscribe returns a channel that
// is closed when ctx is done or the returned cancel func is called.
type Transport interface {
	Name() string
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
	Close() error
}

// Forwarder copies published events to transports from a bounded queue.
// Enqueue never blocks the publisher; a full queue drops the event.
type Forwarder struct {
	queue      chan Event
	transports []Transport
	timeout    time.Duration
	log        logger.Logger
	dropped    atomic.Uint64
}

// NewForwarder creates a forwarder with a queue of size events.
func NewForwarder(size int, log logger.Logger, transports ...Transport) *Forwarder {
	if size <= 0 {
		size = 256
	}
	return &Forwarder{
		queue:      make(chan Event, size),
		transports: transports,
		timeout:    5 * time.Second,
		log:        logger.OrNop(log),
	}
}

// Enqueue schedules ev for forwarding and reports whether it was queued.
func (f *Forwarder) Enqueue(ev Event) bool {
	select {
	case f.queue <- ev:
		return true
	default:
		f.dropped.Add(1)
		forwardDropped.Inc()
		return false
	}
}

// Dropped returns the number of events lost to a full queue.
func (f *Forwarder) Dropped() uint64 { return f.dropped.Load() }

// Run forwards queued events until ctx is done, then closes the transports.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.closeTransports()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.queue:
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev Event) {
	for _, t := range f.transports {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := t.Publish(pctx, ev.Topic, ev); err != nil {
			forwardFailures.WithLabelValues(t.Name()).Inc()
			f.log.Warnf("forward %s to %s: %v", ev.Topic, t.Name(), err)
		}
		cancel()
	}
}

func (f *Forwarder) closeTransports() {
	for _, t := range f.transports {
		if err := t.Close(); err != nil {
			f.log.Errorf("close transport %s: %v", t.Name(), err)
		}
	}
}
