package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kilianp07/ambulance/core/apperr"
)

// Policy bounds the retries applied to transient store failures.
type Policy struct {
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	// MaxAttempts counts the first call. Zero means DefaultPolicy's value.
	MaxAttempts int `json:"max_attempts"`
}

// DefaultPolicy retries five times starting at 50ms.
func DefaultPolicy() Policy {
	return Policy{InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second, MaxAttempts: 5}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Retry calls fn until it succeeds, returns a non transient error, the
// attempts are exhausted or ctx ends. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	p = p.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// Retrying decorates a Store so that every operation is retried on
// transient failures.
type Retrying struct {
	Store
	Policy Policy
}

// WithRetry wraps s with the retry policy p.
func WithRetry(s Store, p Policy) *Retrying {
	return &Retrying{Store: s, Policy: p}
}

func (r *Retrying) Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error) {
	var out Record
	err := Retry(ctx, r.Policy, func() error {
		var err error
		out, err = r.Store.Put(ctx, rec, expectedVersion)
		return err
	})
	return out, err
}

func (r *Retrying) Get(ctx context.Context, key string) (Record, error) {
	var out Record
	err := Retry(ctx, r.Policy, func() error {
		var err error
		out, err = r.Store.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *Retrying) Query(ctx context.Context, q Query) ([]Record, error) {
	var out []Record
	err := Retry(ctx, r.Policy, func() error {
		var err error
		out, err = r.Store.Query(ctx, q)
		return err
	})
	return out, err
}
