package simulator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/infra/mqtt"
)

// ResponseStrategy defines how a crew answers offers. ok is false when the
// crew stays silent and lets the offer expire.
type ResponseStrategy interface {
	Decide(ctx context.Context, offer mqtt.OfferMessage) (decision model.Decision, ok bool)
}

// AutoAccept accepts every offer after an optional fixed delay.
type AutoAccept struct {
	Delay time.Duration
}

// Decide implements ResponseStrategy.
func (a AutoAccept) Decide(ctx context.Context, _ mqtt.OfferMessage) (model.Decision, bool) {
	if !sleep(ctx, a.Delay) {
		return "", false
	}
	return model.DecisionAccept, true
}

// RandomResponse declines offers with DeclineRate probability and ignores
// them with DropRate probability; otherwise it accepts. The answer is sent
// after Delay.
type RandomResponse struct {
	Delay       time.Duration
	DeclineRate float64
	DropRate    float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomResponse returns a RandomResponse drawing from rng.
func NewRandomResponse(delay time.Duration, declineRate, dropRate float64, rng *rand.Rand) *RandomResponse {
	return &RandomResponse{Delay: delay, DeclineRate: declineRate, DropRate: dropRate, rng: rng}
}

// Decide implements ResponseStrategy.
func (r *RandomResponse) Decide(ctx context.Context, _ mqtt.OfferMessage) (model.Decision, bool) {
	r.mu.Lock()
	p := r.rng.Float64()
	r.mu.Unlock()
	if p < r.DropRate {
		return "", false
	}
	if !sleep(ctx, r.Delay) {
		return "", false
	}
	if p < r.DropRate+r.DeclineRate {
		return model.DecisionDecline, true
	}
	return model.DecisionAccept, true
}

// NewStrategy picks the strategy matching the configured rates.
func NewStrategy(cfg Config, rng *rand.Rand) ResponseStrategy {
	if cfg.DeclineRate == 0 && cfg.DropRate == 0 {
		return AutoAccept{Delay: cfg.ResponseDelay}
	}
	return NewRandomResponse(cfg.ResponseDelay, cfg.DeclineRate, cfg.DropRate, rng)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
