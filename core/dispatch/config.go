package dispatch

import (
	"fmt"
	"time"

	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/store"
)

// Config defines dispatch-related settings.
type Config struct {
	// OfferTimeout bounds how long a driver may take to answer an offer.
	OfferTimeout time.Duration `json:"offer_timeout"`
	// CandidateLimit is the number of nearest ambulances considered per
	// matching round.
	CandidateLimit int           `json:"candidate_limit"`
	SweepInterval  time.Duration `json:"sweep_interval"`
	// SpeedKMH is the average speed used for pickup ETA estimates.
	SpeedKMH float64      `json:"speed_kmh"`
	Retry    store.Policy `json:"retry"`
	Audit    audit.Config `json:"audit"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 30 * time.Second
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.SpeedKMH <= 0 {
		c.SpeedKMH = 40
	}
	if c.Retry == (store.Policy{}) {
		c.Retry = store.DefaultPolicy()
	}
	c.Audit.SetDefaults()
}

// Validate checks the settings after defaults were applied.
func (c Config) Validate() error {
	if c.OfferTimeout < time.Second {
		return fmt.Errorf("dispatch: offer_timeout must be at least 1s, got %s", c.OfferTimeout)
	}
	if c.CandidateLimit > 100 {
		return fmt.Errorf("dispatch: candidate_limit %d too large", c.CandidateLimit)
	}
	return c.Audit.Validate()
}
