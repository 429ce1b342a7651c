// Package simulator drives a fleet of simulated ambulances against a running
// dispatch service: crews answer offers over MQTT, drive to the scene and on
// to the hospital, and report lifecycle progress through the HTTP API.
package simulator

import (
	"fmt"
	"time"

	"github.com/kilianp07/ambulance/core/model"
)

// Config holds parameters for the simulator.
type Config struct {
	Count    int            `json:"count"`
	IDPrefix string         `json:"id_prefix"`
	Center   model.Location `json:"center"`
	// SpreadKM is the radius around Center the fleet starts in.
	SpreadKM float64 `json:"spread_km"`
	// Hospital is where patients are taken. Defaults to Center.
	Hospital model.Location `json:"hospital"`
	Interval time.Duration  `json:"interval"`
	SpeedKMH float64        `json:"speed_kmh"`
	OnScene  time.Duration  `json:"on_scene"`

	ResponseDelay time.Duration `json:"response_delay"`
	DeclineRate   float64       `json:"decline_rate"`
	DropRate      float64       `json:"drop_rate"`
	// Seed makes fleet placement and responses reproducible; zero seeds from
	// the clock.
	Seed int64 `json:"seed"`
}

// SetDefaults fills unset fields. The default center is Addis Ababa.
func (c *Config) SetDefaults() {
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.IDPrefix == "" {
		c.IDPrefix = "amb"
	}
	if c.Center.IsZero() {
		c.Center = model.Location{Lat: 9.03, Lng: 38.74}
	}
	if c.SpreadKM <= 0 {
		c.SpreadKM = 5
	}
	if c.Hospital.IsZero() {
		c.Hospital = c.Center
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.SpeedKMH <= 0 {
		c.SpeedKMH = 60
	}
	if c.OnScene <= 0 {
		c.OnScene = 30 * time.Second
	}
}

func (c Config) Validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("simulator: count must be positive")
	}
	if err := c.Center.Validate(); err != nil {
		return fmt.Errorf("simulator: center: %w", err)
	}
	if err := c.Hospital.Validate(); err != nil {
		return fmt.Errorf("simulator: hospital: %w", err)
	}
	if c.DeclineRate < 0 || c.DropRate < 0 || c.DeclineRate+c.DropRate > 1 {
		return fmt.Errorf("simulator: decline_rate and drop_rate must be within [0,1] and sum to at most 1")
	}
	return nil
}
