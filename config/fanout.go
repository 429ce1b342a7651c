package config

import (
	"fmt"

	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/fanout"
)

// FanoutConfig sizes the event fan-out and lists the transports events are
// mirrored to.
type FanoutConfig struct {
	// BufferSize is the per-subscriber buffer; a subscriber that falls this
	// far behind is dropped and must resync.
	BufferSize int `json:"buffer_size"`
	// ForwardQueue bounds the queue of events awaiting transport delivery.
	ForwardQueue int                    `json:"forward_queue"`
	Transports   []factory.ModuleConfig `json:"transports"`
}

func (c *FanoutConfig) SetDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = fanout.DefaultBuffer
	}
	if c.ForwardQueue <= 0 {
		c.ForwardQueue = 256
	}
}

func (c FanoutConfig) Validate() error {
	for i, t := range c.Transports {
		if t.Type == "" {
			return fmt.Errorf("fanout: transport %d has no type", i)
		}
	}
	return nil
}
