package config

import (
	"fmt"
	"time"
)

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
	// RateLimit is the sustained request rate per client IP; zero disables
	// limiting.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
	// PingInterval is the websocket keepalive period.
	PingInterval    time.Duration `json:"ping_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// AuditToken protects /api/audit with a bearer token when set.
	AuditToken string `json:"audit_token"`
}

func (c *APIConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c APIConfig) Validate() error {
	if c.RateLimit < 0 {
		return fmt.Errorf("api: rate_limit must not be negative")
	}
	return nil
}
