package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kilianp07/ambulance/auth"
)

// ClientConfig configures command-line access to a running dispatch API.
type ClientConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
	// Token is sent as a static bearer token. OAuth takes precedence when
	// configured.
	Token string    `json:"token"`
	OAuth auth.Conf `json:"oauth"`
}

func (c *ClientConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

func (c ClientConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("client: invalid base_url %q", c.BaseURL)
	}
	return c.OAuth.Validate()
}
