package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/ambulance/core/dispatch"
	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/metrics"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/infra/mqtt"
	"github.com/kilianp07/ambulance/simulator"
)

type Config struct {
	// Store selects the durable store backend, memory when empty.
	Store     factory.ModuleConfig `json:"store"`
	Dispatch  dispatch.Config      `json:"dispatch"`
	Fanout    FanoutConfig         `json:"fanout"`
	API       APIConfig            `json:"api"`
	MQTT      MQTTConfig           `json:"mqtt"`
	Metrics   metrics.Config       `json:"metrics"`
	Sentry    SentryConfig         `json:"sentry"`
	Hospitals []model.Hospital     `json:"hospitals"`

	// Client and Simulator configure the command-line tools.
	Client    ClientConfig     `json:"client"`
	Simulator simulator.Config `json:"simulator"`
}

// MQTTConfig enables the MQTT driver channel.
type MQTTConfig struct {
	Enabled     bool `json:"enabled"`
	mqtt.Config `json:",squash"`
}

// Load reads the configuration file at path, if any, then applies K_
// environment overrides where "__" separates nesting levels, e.g.
// K_DISPATCH__OFFER_TIMEOUT=45s. A .env file in the working directory is
// loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields of every section.
func (c *Config) SetDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	c.Dispatch.SetDefaults()
	c.Fanout.SetDefaults()
	c.API.SetDefaults()
	if c.MQTT.Enabled {
		c.MQTT.SetDefaults()
	}
	c.Client.SetDefaults()
	c.Simulator.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if err := c.Fanout.Validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	if c.MQTT.Enabled {
		if err := c.MQTT.Validate(); err != nil {
			return err
		}
	}
	if err := c.Client.Validate(); err != nil {
		return err
	}
	for _, h := range c.Hospitals {
		if h.ID == "" {
			return fmt.Errorf("hospital without id")
		}
		if err := h.Location.Validate(); err != nil {
			return fmt.Errorf("hospital %s: %w", h.ID, err)
		}
	}
	return nil
}
