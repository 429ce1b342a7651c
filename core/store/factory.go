package store

import "github.com/kilianp07/ambulance/core/factory"

var backendRegistry = factory.NewRegistry[Store]()

// RegisterBackend adds a store backend factory identified by name.
func RegisterBackend(name string, f factory.Factory[Store]) error {
	return backendRegistry.Register(name, f)
}

// Backends lists the registered backend names.
func Backends() []string { return backendRegistry.Types() }

// Open creates the backend described by cfg. An empty type selects the
// in-memory backend.
func Open(cfg factory.ModuleConfig) (Store, error) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	return backendRegistry.Create(cfg)
}
