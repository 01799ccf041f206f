package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sw4796/makerton-esp32-aiagent/pkg/audio"
)

// ErrDriverNotRegistered is returned by [Registry.CreateDriver] when no
// factory has been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// KnownDrivers lists the driver names shipped with the binary. [Validate]
// warns about names outside this list.
var KnownDrivers = []string{DriverPortAudio, DriverFile, DriverNull}

// DriverFactory builds an audio peripheral from the audio section.
type DriverFactory func(AudioConfig) (audio.Peripheral, error)

// Registry maps driver names to peripheral factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]DriverFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]DriverFactory)}
}

// RegisterDriver registers a peripheral factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDriver(name string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = factory
}

// CreateDriver instantiates the peripheral registered under cfg.Driver.
// Returns [ErrDriverNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateDriver(cfg AudioConfig) (audio.Peripheral, error) {
	r.mu.RLock()
	factory, ok := r.drivers[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrDriverNotRegistered, cfg.Driver, r.Drivers())
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create driver %q: %w", cfg.Driver, err)
	}
	return p, nil
}

// Drivers returns the registered driver names in sorted order.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
