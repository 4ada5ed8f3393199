package queue

import (
	"fmt"
	"sync"
)

// DriverConfig holds configuration for queue driver selection.
type DriverConfig struct {
	// Driver is the driver name: memory, valkey.
	Driver string `json:"driver"`

	// Valkey configuration (only used when Driver == "valkey").
	Valkey ValkeyConfig `json:"valkey"`
}

// ValkeyConfig holds connection settings for the valkey driver.
type ValkeyConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	KeyPrefix string `json:"key_prefix"`
}

// DriverFactory is a function that creates a queue driver instance.
type DriverFactory func(cfg *DriverConfig) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// Register registers a driver factory by name.
// This is typically called from init() in driver packages.
func Register(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// NewDriver creates a queue driver based on the configuration.
func NewDriver(cfg *DriverConfig) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[cfg.Driver]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Driver)
	}

	return factory(cfg)
}
