package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional). If provided
	// but the file is missing or invalid, loading fails.
	ConfigPath string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values. Nil
// means the flag was not set.
type FlagOverrides struct {
	ListenAddr  *string
	LogLevel    *string
	StoreDriver *string
	DataDir     *string
	QueueDriver *string
	Workers     *int
	WithLDAP    *bool
	WithIMAP    *bool
}

// Load loads configuration with the following precedence:
//  1. Start from defaults.
//  2. Overlay TOML config file values.
//  3. Overlay CLI flags.
//  4. Validate.
//
// Unknown TOML keys produce a warning but do not fail the load; a typo in a
// section name should be visible, not silent, but must not take the daemon
// down on upgrade.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", opts.ConfigPath, err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			logger.Warn("config file contains undecoded keys",
				"path", opts.ConfigPath, "keys", keys)
		}
	}

	overlayFlags(cfg, opts.FlagOverrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.ListenAddr != nil {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.StoreDriver != nil {
		cfg.Store.Driver = *f.StoreDriver
	}
	if f.DataDir != nil {
		cfg.Store.DataDir = *f.DataDir
		cfg.Webmail.DataDir = *f.DataDir
	}
	if f.QueueDriver != nil {
		cfg.Queue.Driver = *f.QueueDriver
	}
	if f.Workers != nil {
		cfg.Queue.Workers = *f.Workers
	}
	if f.WithLDAP != nil {
		cfg.WithLDAP = *f.WithLDAP
	}
	if f.WithIMAP != nil {
		cfg.WithIMAP = *f.WithIMAP
	}
}
