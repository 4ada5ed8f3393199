// Package config provides configuration loading and validation for the
// provisioning daemon.
package config

import (
	"fmt"

	"github.com/corvidmail/provisiond/internal/backend/dav"
	"github.com/corvidmail/provisiond/internal/backend/imap"
	"github.com/corvidmail/provisiond/internal/backend/ldap"
	"github.com/corvidmail/provisiond/internal/queue"
	"github.com/corvidmail/provisiond/internal/store"
)

// Config holds the daemon configuration.
type Config struct {
	// WithLDAP enables directory provisioning. Off means no entity gets an
	// LDAP leg and domain readiness gating is skipped.
	WithLDAP bool `toml:"with_ldap"`

	// WithIMAP enables mailbox provisioning. Off means mailboxes are
	// provisioned externally and jobs only probe for their existence.
	WithIMAP bool `toml:"with_imap"`

	// ListenAddr is the ops endpoint bind address. Example: "127.0.0.1:9880".
	ListenAddr string `toml:"listen_addr"`

	Logging LoggingConfig `toml:"logging"`
	Store   StoreConfig   `toml:"store"`
	Queue   QueueConfig   `toml:"queue"`
	LDAP    LDAPConfig    `toml:"ldap"`
	IMAP    IMAPConfig    `toml:"imap"`
	DAV     DAVConfig     `toml:"dav"`
	Webmail WebmailConfig `toml:"webmail"`
	DNS     DNSConfig     `toml:"dns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `toml:"level"`
}

// StoreConfig selects and configures the persistence driver.
type StoreConfig struct {
	// Driver names a registered store driver. Example: "sqlite".
	Driver string `toml:"driver"`

	// DataDir is where file-backed drivers keep their data.
	DataDir string `toml:"data_dir"`
}

// QueueConfig selects and configures the queue driver and dispatcher.
type QueueConfig struct {
	// Driver is one of: memory, valkey.
	Driver string `toml:"driver"`

	// Workers is the dispatcher worker pool size.
	Workers int `toml:"workers"`

	// Valkey settings, used when Driver is "valkey".
	ValkeyAddr      string `toml:"valkey_addr"`
	ValkeyPassword  string `toml:"valkey_password"`
	ValkeyKeyPrefix string `toml:"valkey_key_prefix"`
}

// LDAPConfig holds directory connection settings.
type LDAPConfig struct {
	URI          string `toml:"uri"`
	BindDN       string `toml:"bind_dn"`
	BindPassword string `toml:"bind_password"`
	HostedRootDN string `toml:"hosted_root_dn"`
}

// IMAPConfig holds mailbox server connection settings.
type IMAPConfig struct {
	Addr          string `toml:"addr"`
	AdminUser     string `toml:"admin_user"`
	AdminPassword string `toml:"admin_password"`
	TLS           bool   `toml:"tls"`
}

// DAVConfig holds DAV server connection settings. An empty BaseURL disables
// the DAV backend.
type DAVConfig struct {
	BaseURL       string `toml:"base_url"`
	AdminUser     string `toml:"admin_user"`
	AdminPassword string `toml:"admin_password"`
}

// WebmailConfig holds webmail identity database settings. Disabled unless
// Enabled is set.
type WebmailConfig struct {
	Enabled bool `toml:"enabled"`

	// DataDir is where the identity database lives.
	DataDir string `toml:"data_dir"`
}

// DNSConfig holds domain verification settings.
type DNSConfig struct {
	// Resolver is the recursive resolver, "host:port". Empty uses a public
	// resolver.
	Resolver string `toml:"resolver"`
}

// DefaultConfig returns a Config with defaults for a single-host deployment.
func DefaultConfig() *Config {
	return &Config{
		WithLDAP:   true,
		WithIMAP:   true,
		ListenAddr: "127.0.0.1:9880",
		Logging:    LoggingConfig{Level: "info"},
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: ".provisiond",
		},
		Queue: QueueConfig{
			Driver:  "memory",
			Workers: 4,
		},
		LDAP: LDAPConfig{
			URI:          "ldap://127.0.0.1:389",
			HostedRootDN: "dc=hosted,dc=com",
		},
		IMAP: IMAPConfig{
			Addr: "127.0.0.1:143",
		},
		Webmail: WebmailConfig{
			DataDir: ".provisiond",
		},
	}
}

// Validate checks enum fields and required settings, returning the first
// problem found.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: must be one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Queue.Driver {
	case "memory":
	case "valkey":
		if c.Queue.ValkeyAddr == "" {
			return fmt.Errorf("queue.valkey_addr is required with the valkey driver")
		}
	default:
		return fmt.Errorf("queue.driver %q: must be one of memory, valkey", c.Queue.Driver)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}

	if c.Store.Driver == "" {
		return fmt.Errorf("store.driver is required")
	}
	if c.WithLDAP && c.LDAP.URI == "" {
		return fmt.Errorf("ldap.uri is required when with_ldap is on")
	}
	if c.IMAP.Addr == "" {
		return fmt.Errorf("imap.addr is required (mailbox probes run even when with_imap is off)")
	}
	return nil
}

// StoreDriverConfig converts to the store driver config.
func (c *Config) StoreDriverConfig() *store.DriverConfig {
	return &store.DriverConfig{
		Driver:  c.Store.Driver,
		DataDir: c.Store.DataDir,
	}
}

// QueueDriverConfig converts to the queue driver config.
func (c *Config) QueueDriverConfig() *queue.DriverConfig {
	return &queue.DriverConfig{
		Driver: c.Queue.Driver,
		Valkey: queue.ValkeyConfig{
			Addr:      c.Queue.ValkeyAddr,
			Password:  c.Queue.ValkeyPassword,
			KeyPrefix: c.Queue.ValkeyKeyPrefix,
		},
	}
}

// LDAPClientConfig converts to the directory adapter config.
func (c *Config) LDAPClientConfig() ldap.Config {
	return ldap.Config{
		URI:          c.LDAP.URI,
		BindDN:       c.LDAP.BindDN,
		BindPassword: c.LDAP.BindPassword,
		HostedRootDN: c.LDAP.HostedRootDN,
	}
}

// IMAPClientConfig converts to the mailbox adapter config.
func (c *Config) IMAPClientConfig() imap.Config {
	return imap.Config{
		Addr:          c.IMAP.Addr,
		AdminUser:     c.IMAP.AdminUser,
		AdminPassword: c.IMAP.AdminPassword,
		TLS:           c.IMAP.TLS,
	}
}

// DAVClientConfig converts to the DAV adapter config.
func (c *Config) DAVClientConfig() dav.Config {
	return dav.Config{
		BaseURL:       c.DAV.BaseURL,
		AdminUser:     c.DAV.AdminUser,
		AdminPassword: c.DAV.AdminPassword,
	}
}
