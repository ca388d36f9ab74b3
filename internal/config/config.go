// Package config loads offsync settings from a TOML or YAML file, a .env file
// and OFFSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/offlinesync/internal/coordinator"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// EnvPrefix prefixes every environment override, e.g. OFFSYNC_REMOTE_URL.
const EnvPrefix = "OFFSYNC"

// Config is the full offsync configuration.
type Config struct {
	// DataDir holds the SQLite cache and the default log file.
	DataDir string `mapstructure:"data_dir" toml:"data_dir" yaml:"data_dir"`

	// Owner is the user whose records are loaded when a command does not
	// name one.
	Owner string `mapstructure:"owner" toml:"owner" yaml:"owner"`

	Remote       RemoteConfig       `mapstructure:"remote" toml:"remote" yaml:"remote"`
	Realtime     RealtimeConfig     `mapstructure:"realtime" toml:"realtime" yaml:"realtime"`
	Cache        CacheConfig        `mapstructure:"cache" toml:"cache" yaml:"cache"`
	Sync         SyncConfig         `mapstructure:"sync" toml:"sync" yaml:"sync"`
	Log          LogConfig          `mapstructure:"log" toml:"log" yaml:"log"`
	Events       EventsConfig       `mapstructure:"events" toml:"events" yaml:"events"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" toml:"connectivity" yaml:"connectivity"`
}

// RemoteConfig points at the PostgREST endpoint.
type RemoteConfig struct {
	// URL is the project base URL (without /rest/v1). Empty selects the
	// in-memory backend.
	URL        string        `mapstructure:"url" toml:"url" yaml:"url"`
	APIKey     string        `mapstructure:"api_key" toml:"api_key" yaml:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" toml:"max_retries" yaml:"max_retries"`
	RateLimit  float64       `mapstructure:"rate_limit" toml:"rate_limit" yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// RealtimeConfig configures the change feed.
type RealtimeConfig struct {
	Enabled   bool          `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	URL       string        `mapstructure:"url" toml:"url" yaml:"url"` // derived from Remote.URL when empty
	Heartbeat time.Duration `mapstructure:"heartbeat" toml:"heartbeat" yaml:"heartbeat"`
}

// CacheConfig holds cache freshness and maintenance settings. Maps are keyed
// by entity type name.
type CacheConfig struct {
	StaleAfter          map[string]time.Duration `mapstructure:"stale_after" toml:"stale_after" yaml:"stale_after"`
	Expiry              map[string]time.Duration `mapstructure:"expiry" toml:"expiry" yaml:"expiry"`
	KeepPerType         int                      `mapstructure:"keep_per_type" toml:"keep_per_type" yaml:"keep_per_type"`
	MaxBytes            int64                    `mapstructure:"max_bytes" toml:"max_bytes" yaml:"max_bytes"`
	MaintenanceSchedule string                   `mapstructure:"maintenance_schedule" toml:"maintenance_schedule" yaml:"maintenance_schedule"`
	MaintenanceInterval time.Duration            `mapstructure:"maintenance_interval" toml:"maintenance_interval" yaml:"maintenance_interval"`
}

// SyncConfig configures the coordinators.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval" toml:"interval" yaml:"interval"` // 0 disables auto-sync
	RemoteTimeout  time.Duration `mapstructure:"remote_timeout" toml:"remote_timeout" yaml:"remote_timeout"`
	ConflictPolicy string        `mapstructure:"conflict_policy" toml:"conflict_policy" yaml:"conflict_policy"`
	MailboxSize    int           `mapstructure:"mailbox_size" toml:"mailbox_size" yaml:"mailbox_size"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress" yaml:"compress"`
	Quiet      bool   `mapstructure:"quiet" toml:"quiet" yaml:"quiet"`
}

// EventsConfig configures the WebSocket event server.
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr" yaml:"addr"`
}

// ConnectivityConfig selects the connectivity sources.
type ConnectivityConfig struct {
	// ProbeURL is polled with HEAD requests. Defaults to Remote.URL.
	ProbeURL      string        `mapstructure:"probe_url" toml:"probe_url" yaml:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" toml:"probe_interval" yaml:"probe_interval"`
	// FlagFile forces offline mode while it exists.
	FlagFile string `mapstructure:"flag_file" toml:"flag_file" yaml:"flag_file"`
	// ForceOffline is re-read when the config file changes.
	ForceOffline bool `mapstructure:"force_offline" toml:"force_offline" yaml:"force_offline"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".offsync",
		Remote: RemoteConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RateLimit:  10,
		},
		Realtime: RealtimeConfig{
			Enabled:   true,
			Heartbeat: 30 * time.Second,
		},
		Cache: CacheConfig{
			StaleAfter: map[string]time.Duration{
				string(schema.TypeTask):     5 * time.Minute,
				string(schema.TypeExpense):  10 * time.Minute,
				string(schema.TypeReminder): 5 * time.Minute,
			},
			Expiry: map[string]time.Duration{
				string(schema.TypeTask):     24 * time.Hour,
				string(schema.TypeExpense):  24 * time.Hour,
				string(schema.TypeReminder): 24 * time.Hour,
			},
			KeepPerType:         500,
			MaxBytes:            5 << 20,
			MaintenanceSchedule: "@every 1h",
			MaintenanceInterval: 24 * time.Hour,
		},
		Sync: SyncConfig{
			Interval:       2 * time.Minute,
			RemoteTimeout:  30 * time.Second,
			ConflictPolicy: coordinator.NewestWins.String(),
			MailboxSize:    64,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Events: EventsConfig{
			Addr: "127.0.0.1:7420",
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
		},
	}
}

// Load reads configuration from path (optional), a .env file in the working
// directory (optional) and OFFSYNC_* environment variables, in increasing
// priority. A missing path is not an error.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("owner", d.Owner)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.max_retries", d.Remote.MaxRetries)
	v.SetDefault("remote.rate_limit", d.Remote.RateLimit)

	v.SetDefault("realtime.enabled", d.Realtime.Enabled)
	v.SetDefault("realtime.url", d.Realtime.URL)
	v.SetDefault("realtime.heartbeat", d.Realtime.Heartbeat)

	for t, age := range d.Cache.StaleAfter {
		v.SetDefault("cache.stale_after."+t, age)
	}
	for t, ttl := range d.Cache.Expiry {
		v.SetDefault("cache.expiry."+t, ttl)
	}
	v.SetDefault("cache.keep_per_type", d.Cache.KeepPerType)
	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
	v.SetDefault("cache.maintenance_schedule", d.Cache.MaintenanceSchedule)
	v.SetDefault("cache.maintenance_interval", d.Cache.MaintenanceInterval)

	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.remote_timeout", d.Sync.RemoteTimeout)
	v.SetDefault("sync.conflict_policy", d.Sync.ConflictPolicy)
	v.SetDefault("sync.mailbox_size", d.Sync.MailboxSize)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.quiet", d.Log.Quiet)

	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.addr", d.Events.Addr)

	v.SetDefault("connectivity.probe_url", d.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.flag_file", d.Connectivity.FlagFile)
	v.SetDefault("connectivity.force_offline", d.Connectivity.ForceOffline)
	return v
}

// fill derives settings that default to other settings.
func (c *Config) fill() {
	c.Remote.URL = strings.TrimRight(c.Remote.URL, "/")
	if c.Realtime.URL == "" && c.Remote.URL != "" {
		c.Realtime.URL = RealtimeURL(c.Remote.URL)
	}
	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = c.Remote.URL
	}
	d := DefaultConfig()
	for t, age := range d.Cache.StaleAfter {
		if _, ok := c.Cache.StaleAfter[t]; !ok {
			if c.Cache.StaleAfter == nil {
				c.Cache.StaleAfter = map[string]time.Duration{}
			}
			c.Cache.StaleAfter[t] = age
		}
	}
}

// RealtimeURL converts a project base URL into its realtime socket URL.
func RealtimeURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

// Validate checks if the Config has valid field values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.URL != "" && !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
		return fmt.Errorf("remote.url must be an http(s) URL (got %q)", c.Remote.URL)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative (got %d)", c.Remote.MaxRetries)
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("remote.rate_limit must not be negative")
	}
	for name, age := range c.Cache.StaleAfter {
		if _, err := schema.ParseEntityType(name); err != nil {
			return fmt.Errorf("cache.stale_after: %w", err)
		}
		if age <= 0 {
			return fmt.Errorf("cache.stale_after.%s must be positive", name)
		}
	}
	for name := range c.Cache.Expiry {
		if _, err := schema.ParseEntityType(name); err != nil {
			return fmt.Errorf("cache.expiry: %w", err)
		}
	}
	if c.Cache.KeepPerType < 0 {
		return fmt.Errorf("cache.keep_per_type must not be negative")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must not be negative")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Sync.RemoteTimeout <= 0 {
		return fmt.Errorf("sync.remote_timeout must be positive")
	}
	if _, err := coordinator.ParseConflictPolicy(c.Sync.ConflictPolicy); err != nil {
		return fmt.Errorf("sync.conflict_policy: %w", err)
	}
	if c.Events.Enabled && c.Events.Addr == "" {
		return fmt.Errorf("events.addr is required when events are enabled")
	}
	return nil
}

// DBPath returns the SQLite cache file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// StaleAfterFor returns the staleness threshold of t.
func (c *Config) StaleAfterFor(t schema.EntityType) time.Duration {
	if age, ok := c.Cache.StaleAfter[string(t)]; ok && age > 0 {
		return age
	}
	return 5 * time.Minute
}

// ExpiryByType converts Cache.Expiry to the cache package's form.
func (c *Config) ExpiryByType() map[schema.EntityType]time.Duration {
	out := make(map[schema.EntityType]time.Duration, len(c.Cache.Expiry))
	for name, ttl := range c.Cache.Expiry {
		if t, err := schema.ParseEntityType(name); err == nil {
			out[t] = ttl
		}
	}
	return out
}

// Policy returns the parsed conflict policy. Validate has already checked it.
func (c *Config) Policy() coordinator.ConflictPolicy {
	p, _ := coordinator.ParseConflictPolicy(c.Sync.ConflictPolicy)
	return p
}

// WriteDefault writes DefaultConfig as TOML to path. Existing files are left
// alone unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# offsync configuration\n# Environment variables override keys, e.g. OFFSYNC_REMOTE_URL.\n\n"); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
