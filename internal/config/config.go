// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// CacheConfig holds cache store settings
type CacheConfig struct {
	Path          string `yaml:"path"`            // Cache database path
	Version       string `yaml:"version"`         // Cache generation, e.g. "v1"
	EmailBudgetMB int    `yaml:"email_budget_mb"` // Email namespace budget
	ImageBudgetMB int    `yaml:"image_budget_mb"` // Image namespace budget
	APIBudgetMB   int    `yaml:"api_budget_mb"`   // API namespace budget
}

// QueueConfig holds action queue settings
type QueueConfig struct {
	Path string `yaml:"path"` // Queue database path
}

// APIConfig holds mail service connection settings
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	Account    string `yaml:"account"`     // Account identifier for keyring lookup
	UseKeyring bool   `yaml:"use_keyring"` // Resolve the token from the OS keyring
	MaxRetries int    `yaml:"max_retries"`
	RetryDelay string `yaml:"retry_delay"` // e.g. "1s"
}

// RouterConfig holds request interception settings
type RouterConfig struct {
	Listen string `yaml:"listen"` // Local address the router serves on
}

// DaemonConfig holds background process settings
type DaemonConfig struct {
	SocketPath    string `yaml:"socket_path"`    // Bus socket (default under XDG runtime dir)
	PidPath       string `yaml:"pid_path"`       // PID file path
	ProbeInterval int    `yaml:"probe_interval"` // Connectivity probe interval in seconds
	SyncInterval  int    `yaml:"sync_interval"`  // Periodic replay interval in seconds
}

// ShellConfig holds application shell settings
type ShellConfig struct {
	ManifestPath string `yaml:"manifest_path"` // Shell asset manifest file
	Watch        bool   `yaml:"watch"`         // Refresh the shell when the manifest changes
}

// NotificationsConfig holds push notification settings
type NotificationsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	OSNotification  bool   `yaml:"os_notification"`
	LogNotification bool   `yaml:"log_notification"`
	LogPath         string `yaml:"log_path"`
	LogMaxSizeMB    int    `yaml:"log_max_size_mb"`
}

// AuditConfig holds notification audit trail settings
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Config represents the application configuration
type Config struct {
	Cache         CacheConfig         `yaml:"cache"`
	Queue         QueueConfig         `yaml:"queue"`
	API           APIConfig           `yaml:"api"`
	Router        RouterConfig        `yaml:"router"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Shell         ShellConfig         `yaml:"shell"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Audit         AuditConfig         `yaml:"audit"`
	Verbose       bool                `yaml:"verbose"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Path:          filepath.Join(GetDataDir(), "cache.db"),
			Version:       "v1",
			EmailBudgetMB: 50,
			ImageBudgetMB: 100,
			APIBudgetMB:   10,
		},
		Queue: QueueConfig{
			Path: filepath.Join(GetDataDir(), "queue.db"),
		},
		API: APIConfig{
			UseKeyring: true,
			MaxRetries: 2,
			RetryDelay: "1s",
		},
		Router: RouterConfig{
			Listen: "127.0.0.1:8489",
		},
		Daemon: DaemonConfig{
			SocketPath:    filepath.Join(GetDataDir(), "mailkeep.sock"),
			PidPath:       filepath.Join(GetDataDir(), "mailkeep.pid"),
			ProbeInterval: 15,
			SyncInterval:  300,
		},
		Shell: ShellConfig{
			ManifestPath: filepath.Join(GetConfigDir(), "shell-manifest.json"),
			Watch:        true,
		},
		Notifications: NotificationsConfig{
			Enabled:         true,
			OSNotification:  true,
			LogNotification: true,
			LogPath:         filepath.Join(GetDataDir(), "notifications.log"),
			LogMaxSizeMB:    5,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Path:          filepath.Join(GetDataDir(), "audit.db"),
			RetentionDays: 30,
		},
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one with defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	applyDefaults(cfg)

	cfg.Cache.Path = ExpandPath(cfg.Cache.Path)
	cfg.Queue.Path = ExpandPath(cfg.Queue.Path)
	cfg.Shell.ManifestPath = ExpandPath(cfg.Shell.ManifestPath)
	cfg.Audit.Path = ExpandPath(cfg.Audit.Path)
	cfg.Notifications.LogPath = ExpandPath(cfg.Notifications.LogPath)

	return cfg, nil
}

// applyDefaults fills unset fields from the defaults
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = def.Cache.Path
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = def.Cache.Version
	}
	if cfg.Cache.EmailBudgetMB == 0 {
		cfg.Cache.EmailBudgetMB = def.Cache.EmailBudgetMB
	}
	if cfg.Cache.ImageBudgetMB == 0 {
		cfg.Cache.ImageBudgetMB = def.Cache.ImageBudgetMB
	}
	if cfg.Cache.APIBudgetMB == 0 {
		cfg.Cache.APIBudgetMB = def.Cache.APIBudgetMB
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = def.Queue.Path
	}
	if cfg.Router.Listen == "" {
		cfg.Router.Listen = def.Router.Listen
	}
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = def.Daemon.SocketPath
	}
	if cfg.Daemon.PidPath == "" {
		cfg.Daemon.PidPath = def.Daemon.PidPath
	}
	if cfg.Daemon.ProbeInterval == 0 {
		cfg.Daemon.ProbeInterval = def.Daemon.ProbeInterval
	}
	if cfg.Daemon.SyncInterval == 0 {
		cfg.Daemon.SyncInterval = def.Daemon.SyncInterval
	}
	if cfg.Shell.ManifestPath == "" {
		cfg.Shell.ManifestPath = def.Shell.ManifestPath
	}
	if cfg.Notifications.LogPath == "" {
		cfg.Notifications.LogPath = def.Notifications.LogPath
	}
	if cfg.Notifications.LogMaxSizeMB == 0 {
		cfg.Notifications.LogMaxSizeMB = def.Notifications.LogMaxSizeMB
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = def.Audit.Path
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = def.Audit.RetentionDays
	}
	if cfg.API.RetryDelay == "" {
		cfg.API.RetryDelay = def.API.RetryDelay
	}
}

// save writes the configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the embedded sample config which includes all documentation and comments
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version must not be empty")
	}
	if c.Cache.EmailBudgetMB <= 0 || c.Cache.ImageBudgetMB <= 0 || c.Cache.APIBudgetMB <= 0 {
		return fmt.Errorf("cache budgets must be positive")
	}
	if c.API.RetryDelay != "" {
		if _, err := time.ParseDuration(c.API.RetryDelay); err != nil {
			return fmt.Errorf("invalid duration for api.retry_delay: %q", c.API.RetryDelay)
		}
	}
	if c.Daemon.ProbeInterval <= 0 {
		return fmt.Errorf("daemon.probe_interval must be positive")
	}
	return nil
}

// RetryDelayDuration returns the parsed retry delay, defaulting to 1s.
func (c *Config) RetryDelayDuration() time.Duration {
	d, err := time.ParseDuration(c.API.RetryDelay)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "mailkeep")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "mailkeep")
	}
	return filepath.Join(home, fallbackPath, "mailkeep")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetCacheDir returns the cache directory following XDG spec
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
