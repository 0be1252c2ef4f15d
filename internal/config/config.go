package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meszmate/orekh/internal/engine"
	"github.com/meszmate/orekh/internal/logging"
	"github.com/meszmate/orekh/internal/reconnect"
	"github.com/meszmate/orekh/internal/storage"
	"github.com/meszmate/orekh/internal/storage/memory"
	"github.com/meszmate/orekh/internal/storage/redis"
	"github.com/meszmate/orekh/internal/storage/sqlite"
)

const appName = "orekh"

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Config represents the main application configuration
type Config struct {
	Account   AccountConfig   `toml:"account"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	History   HistoryConfig   `toml:"history"`
	Roster    RosterConfig    `toml:"roster"`
	Upload    UploadConfig    `toml:"upload"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
	UI        UIConfig        `toml:"ui"`
}

// AccountConfig identifies the account and, optionally, where to reach its
// server.
type AccountConfig struct {
	JID      string `toml:"jid"`
	Password string `toml:"password"`
	// Server and Port override the host derived from the account domain.
	Server         string `toml:"server"`
	Port           int    `toml:"port"`
	ResourcePrefix string `toml:"resource_prefix"`
}

type TimeoutsConfig struct {
	Request    Duration `toml:"request"`
	Roster     Duration `toml:"roster"`
	History    Duration `toml:"history"`
	UploadSlot Duration `toml:"upload_slot"`
	DiscoProbe Duration `toml:"disco_probe"`
	HTTPUpload Duration `toml:"http_upload"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

type HistoryConfig struct {
	PageSize     int      `toml:"page_size"`
	CacheLimit   int      `toml:"cache_limit"`
	SyncCooldown Duration `toml:"sync_cooldown"`
}

type RosterConfig struct {
	// AutoSubscribeBack approves incoming subscription requests and asks
	// for the contact's presence in return.
	AutoSubscribeBack bool `toml:"auto_subscribe_back"`
}

type UploadConfig struct {
	// Service is probed before asking the server for its items. Empty means
	// upload.<account domain>.
	Service string `toml:"service"`
}

// StorageConfig selects where caches and the roster snapshot are kept.
type StorageConfig struct {
	// Backend is memory, sqlite or redis.
	Backend       string `toml:"backend"`
	DataDir       string `toml:"data_dir"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `toml:"listen"`
}

// UIConfig contains UI-related settings
type UIConfig struct {
	TimeFormat    string `toml:"time_format"`
	Notifications bool   `toml:"notifications"`
	// Bell rings the terminal bell while a call is incoming.
	Bell          bool   `toml:"bell"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	d := engine.DefaultConfig()
	return &Config{
		Account: AccountConfig{
			Port:           5222,
			ResourcePrefix: d.ResourcePrefix,
		},
		Timeouts: TimeoutsConfig{
			Request:    dur(d.RequestTimeout),
			Roster:     dur(d.RosterTimeout),
			History:    dur(d.HistoryTimeout),
			UploadSlot: dur(d.UploadSlotTimeout),
			DiscoProbe: dur(d.DiscoProbeTimeout),
			HTTPUpload: dur(d.HTTPUploadTimeout),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   dur(d.Reconnect.BaseDelay),
			MaxDelay:    dur(d.Reconnect.MaxDelay),
			MaxAttempts: d.Reconnect.MaxAttempts,
		},
		History: HistoryConfig{
			PageSize:     d.PageSize,
			CacheLimit:   d.CacheLimit,
			SyncCooldown: dur(d.SyncCooldown),
		},
		Roster: RosterConfig{
			AutoSubscribeBack: true,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		UI: UIConfig{
			TimeFormat:    "15:04",
			Notifications: true,
			Bell:          true,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return nil, err
	}
	cacheDir, err := xdgDir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}
	return &Paths{
		ConfigDir: filepath.Join(configDir, appName),
		DataDir:   filepath.Join(dataDir, appName),
		CacheDir:  filepath.Join(cacheDir, appName),
	}, nil
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.CacheDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultPath returns the config file location.
func (p *Paths) DefaultPath() string {
	return filepath.Join(p.ConfigDir, "config.toml")
}

// Load reads the config file at path over the defaults. A missing file
// yields the defaults. Relative paths are resolved against the XDG data
// directory.
func Load(path string, paths *Paths) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = paths.DataDir
	} else {
		cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Storage.DataDir, appName+".log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage: redis backend needs redis_addr")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect: max_attempts must not be negative")
	}
	if c.Reconnect.MaxDelay.Duration > 0 && c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		return fmt.Errorf("reconnect: max_delay is shorter than base_delay")
	}
	return nil
}

// Save writes the configuration to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Engine maps the file settings onto the engine's.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		ResourcePrefix:    c.Account.ResourcePrefix,
		RequestTimeout:    c.Timeouts.Request.Duration,
		RosterTimeout:     c.Timeouts.Roster.Duration,
		HistoryTimeout:    c.Timeouts.History.Duration,
		UploadSlotTimeout: c.Timeouts.UploadSlot.Duration,
		DiscoProbeTimeout: c.Timeouts.DiscoProbe.Duration,
		HTTPUploadTimeout: c.Timeouts.HTTPUpload.Duration,
		Reconnect: reconnect.Config{
			BaseDelay:   c.Reconnect.BaseDelay.Duration,
			MaxDelay:    c.Reconnect.MaxDelay.Duration,
			MaxAttempts: c.Reconnect.MaxAttempts,
		},
		PageSize:          c.History.PageSize,
		CacheLimit:        c.History.CacheLimit,
		SyncCooldown:      c.History.SyncCooldown.Duration,
		AutoSubscribeBack: c.Roster.AutoSubscribeBack,
		UploadService:     c.Upload.Service,
	}
}

// Logger maps the file settings onto the logger's.
func (c *Config) Logger() logging.Config {
	return logging.Config{
		Level:   c.Logging.Level,
		File:    c.Logging.File,
		Console: c.Logging.Console,
	}
}

// OpenStore opens the configured storage backend.
func (c *Config) OpenStore() (storage.Store, error) {
	switch c.Storage.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.New(c.Storage.DataDir)
	case "redis":
		return redis.New(redis.Config{
			Addr:     c.Storage.RedisAddr,
			Password: c.Storage.RedisPassword,
			DB:       c.Storage.RedisDB,
			Prefix:   c.Storage.RedisPrefix,
		})
	}
	return nil, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
