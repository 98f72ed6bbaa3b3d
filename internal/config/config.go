// Package config loads process configuration for both binaries.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// TOML file, FIELDSYNC_* environment variables and command-line flags bound
// by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides: sync.batch_size is read
// from FIELDSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "FIELDSYNC"

// Config is the full process configuration.
type Config struct {
	Actor        string             `mapstructure:"actor"`
	DB           DBConfig           `mapstructure:"db"`
	API          APIConfig          `mapstructure:"api"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Import       ImportConfig       `mapstructure:"import"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

type SyncConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	Debounce  time.Duration `mapstructure:"debounce"`
}

type CacheConfig struct {
	Dir      string        `mapstructure:"dir"`
	RedisURL string        `mapstructure:"redis_url"`
	Expiry   time.Duration `mapstructure:"expiry"`
}

type ReachabilityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type ImportConfig struct {
	Dir      string        `mapstructure:"dir"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ServerConfig configures the backing API binary.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	Backend     string `mapstructure:"backend"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Token       string `mapstructure:"token"`
}

// Backends accepted by server.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Dir returns the per-user state directory, ~/.fieldsync.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// defaults is keyed by viper key. Durations are strings so the same table
// can be written to TOML.
func defaults() map[string]any {
	dir := Dir()
	return map[string]any{
		"actor":                       "",
		"db.path":                     filepath.Join(dir, "fieldsync.db"),
		"api.base_url":                "http://127.0.0.1:8080",
		"api.timeout":                 "10s",
		"api.token":                   "",
		"sync.interval":               "60s",
		"sync.batch_size":             50,
		"sync.debounce":               "2s",
		"cache.dir":                   filepath.Join(dir, "cache"),
		"cache.redis_url":             "",
		"cache.expiry":                "24h",
		"reachability.probe_interval": "15s",
		"reachability.probe_timeout":  "5s",
		"dashboard.enabled":           true,
		"dashboard.addr":              "127.0.0.1:8787",
		"import.dir":                  filepath.Join(dir, "inbox"),
		"import.debounce":             "500ms",
		"log.level":                   "info",
		"log.format":                  "console",
		"log.file":                    "",
		"server.addr":                 ":8080",
		"server.backend":              BackendMemory,
		"server.postgres_dsn":         "",
		"server.token":                "",
	}
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the TOML file at path into v and decodes the result. A missing
// file is only an error when required is true.
func Load(v *viper.Viper, path string, required bool) (Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("toml")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if required || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive (got %d)", c.Sync.BatchSize)
	}
	if c.Sync.Interval <= 0 || c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.interval and sync.debounce must be positive")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	switch c.Server.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Server.PostgresDSN == "" {
			return fmt.Errorf("server.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown server.backend: %s", c.Server.Backend)
	}
	return nil
}

// WriteDefaults writes the default configuration as TOML to path, creating
// parent directories. An existing file is kept unless force is set.
func WriteDefaults(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Nest dotted keys into TOML tables.
	doc := map[string]any{}
	for key, value := range defaults() {
		section, name, ok := strings.Cut(key, ".")
		if !ok {
			doc[key] = value
			continue
		}
		table, _ := doc[section].(map[string]any)
		if table == nil {
			table = map[string]any{}
			doc[section] = table
		}
		table[name] = value
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# fieldsync configuration"); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
