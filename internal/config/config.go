package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Update policies for an event whose identity key is already stored.
const (
	// UpdateColor refreshes only the status color.
	UpdateColor = "color"
	// UpdateAll refreshes color, description and location.
	UpdateAll = "all"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvSourceAURL = "CALMERGE_SOURCE_A_URL"
	EnvSourceBURL = "CALMERGE_SOURCE_B_URL"
	EnvListen     = "CALMERGE_LISTEN"
	EnvDBPath     = "CALMERGE_DB_PATH"
	EnvRedisAddr  = "CALMERGE_REDIS_ADDR"
	EnvLogLevel   = "CALMERGE_LOG_LEVEL"
	EnvCacheTTL   = "CALMERGE_CACHE_TTL"
)

// SourceConfig describes one upstream calendar feed.
type SourceConfig struct {
	// ID is an internal identifier used for logging, metrics and the
	// in-flight guard.
	ID string `yaml:"id" json:"id"`
	// Prefix is put in brackets in front of every event title.
	Prefix string `yaml:"prefix" json:"prefix"`
	// URL is the feed endpoint. Usually left empty in the file and
	// supplied through URLEnv.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// URLEnv names an environment variable that overrides URL.
	URLEnv string `yaml:"url_env,omitempty" json:"url_env,omitempty"`
}

// FetchConfig bounds feed retrieval.
type FetchConfig struct {
	Attempts  int           `yaml:"attempts" json:"attempts"`
	Delay     time.Duration `yaml:"delay" json:"delay"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
}

// IngestConfig controls normalization and reconciliation.
type IngestConfig struct {
	UpdatePolicy string `yaml:"update_policy" json:"update_policy"`

	// ExpandHorizonDays > 0 turns on RRULE expansion: recurring events are
	// stored once per occurrence inside [now-backfill, now+horizon].
	ExpandHorizonDays  int `yaml:"expand_horizon_days" json:"expand_horizon_days"`
	ExpandBackfillDays int `yaml:"expand_backfill_days" json:"expand_backfill_days"`
	MaxOccurrences     int `yaml:"max_occurrences" json:"max_occurrences"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type CacheConfig struct {
	Backend string        `yaml:"backend" json:"backend"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	// InvalidateOnIngest purges cached query results after a reconcile
	// batch that changed storage.
	InvalidateOnIngest bool        `yaml:"invalidate_on_ingest" json:"invalidate_on_ingest"`
	Redis              RedisConfig `yaml:"redis" json:"redis"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the read API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for zoneless range bounds and
	// floating event times (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// Refresh is a robfig/cron schedule ("@every 60s", "*/5 * * * *").
	Refresh string `yaml:"refresh" json:"refresh"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// StaticDir holds the browser UI; "/" serves its index.html.
	StaticDir string `yaml:"static_dir" json:"static_dir"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`
	Fetch   FetchConfig    `yaml:"fetch" json:"fetch"`
	Ingest  IngestConfig   `yaml:"ingest" json:"ingest"`
	Store   StoreConfig    `yaml:"store" json:"store"`
	Cache   CacheConfig    `yaml:"cache" json:"cache"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

func defaultSources() []SourceConfig {
	return []SourceConfig{
		{ID: "source-a", Prefix: "SourceA", URLEnv: EnvSourceAURL},
		{ID: "source-b", Prefix: "SourceB", URLEnv: EnvSourceBURL},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:3000",
		Timezone:  "UTC",
		Refresh:   "@every 60s",
		LogLevel:  "info",
		StaticDir: "./public",
		Sources:   defaultSources(),
		Fetch: FetchConfig{
			Attempts:  3,
			Delay:     10 * time.Second,
			Timeout:   30 * time.Second,
			UserAgent: "calmerge/0.1",
		},
		Ingest: IngestConfig{
			UpdatePolicy:       UpdateAll,
			ExpandBackfillDays: 30,
			MaxOccurrences:     1000,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "./data/events.db",
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			TTL:     60 * time.Second,
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "calmerge:events:",
			},
		},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Refresh == "" {
		c.Refresh = def.Refresh
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Sources == nil {
		c.Sources = def.Sources
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("source-%d", i+1)
		}
		if s.Prefix == "" {
			s.Prefix = s.ID
		}
	}

	if c.Fetch.Attempts <= 0 {
		c.Fetch.Attempts = def.Fetch.Attempts
	}
	if c.Fetch.Delay < 0 {
		c.Fetch.Delay = def.Fetch.Delay
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = def.Fetch.Timeout
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = def.Fetch.UserAgent
	}

	c.Ingest.UpdatePolicy = strings.ToLower(strings.TrimSpace(c.Ingest.UpdatePolicy))
	if c.Ingest.UpdatePolicy == "" {
		c.Ingest.UpdatePolicy = UpdateAll
	}
	if c.Ingest.ExpandHorizonDays < 0 {
		c.Ingest.ExpandHorizonDays = 0
	}
	if c.Ingest.ExpandBackfillDays < 0 {
		c.Ingest.ExpandBackfillDays = 0
	}
	if c.Ingest.MaxOccurrences <= 0 {
		c.Ingest.MaxOccurrences = def.Ingest.MaxOccurrences
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = def.Cache.Redis.Addr
	}
	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = def.Cache.Redis.KeyPrefix
	}
}

// ApplyEnv overrides config values from the environment. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.URLEnv == "" {
			continue
		}
		if v := strings.TrimSpace(getenv(s.URLEnv)); v != "" {
			s.URL = v
		}
	}
	if v := getenv(EnvListen); v != "" {
		c.Listen = v
	}
	// The path only means something to the sqlite driver.
	if v := getenv(EnvDBPath); v != "" && !strings.EqualFold(strings.TrimSpace(c.Store.Driver), DriverPostgres) {
		c.Store.Path = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Cache.Redis.Addr = v
		c.Cache.Backend = CacheRedis
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvCacheTTL); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvCacheTTL, err)
		}
		c.Cache.TTL = d
	}
	return nil
}

// parseSecondsOrDuration accepts "600" (seconds) or a Go duration ("10m").
func parseSecondsOrDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("ttl must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl must be positive, got %s", d)
	}
	return d, nil
}

// Validate reports settings that cannot be defaulted away.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ingest.UpdatePolicy {
	case UpdateColor, UpdateAll:
	default:
		errs = append(errs, fmt.Errorf("ingest.update_policy: unknown value %q", c.Ingest.UpdatePolicy))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown value %q", c.Store.Driver))
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown value %q", c.Cache.Backend))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
	}

	return errors.Join(errs...)
}

// EnabledSources returns the sources that have a URL.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if strings.TrimSpace(s.URL) != "" {
			out = append(out, s)
		}
	}
	return out
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there with
//     0600 perms and returned.
//   - Otherwise the YAML is unmarshalled and defaults are filled in.
//
// Environment overrides are not applied here; see ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Decode on top of the defaults so omitted keys keep their default
	// value while explicit zeroes (e.g. fetch.delay: 0s) survive.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmerge-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
