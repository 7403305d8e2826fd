package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketdata/internal/provider"
	"marketdata/internal/resource"
)

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

type Log struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

type Cache struct {
	// Backend is one of memory, file or redis.
	Backend           string `json:"backend" yaml:"backend"`
	Dir               string `json:"dir" yaml:"dir"`
	RedisAddr         string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword     string `json:"redis_password" yaml:"redis_password"`
	RedisDB           int    `json:"redis_db" yaml:"redis_db"`
	RedisPrefix       string `json:"redis_prefix" yaml:"redis_prefix"`
	Serialization     string `json:"serialization" yaml:"serialization"`
	SweepIntervalSec  int    `json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
	RefreshTimeoutSec int    `json:"refresh_timeout_sec" yaml:"refresh_timeout_sec"`
	BloomCapacity     uint   `json:"bloom_capacity" yaml:"bloom_capacity"`
}

type Provider struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	// Capacity requests are allowed per WindowSec window.
	Capacity  int `json:"capacity" yaml:"capacity"`
	WindowSec int `json:"window_sec" yaml:"window_sec"`
	// CooldownSec is the minimum gap between user-initiated requests. Zero disables it.
	CooldownSec int `json:"cooldown_sec" yaml:"cooldown_sec"`
}

type Providers struct {
	Finnhub   Provider `json:"finnhub" yaml:"finnhub"`
	FMP       Provider `json:"fmp" yaml:"fmp"`
	Marketaux Provider `json:"marketaux" yaml:"marketaux"`
}

type Fetch struct {
	RequestTimeoutSec int `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	MaxAttempts       int `json:"max_attempts" yaml:"max_attempts"`
	BackoffMs         int `json:"backoff_ms" yaml:"backoff_ms"`
	MaxBackoffMs      int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	BreakerFailures   int `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpenSec    int `json:"breaker_open_sec" yaml:"breaker_open_sec"`
}

type Queue struct {
	BackoffMs   int `json:"backoff_ms" yaml:"backoff_ms"`
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

type Aggregate struct {
	BatchSize         int `json:"batch_size" yaml:"batch_size"`
	MetadataTTLSec    int `json:"metadata_ttl_sec" yaml:"metadata_ttl_sec"`
	MetadataCacheSize int `json:"metadata_cache_size" yaml:"metadata_cache_size"`
}

type Search struct {
	DebounceMs int `json:"debounce_ms" yaml:"debounce_ms"`
}

type Config struct {
	Server Server `json:"server" yaml:"server"`
	Log    Log    `json:"log" yaml:"log"`
	Cache  Cache  `json:"cache" yaml:"cache"`
	// TTLSec overrides resource TTLs, keyed by resource type name.
	TTLSec    map[string]int `json:"ttl_sec" yaml:"ttl_sec"`
	Providers Providers      `json:"providers" yaml:"providers"`
	Fetch     Fetch          `json:"fetch" yaml:"fetch"`
	Queue     Queue          `json:"queue" yaml:"queue"`
	Aggregate Aggregate      `json:"aggregate" yaml:"aggregate"`
	Search    Search         `json:"search" yaml:"search"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 10},
		Log:    Log{Level: "info"},
		Cache: Cache{
			Backend:           "file",
			Dir:               "data/cache",
			RedisAddr:         "localhost:6379",
			RedisPrefix:       "marketdata:",
			Serialization:     "json",
			SweepIntervalSec:  60,
			RefreshTimeoutSec: 30,
			BloomCapacity:     100_000,
		},
		Providers: Providers{
			Finnhub:   Provider{Enabled: true, Capacity: 30, WindowSec: 1},
			FMP:       Provider{Enabled: true, Capacity: 10_000, WindowSec: 86_400},
			Marketaux: Provider{Enabled: true, Capacity: 100, WindowSec: 86_400, CooldownSec: 600},
		},
		Fetch: Fetch{
			RequestTimeoutSec: 10,
			MaxAttempts:       3,
			BackoffMs:         500,
			MaxBackoffMs:      5000,
			BreakerFailures:   5,
			BreakerOpenSec:    30,
		},
		Queue:     Queue{BackoffMs: 250, Concurrency: 1},
		Aggregate: Aggregate{BatchSize: 10, MetadataTTLSec: 6 * 3600, MetadataCacheSize: 10_000},
		Search:    Search{DebounceMs: 300},
	}
}

// Load reads config from path, as YAML for .yaml/.yml files and JSON
// otherwise. If path is empty, config.json then config.yaml in the working
// directory are tried; a missing file yields defaults. Environment variables
// override select fields for secrecy.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, candidate := range []string{"config.json", "config.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := unmarshal(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func unmarshal(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q: want memory, file or redis", c.Cache.Backend))
	}
	if c.Cache.Backend == "file" && c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required for the file backend"))
	}
	if _, err := c.TTLOverrides(); err != nil {
		errs = append(errs, err)
	}
	for name, p := range c.providers() {
		if !p.Enabled {
			continue
		}
		if p.Capacity <= 0 || p.WindowSec <= 0 {
			errs = append(errs, fmt.Errorf("providers.%s: capacity and window_sec must be positive", name))
		}
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, errors.New("fetch.max_attempts must be at least 1"))
	}
	if c.Aggregate.BatchSize < 1 {
		errs = append(errs, errors.New("aggregate.batch_size must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c Config) providers() map[string]Provider {
	return map[string]Provider{
		provider.Finnhub:   c.Providers.Finnhub,
		provider.FMP:       c.Providers.FMP,
		provider.Marketaux: c.Providers.Marketaux,
	}
}

// TTLOverrides converts TTLSec into durations, checking the type names.
func (c Config) TTLOverrides() (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(c.TTLSec))
	for name, sec := range c.TTLSec {
		if _, err := resource.ParseType(name); err != nil {
			return nil, fmt.Errorf("ttl_sec: %w", err)
		}
		if sec <= 0 {
			return nil, fmt.Errorf("ttl_sec.%s: must be positive, got %d", name, sec)
		}
		out[name] = time.Duration(sec) * time.Second
	}
	return out, nil
}

// Window returns the provider's quota window.
func (p Provider) Window() time.Duration { return time.Duration(p.WindowSec) * time.Second }

// Cooldown returns the provider's user-initiated cooldown.
func (p Provider) Cooldown() time.Duration { return time.Duration(p.CooldownSec) * time.Second }

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Server.RequestTimeoutSec = x
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_DEVELOPMENT"); v != "" {
		cfg.Log.Development = parseBool(v, cfg.Log.Development)
	}

	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("CACHE_SERIALIZATION"); v != "" {
		cfg.Cache.Serialization = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("CACHE_SWEEP_INTERVAL_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x >= 0 {
			cfg.Cache.SweepIntervalSec = x
		}
	}

	providerEnv("FINNHUB", &cfg.Providers.Finnhub)
	providerEnv("FMP", &cfg.Providers.FMP)
	providerEnv("MARKETAUX", &cfg.Providers.Marketaux)

	if v := os.Getenv("FETCH_MAX_ATTEMPTS"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Fetch.MaxAttempts = x
		}
	}
	if v := os.Getenv("FETCH_BACKOFF_MS"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x >= 0 {
			cfg.Fetch.BackoffMs = x
		}
	}
	if v := os.Getenv("AGGREGATE_BATCH_SIZE"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			cfg.Aggregate.BatchSize = x
		}
	}
	if v := os.Getenv("SEARCH_DEBOUNCE_MS"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x >= 0 {
			cfg.Search.DebounceMs = x
		}
	}
}

// providerEnv reads <PREFIX>_API_KEY, _BASE_URL, _ENABLED, _CAPACITY,
// _WINDOW_SEC and _COOLDOWN_SEC.
func providerEnv(prefix string, p *Provider) {
	if v := os.Getenv(prefix + "_API_KEY"); v != "" {
		p.APIKey = v
	}
	if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
		p.BaseURL = v
	}
	if v := os.Getenv(prefix + "_ENABLED"); v != "" {
		p.Enabled = parseBool(v, p.Enabled)
	}
	if v := os.Getenv(prefix + "_CAPACITY"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			p.Capacity = x
		}
	}
	if v := os.Getenv(prefix + "_WINDOW_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			p.WindowSec = x
		}
	}
	if v := os.Getenv(prefix + "_COOLDOWN_SEC"); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x >= 0 {
			p.CooldownSec = x
		}
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return fallback
}

// SplitCSV splits a comma-separated list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
