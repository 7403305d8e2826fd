package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"marketdata/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, config.Default().Providers, cfg.Providers)
	require.Equal(t, 600*time.Second, cfg.Providers.Marketaux.Cooldown())
	require.Equal(t, 24*time.Hour, cfg.Providers.FMP.Window())
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	// Arrange
	path := writeFile(t, "config.yaml", `
cache:
  backend: redis
  redis_addr: redis:6379
  serialization: gob
ttl_sec:
  quote: 10
  news: 1800
providers:
  finnhub:
    enabled: true
    capacity: 60
    window_sec: 1
aggregate:
  batch_size: 25
`)

	// Act
	cfg, err := config.Load(path)

	// Assert: file values applied over defaults
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.Cache.Backend)
	require.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
	require.Equal(t, "gob", cfg.Cache.Serialization)
	require.Equal(t, 60, cfg.Providers.Finnhub.Capacity)
	require.Equal(t, 25, cfg.Aggregate.BatchSize)
	require.Equal(t, 100, cfg.Providers.Marketaux.Capacity)

	ttl, err := cfg.TTLOverrides()
	require.NoError(t, err)
	require.Equal(t, map[string]time.Duration{"quote": 10 * time.Second, "news": 30 * time.Minute}, ttl)
}

func TestLoad_JSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"server":{"port":"9090"},"search":{"debounce_ms":150}}`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, 150, cfg.Search.DebounceMs)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown resource": `{"ttl_sec":{"candles":60}}`,
		"zero ttl":         `{"ttl_sec":{"quote":0}}`,
		"bad backend":      `{"cache":{"backend":"s3"}}`,
		"zero capacity":    `{"providers":{"fmp":{"enabled":true,"capacity":0,"window_sec":60}}}`,
		"malformed":        `{"server":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Load(writeFile(t, "config.json", body))
			require.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	// Arrange: t.Setenv is incompatible with t.Parallel
	t.Setenv("FINNHUB_API_KEY", "secret")
	t.Setenv("MARKETAUX_COOLDOWN_SEC", "60")
	t.Setenv("FMP_ENABLED", "false")
	t.Setenv("CACHE_BACKEND", "MEMORY")
	t.Setenv("PORT", "7070")

	// Act
	cfg, err := config.Load(writeFile(t, "config.json", `{"providers":{"finnhub":{"api_key":"from-file","enabled":true,"capacity":30,"window_sec":1}}}`))

	// Assert: environment wins over the file
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.Providers.Finnhub.APIKey)
	require.Equal(t, time.Minute, cfg.Providers.Marketaux.Cooldown())
	require.False(t, cfg.Providers.FMP.Enabled)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, "7070", cfg.Server.Port)
}

func TestSplitCSV(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"AAPL", "MSFT"}, config.SplitCSV(" AAPL, ,MSFT,"))
	require.Empty(t, config.SplitCSV(""))
}

func TestLog_NewLogger(t *testing.T) {
	t.Parallel()

	logger, err := config.Log{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = config.Log{Level: "loud"}.NewLogger()
	require.Error(t, err)
}
