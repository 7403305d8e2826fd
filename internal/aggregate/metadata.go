package aggregate

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"marketdata/internal/clock"
	"marketdata/internal/provider"
)

// Metadata is the long-lived part of an entity. Either field may be missing.
type Metadata struct {
	Lookup    *provider.Lookup
	Metrics   *provider.Metrics
	ExpiresAt time.Time
}

// MetadataCache holds per-entity metadata between aggregation passes. It is
// bounded by entry count; expiry is checked against the injected clock.
type MetadataCache struct {
	cache  *ristretto.Cache
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger
}

// NewMetadataCache creates a cache for up to maxEntries entities.
func NewMetadataCache(maxEntries int64, ttl time.Duration, clk clock.Clock, logger *zap.Logger) (*MetadataCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("metadata cache size must be positive, got %d", maxEntries)
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        10 * maxEntries,
		MaxCost:            maxEntries,
		BufferItems:        64,
		// Every entry costs 1, so MaxCost is an entry count.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating metadata cache: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataCache{cache: c, clock: clk, ttl: ttl, logger: logger}, nil
}

// Get returns the metadata for symbol if it has not expired.
func (m *MetadataCache) Get(symbol string) (Metadata, bool) {
	value, found := m.cache.Get(symbol)
	if !found {
		return Metadata{}, false
	}
	md, ok := value.(Metadata)
	if !ok {
		m.logger.Error("invalid metadata cache entry type", zap.String("symbol", symbol))
		return Metadata{}, false
	}
	if m.clock.Now().After(md.ExpiresAt) {
		m.cache.Del(symbol)
		return Metadata{}, false
	}
	return md, true
}

// Set stores md for symbol with a fresh expiry. Writes become visible
// asynchronously; call Wait to block until they are applied.
func (m *MetadataCache) Set(symbol string, md Metadata) {
	md.ExpiresAt = m.clock.Now().Add(m.ttl)
	if !m.cache.Set(symbol, md, 1) {
		m.logger.Warn("metadata cache rejected entry", zap.String("symbol", symbol))
	}
}

// Wait blocks until buffered writes are applied.
func (m *MetadataCache) Wait() { m.cache.Wait() }

// Delete drops symbol.
func (m *MetadataCache) Delete(symbol string) { m.cache.Del(symbol) }

// Close stops the cache's goroutines.
func (m *MetadataCache) Close() { m.cache.Close() }
