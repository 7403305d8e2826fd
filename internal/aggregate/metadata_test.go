package aggregate_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketdata/internal/aggregate"
	"marketdata/internal/clock"
	"marketdata/internal/provider"
)

func TestMetadataCache(t *testing.T) {
	t.Parallel()

	// Arrange
	clk := clock.NewFake(t0)
	mc, err := aggregate.NewMetadataCache(10, time.Minute, clk, nil)
	require.NoError(t, err)
	t.Cleanup(mc.Close)

	// Act
	mc.Set("AAPL", aggregate.Metadata{Lookup: &provider.Lookup{Name: "Apple Inc"}})
	mc.Wait()

	// Assert: served until the TTL passes on the injected clock
	md, ok := mc.Get("AAPL")
	require.True(t, ok)
	require.Equal(t, "Apple Inc", md.Lookup.Name)
	require.Equal(t, t0.Add(time.Minute), md.ExpiresAt)

	clk.Advance(time.Minute + time.Nanosecond)
	_, ok = mc.Get("AAPL")
	require.False(t, ok)

	_, err = aggregate.NewMetadataCache(0, time.Minute, clk, nil)
	require.Error(t, err)
}

func TestMetadataCache_HoldsConfiguredEntryCount(t *testing.T) {
	t.Parallel()

	// Arrange
	const size = 1000
	mc, err := aggregate.NewMetadataCache(size, time.Hour, clock.NewFake(t0), nil)
	require.NoError(t, err)
	t.Cleanup(mc.Close)

	// Act: fill half the capacity
	symbols := make([]string, 0, size/2)
	for i := range size / 2 {
		sym := fmt.Sprintf("SYM%d", i)
		symbols = append(symbols, sym)
		mc.Set(sym, aggregate.Metadata{Lookup: &provider.Lookup{Symbol: sym}})
		mc.Wait()
	}

	// Assert: nothing was evicted below the configured size
	for _, sym := range symbols {
		_, ok := mc.Get(sym)
		require.Truef(t, ok, "%s evicted", sym)
	}
}
