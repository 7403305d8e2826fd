package aggregate_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"marketdata/internal/aggregate"
	"marketdata/internal/clock"
	"marketdata/internal/errs"
	"marketdata/internal/provider"
)

var t0 = time.Date(2025, 4, 1, 14, 0, 0, 0, time.UTC)

// fakeSource counts calls per field and fails the listed symbols' quotes.
type fakeSource struct {
	mu       sync.Mutex
	calls    map[string]int
	failing  map[string]bool
	noMetric bool
}

func newFakeSource(failing ...string) *fakeSource {
	s := &fakeSource{calls: map[string]int{}, failing: map[string]bool{}}
	for _, f := range failing {
		s.failing[f] = true
	}
	return s
}

func (s *fakeSource) count(field string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[field]
}

func (s *fakeSource) inc(field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[field]++
}

func (s *fakeSource) Quote(ctx context.Context, symbol string) (provider.Quote, error) {
	s.inc("quote")
	if s.failing[symbol] {
		return provider.Quote{}, errs.New(errs.ErrTransport, "quote", errors.New("connection reset"))
	}
	return provider.Quote{Symbol: symbol, Price: 100}, nil
}

func (s *fakeSource) Lookup(ctx context.Context, symbol string) (provider.Lookup, error) {
	s.inc("lookup")
	return provider.Lookup{Symbol: symbol, Name: symbol + " Inc"}, nil
}

func (s *fakeSource) Metrics(ctx context.Context, symbol string) (provider.Metrics, error) {
	s.inc("metrics")
	if s.noMetric {
		return provider.Metrics{}, aggregate.ErrFieldUnavailable
	}
	return provider.Metrics{Symbol: symbol, PERatio: 20}, nil
}

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%d", i)
	}
	return out
}

func TestFetchComposite_PartialBatchResilience(t *testing.T) {
	t.Parallel()

	// Arrange: 10 symbols in batches of 4, one of which cannot be quoted
	core, logs := observer.New(zapcore.WarnLevel)
	src := newFakeSource("SYM3")
	agg, err := aggregate.New(src,
		aggregate.WithBatchSize(4),
		aggregate.WithClock(clock.NewFake(t0)),
		aggregate.WithLogger(zap.New(core)))
	require.NoError(t, err)
	t.Cleanup(agg.Close)

	// Act
	entities, failures, err := agg.FetchCompositeReport(t.Context(), symbols(10))

	// Assert: nine entities in input order, one logged failure
	require.NoError(t, err)
	require.Len(t, entities, 9)
	for _, e := range entities {
		require.NotEqual(t, "SYM3", e.Symbol)
		require.Equal(t, 100.0, e.Quote.Price)
		require.NotNil(t, e.Lookup)
		require.NotNil(t, e.Metrics)
	}
	require.Equal(t, "SYM0", entities[0].Symbol)
	require.Equal(t, "SYM9", entities[8].Symbol)
	require.Len(t, failures, 1)
	require.Equal(t, "SYM3", failures[0].Symbol)
	require.ErrorIs(t, failures[0].Err, errs.ErrTransport)

	skipped := logs.FilterMessage("skipping entity")
	require.Equal(t, 1, skipped.Len())
	require.Equal(t, "SYM3", skipped.All()[0].ContextMap()["symbol"])
}

func TestFetchComposite_ReusesMetadataButAlwaysFetchesQuote(t *testing.T) {
	t.Parallel()

	// Arrange
	clk := clock.NewFake(t0)
	src := newFakeSource()
	agg, err := aggregate.New(src, aggregate.WithClock(clk), aggregate.WithMetadata(time.Hour, 100))
	require.NoError(t, err)
	t.Cleanup(agg.Close)

	// Act: two passes inside the metadata TTL
	_, err = agg.FetchComposite(t.Context(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	entities, err := agg.FetchComposite(t.Context(), []string{"aapl", "MSFT", "AAPL"})
	require.NoError(t, err)

	// Assert: symbols normalized, metadata loaded once, quotes every pass
	require.Len(t, entities, 2)
	require.Equal(t, "AAPL Inc", entities[0].Lookup.Name)
	require.Equal(t, 4, src.count("quote"))
	require.Equal(t, 2, src.count("lookup"))
	require.Equal(t, 2, src.count("metrics"))

	// Act: a pass after the metadata expired
	clk.Advance(time.Hour + time.Second)
	_, err = agg.FetchComposite(t.Context(), []string{"AAPL"})
	require.NoError(t, err)

	// Assert
	require.Equal(t, 3, src.count("lookup"))
	require.Equal(t, 3, src.count("metrics"))
}

func TestFetchComposite_UnavailableFieldIsLeftEmpty(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.noMetric = true
	agg, err := aggregate.New(src)
	require.NoError(t, err)
	t.Cleanup(agg.Close)

	entities, err := agg.FetchComposite(t.Context(), []string{"AAPL"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.NotNil(t, entities[0].Lookup)
	require.Nil(t, entities[0].Metrics)
}

func TestFetchComposite_CancelledContext(t *testing.T) {
	t.Parallel()

	agg, err := aggregate.New(newFakeSource())
	require.NoError(t, err)
	t.Cleanup(agg.Close)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	entities, err := agg.FetchComposite(ctx, symbols(3))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, entities)
}

func TestNew_NilSource(t *testing.T) {
	t.Parallel()

	_, err := aggregate.New(nil)
	require.Error(t, err)
}
