// Package aggregate builds composite entities (quote plus company metadata)
// for many symbols at once. Long-lived metadata is reused from a per-entity
// cache; the quote is always fetched. A symbol whose sub-fields cannot all be
// loaded is skipped for the pass instead of failing the whole call.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketdata/internal/clock"
	"marketdata/internal/provider"
)

// ErrFieldUnavailable is returned by a Source that has no way to load a
// field. The field is left empty and the entity is still produced.
var ErrFieldUnavailable = errors.New("field unavailable")

// Source loads the fields of one entity.
type Source interface {
	Quote(ctx context.Context, symbol string) (provider.Quote, error)
	Lookup(ctx context.Context, symbol string) (provider.Lookup, error)
	Metrics(ctx context.Context, symbol string) (provider.Metrics, error)
}

// Entity is the composite view of one symbol.
type Entity struct {
	Symbol  string            `json:"symbol"`
	Quote   provider.Quote    `json:"quote"`
	Lookup  *provider.Lookup  `json:"lookup,omitempty"`
	Metrics *provider.Metrics `json:"metrics,omitempty"`
}

// Failure records a symbol skipped in a pass.
type Failure struct {
	Symbol string
	Err    error
}

type options struct {
	batchSize   int
	metadataTTL time.Duration
	cacheSize   int64
	clock       clock.Clock
	logger      *zap.Logger
}

// Option configures an Aggregator.
type Option func(*options)

// WithBatchSize sets how many symbols are loaded concurrently. Defaults to 10.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithMetadata sets the metadata cache TTL and entry bound. Defaults to 6h
// and 10,000 entries.
func WithMetadata(ttl time.Duration, maxEntries int64) Option {
	return func(o *options) {
		if ttl > 0 {
			o.metadataTTL = ttl
		}
		if maxEntries > 0 {
			o.cacheSize = maxEntries
		}
	}
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Aggregator composes entities from a Source.
type Aggregator struct {
	src    Source
	meta   *MetadataCache
	batch  int
	logger *zap.Logger
}

// New builds an Aggregator over src.
func New(src Source, opts ...Option) (*Aggregator, error) {
	if src == nil {
		return nil, errors.New("aggregate: nil source")
	}
	o := options{
		batchSize:   10,
		metadataTTL: 6 * time.Hour,
		cacheSize:   10_000,
		clock:       clock.Real(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("aggregate")
	meta, err := NewMetadataCache(o.cacheSize, o.metadataTTL, o.clock, logger)
	if err != nil {
		return nil, err
	}
	return &Aggregator{src: src, meta: meta, batch: o.batchSize, logger: logger}, nil
}

// Metadata exposes the metadata cache.
func (a *Aggregator) Metadata() *MetadataCache { return a.meta }

// Close releases the metadata cache.
func (a *Aggregator) Close() { a.meta.Close() }

// FetchComposite loads an entity for every distinct symbol in symbols, in
// fixed-size batches. Entities come back in input order; skipped symbols are
// logged and omitted. The error is non-nil only when ctx ends the pass early,
// in which case the entities completed so far are returned with it.
func (a *Aggregator) FetchComposite(ctx context.Context, symbols []string) ([]Entity, error) {
	entities, _, err := a.FetchCompositeReport(ctx, symbols)
	return entities, err
}

// FetchCompositeReport is FetchComposite that also returns the skipped symbols.
func (a *Aggregator) FetchCompositeReport(ctx context.Context, symbols []string) ([]Entity, []Failure, error) {
	ids := normalize(symbols)
	entities := make([]Entity, 0, len(ids))
	var failures []Failure

	for start := 0; start < len(ids); start += a.batch {
		if err := ctx.Err(); err != nil {
			return entities, failures, err
		}
		end := min(start+a.batch, len(ids))
		results := a.runBatch(ctx, ids[start:end])

		for _, r := range results {
			if r.err != nil {
				a.logger.Warn("skipping entity",
					zap.String("symbol", r.symbol),
					zap.Error(r.err))
				failures = append(failures, Failure{Symbol: r.symbol, Err: r.err})
				continue
			}
			entities = append(entities, r.entity)
		}
		a.writeBack(results)
	}
	if err := ctx.Err(); err != nil {
		return entities, failures, err
	}
	return entities, failures, nil
}

type result struct {
	symbol  string
	entity  Entity
	fetched bool
	err     error
}

func (a *Aggregator) runBatch(ctx context.Context, batch []string) []result {
	results := make([]result, len(batch))
	var wg sync.WaitGroup
	for i, symbol := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = a.loadOne(ctx, symbol)
		}()
	}
	wg.Wait()
	return results
}

// loadOne fetches the quote and whatever metadata is not cached. The first
// failing sub-field cancels its siblings.
func (a *Aggregator) loadOne(ctx context.Context, symbol string) (res result) {
	res.symbol = symbol
	defer func() {
		if rec := recover(); rec != nil {
			res.err = fmt.Errorf("panic loading %s: %v", symbol, rec)
		}
	}()

	md, cached := a.meta.Get(symbol)
	entity := Entity{Symbol: symbol, Lookup: md.Lookup, Metrics: md.Metrics}
	var lookupFetched, metricsFetched bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := a.src.Quote(gctx, symbol)
		if err != nil {
			return fmt.Errorf("quote: %w", err)
		}
		entity.Quote = q
		return nil
	})
	if !cached || md.Lookup == nil {
		g.Go(func() error {
			l, err := a.src.Lookup(gctx, symbol)
			if errors.Is(err, ErrFieldUnavailable) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("lookup: %w", err)
			}
			entity.Lookup = &l
			lookupFetched = true
			return nil
		})
	}
	if !cached || md.Metrics == nil {
		g.Go(func() error {
			m, err := a.src.Metrics(gctx, symbol)
			if errors.Is(err, ErrFieldUnavailable) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			entity.Metrics = &m
			metricsFetched = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		res.err = err
		return res
	}
	res.fetched = lookupFetched || metricsFetched
	res.entity = entity
	return res
}

// writeBack stores metadata fetched during a batch.
func (a *Aggregator) writeBack(results []result) {
	wrote := false
	for _, r := range results {
		if r.err != nil || !r.fetched {
			continue
		}
		a.meta.Set(r.symbol, Metadata{Lookup: r.entity.Lookup, Metrics: r.entity.Metrics})
		wrote = true
	}
	if wrote {
		a.meta.Wait()
	}
}

// normalize upper-cases, trims and de-duplicates symbols, keeping first
// occurrence order.
func normalize(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
