// Package marketdata wires the cache router, rate limiters, request queue,
// fetch client and providers into the service the HTTP server and CLIs call.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketdata/internal/aggregate"
	"marketdata/internal/cache"
	"marketdata/internal/clock"
	"marketdata/internal/config"
	"marketdata/internal/errs"
	"marketdata/internal/fetch"
	"marketdata/internal/httpx"
	"marketdata/internal/kvstore"
	"marketdata/internal/provider"
	"marketdata/internal/provider/finnhub"
	"marketdata/internal/provider/fmp"
	"marketdata/internal/provider/marketaux"
	"marketdata/internal/provider/ratelimit"
	"marketdata/internal/queue"
	"marketdata/internal/resource"
	"marketdata/internal/retrier"
	"marketdata/internal/router"
	"marketdata/internal/search"
	"marketdata/internal/serialization"
)

type options struct {
	clock  clock.Clock
	logger *zap.Logger
	sender httpx.Sender
	kv     kvstore.Store
}

// Option configures a Service.
type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSender replaces the HTTP sender built from the fetch config.
func WithSender(s httpx.Sender) Option { return func(o *options) { o.sender = s } }

// WithKVStore replaces the persistence backend selected by the cache config.
func WithKVStore(kv kvstore.Store) Option { return func(o *options) { o.kv = kv } }

// Service is the entry point for market data. Build one per process with New,
// call Start, and Close it on shutdown.
type Service struct {
	cfg    config.Config
	clock  clock.Clock
	logger *zap.Logger

	limits    *ratelimit.Registry
	queue     *queue.Queue
	router    *router.Router
	fetcher   *fetch.Client
	agg       *aggregate.Aggregator
	debouncer *search.Debouncer

	finnhub   *finnhub.FinnhubAPIClient
	fmp       *fmp.FMPAPIClient
	marketaux *marketaux.MarketauxAPIClient

	closer io.Closer

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// New builds the service from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	o := options{clock: clock.Real(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	s := &Service{cfg: cfg, clock: o.clock, logger: o.logger}

	s.limits = ratelimit.NewRegistry()
	for name, p := range map[string]config.Provider{
		provider.Finnhub:   cfg.Providers.Finnhub,
		provider.FMP:       cfg.Providers.FMP,
		provider.Marketaux: cfg.Providers.Marketaux,
	} {
		if !p.Enabled {
			continue
		}
		s.limits.Register(name, ratelimit.NewTokenBucket(p.Capacity, p.Window(), o.clock))
		if p.CooldownSec > 0 {
			s.limits.RegisterCooldown(name, ratelimit.NewCooldown(name, p.Cooldown(), o.clock))
		}
	}

	s.queue = queue.New(s.limits,
		queue.WithClock(o.clock),
		queue.WithLogger(o.logger),
		queue.WithBackoff(time.Duration(cfg.Queue.BackoffMs)*time.Millisecond),
		queue.WithConcurrency(cfg.Queue.Concurrency))

	ttl, err := cfg.TTLOverrides()
	if err != nil {
		return nil, err
	}
	table, err := resource.NewTable(ttl)
	if err != nil {
		return nil, err
	}

	routerOpts := []router.Option{
		router.WithClock(o.clock),
		router.WithLogger(o.logger),
		router.WithRefreshTimeout(time.Duration(cfg.Cache.RefreshTimeoutSec) * time.Second),
	}
	if cfg.Cache.BloomCapacity > 0 {
		routerOpts = append(routerOpts, router.WithBloom(cfg.Cache.BloomCapacity, 0.01))
	}
	kv := o.kv
	if kv == nil {
		var closer io.Closer
		kv, closer, err = OpenKVStore(cfg.Cache)
		if err != nil {
			return nil, err
		}
		s.closer = closer
	}
	if kv != nil {
		codec, err := serialization.ByName(cfg.Cache.Serialization)
		if err != nil {
			return nil, fmt.Errorf("cache serialization: %w", err)
		}
		routerOpts = append(routerOpts, router.WithPersistence(kv, codec))
	}
	s.router = router.New(table, s.queue, s.limits, routerOpts...)

	sender := o.sender
	if sender == nil {
		sender = httpx.New(time.Duration(cfg.Fetch.RequestTimeoutSec) * time.Second)
	}
	s.fetcher, err = fetch.New(sender,
		fetch.WithClock(o.clock),
		fetch.WithLogger(o.logger),
		fetch.WithRouter(s.router),
		fetch.WithRetry(retrier.Config{
			MaxAttempts: cfg.Fetch.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Fetch.BackoffMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Fetch.MaxBackoffMs) * time.Millisecond,
			Strategy:    retrier.LinearBackoff,
		}),
		fetch.WithBreaker(fetch.BreakerConfig{
			ConsecutiveFailures: uint32(max(cfg.Fetch.BreakerFailures, 0)),
			OpenTimeout:         time.Duration(cfg.Fetch.BreakerOpenSec) * time.Second,
		}))
	if err != nil {
		return nil, err
	}

	if err := s.registerProviders(); err != nil {
		return nil, err
	}

	s.agg, err = aggregate.New(aggregate.RouterSource{Router: s.router},
		aggregate.WithBatchSize(cfg.Aggregate.BatchSize),
		aggregate.WithMetadata(time.Duration(cfg.Aggregate.MetadataTTLSec)*time.Second, int64(cfg.Aggregate.MetadataCacheSize)),
		aggregate.WithClock(o.clock),
		aggregate.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	s.debouncer = search.NewDebouncer(time.Duration(cfg.Search.DebounceMs)*time.Millisecond,
		search.WithClock(o.clock),
		search.WithLogger(o.logger))
	return s, nil
}

// registerProviders builds a client per enabled provider and registers its
// calls as router loaders.
func (s *Service) registerProviders() error {
	p := s.cfg.Providers
	if p.Finnhub.Enabled {
		var opts []finnhub.FinnhubAPIClientOption
		if p.Finnhub.BaseURL != "" {
			opts = append(opts, finnhub.WithBaseURL(p.Finnhub.BaseURL))
		}
		c, err := finnhub.NewFinnhubAPIClient(p.Finnhub.APIKey, s.fetcher, opts...)
		if err != nil {
			return err
		}
		s.finnhub = c
		router.Register(s.router, resource.QuoteToken, c.Quote)
		router.Register(s.router, resource.LookupToken, c.Profile)
		router.Register(s.router, resource.SymbolSearchToken, c.Search)
	}
	if p.FMP.Enabled {
		opts := []fmp.FMPAPIClientOption{fmp.WithClock(s.clock)}
		if p.FMP.BaseURL != "" {
			opts = append(opts, fmp.WithBaseURL(p.FMP.BaseURL))
		}
		c, err := fmp.NewFMPAPIClient(p.FMP.APIKey, s.fetcher, opts...)
		if err != nil {
			return err
		}
		s.fmp = c
		router.Register(s.router, resource.MetricsToken, c.KeyMetrics)
	}
	if p.Marketaux.Enabled {
		var opts []marketaux.MarketauxAPIClientOption
		if p.Marketaux.BaseURL != "" {
			opts = append(opts, marketaux.WithBaseURL(p.Marketaux.BaseURL))
		}
		c, err := marketaux.NewMarketauxAPIClient(p.Marketaux.APIKey, s.fetcher, opts...)
		if err != nil {
			return err
		}
		s.marketaux = c
		router.Register(s.router, resource.NewsToken, c.News)
	}
	return nil
}

// Start launches the queue drainer and the expiry sweeper. They stop when ctx
// is done or the service is closed.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.queue.Start(ctx)

	interval := time.Duration(s.cfg.Cache.SweepIntervalSec) * time.Second
	if interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.router.RunSweeper(ctx, interval)
		}()
	}
	s.logger.Info("market data service started",
		zap.Strings("stores", resourceNames()),
		zap.Duration("sweep_interval", interval))
}

// Close stops background work, waits for in-flight refreshes and releases the
// persistence backend. Calls after the first return the first call's result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.queue.Close()
		s.router.Close()
		s.agg.Close()
		if s.closer != nil {
			if err := s.closer.Close(); err != nil {
				s.closeErr = fmt.Errorf("closing cache backend: %w", err)
			}
		}
	})
	return s.closeErr
}

func resourceNames() []string {
	all := resource.All()
	out := make([]string, 0, len(all))
	for _, t := range all {
		out = append(out, t.String())
	}
	return out
}

func normalizeSymbol(op, symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", errs.New(errs.ErrInvalidRequest, op, errors.New("symbol is required"))
	}
	return symbol, nil
}

// Quote returns the quote for symbol, from cache when possible.
func (s *Service) Quote(ctx context.Context, symbol string) (provider.Quote, error) {
	symbol, err := normalizeSymbol("quote", symbol)
	if err != nil {
		return provider.Quote{}, err
	}
	return router.GetOrRefresh(ctx, s.router, resource.QuoteToken, symbol)
}

// Quotes returns quotes for symbols in input order, loading misses
// concurrently. Symbols that fail are left out and their errors joined.
func (s *Service) Quotes(ctx context.Context, symbols []string) ([]provider.Quote, error) {
	results := make([]*provider.Quote, len(symbols))
	failures := make([]error, len(symbols))

	var g errgroup.Group
	g.SetLimit(max(s.cfg.Aggregate.BatchSize, 1))
	for i, symbol := range symbols {
		g.Go(func() error {
			q, err := s.Quote(ctx, symbol)
			if err != nil {
				failures[i] = fmt.Errorf("%s: %w", symbol, err)
				return nil
			}
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	out := make([]provider.Quote, 0, len(symbols))
	for _, q := range results {
		if q != nil {
			out = append(out, *q)
		}
	}
	return out, errors.Join(failures...)
}

// Composite returns quote plus company metadata for each symbol. Symbols that
// cannot be fully loaded are skipped and logged.
func (s *Service) Composite(ctx context.Context, symbols []string) ([]aggregate.Entity, error) {
	return s.agg.FetchComposite(ctx, symbols)
}

// SearchSymbols looks up symbols matching query.
func (s *Service) SearchSymbols(ctx context.Context, query string) ([]provider.SearchResult, error) {
	key := finnhub.NormalizeQuery(query)
	if key == "" {
		return nil, errs.New(errs.ErrInvalidRequest, "search", errors.New("query is required"))
	}
	return router.GetOrRefresh(ctx, s.router, resource.SymbolSearchToken, key)
}

// SearchAsYouType is SearchSymbols debounced per stream. A newer call on the
// same stream makes older ones return search.ErrSuperseded.
func (s *Service) SearchAsYouType(ctx context.Context, stream, query string) ([]provider.SearchResult, error) {
	return search.Do(ctx, s.debouncer, stream, func(ctx context.Context) ([]provider.SearchResult, error) {
		return s.SearchSymbols(ctx, query)
	})
}

// News returns recent articles for symbol. A user-initiated call always goes
// upstream and is subject to the provider's cooldown; otherwise cached
// articles are served while they last.
func (s *Service) News(ctx context.Context, symbol string, userInitiated bool) ([]provider.NewsItem, error) {
	symbol, err := normalizeSymbol("news", symbol)
	if err != nil {
		return nil, err
	}
	if !userInitiated {
		return router.GetOrRefresh(ctx, s.router, resource.NewsToken, symbol)
	}
	pol := s.router.Policy(resource.News)
	if err := s.limits.Cooldown(pol.Provider).Allow("news"); err != nil {
		return nil, err
	}
	return router.Fetch(ctx, s.router, resource.NewsToken, symbol, queue.Immediate)
}

// Enqueue schedules a fire-and-forget action against provider's quota.
func (s *Service) Enqueue(provider string, p queue.Priority, action queue.Action) (string, error) {
	return s.queue.Enqueue(provider, p, action)
}

// Stats is a point-in-time view of the service internals.
type Stats struct {
	Stores   map[string]cache.StatsSnapshot `json:"stores"`
	Queue    queue.Stats                    `json:"queue"`
	Buckets  []ratelimit.BucketState        `json:"buckets"`
	Breakers map[string]string              `json:"breakers"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Stores:   s.router.Stats(),
		Queue:    s.queue.Stats(),
		Buckets:  s.limits.Snapshot(),
		Breakers: s.fetcher.BreakerStates(),
	}
}

// Router exposes the resource router for tools that read the cache directly.
func (s *Service) Router() *router.Router { return s.router }
