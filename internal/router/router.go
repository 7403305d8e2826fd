// Package router resolves (resource type, key) lookups to the per-type cache
// store and, on stale or missing values, to the registered loader behind the
// priority queue and rate limiter.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"marketdata/internal/cache"
	"marketdata/internal/clock"
	"marketdata/internal/kvstore"
	"marketdata/internal/provider/ratelimit"
	"marketdata/internal/queue"
	"marketdata/internal/resource"
	"marketdata/internal/serialization"
)

// Loader fetches the current value for key from upstream.
type Loader[T any] func(ctx context.Context, key string) (T, error)

// store is the type-erased view of a *cache.Store[T] the router needs for
// maintenance across all types.
type store interface {
	Name() string
	SweepExpired() int
	Stats() cache.StatsSnapshot
	Keys() []string
	Close()
}

type options struct {
	clock          clock.Clock
	logger         *zap.Logger
	kv             kvstore.Store
	codec          serialization.Codec
	tracer         trace.Tracer
	refreshTimeout time.Duration
	bloomCapacity  uint
	bloomFPRate    float64
}

// Option configures a Router.
type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPersistence makes every store snapshot to kv using codec.
func WithPersistence(kv kvstore.Store, codec serialization.Codec) Option {
	return func(o *options) {
		o.kv = kv
		o.codec = codec
	}
}

func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithRefreshTimeout bounds each background refresh, queue wait included.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.refreshTimeout = d }
}

// WithBloom sizes the filter of keys known to the router.
func WithBloom(capacity uint, fpRate float64) Option {
	return func(o *options) {
		o.bloomCapacity = capacity
		o.bloomFPRate = fpRate
	}
}

// Router owns one cache store per resource type and the loaders that refill
// them. Construct one per process and pass it down.
type Router struct {
	policies *resource.Table
	limits   *ratelimit.Registry
	queue    *queue.Queue
	opts     options
	logger   *zap.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	stores  map[resource.Type]store
	loaders map[resource.Type]any

	group singleflight.Group

	bloomMu sync.Mutex
	known   *bloom.BloomFilter
}

// New builds a router. limits may be nil, in which case foreground loads are
// never failed early for an exhausted quota.
func New(policies *resource.Table, q *queue.Queue, limits *ratelimit.Registry, opts ...Option) *Router {
	o := options{
		clock:          clock.Real(),
		logger:         zap.NewNop(),
		codec:          serialization.JSON,
		refreshTimeout: 30 * time.Second,
		bloomCapacity:  100_000,
		bloomFPRate:    0.01,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("marketdata/router")
	}
	return &Router{
		policies: policies,
		limits:   limits,
		queue:    q,
		opts:     o,
		logger:   o.logger.Named("router"),
		tracer:   o.tracer,
		stores:   make(map[resource.Type]store),
		loaders:  make(map[resource.Type]any),
		known:    bloom.NewWithEstimates(o.bloomCapacity, o.bloomFPRate),
	}
}

// Policy returns the effective policy of typ.
func (r *Router) Policy(typ resource.Type) resource.Policy {
	return r.policies.Policy(typ)
}

// Register sets the loader for tok's resource type, replacing any previous one.
func Register[T any](r *Router, tok resource.Token[T], load Loader[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[tok.Type] = load
}

// HasLoader reports whether a loader is registered for tok's type.
func HasLoader[T any](r *Router, tok resource.Token[T]) bool {
	_, ok := loaderFor(r, tok)
	return ok
}

func loaderFor[T any](r *Router, tok resource.Token[T]) (Loader[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loaders[tok.Type].(Loader[T])
	return l, ok
}

// storeFor returns the store of tok's type, creating it on first use. A type
// always maps to the same store.
func storeFor[T any](r *Router, tok resource.Token[T]) *cache.Store[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[tok.Type]; ok {
		typed, ok := s.(*cache.Store[T])
		if !ok {
			panic(fmt.Sprintf("router: resource type %s used with two value types", tok.Type))
		}
		return typed
	}

	storeOpts := []cache.Option{
		cache.WithClock(r.opts.clock),
		cache.WithLogger(r.logger),
		cache.WithRefreshTimeout(r.opts.refreshTimeout),
	}
	if r.opts.kv != nil {
		storeOpts = append(storeOpts, cache.WithPersistence(r.opts.kv, r.opts.codec))
	}
	s := cache.New[T](tok.Type.String(), storeOpts...)
	r.stores[tok.Type] = s
	for _, key := range s.Keys() {
		r.markKnown(tok.Type, key)
	}
	return s
}

func bloomKey(typ resource.Type, key string) string {
	return typ.String() + "/" + key
}

func (r *Router) markKnown(typ resource.Type, key string) {
	r.bloomMu.Lock()
	defer r.bloomMu.Unlock()
	r.known.AddString(bloomKey(typ, key))
}

func (r *Router) mayHave(typ resource.Type, key string) bool {
	r.bloomMu.Lock()
	defer r.bloomMu.Unlock()
	return r.known.TestString(bloomKey(typ, key))
}

// Stores lists the names of the stores created so far.
func (r *Router) Stores() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.stores))
	for _, s := range r.stores {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

func (r *Router) allStores() []store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	return out
}

// SweepExpired sweeps every store and returns the number of entries removed.
func (r *Router) SweepExpired() int {
	removed := 0
	for _, s := range r.allStores() {
		removed += s.SweepExpired()
	}
	return removed
}

// RunSweeper sweeps all stores every interval until ctx is done.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.opts.clock.After(interval):
			if n := r.SweepExpired(); n > 0 {
				r.logger.Debug("swept expired entries", zap.Int("removed", n))
			}
		}
	}
}

// Stats returns the counters of every store keyed by store name.
func (r *Router) Stats() map[string]cache.StatsSnapshot {
	out := make(map[string]cache.StatsSnapshot)
	for _, s := range r.allStores() {
		out[s.Name()] = s.Stats()
	}
	return out
}

// Close cancels background refreshes in every store and waits for them.
func (r *Router) Close() {
	for _, s := range r.allStores() {
		s.Close()
	}
}
