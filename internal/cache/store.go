// Package cache implements a time-boxed stale-while-revalidate store with at
// most one background refresh in flight per key and write-through persistence
// to a durable key-value backend.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketdata/internal/clock"
	"marketdata/internal/errs"
	"marketdata/internal/kvstore"
	"marketdata/internal/serialization"
)

// RefreshFunc reloads the value for key. It runs on a background goroutine.
type RefreshFunc[V any] func(ctx context.Context, key string) (V, error)

type options struct {
	clock          clock.Clock
	logger         *zap.Logger
	persist        kvstore.Store
	codec          serialization.Codec
	refreshTimeout time.Duration
}

// Option configures a Store.
type Option func(*options)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPersistence makes the store snapshot itself to kv on every put and
// reload from it at construction.
func WithPersistence(kv kvstore.Store, codec serialization.Codec) Option {
	return func(o *options) {
		o.persist = kv
		o.codec = codec
	}
}

// WithRefreshTimeout bounds each background refresh. Defaults to 30s.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.refreshTimeout = d
		}
	}
}

// Store is a keyed cache of V. All state is owned by the store and guarded by
// its mutex; callers only go through its methods.
type Store[V any] struct {
	name   string
	opts   options
	stats  *Stats
	logger *zap.Logger

	mu         sync.Mutex
	entries    map[string]*Entry[V]
	inflight   map[string]struct{}
	seq        uint64
	persistOff bool

	persistMu sync.Mutex
	savedSeq  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a store named name. With persistence configured, the previous
// snapshot is loaded and expired entries are swept before New returns.
func New[V any](name string, opts ...Option) *Store[V] {
	o := options{
		clock:          clock.Real(),
		logger:         zap.NewNop(),
		codec:          serialization.JSON,
		refreshTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store[V]{
		name:     name,
		opts:     o,
		stats:    newStats(),
		logger:   o.logger.With(zap.String("store", name)),
		entries:  make(map[string]*Entry[V]),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.load()
	return s
}

// Name returns the store's name, which is also its persistence key suffix.
func (s *Store[V]) Name() string { return s.name }

func (s *Store[V]) persistKey() string { return "cache/" + s.name }

func (s *Store[V]) load() {
	if s.opts.persist == nil {
		return
	}
	data, err := s.opts.persist.Load(s.ctx, s.persistKey())
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("cache snapshot unavailable, continuing in memory", zap.Error(errs.New(errs.ErrStorage, "cache load", err)))
		s.persistOff = true
		return
	}
	var snap map[string]Entry[V]
	if err := s.opts.codec.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("discarding unreadable cache snapshot", zap.Error(errs.New(errs.ErrStorage, "cache load", err)))
		return
	}
	now := s.opts.clock.Now()
	dropped := 0
	for k, e := range snap {
		if e.StateAt(now) == Expired {
			dropped++
			continue
		}
		e := e
		s.entries[k] = &e
	}
	s.logger.Debug("cache snapshot loaded", zap.Int("entries", len(s.entries)), zap.Int("expired", dropped))
}

// Put stores value under key, replacing any previous entry. The entry is kept
// in memory even if the snapshot cannot be encoded; that case is reported as
// an errs.ErrStorage error. Backend write failures are logged and switch the
// store to memory-only for the rest of the process.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) error {
	s.mu.Lock()
	now := s.opts.clock.Now()
	s.entries[key] = &Entry[V]{Value: value, CreatedAt: now, TTL: ttl, LastAccessed: now}
	data, seq, err := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		return errs.New(errs.ErrStorage, "cache put "+s.name, err)
	}
	s.save(data, seq)
	return nil
}

// Get returns the value for key and its tier. Expired entries are evicted and
// reported as Miss. When the entry is Stale and refresh is non-nil, one
// background refresh is started unless one is already running for key; Get
// never waits for it.
func (s *Store[V]) Get(key string, refresh RefreshFunc[V]) (V, State) {
	var zero V

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		s.stats.Misses.Inc()
		return zero, Miss
	}
	now := s.opts.clock.Now()
	state := e.StateAt(now)
	if state == Expired {
		delete(s.entries, key)
		s.mu.Unlock()
		s.stats.Expirations.Inc()
		s.stats.Misses.Inc()
		return zero, Miss
	}
	e.LastAccessed = now
	value, ttl := e.Value, e.TTL

	start := false
	if state == Stale && refresh != nil {
		if _, running := s.inflight[key]; !running {
			s.inflight[key] = struct{}{}
			s.wg.Add(1)
			start = true
		}
	}
	s.mu.Unlock()

	if state == Stale {
		s.stats.StaleHits.Inc()
	} else {
		s.stats.Hits.Inc()
	}
	if start {
		go s.refresh(key, ttl, refresh)
	}
	return value, state
}

func (s *Store[V]) refresh(key string, ttl time.Duration, fn RefreshFunc[V]) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			s.stats.RefreshFailures.Inc()
			s.logger.Error("background refresh panicked", zap.String("key", key), zap.Any("panic", rec))
		}
	}()

	s.stats.Refreshes.Inc()
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.refreshTimeout)
	defer cancel()

	v, err := fn(ctx, key)
	if err != nil {
		s.stats.RefreshFailures.Inc()
		s.logger.Warn("background refresh failed, serving stale value", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.Put(key, v, ttl); err != nil {
		s.logger.Warn("storing refreshed value", zap.String("key", key), zap.Error(err))
	}
}

// Peek returns the entry for key without touching it or triggering a refresh.
// Expired entries are returned with state Expired.
func (s *Store[V]) Peek(key string) (Entry[V], State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry[V]{}, Miss, false
	}
	return *e, e.StateAt(s.opts.clock.Now()), true
}

// Refreshing reports whether a background refresh is in flight for key.
func (s *Store[V]) Refreshing(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// Invalidate removes key.
func (s *Store[V]) Invalidate(key string) {
	s.mu.Lock()
	if _, ok := s.entries[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	data, seq, err := s.snapshotLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("encoding snapshot after invalidate", zap.String("key", key), zap.Error(err))
		return
	}
	s.save(data, seq)
}

// SweepExpired removes every expired entry and returns how many were removed.
func (s *Store[V]) SweepExpired() int {
	s.mu.Lock()
	now := s.opts.clock.Now()
	removed := 0
	for k, e := range s.entries {
		if e.StateAt(now) == Expired {
			delete(s.entries, k)
			removed++
		}
	}
	if removed == 0 {
		s.mu.Unlock()
		return 0
	}
	data, seq, err := s.snapshotLocked()
	s.mu.Unlock()

	s.stats.Expirations.Add(int64(removed))
	if err != nil {
		s.logger.Warn("encoding snapshot after sweep", zap.Error(err))
		return removed
	}
	s.save(data, seq)
	return removed
}

// Keys lists the keys currently held, including ones that have expired but
// not been swept yet.
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of held entries.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a copy of the store counters.
func (s *Store[V]) Stats() StatsSnapshot {
	return s.stats.snapshot(s.Len())
}

// Wait blocks until no background refresh is running.
func (s *Store[V]) Wait() {
	s.wg.Wait()
}

// Close cancels running refreshes and waits for them to return.
func (s *Store[V]) Close() {
	s.cancel()
	s.wg.Wait()
}

// snapshotLocked encodes the entry map. Caller holds s.mu.
func (s *Store[V]) snapshotLocked() ([]byte, uint64, error) {
	if s.opts.persist == nil || s.persistOff {
		return nil, 0, nil
	}
	snap := make(map[string]Entry[V], len(s.entries))
	for k, e := range s.entries {
		snap[k] = *e
	}
	data, err := s.opts.codec.Marshal(snap)
	if err != nil {
		return nil, 0, fmt.Errorf("encode snapshot: %w", err)
	}
	s.seq++
	return data, s.seq, nil
}

// save writes a snapshot unless a newer one has already been written.
func (s *Store[V]) save(data []byte, seq uint64) {
	if data == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.savedSeq {
		return
	}
	if err := s.opts.persist.Save(context.Background(), s.persistKey(), data); err != nil {
		s.mu.Lock()
		s.persistOff = true
		s.mu.Unlock()
		s.logger.Warn("cache persistence failed, continuing in memory", zap.Error(errs.New(errs.ErrStorage, "cache save", err)))
		return
	}
	s.savedSeq = seq
}

// LoadSnapshot reads the persisted entries of the store called name without
// constructing a Store.
func LoadSnapshot[V any](ctx context.Context, kv kvstore.Store, codec serialization.Codec, name string) (map[string]Entry[V], error) {
	data, err := kv.Load(ctx, "cache/"+name)
	if err != nil {
		return nil, err
	}
	var snap map[string]Entry[V]
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	return snap, nil
}
