// Package search debounces as-you-type lookups: each stream keeps at most one
// scheduled call, and scheduling a new one cancels the previous call whether
// it is still waiting out the quiet interval or already running.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketdata/internal/clock"
)

// ErrSuperseded is returned to a caller whose call was replaced by a newer
// one on the same stream.
var ErrSuperseded = errors.New("superseded by a newer search")

// Option configures a Debouncer.
type Option func(*Debouncer)

func WithClock(c clock.Clock) Option { return func(d *Debouncer) { d.clock = c } }

func WithLogger(l *zap.Logger) Option {
	return func(d *Debouncer) {
		if l != nil {
			d.logger = l
		}
	}
}

// Debouncer coalesces bursts of calls per stream.
type Debouncer struct {
	quiet  time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]*pending
	seq     uint64
}

type pending struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// NewDebouncer returns a Debouncer that waits quiet after the latest call
// before running it.
func NewDebouncer(quiet time.Duration, opts ...Option) *Debouncer {
	d := &Debouncer{
		quiet:   quiet,
		clock:   clock.Real(),
		logger:  zap.NewNop(),
		streams: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// register cancels whatever stream had scheduled and installs a new slot.
func (d *Debouncer) register(parent context.Context, stream string) (context.Context, uint64) {
	ctx, cancel := context.WithCancelCause(parent)
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.streams[stream]; ok {
		prev.cancel(ErrSuperseded)
	}
	d.seq++
	d.streams[stream] = &pending{id: d.seq, cancel: cancel}
	return ctx, d.seq
}

func (d *Debouncer) release(stream string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.streams[stream]; ok && p.id == id {
		p.cancel(nil)
		delete(d.streams, stream)
	}
}

// Pending reports how many streams have a call scheduled or running.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Cancel drops whatever stream has scheduled.
func (d *Debouncer) Cancel(stream string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.streams[stream]; ok {
		p.cancel(ErrSuperseded)
		delete(d.streams, stream)
	}
}

// Do schedules fn on stream and blocks until it has run. A later call on the
// same stream makes this one return ErrSuperseded; fn's ctx is cancelled in
// that case, so a superseded fetch never writes through to the cache.
func Do[T any](ctx context.Context, d *Debouncer, stream string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, id := d.register(ctx, stream)
	defer d.release(stream, id)

	select {
	case <-ctx.Done():
		return zero, cause(ctx)
	case <-d.clock.After(d.quiet):
	}
	if ctx.Err() != nil {
		return zero, cause(ctx)
	}

	v, err := fn(ctx)
	if ctx.Err() != nil {
		d.logger.Debug("search dropped", zap.String("stream", stream), zap.Error(context.Cause(ctx)))
		return zero, cause(ctx)
	}
	return v, err
}

// Schedule is the fire-and-forget form of Do. onResult runs on the calling
// goroutine of the scheduled call, only when it was not superseded.
func Schedule[T any](ctx context.Context, d *Debouncer, stream string, fn func(ctx context.Context) (T, error), onResult func(T, error)) {
	go func() {
		v, err := Do(ctx, d, stream, fn)
		if errors.Is(err, ErrSuperseded) {
			return
		}
		if onResult != nil {
			onResult(v, err)
		}
	}()
}

func cause(ctx context.Context) error {
	c := context.Cause(ctx)
	if errors.Is(c, ErrSuperseded) {
		return ErrSuperseded
	}
	if c != nil && c != ctx.Err() {
		return fmt.Errorf("%w: %w", ctx.Err(), c)
	}
	return ctx.Err()
}
