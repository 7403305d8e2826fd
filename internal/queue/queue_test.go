package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"marketdata/internal/queue"
)

type openGate struct{}

func (openGate) Acquire(string) bool { return true }

// denyingGate refuses the first n acquisitions of each listed class.
type denyingGate struct {
	mu   sync.Mutex
	deny map[string]int
}

func (g *denyingGate) Acquire(class string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny[class] > 0 {
		g.deny[class]--
		return false
	}
	return true
}

type recorder struct {
	mu    sync.Mutex
	order []string
	wg    sync.WaitGroup
}

func (r *recorder) action(name string) queue.Action {
	r.wg.Add(1)
	return func(context.Context) error {
		defer r.wg.Done()
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return nil
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	t.Parallel()

	// Arrange: requests buffered before the drainer starts
	q := queue.New(openGate{}, queue.WithConcurrency(1))
	t.Cleanup(q.Close)
	rec := &recorder{}
	for _, r := range []struct {
		name string
		p    queue.Priority
	}{
		{"low", queue.Low},
		{"high", queue.High},
		{"normal", queue.Normal},
		{"immediate", queue.Immediate},
	} {
		_, err := q.Enqueue("finnhub", r.p, rec.action(r.name))
		require.NoError(t, err)
	}

	// Act
	q.Start(t.Context())
	rec.wg.Wait()

	// Assert
	require.Equal(t, []string{"immediate", "high", "normal", "low"}, rec.order)
	require.Equal(t, int64(4), q.Stats().Executed)
}

func TestQueue_FIFOWithinBand(t *testing.T) {
	t.Parallel()

	q := queue.New(openGate{})
	t.Cleanup(q.Close)
	rec := &recorder{}
	for _, name := range []string{"a", "b", "c"} {
		_, err := q.Enqueue("finnhub", queue.Normal, rec.action(name))
		require.NoError(t, err)
	}

	q.Start(t.Context())
	rec.wg.Wait()
	require.Equal(t, []string{"a", "b", "c"}, rec.order)
}

func TestQueue_DeniedRequestGoesToBackOfBand(t *testing.T) {
	t.Parallel()

	// Arrange: the news provider has no token the first time it is asked
	gate := &denyingGate{deny: map[string]int{"marketaux": 1}}
	q := queue.New(gate, queue.WithBackoff(time.Millisecond))
	t.Cleanup(q.Close)
	rec := &recorder{}
	_, err := q.Enqueue("marketaux", queue.Normal, rec.action("news"))
	require.NoError(t, err)
	_, err = q.Enqueue("finnhub", queue.Normal, rec.action("quote"))
	require.NoError(t, err)

	// Act
	q.Start(t.Context())
	rec.wg.Wait()

	// Assert: the other class made progress first, and the denied request still ran once
	require.Equal(t, []string{"quote", "news"}, rec.order)
	stats := q.Stats()
	require.Equal(t, int64(1), stats.Denied)
	require.Equal(t, int64(2), stats.Executed)
	require.Equal(t, 0, q.Len())
}

func TestQueue_FailingActionsDoNotStopDrainer(t *testing.T) {
	t.Parallel()

	// Arrange
	core, logs := observer.New(zapcore.WarnLevel)
	q := queue.New(openGate{}, queue.WithLogger(zap.New(core)))
	t.Cleanup(q.Close)
	rec := &recorder{}

	_, err := q.Enqueue("finnhub", queue.High, func(context.Context) error { panic("boom") })
	require.NoError(t, err)
	_, err = q.Enqueue("finnhub", queue.High, func(context.Context) error { return errors.New("upstream said no") })
	require.NoError(t, err)
	_, err = q.Enqueue("finnhub", queue.Low, rec.action("after"))
	require.NoError(t, err)

	// Act
	q.Start(t.Context())
	rec.wg.Wait()

	// Assert
	require.Equal(t, []string{"after"}, rec.order)
	require.Equal(t, 1, logs.FilterMessage("queued action panicked").Len())
	require.Equal(t, 1, logs.FilterMessage("queued action failed").Len())
	require.Equal(t, int64(2), q.Stats().Failed)
}

func TestQueue_EnqueueWait(t *testing.T) {
	t.Parallel()

	q := queue.New(openGate{})
	t.Cleanup(q.Close)
	q.Start(t.Context())

	want := errors.New("decode failed")
	err := q.EnqueueWait(t.Context(), "fmp", queue.High, func(context.Context) error { return want })
	require.ErrorIs(t, err, want)

	err = q.EnqueueWait(t.Context(), "fmp", queue.High, func(context.Context) error { panic("boom") })
	require.ErrorContains(t, err, "panicked")
}

func TestQueue_EnqueueWaitHonoursContext(t *testing.T) {
	t.Parallel()

	// not started: the request never runs
	q := queue.New(openGate{})
	t.Cleanup(q.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	err := q.EnqueueWait(ctx, "fmp", queue.Normal, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// countingGate grants every acquisition and counts them per class.
type countingGate struct {
	mu    sync.Mutex
	taken map[string]int
}

func (g *countingGate) Acquire(class string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.taken[class]++
	return true
}

func (g *countingGate) count(class string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.taken[class]
}

func TestQueue_AbandonedWaitDoesNotTakeToken(t *testing.T) {
	t.Parallel()

	// Arrange: a waiter that gives up before the drainer starts
	gate := &countingGate{taken: map[string]int{}}
	q := queue.New(gate)
	t.Cleanup(q.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	err := q.EnqueueWait(ctx, "fmp", queue.Low, func(context.Context) error {
		t.Error("abandoned action must not run")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, q.Len())

	// Act: start draining and push a live request behind it
	q.Start(t.Context())
	err = q.EnqueueWait(t.Context(), "fmp", queue.Low, func(context.Context) error { return nil })
	require.NoError(t, err)

	// Assert: only the live request took a token and ran
	require.Equal(t, 1, gate.count("fmp"))
	stats := q.Stats()
	require.Equal(t, int64(1), stats.Abandoned)
	require.Equal(t, int64(1), stats.Executed)
	require.Equal(t, 0, q.Len())
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()

	q := queue.New(openGate{})
	_, err := q.Enqueue("finnhub", queue.Low, func(context.Context) error { return nil })
	require.NoError(t, err)

	q.Close()
	require.Equal(t, 0, q.Len())
	_, err = q.Enqueue("finnhub", queue.Low, func(context.Context) error { return nil })
	require.ErrorIs(t, err, queue.ErrClosed)
	q.Close()
}
