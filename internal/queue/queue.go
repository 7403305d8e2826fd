// Package queue serializes outbound provider calls by priority. A single
// drainer pops the highest-priority, oldest request, asks the rate limiter for
// a token and either dispatches the request or puts it back at the tail of its
// band and backs off.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"marketdata/internal/clock"
)

// ErrClosed is returned when enqueueing on a closed queue, and by EnqueueWait
// when the queue closes before the request ran.
var ErrClosed = errors.New("queue: closed")

// Priority orders requests. Lower values run first.
type Priority int

const (
	Immediate Priority = iota
	High
	Normal
	Low
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case Immediate:
		return "immediate"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Gate grants rate-limit tokens per request class. It must not block.
type Gate interface {
	Acquire(class string) bool
}

// Action is the deferred call. Its ctx is cancelled when the queue closes.
type Action func(ctx context.Context) error

// Request is one queued action.
type Request struct {
	ID         string
	Class      string
	Priority   Priority
	EnqueuedAt time.Time
	// Denials counts how often the request was put back for lack of a token.
	Denials int

	action Action
	// waiter is the context of the caller blocked in EnqueueWait, if any.
	waiter context.Context
}

type options struct {
	clock       clock.Clock
	logger      *zap.Logger
	backoff     time.Duration
	concurrency int
}

type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBackoff sets the drainer's sleep after a denied token. Defaults to 250ms.
func WithBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithConcurrency bounds how many dispatched actions may run at once.
// Defaults to 1, which executes actions strictly one after another.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// Queue is a priority queue with one drainer goroutine.
type Queue struct {
	gate   Gate
	opts   options
	logger *zap.Logger

	mu      sync.Mutex
	bands   [numPriorities][]*Request
	started bool
	closed  bool

	wake  chan struct{}
	slots chan struct{}
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	executed  *atomic.Int64
	denied    *atomic.Int64
	failed    *atomic.Int64
	abandoned *atomic.Int64
}

// New builds a stopped queue. Requests enqueued before Start are buffered and
// dispatched in priority order once the drainer runs.
func New(gate Gate, opts ...Option) *Queue {
	o := options{
		clock:       clock.Real(),
		logger:      zap.NewNop(),
		backoff:     250 * time.Millisecond,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		gate:     gate,
		opts:     o,
		logger:   o.logger.Named("queue"),
		wake:     make(chan struct{}, 1),
		slots:    make(chan struct{}, o.concurrency),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		executed:  atomic.NewInt64(0),
		denied:    atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		abandoned: atomic.NewInt64(0),
	}
}

// Enqueue schedules action under class and priority and returns its request
// ID. The action runs exactly once unless the queue is closed first.
func (q *Queue) Enqueue(class string, p Priority, action Action) (string, error) {
	return q.enqueue(class, p, action, nil)
}

func (q *Queue) enqueue(class string, p Priority, action Action, waiter context.Context) (string, error) {
	if p < Immediate || p >= numPriorities {
		p = Normal
	}
	req := &Request{
		ID:         uuid.NewString(),
		Class:      class,
		Priority:   p,
		EnqueuedAt: q.opts.clock.Now(),
		action:     action,
		waiter:     waiter,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.bands[p] = append(q.bands[p], req)
	q.mu.Unlock()

	q.signal()
	q.logger.Debug("request enqueued",
		zap.String("id", req.ID),
		zap.String("class", class),
		zap.Stringer("priority", p))
	return req.ID, nil
}

// EnqueueWait enqueues action and blocks until it has run, ctx is done or the
// queue closes. It returns the action's error. Once ctx is done the request is
// dropped without taking a token, if it has not been dispatched yet.
func (q *Queue) EnqueueWait(ctx context.Context, class string, p Priority, action Action) error {
	result := make(chan error, 1)
	_, err := q.enqueue(class, p, func(actx context.Context) (err error) {
		defer func() { result <- err }()
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("queued action panicked: %v", rec)
			}
		}()
		return action(actx)
	}, ctx)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the drainer. It stops when ctx is done or Close is called.
// Calling Start more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.drain(ctx)
	}()
}

func (q *Queue) pop() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.bands {
		if len(q.bands[p]) == 0 {
			continue
		}
		req := q.bands[p][0]
		q.bands[p][0] = nil
		q.bands[p] = q.bands[p][1:]
		return req
	}
	return nil
}

func (q *Queue) pushBack(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bands[req.Priority] = append(q.bands[req.Priority], req)
}

func (q *Queue) drain(ctx context.Context) {
	for {
		// Take a run slot before choosing the next request so the choice
		// reflects everything enqueued while workers were busy.
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			return
		case <-q.ctx.Done():
			return
		}

		req := q.pop()
		if req == nil {
			<-q.slots
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			case <-q.ctx.Done():
				return
			}
		}

		if req.waiter != nil && req.waiter.Err() != nil {
			<-q.slots
			q.abandoned.Inc()
			q.logger.Debug("waiter gone, request dropped",
				zap.String("id", req.ID),
				zap.String("class", req.Class),
				zap.Error(req.waiter.Err()))
			continue
		}

		if !q.gate.Acquire(req.Class) {
			<-q.slots
			req.Denials++
			q.denied.Inc()
			q.pushBack(req)
			q.logger.Debug("rate limited, requeued",
				zap.String("id", req.ID),
				zap.String("class", req.Class),
				zap.Int("denials", req.Denials))
			select {
			case <-q.opts.clock.After(q.opts.backoff):
			case <-ctx.Done():
				return
			case <-q.ctx.Done():
				return
			}
			continue
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.slots }()
			q.run(req)
		}()
	}
}

func (q *Queue) run(req *Request) {
	defer func() {
		if rec := recover(); rec != nil {
			q.failed.Inc()
			q.logger.Error("queued action panicked",
				zap.String("id", req.ID),
				zap.String("class", req.Class),
				zap.Any("panic", rec))
		}
	}()
	q.executed.Inc()
	if err := req.action(q.ctx); err != nil {
		q.failed.Inc()
		q.logger.Warn("queued action failed",
			zap.String("id", req.ID),
			zap.String("class", req.Class),
			zap.Stringer("priority", req.Priority),
			zap.Duration("waited", q.opts.clock.Now().Sub(req.EnqueuedAt)),
			zap.Error(err))
	}
}

// Len reports the number of requests waiting to be dispatched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for p := range q.bands {
		n += len(q.bands[p])
	}
	return n
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending   map[string]int `json:"pending"`
	Executed  int64          `json:"executed"`
	Denied    int64          `json:"denied"`
	Failed    int64          `json:"failed"`
	Abandoned int64          `json:"abandoned"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := make(map[string]int, numPriorities)
	for p := range q.bands {
		pending[Priority(p).String()] = len(q.bands[p])
	}
	q.mu.Unlock()
	return Stats{
		Pending:   pending,
		Executed:  q.executed.Load(),
		Denied:    q.denied.Load(),
		Failed:    q.failed.Load(),
		Abandoned: q.abandoned.Load(),
	}
}

// Done is closed once Close has been called.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Close stops the drainer, cancels running actions and waits for them.
// Requests still waiting are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := 0
	for p := range q.bands {
		dropped += len(q.bands[p])
		q.bands[p] = nil
	}
	q.mu.Unlock()

	q.cancel()
	close(q.done)
	q.wg.Wait()
	if dropped > 0 {
		q.logger.Warn("queue closed with pending requests", zap.Int("dropped", dropped))
	}
}
