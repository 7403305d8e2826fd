// Package fetch performs the request/decode cycle against upstream providers:
// it classifies HTTP outcomes into the errs taxonomy, retries transport
// failures, trips a per-provider circuit breaker and writes every decoded
// result through to the router.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketdata/internal/clock"
	"marketdata/internal/errs"
	"marketdata/internal/httpx"
	"marketdata/internal/resource"
	"marketdata/internal/retrier"
	"marketdata/internal/router"
)

// maxLoggedPayload caps the raw body attached to decoding errors.
const maxLoggedPayload = 2048

// Endpoint describes one upstream call and how to decode its body into T.
type Endpoint[T any] struct {
	Provider string
	// Op names the call in errors, logs and spans, e.g. "quote".
	Op     string
	Method string
	URL    string
	Header http.Header
	Decode func(body []byte) (T, error)

	// Token and CacheKey select where a decoded result is written through.
	// An empty CacheKey disables the write-through.
	Token    resource.Token[T]
	CacheKey string
}

func (e Endpoint[T]) validate() error {
	if e.Decode == nil {
		return errs.New(errs.ErrInvalidRequest, e.Op, errors.New("endpoint has no decoder"))
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return errs.New(errs.ErrInvalidRequest, e.Op, fmt.Errorf("parsing endpoint url: %w", err))
	}
	if u.Scheme == "" || u.Host == "" {
		return errs.New(errs.ErrInvalidRequest, e.Op, fmt.Errorf("endpoint url %q is not absolute", e.URL))
	}
	return nil
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Zero disables breakers.
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker rejects calls.
	OpenTimeout time.Duration
}

type options struct {
	clock   clock.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
	retry   retrier.Config
	breaker BreakerConfig
	router  *router.Router
}

// Option configures a Client.
type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithRetry sets the retry ceiling and backoff.
func WithRetry(cfg retrier.Config) Option { return func(o *options) { o.retry = cfg } }

func WithBreaker(cfg BreakerConfig) Option { return func(o *options) { o.breaker = cfg } }

// WithRouter enables write-through of decoded results.
func WithRouter(r *router.Router) Option { return func(o *options) { o.router = r } }

// Client sends endpoints through an httpx.Sender.
type Client struct {
	sender  httpx.Sender
	opts    options
	retrier *retrier.Retrier
	logger  *zap.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Client. The default policy is three attempts with linear
// backoff starting at 500ms and breakers tripping after five consecutive
// transport failures.
func New(sender httpx.Sender, opts ...Option) (*Client, error) {
	o := options{
		clock:  clock.Real(),
		logger: zap.NewNop(),
		retry: retrier.Config{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Strategy:    retrier.LinearBackoff,
		},
		breaker: BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("marketdata/fetch")
	}
	r, err := retrier.New(o.retry, o.clock)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	r.TempErrorFunc = retryable

	return &Client{
		sender:   sender,
		opts:     o,
		retrier:  r,
		logger:   o.logger.Named("fetch"),
		tracer:   o.tracer,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// retryable retries transport failures, except while the provider's breaker
// is rejecting calls.
func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return retrier.IsTemporary(err)
}

func (c *Client) breaker(provider string) *gobreaker.CircuitBreaker {
	if c.opts.breaker.ConsecutiveFailures == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	threshold := c.opts.breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     c.opts.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("provider", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		// Only transport failures say anything about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errs.ErrTransport)
		},
	})
	c.breakers[provider] = cb
	return cb
}

// BreakerStates reports the state of every breaker created so far.
func (c *Client) BreakerStates() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.breakers))
	for name, cb := range c.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// Do sends ep, retrying transport failures up to the ceiling, decodes the
// body and writes the result through to the router. A call whose ctx is done
// by the time decoding finishes returns ctx's error and writes nothing.
func Do[T any](ctx context.Context, c *Client, ep Endpoint[T]) (T, error) {
	var zero T
	if err := ep.validate(); err != nil {
		return zero, err
	}

	ctx, span := c.tracer.Start(ctx, "fetch."+ep.Op, trace.WithAttributes(
		attribute.String("provider", ep.Provider),
		attribute.String("cache_key", ep.CacheKey),
	))
	defer span.End()

	req := &httpx.Request{Method: ep.Method, URL: ep.URL, Header: ep.Header}
	var body []byte
	err := c.retrier.Run(ctx, func(ctx context.Context, attempt int) error {
		span.SetAttributes(attribute.Int("attempts", attempt))
		b, err := c.attempt(ctx, ep.Provider, ep.Op, req)
		if err != nil {
			c.logger.Debug("attempt failed",
				zap.String("provider", ep.Provider),
				zap.String("op", ep.Op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return zero, err
	}

	v, err := ep.Decode(body)
	if err != nil {
		payload := body
		if len(payload) > maxLoggedPayload {
			payload = payload[:maxLoggedPayload]
		}
		derr := &errs.Error{Kind: errs.ErrDecoding, Op: ep.Op, Provider: ep.Provider, Payload: payload, Err: err}
		c.logger.Warn("decoding response",
			zap.String("provider", ep.Provider),
			zap.String("op", ep.Op),
			zap.ByteString("payload", payload),
			zap.Error(err))
		span.RecordError(derr)
		span.SetStatus(codes.Error, "decode failed")
		return zero, derr
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if c.opts.router != nil && ep.CacheKey != "" {
		if err := router.Put(c.opts.router, ep.Token, ep.CacheKey, v); err != nil {
			c.logger.Warn("write-through failed",
				zap.Stringer("resource", ep.Token.Type),
				zap.String("key", ep.CacheKey),
				zap.Error(err))
		}
	}
	return v, nil
}

// attempt performs one exchange inside the provider's breaker.
func (c *Client) attempt(ctx context.Context, provider, op string, req *httpx.Request) ([]byte, error) {
	send := func() (any, error) {
		res, err := c.sender.Send(ctx, req)
		if err != nil {
			return nil, &errs.Error{Kind: errs.ErrTransport, Op: op, Provider: provider, Err: err}
		}
		if err := classify(op, provider, res, c.opts.clock.Now()); err != nil {
			return nil, err
		}
		return res.Body, nil
	}

	// A cancelled caller is not a provider failure and is not retried.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cb := c.breaker(provider)
	var out any
	var err error
	if cb == nil {
		out, err = send()
	} else {
		out, err = cb.Execute(send)
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &errs.Error{Kind: errs.ErrTransport, Op: op, Provider: provider, Err: err}
		}
		if ctx.Err() != nil {
			return nil, errors.Join(ctx.Err(), err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

// classify maps a response status to the error taxonomy. 2xx is success.
// now resolves HTTP-date Retry-After values.
func classify(op, provider string, res *httpx.Response, now time.Time) error {
	switch {
	case res.Status >= 200 && res.Status < 300:
		return nil
	case res.Status == http.StatusTooManyRequests:
		e := errs.RateLimited(op, provider, parseRetryAfter(res.Header.Get("Retry-After"), now))
		e.Status = res.Status
		return e
	case res.Status >= 500:
		return &errs.Error{Kind: errs.ErrTransport, Op: op, Provider: provider, Status: res.Status}
	default:
		return &errs.Error{Kind: errs.ErrInvalidRequest, Op: op, Provider: provider, Status: res.Status}
	}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
