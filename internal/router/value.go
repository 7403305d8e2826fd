package router

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketdata/internal/cache"
	"marketdata/internal/errs"
	"marketdata/internal/queue"
	"marketdata/internal/resource"
)

// Cached returns the cached value for key without any network activity. It
// never triggers a refresh; expired values are misses.
func Cached[T any](r *Router, tok resource.Token[T], key string) (T, bool) {
	var zero T
	st := storeFor(r, tok)
	if !r.mayHave(tok.Type, key) {
		return zero, false
	}
	v, state := st.Get(key, nil)
	return v, state != cache.Miss
}

// Value returns the value for key. Fresh and stale values are returned
// immediately; a stale value also schedules one background refresh when
// backgroundRefresh is set and the type's policy allows it. A miss blocks on a
// foreground load through the queue and propagates its error.
func Value[T any](ctx context.Context, r *Router, tok resource.Token[T], key string, backgroundRefresh bool) (T, error) {
	ctx, span := r.tracer.Start(ctx, "router.value", trace.WithAttributes(
		attribute.String("resource", tok.Type.String()),
		attribute.String("key", key),
	))
	defer span.End()

	pol := r.policies.Policy(tok.Type)
	var refresh cache.RefreshFunc[T]
	if backgroundRefresh && pol.BackgroundRefresh && !r.quotaExhausted(pol.Provider) {
		refresh = func(ctx context.Context, key string) (T, error) {
			return load(ctx, r, tok, key, queue.Low)
		}
	}

	v, state := storeFor(r, tok).Get(key, refresh)
	span.SetAttributes(attribute.String("cache.state", state.String()))
	if state != cache.Miss {
		return v, nil
	}

	v, err := foreground(ctx, r, tok, key, queue.High)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "foreground load failed")
	}
	return v, err
}

// GetOrRefresh is Value with background refresh as the type's policy allows.
func GetOrRefresh[T any](ctx context.Context, r *Router, tok resource.Token[T], key string) (T, error) {
	return Value(ctx, r, tok, key, true)
}

// Fetch loads key from upstream regardless of what is cached, stores it and
// returns it. Concurrent Fetch and miss loads of the same key share one call.
func Fetch[T any](ctx context.Context, r *Router, tok resource.Token[T], key string, p queue.Priority) (T, error) {
	ctx, span := r.tracer.Start(ctx, "router.fetch", trace.WithAttributes(
		attribute.String("resource", tok.Type.String()),
		attribute.String("key", key),
	))
	defer span.End()

	v, err := foreground(ctx, r, tok, key, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
	}
	return v, err
}

// Put stores v under key with the type's TTL. It fails only when the value
// cannot be serialized for persistence.
func Put[T any](r *Router, tok resource.Token[T], key string, v T) error {
	pol := r.policies.Policy(tok.Type)
	r.markKnown(tok.Type, key)
	return storeFor(r, tok).Put(key, v, pol.TTL)
}

// Invalidate drops key from tok's store.
func Invalidate[T any](r *Router, tok resource.Token[T], key string) {
	storeFor(r, tok).Invalidate(key)
}

// Peek returns the raw entry for key, including its tier, without touching it.
func Peek[T any](r *Router, tok resource.Token[T], key string) (cache.Entry[T], cache.State, bool) {
	return storeFor(r, tok).Peek(key)
}

// quotaExhausted reports whether provider has no token left in its window.
func (r *Router) quotaExhausted(provider string) bool {
	if r.limits == nil {
		return false
	}
	_, exhausted := r.limits.Exhausted(provider)
	return exhausted
}

// foreground loads key on behalf of a waiting caller and stores the result.
// Callers for the same key share one load.
func foreground[T any](ctx context.Context, r *Router, tok resource.Token[T], key string, p queue.Priority) (T, error) {
	var zero T
	pol := r.policies.Policy(tok.Type)

	out, err, shared := r.group.Do(bloomKey(tok.Type, key), func() (any, error) {
		if r.limits != nil {
			if wait, exhausted := r.limits.Exhausted(pol.Provider); exhausted {
				return nil, errs.RateLimited("load "+tok.Type.String(), pol.Provider, wait)
			}
		}
		v, err := load(ctx, r, tok, key, p)
		if err != nil {
			return nil, err
		}
		if err := Put(r, tok, key, v); err != nil {
			r.logger.Warn("storing loaded value",
				zap.Stringer("resource", tok.Type),
				zap.String("key", key),
				zap.Error(err))
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	if shared {
		r.logger.Debug("shared foreground load", zap.Stringer("resource", tok.Type), zap.String("key", key))
	}
	return out.(T), nil
}

// load runs the registered loader for key through the priority queue under
// the type's provider class and waits for it.
func load[T any](ctx context.Context, r *Router, tok resource.Token[T], key string, p queue.Priority) (T, error) {
	var zero T
	loader, ok := loaderFor(r, tok)
	if !ok {
		return zero, errs.New(errs.ErrInvalidRequest, "load "+tok.Type.String(), errors.New("no loader registered"))
	}
	pol := r.policies.Policy(tok.Type)

	result := make(chan T, 1)
	err := r.queue.EnqueueWait(ctx, pol.Provider, p, func(qctx context.Context) error {
		// The caller may have given up while the request waited for a token.
		if err := ctx.Err(); err != nil {
			return err
		}
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(qctx, cancel)
		defer stop()

		v, err := loader(lctx, key)
		if err != nil {
			return err
		}
		result <- v
		return nil
	})
	if err != nil {
		return zero, err
	}
	return <-result, nil
}
