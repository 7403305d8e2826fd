package aggregate

import (
	"context"

	"marketdata/internal/provider"
	"marketdata/internal/queue"
	"marketdata/internal/resource"
	"marketdata/internal/router"
)

// RouterSource loads entity fields through the resource router. The quote is
// always fetched upstream; lookup and metrics are served from the router's
// stores when they hold a usable value.
type RouterSource struct {
	Router *router.Router
}

func (s RouterSource) Quote(ctx context.Context, symbol string) (provider.Quote, error) {
	return router.Fetch(ctx, s.Router, resource.QuoteToken, symbol, queue.Normal)
}

func (s RouterSource) Lookup(ctx context.Context, symbol string) (provider.Lookup, error) {
	if !router.HasLoader(s.Router, resource.LookupToken) {
		return provider.Lookup{}, ErrFieldUnavailable
	}
	return router.GetOrRefresh(ctx, s.Router, resource.LookupToken, symbol)
}

func (s RouterSource) Metrics(ctx context.Context, symbol string) (provider.Metrics, error) {
	if !router.HasLoader(s.Router, resource.MetricsToken) {
		return provider.Metrics{}, ErrFieldUnavailable
	}
	return router.GetOrRefresh(ctx, s.Router, resource.MetricsToken, symbol)
}
