// Package resource declares the semantic resource types served by the router
// and their cache policies. The Policies table is the one place TTLs live.
package resource

import (
	"fmt"
	"time"

	"marketdata/internal/provider"
)

// Type identifies a kind of cached resource.
type Type int

const (
	Quote Type = iota + 1
	Lookup
	Metrics
	SymbolSearch
	News
)

func (t Type) String() string {
	switch t {
	case Quote:
		return "quote"
	case Lookup:
		return "lookup"
	case Metrics:
		return "metrics"
	case SymbolSearch:
		return "symbol_search"
	case News:
		return "news"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for _, t := range All() {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown resource type %q", s)
}

// All lists every resource type in declaration order.
func All() []Type {
	return []Type{Quote, Lookup, Metrics, SymbolSearch, News}
}

// Policy is the cache and quota behaviour of a resource type.
type Policy struct {
	TTL time.Duration
	// Provider is the upstream that serves the type. It selects the rate
	// limiter bucket and circuit breaker.
	Provider string
	// BackgroundRefresh allows stale hits to trigger a refresh. Types whose
	// quota is too small for speculative traffic turn it off.
	BackgroundRefresh bool
}

// Policies is the static policy table.
var Policies = map[Type]Policy{
	Quote:        {TTL: 30 * time.Second, Provider: provider.Finnhub, BackgroundRefresh: true},
	Lookup:       {TTL: 30 * time.Minute, Provider: provider.Finnhub, BackgroundRefresh: true},
	Metrics:      {TTL: 6 * time.Hour, Provider: provider.FMP, BackgroundRefresh: true},
	SymbolSearch: {TTL: time.Hour, Provider: provider.Finnhub, BackgroundRefresh: true},
	News:         {TTL: 15 * time.Minute, Provider: provider.Marketaux, BackgroundRefresh: false},
}

// Table is a policy table with any startup overrides applied. The zero value
// is not usable; build one with NewTable.
type Table struct {
	policies map[Type]Policy
}

// NewTable copies Policies and applies ttl overrides keyed by Type.String().
// Overrides for unknown types or non-positive durations are rejected.
func NewTable(ttlOverrides map[string]time.Duration) (*Table, error) {
	t := &Table{policies: make(map[Type]Policy, len(Policies))}
	for typ, p := range Policies {
		t.policies[typ] = p
	}
	for name, ttl := range ttlOverrides {
		typ, err := ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("ttl override: %w", err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("ttl override %s: must be positive, got %s", name, ttl)
		}
		p := t.policies[typ]
		p.TTL = ttl
		t.policies[typ] = p
	}
	return t, nil
}

// Policy returns the policy for typ. It panics on an undeclared type, which
// is a programming error.
func (t *Table) Policy(typ Type) Policy {
	p, ok := t.policies[typ]
	if !ok {
		panic(fmt.Sprintf("resource: no policy for %s", typ))
	}
	return p
}

// Token binds a resource type to the Go type of its values so router calls
// are checked at compile time.
type Token[T any] struct {
	Type Type
}

var (
	QuoteToken        = Token[provider.Quote]{Type: Quote}
	LookupToken       = Token[provider.Lookup]{Type: Lookup}
	MetricsToken      = Token[provider.Metrics]{Type: Metrics}
	SymbolSearchToken = Token[[]provider.SearchResult]{Type: SymbolSearch}
	NewsToken         = Token[[]provider.NewsItem]{Type: News}
)
