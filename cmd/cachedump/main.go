// Command cachedump prints the persisted cache snapshots with the tier of
// every entry, without starting the service or touching any provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"

	"marketdata/internal/cache"
	"marketdata/internal/config"
	"marketdata/internal/kvstore"
	"marketdata/internal/marketdata"
	"marketdata/internal/provider"
	"marketdata/internal/resource"
	"marketdata/internal/serialization"
)

var (
	header = color.New(color.FgCyan, color.Bold)
	fresh  = color.New(color.FgGreen)
	stale  = color.New(color.FgYellow)
	gone   = color.New(color.FgRed)
)

type row struct {
	key     string
	state   cache.State
	age     time.Duration
	expires time.Time
}

func main() {
	var (
		configPath string
		only       string
	)
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json or config.yaml (optional)")
	flag.StringVar(&only, "type", "", "dump a single resource type (quote, lookup, metrics, symbol_search, news)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fail("config: %v", err)
	}
	kv, closer, err := marketdata.OpenKVStore(cfg.Cache)
	if err != nil {
		fail("opening cache backend: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	if kv == nil {
		fail("cache backend %q does not persist anything", cfg.Cache.Backend)
	}
	codec, err := serialization.ByName(cfg.Cache.Serialization)
	if err != nil {
		fail("%v", err)
	}

	types := resource.All()
	if only != "" {
		typ, err := resource.ParseType(only)
		if err != nil {
			fail("%v", err)
		}
		types = []resource.Type{typ}
	}

	ctx := context.Background()
	now := time.Now()
	for _, typ := range types {
		rows, err := dump(ctx, kv, codec, typ, now)
		header.Printf("== %s ", typ)
		switch {
		case errors.Is(err, kvstore.ErrNotFound):
			fmt.Println("(no snapshot)")
			continue
		case err != nil:
			gone.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("(%d entries)\n", len(rows))
		for _, r := range rows {
			c := fresh
			switch r.state {
			case cache.Stale:
				c = stale
			case cache.Expired:
				c = gone
			}
			c.Printf("  %-8s", r.state)
			fmt.Printf(" %-24s age %-10s expires %s\n", r.key, r.age.Truncate(time.Second), r.expires.Format(time.RFC3339))
		}
	}
}

func dump(ctx context.Context, kv kvstore.Store, codec serialization.Codec, typ resource.Type, now time.Time) ([]row, error) {
	switch typ {
	case resource.Quote:
		return rowsOf[provider.Quote](ctx, kv, codec, typ, now)
	case resource.Lookup:
		return rowsOf[provider.Lookup](ctx, kv, codec, typ, now)
	case resource.Metrics:
		return rowsOf[provider.Metrics](ctx, kv, codec, typ, now)
	case resource.SymbolSearch:
		return rowsOf[[]provider.SearchResult](ctx, kv, codec, typ, now)
	case resource.News:
		return rowsOf[[]provider.NewsItem](ctx, kv, codec, typ, now)
	default:
		return nil, fmt.Errorf("no decoder for %s", typ)
	}
}

func rowsOf[V any](ctx context.Context, kv kvstore.Store, codec serialization.Codec, typ resource.Type, now time.Time) ([]row, error) {
	snap, err := cache.LoadSnapshot[V](ctx, kv, codec, typ.String())
	if err != nil {
		return nil, err
	}
	rows := make([]row, 0, len(snap))
	for k, e := range snap {
		rows = append(rows, row{key: k, state: e.StateAt(now), age: now.Sub(e.CreatedAt), expires: e.ExpiresAt()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	return rows, nil
}

func fail(format string, args ...any) {
	gone.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
