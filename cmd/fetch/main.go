// Command fetch loads composite market data for a few symbols once and prints
// it as JSON. Handy for checking API keys and quotas without the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"marketdata/internal/config"
	"marketdata/internal/marketdata"
)

func main() {
	var (
		symbolsCSV string
		configPath string
		timeout    int
		quotesOnly bool
	)
	flag.StringVar(&symbolsCSV, "symbols", getenv("SYMBOLS", "AAPL,MSFT"), "comma-separated ticker symbols")
	flag.StringVar(&configPath, "config", getenv("CONFIG_FILE", ""), "path to config.json or config.yaml (optional)")
	flag.IntVar(&timeout, "timeout", 30, "overall timeout in seconds")
	flag.BoolVar(&quotesOnly, "quotes", false, "fetch quotes only, skip lookup and metrics")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	symbols := config.SplitCSV(symbolsCSV)
	if len(symbols) == 0 {
		logger.Fatal("no symbols provided")
	}

	svc, err := marketdata.New(cfg, marketdata.WithLogger(logger))
	if err != nil {
		logger.Fatal("building service", zap.Error(err))
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing service", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()
	svc.Start(ctx)

	var out any
	if quotesOnly {
		quotes, err := svc.Quotes(ctx, symbols)
		if err != nil {
			logger.Warn("some quotes failed", zap.Error(err))
		}
		out = struct {
			Quotes any `json:"quotes"`
		}{quotes}
	} else {
		entities, err := svc.Composite(ctx, symbols)
		if err != nil {
			logger.Fatal("composite fetch", zap.Error(err))
		}
		logger.Info("composite fetched", zap.Int("requested", len(symbols)), zap.Int("served", len(entities)))
		out = struct {
			Entities any `json:"entities"`
		}{entities}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Fatal("encoding output", zap.Error(err))
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
