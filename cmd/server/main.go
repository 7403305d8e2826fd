package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"marketdata/internal/config"
	"marketdata/internal/marketdata"
)

func main() {
	// Config
	cfgPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic("config: " + err.Error())
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Providers.Finnhub.Enabled && cfg.Providers.Finnhub.APIKey == "" {
		logger.Warn("finnhub enabled but FINNHUB_API_KEY not set")
	}
	if cfg.Providers.FMP.Enabled && cfg.Providers.FMP.APIKey == "" {
		logger.Warn("fmp enabled but FMP_API_KEY not set")
	}
	if cfg.Providers.Marketaux.Enabled && cfg.Providers.Marketaux.APIKey == "" {
		logger.Warn("marketaux enabled but MARKETAUX_API_KEY not set")
	}

	svc, err := marketdata.New(cfg, marketdata.WithLogger(logger))
	if err != nil {
		logger.Fatal("building service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	svc.Start(ctx)

	a := &api{
		svc:     svc,
		logger:  logger.Named("http"),
		timeout: time.Duration(cfg.Server.RequestTimeoutSec) * time.Second,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := svc.Close(); err != nil {
		logger.Warn("service close", zap.Error(err))
	}
}
