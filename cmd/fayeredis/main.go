package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/7a6163/faye-redis-ng/engine"
	"github.com/7a6163/faye-redis-ng/internal/config"
	"github.com/7a6163/faye-redis-ng/internal/logging"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file (env-only when empty)")
	flag.Parse()

	// A .env in the working directory is a convenience for local runs; its
	// absence is not an error.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cfg *config.AppConfig
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}

	logger := logging.New(logging.FromLevelName(func() string {
		if cfg != nil {
			return cfg.LogLevel
		}
		return "info"
	}()))

	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	if err := cfg.ResolvePassword(ctx); err != nil {
		logger.Error("failed to resolve redis password", "error", err)
		return err
	}

	registry := prometheus.NewRegistry()
	opts := cfg.EngineOptions()

	eng, err := engine.New(
		engine.WithOptions(opts),
		engine.WithLogger(logger),
		engine.WithMetricsRegistry(registry),
	)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return err
	}
	defer func() {
		if err := eng.Disconnect(); err != nil {
			logger.Error("engine shutdown error", "error", err)
		}
	}()

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !eng.Connected(r.Context()) {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         cfg.Admin.Addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin endpoint listening", "addr", cfg.Admin.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
			return err
		}
		return nil
	}
}
