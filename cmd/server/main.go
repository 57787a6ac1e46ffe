package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-sync/internal/api"
	"edge-sync/internal/config"
	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/node"
)

func main() {
	// Root context, cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := os.Getenv("EDGE_SYNC_CONFIG")
	if path == "" {
		path = "configs/edge.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}

	// Logger
	logger := logs.NewJSONLogger(os.Stdout, cfg.Log.Buffer, logs.ParseLevel(cfg.Log.Level))

	// Metrics
	metricsRegistry := metrics.NewRegistry()

	// Node: store, engine, queue, sessions, freshness decider
	n, err := node.New(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		logger.Error("node construction failed", "err", err)
		os.Exit(1)
	}

	// The freshness check must succeed before anything is served.
	if err := n.Start(ctx); err != nil {
		logger.Error("startup sync decision failed", "err", err)
		_ = n.Close(context.Background())
		os.Exit(1)
	}

	// API
	server := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           api.NewRouter(api.NewHandler(n)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Node.Listen, "role", cfg.Node.Role)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := n.Close(shutdownCtx); err != nil {
		logger.Error("node shutdown", "err", err)
		os.Exit(1)
	}
}
