package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdsp/featuredb/internal/config"
	"github.com/bdsp/featuredb/pkg/aggregate"
	"github.com/bdsp/featuredb/pkg/api"
	"github.com/bdsp/featuredb/pkg/store"
	"github.com/bdsp/featuredb/pkg/view"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("featuredb starting", "version", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded",
		"listen_addr", cfg.Server.ListenAddr,
		"storage_path", cfg.Storage.Path,
		"aggregates", len(cfg.Aggregate.Aggregates),
		"refresh_interval", time.Duration(cfg.Aggregate.RefreshInterval))

	st, err := store.Open(cfg.ToStoreConfig(), logger)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	maintainer := aggregate.NewMaintainer(cfg.ToAggregateConfig(), st, logger)
	st.RegisterObserver(maintainer)

	assembler, err := view.NewAssembler(cfg.View, st, maintainer, logger)
	if err != nil {
		logger.Error("failed to build feature view", "err", err)
		os.Exit(1)
	}

	server := api.NewServer(api.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		Timeout:         cfg.Server.Timeout,
		IngestRateLimit: cfg.Server.IngestRateLimit,
	}, st, maintainer, assembler, logger)

	go func() {
		logger.Info("api server listening", "addr", cfg.Server.ListenAddr)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
		}
	}()

	// Built-in refresh cadence for deployments without an external
	// scheduler; the /api/v1/refresh endpoint stays authoritative.
	stopRefresh := make(chan struct{})
	if interval := time.Duration(cfg.Aggregate.RefreshInterval); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stopRefresh:
					return
				case now := <-ticker.C:
					if err := maintainer.Refresh(context.Background(), now); err != nil {
						logger.Error("scheduled refresh failed", "err", err)
					}
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	close(stopRefresh)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("server shutdown error", "err", err)
	}
	logger.Info("stopped")
}
