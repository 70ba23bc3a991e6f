package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/star/handover/internal/api"
	"github.com/star/handover/internal/blob"
	"github.com/star/handover/internal/config"
	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/handover"
	"github.com/star/handover/internal/ingest"
	"github.com/star/handover/internal/propagation"
	"github.com/star/handover/internal/stream"
	"github.com/star/handover/internal/tle"
	"github.com/star/handover/internal/tracing"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRACKER_CONFIG"), "path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	if err := run(cfg, logger); err != nil {
		logger.Error("tracker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Spans go to their own stream; stdout carries the JSON logs.
	traceOut, closeTraceOut, err := tracing.OpenOutput(cfg.Tracing.Output)
	if err != nil {
		return err
	}
	defer closeTraceOut()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	}, traceOut, logger)
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background(), shutdownTracing, logger)

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	cache := elements.New(store, cfg.Elements(), logger)

	// Rehydrate persisted history before the first refresh.
	for name := range cfg.Sources {
		n, err := cache.Load(ctx, name)
		if err != nil {
			logger.Warn("failed to load persisted snapshots", "constellation", name, "error", err)
			continue
		}
		logger.Info("loaded persisted snapshots", "constellation", name, "snapshots", n)
	}

	refresher := ingest.NewRefresher(tle.NewFetcher(logger), cache, cfg.Sources, cfg.Refresh.ParseWorkers, logger)
	broker := stream.NewBroker(cfg.Stream.Buffer, logger)
	monitor := handover.NewMonitor(cache, propagation.NewCatalog(logger), logger,
		handover.WithConcurrency(cfg.Scan.Concurrency),
		handover.WithPublisher(broker),
	)
	streams := stream.NewHandler(broker, monitor, stream.Config{
		MaxConcurrentPerIP: cfg.Stream.MaxPerIP,
		MaxConcurrent:      cfg.Stream.MaxTotal,
		KeepaliveInterval:  cfg.Stream.Keepalive,
	}, logger)

	srv := api.NewServer(cfg.HTTP.Addr, logger, cache, monitor, streams, readiness(cache, cfg))

	go refresher.Run(ctx, cfg.Refresh.Interval, nil)
	go scanLoop(ctx, monitor, cfg, logger)

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", cfg.HTTP.Addr,
			"store", cfg.Store.Backend,
			"sources", len(cfg.Sources),
			"pairs", len(cfg.Scan.Pairs),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server listen error: %w", err)
	}
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.StoreConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "sqlite":
		s, err := blob.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	default:
		s, err := blob.NewFileStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening file store: %w", err)
		}
		return s, nil
	}
}

// readiness passes once every configured constellation has a fresh snapshot.
func readiness(cache *elements.Cache, cfg config.Config) func() error {
	return func() error {
		for name := range cfg.Sources {
			if _, err := cache.GetLatest(name); err != nil {
				return err
			}
		}
		return nil
	}
}

func scanLoop(ctx context.Context, monitor *handover.Monitor, cfg config.Config, logger *slog.Logger) {
	if len(cfg.Scan.Pairs) == 0 {
		logger.Info("no handover pairs configured; scans disabled")
		return
	}

	pairs := make([]handover.Pair, len(cfg.Scan.Pairs))
	for i, p := range cfg.Scan.Pairs {
		pairs[i] = handover.Pair{Constellation: p.Constellation, Serving: p.Serving, Target: p.Target}
	}
	observer := propagation.Geodetic{
		LatDeg: cfg.Scan.ObserverLat,
		LonDeg: cfg.Scan.ObserverLon,
		AltM:   cfg.Scan.ObserverAlt,
	}

	ticker := time.NewTicker(cfg.Scan.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		start := time.Now().UTC().Truncate(time.Second)
		results := monitor.Scan(ctx, handover.ScanRequest{
			Pairs:    pairs,
			Observer: observer,
			Start:    start,
			End:      start.Add(cfg.Scan.Horizon),
			Step:     cfg.Scan.Step,
			D2:       cfg.D2Thresholds(),
			Refine:   cfg.RefineConfig(),
		})
		for _, r := range results {
			if r.Error != "" {
				logger.Debug("pair scan error", "constellation", r.Pair.Constellation, "error", r.Error)
			}
		}
	}
}
