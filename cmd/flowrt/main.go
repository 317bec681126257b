package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tessira/flowrt/internal/deps"
	"github.com/tessira/flowrt/internal/events"
	"github.com/tessira/flowrt/internal/logging"
	"github.com/tessira/flowrt/internal/reclaim"
	"github.com/tessira/flowrt/internal/registry"
	"github.com/tessira/flowrt/internal/store"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowrt:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := events.NewHub(logger, cfg.PoolSize)
	defer hub.Close()

	tracker := deps.NewTracker(logger)

	reg := registry.New(registry.Config{
		CleanupInterval:        cfg.cleanupInterval(),
		MaxCompletedAge:        cfg.maxCompletedAge(),
		MaxFailedAge:           cfg.maxFailedAge(),
		MaxConcurrentInstances: cfg.MaxConcurrentInstances,
	}, registry.Options{
		Store:   st,
		Hub:     hub,
		Tracker: tracker,
		Logger:  logger,
	})
	if err := reg.Start(ctx); err != nil {
		return err
	}
	defer reg.Stop()

	reclaimer := reclaim.New(logger)
	if err := reclaimer.RegisterCleaner("completed-instances", cfg.cleanupInterval(), func(ctx context.Context) (int, int64, error) {
		n := reg.CleanupCompleted(ctx, cfg.maxCompletedAge())
		reclaimer.RecordReclaimed(reclaim.KindInstance, int64(n))
		return n, 0, nil
	}); err != nil {
		return err
	}
	if err := reclaimer.RegisterCleaner("cache-entries", cfg.cleanupInterval(), reclaimer.CacheEntryCleaner(cfg.cacheMaxAge())); err != nil {
		return err
	}
	if err := reclaimer.RegisterCleaner("temp-files", cfg.cleanupInterval(), reclaimer.TempFileCleaner(cfg.tempMaxAge())); err != nil {
		return err
	}
	if err := reclaimer.Start(); err != nil {
		return err
	}
	defer reclaimer.Stop()

	logger.Info("flowrt started",
		slog.String("db_path", cfg.DBPath),
		slog.String("cleanup_interval", cfg.cleanupInterval().String()),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Final reclamation pass, then drain pending event deliveries.
	reclaimer.ForceCleanupAll(context.Background())
	hub.Drain()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DBPath == "" {
		logger.Warn("no db_path configured; history is in-memory only")
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
