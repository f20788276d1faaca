package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/mangobiz/possync/internal/breaker"
	"github.com/mangobiz/possync/internal/conflictlog"
	"github.com/mangobiz/possync/internal/connection"
	"github.com/mangobiz/possync/internal/queue"
	"github.com/mangobiz/possync/internal/storage/boltdb"
	syncsvc "github.com/mangobiz/possync/internal/sync"
	"github.com/mangobiz/possync/internal/transport/mqtt"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	brokerURL := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	dbPath := flag.String("db", "possync.db", "Path to local database")
	deviceID := flag.String("device", "", "Device ID (generated if empty)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *deviceID == "" {
		*deviceID = "device-" + uuid.New().String()[:8]
	}

	if err := run(*brokerURL, *dbPath, *deviceID, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(brokerURL, dbPath, deviceID string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Локальное хранилище: очередь, сущности, журнал конфликтов
	store, err := boltdb.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	q, err := queue.New(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("failed to restore offline queue: %w", err)
	}

	brk := breaker.New(logger)
	tr := mqtt.New(deviceID, logger)

	mgr := connection.New(tr, q, brk, logger, connection.Config{})
	defer func() {
		if err := mgr.Disconnect(context.Background()); err != nil {
			logger.Error("failed to disconnect", "error", err)
		}
	}()

	mgr.OnOfflineAlert(func(d time.Duration) {
		logger.Warn("device offline for extended period", "duration", d)
	})

	conflicts := conflictlog.NewService(store, logger)
	svc := syncsvc.NewService(mgr, store, conflicts, deviceID, logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync service: %w", err)
	}
	defer svc.Stop()

	logger.Info("sync agent starting",
		"device_id", deviceID, "broker", brokerURL, "db", dbPath)

	// Первое подключение может не удаться - агент продолжает работать
	// офлайн и повторяет попытки в фоне. Потерю уже установленного
	// соединения менеджер обрабатывает сам.
	if err := mgr.Connect(ctx, brokerURL); err != nil {
		logger.Warn("initial connection failed, retrying in background", "error", err)
		go func() {
			backoff := retry.WithCappedDuration(15*time.Second, retry.NewFibonacci(time.Second))
			_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
				if err := mgr.Connect(ctx, brokerURL); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
		}()
	}

	<-ctx.Done()

	logger.Info("shutting down", "queued_operations", mgr.QueuedCount())

	stats := svc.Stats()
	logger.Info("sync session summary",
		"pushed", stats.Pushed,
		"pulled", stats.Pulled,
		"merged", stats.Merged,
		"conflicts", stats.Conflicts,
		"skipped", stats.Skipped)

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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printVersion() {
	fmt.Printf("possync sync agent\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
