package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"changedetect/packages/config"
	"changedetect/packages/db"
	"changedetect/packages/logging"
	"changedetect/packages/metrics"
	"changedetect/packages/prober"
	"changedetect/packages/queue"
	"changedetect/packages/worker"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to read .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("FATAL: Failed to load configuration", "error", err)
		return 1
	}
	logging.Setup(cfg.LogFile, cfg.LogLevel, "changedetect")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("--- Starting Resource Change Detection ---",
		"per_host_concurrency", cfg.PerHostConcurrency,
		"per_host_rate", cfg.PerHostRate,
		"probe_timeout", cfg.ProbeTimeout,
		"run_interval", cfg.RunInterval,
	)

	go metrics.ExposeMetrics(cfg.MetricsAddr)

	storage, err := db.New(ctx, cfg.DatabaseURL, db.Config{
		UpdateWriteInterval:  cfg.UpdateWriteInterval,
		UpdateWriteQueueSize: cfg.UpdateWriteQueueSize,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return 1
	}
	defer storage.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		return 1
	}

	dispatcher := prober.New(prober.Config{
		PerHostConcurrency: cfg.PerHostConcurrency,
		PerHostRate:        cfg.PerHostRate,
		UserAgent:          cfg.UserAgent,
		Timeout:            cfg.ProbeTimeout,
	})
	appWorker := worker.New(cfg, storage, queue.New(rdb, cfg.RetrievalQueueKey), dispatcher)

	if cfg.RunInterval <= 0 {
		if err := cycle(ctx, appWorker); err != nil {
			return 1
		}
		return 0
	}

	ticker := time.NewTicker(cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := cycle(ctx, appWorker); err != nil && worker.IsContractViolation(err) {
			return 1
		}
		select {
		case <-ctx.Done():
			slog.Info("Shutdown signal received. Exiting...")
			return 0
		case <-ticker.C:
		}
	}
}

func cycle(ctx context.Context, appWorker *worker.Worker) error {
	slog.Debug("Change detection cycle starting")
	if _, err := appWorker.RunCycle(ctx); err != nil {
		slog.Error("Change detection cycle failed", "error", err)
		return err
	}
	return nil
}
