// Command worker runs the background job processor and scheduler.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	_ = rdb.Close()

	metrics := observability.NewMetrics()

	worker := jobs.NewWorker(jobs.WorkerParams{
		RedisAddr:   cfg.RedisAddr,
		Pool:        pool,
		Metrics:     metrics,
		Idempotency: shared.NewIdempotencyStore(pool),
		Logger:      logger,
	})
	scheduler, err := jobs.NewScheduler(cfg.RedisAddr, time.UTC)
	if err != nil {
		logger.Error("build scheduler", slog.Any("error", err))
		os.Exit(1)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("worker started", slog.String("redis", cfg.RedisAddr))
		return worker.Run()
	})
	group.Go(func() error {
		return scheduler.Run()
	})
	group.Go(func() error {
		<-ctx.Done()
		scheduler.Shutdown()
		worker.Shutdown()
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
