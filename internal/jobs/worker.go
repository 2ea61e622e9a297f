package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// WorkerParams aggregates worker dependencies.
type WorkerParams struct {
	RedisAddr   string
	Pool        *pgxpool.Pool
	Metrics     IntegrityMetrics
	Idempotency *shared.IdempotencyStore
	Logger      *slog.Logger
}

// Worker processes background tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewWorker wires the asynq server with all task handlers.
func NewWorker(p WorkerParams) *Worker {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: p.RedisAddr},
		asynq.Config{
			Concurrency: 4,
			Queues:      map[string]int{"default": 1},
		},
	)

	scanner := NewIntegrityScanner(p.Pool, p.Metrics, p.Logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskLedgerIntegrityScan, func(ctx context.Context, _ *asynq.Task) error {
		return scanner.Run(ctx)
	})
	mux.HandleFunc(TaskIdempotencyCleanup, func(ctx context.Context, _ *asynq.Task) error {
		return p.Idempotency.Cleanup(ctx, 30*24*time.Hour)
	})

	return &Worker{server: server, mux: mux, logger: p.Logger}
}

// Run blocks processing tasks until Shutdown.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Shutdown stops the worker gracefully.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}
