// Package jobs schedules and runs background maintenance work.
package jobs

import (
	"time"

	"github.com/hibiken/asynq"
)

// Task type names.
const (
	TaskLedgerIntegrityScan = "ledger:integrity_scan"
	TaskIdempotencyCleanup  = "maintenance:idempotency_cleanup"
)

// Client enqueues background tasks.
type Client struct {
	client *asynq.Client
}

// NewClient builds a task client over redis.
func NewClient(redisAddr string) *Client {
	return &Client{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueIntegrityScan requests an immediate ledger integrity scan.
func (c *Client) EnqueueIntegrityScan() error {
	_, err := c.client.Enqueue(asynq.NewTask(TaskLedgerIntegrityScan, nil), asynq.MaxRetry(3))
	return err
}

// NewScheduler registers the periodic jobs. The integrity scan runs hourly,
// the idempotency key cleanup daily.
func NewScheduler(redisAddr string, loc *time.Location) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: redisAddr},
		&asynq.SchedulerOpts{Location: loc},
	)
	if _, err := scheduler.Register("@every 1h", asynq.NewTask(TaskLedgerIntegrityScan, nil)); err != nil {
		return nil, err
	}
	if _, err := scheduler.Register("@daily", asynq.NewTask(TaskIdempotencyCleanup, nil)); err != nil {
		return nil, err
	}
	return scheduler, nil
}
