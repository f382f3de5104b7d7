package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/synapse-hrrp/synapse-stock/internal/observability"
	"github.com/synapse-hrrp/synapse-stock/internal/shared"
)

// IdempotencyCleanupJob prunes idempotency keys older than the retention
// window. Keys past retention can no longer guard replays, they only bloat
// the table.
type IdempotencyCleanupJob struct {
	Store     *shared.IdempotencyStore
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Lock      *shared.JobLock
	Retention time.Duration
}

// NewIdempotencyCleanupJob wires dependencies for the cleanup handler.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger, metrics *observability.Metrics, lock *shared.JobLock, retention time.Duration) *IdempotencyCleanupJob {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &IdempotencyCleanupJob{
		Store:     store,
		Logger:    logger,
		Metrics:   metrics,
		Lock:      lock,
		Retention: retention,
	}
}

// Handle processes idempotency cleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := j.Retention
	if payload.Retention > 0 {
		retention = payload.Retention
	}

	key := shared.JobLockKey("idempotency_cleanup")
	token, acquired, err := j.Lock.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if !acquired {
		j.logger().Info("idempotency cleanup already running, skipping")
		return nil
	}
	defer func() { _ = j.Lock.Release(ctx, key, token) }()

	tracker := j.Metrics.TrackJob(TaskIdempotencyCleanup)
	var resultErr error
	defer func() { resultErr = tracker.End(resultErr) }()

	removed, err := j.Store.Cleanup(ctx, retention)
	if err != nil {
		resultErr = err
		j.logger().Error("idempotency cleanup failed", slog.Any("error", err))
		return resultErr
	}
	j.logger().Info("idempotency cleanup finished",
		slog.Int64("removed", removed),
		slog.Duration("retention", retention))
	return resultErr
}

func (j *IdempotencyCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
