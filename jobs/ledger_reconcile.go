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
	"github.com/synapse-hrrp/synapse-stock/internal/stock"
)

// LedgerReconcileJob replays the movement ledger against every lot's cached
// quantity. Drifting lots come back blocked; an operator resolves them.
type LedgerReconcileJob struct {
	Stock   *stock.Service
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Lock    *shared.JobLock
	clock   func() time.Time
}

// NewLedgerReconcileJob wires dependencies for the reconcile handler.
func NewLedgerReconcileJob(stockSvc *stock.Service, logger *slog.Logger, metrics *observability.Metrics, lock *shared.JobLock) *LedgerReconcileJob {
	return &LedgerReconcileJob{
		Stock:   stockSvc,
		Logger:  logger,
		Metrics: metrics,
		Lock:    lock,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes ledger reconcile tasks.
func (j *LedgerReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Stock == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload LedgerReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	key := shared.JobLockKey("ledger_reconcile")
	token, acquired, err := j.Lock.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if !acquired {
		j.logger().Info("ledger reconcile already running, skipping")
		return nil
	}
	defer func() { _ = j.Lock.Release(ctx, key, token) }()

	tracker := j.Metrics.TrackJob(TaskLedgerReconcile)
	var resultErr error
	defer func() { resultErr = tracker.End(resultErr) }()

	logger := j.logger()
	logger.Info("starting ledger reconcile sweep")

	report, err := j.Stock.ReconcileAll(ctx)
	if err != nil {
		resultErr = err
		logger.Error("ledger reconcile sweep failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("ledger reconcile sweep finished",
		slog.Int("checked_lots", report.CheckedLots),
		slog.Int("drifts", len(report.Drifts)))
	for _, drift := range report.Drifts {
		logger.Warn("ledger drift detected, lot blocked",
			slog.Int64("lot_id", drift.LotID),
			slog.String("cached_qty", drift.CachedQty.String()),
			slog.String("ledger_qty", drift.LedgerQty.String()))
	}
	return resultErr
}

func (j *LedgerReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
