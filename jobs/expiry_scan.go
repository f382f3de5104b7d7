package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/synapse-hrrp/synapse-stock/internal/catalog"
	"github.com/synapse-hrrp/synapse-stock/internal/observability"
	"github.com/synapse-hrrp/synapse-stock/internal/shared"
	"github.com/synapse-hrrp/synapse-stock/internal/stock"
)

// ExpiryScanJob reports lots whose expiry date falls inside the horizon and
// refreshes reorder alerts. Read-only: expiry is derived at read time, the
// scan never mutates lot rows.
type ExpiryScanJob struct {
	Stock   *stock.Service
	Catalog *catalog.Service
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Lock    *shared.JobLock
	Horizon time.Duration
}

// NewExpiryScanJob wires dependencies for the expiry scan handler.
func NewExpiryScanJob(stockSvc *stock.Service, catalogSvc *catalog.Service, logger *slog.Logger, metrics *observability.Metrics, lock *shared.JobLock, horizon time.Duration) *ExpiryScanJob {
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	return &ExpiryScanJob{
		Stock:   stockSvc,
		Catalog: catalogSvc,
		Logger:  logger,
		Metrics: metrics,
		Lock:    lock,
		Horizon: horizon,
	}
}

// Handle processes expiry scan tasks.
func (j *ExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Stock == nil {
		return errors.New("expiry scan: handler not configured")
	}
	var payload ExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	horizon := j.Horizon
	if payload.Horizon > 0 {
		horizon = payload.Horizon
	}

	key := shared.JobLockKey("expiry_scan")
	token, acquired, err := j.Lock.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if !acquired {
		j.logger().Info("expiry scan already running, skipping")
		return nil
	}
	defer func() { _ = j.Lock.Release(ctx, key, token) }()

	tracker := j.Metrics.TrackJob(TaskExpiryScan)
	var resultErr error
	defer func() { resultErr = tracker.End(resultErr) }()

	logger := j.logger().With(slog.Duration("horizon", horizon))
	logger.Info("starting expiry scan")

	lots, err := j.Stock.ExpiringLots(ctx, horizon)
	if err != nil {
		resultErr = err
		logger.Error("expiry scan failed", slog.Any("error", err))
		return resultErr
	}
	for _, lot := range lots {
		logger.Warn("lot expiring soon",
			slog.Int64("lot_id", lot.ID),
			slog.Int64("reagent_id", lot.ReagentID),
			slog.String("lot_code", lot.LotCode),
			slog.String("current_qty", lot.CurrentQty.String()),
			slog.String("effective_status", string(lot.EffectiveStatus)))
	}

	if j.Catalog != nil {
		alerts, err := j.Catalog.ReorderAlerts(ctx)
		if err != nil {
			resultErr = err
			logger.Error("reorder alert refresh failed", slog.Any("error", err))
			return resultErr
		}
		for _, alert := range alerts {
			logger.Warn("reagent at or below reorder point",
				slog.Int64("reagent_id", alert.Reagent.ID),
				slog.String("sku", alert.Reagent.SKU),
				slog.String("available", alert.Available.String()),
				slog.String("reorder_point", alert.Reagent.ReorderPoint.String()))
		}
	}

	logger.Info("expiry scan finished", slog.Int("expiring_lots", len(lots)))
	return resultErr
}

func (j *ExpiryScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
