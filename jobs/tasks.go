package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile sweeps every lot and compares the cached quantity
	// against the movement ledger sum.
	TaskLedgerReconcile = "stock:ledger_reconcile"
	// TaskExpiryScan reports lots expiring inside the configured horizon and
	// refreshes reorder alerts.
	TaskExpiryScan = "stock:expiry_scan"
	// TaskIdempotencyCleanup prunes consumed idempotency keys past retention.
	TaskIdempotencyCleanup = "stock:idempotency_cleanup"
)

// LedgerReconcilePayload carries scheduling metadata for the nightly sweep.
type LedgerReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerReconcileTask constructs an Asynq task for the ledger sweep.
func NewLedgerReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}

// ExpiryScanPayload optionally overrides the scan horizon.
type ExpiryScanPayload struct {
	ScheduledFor time.Time     `json:"scheduled_for"`
	Horizon      time.Duration `json:"horizon,omitempty"`
}

// NewExpiryScanTask constructs an Asynq task for the expiry scan.
func NewExpiryScanTask(at time.Time, horizon time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(ExpiryScanPayload{ScheduledFor: at, Horizon: horizon})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload optionally overrides the retention window.
type IdempotencyCleanupPayload struct {
	ScheduledFor time.Time     `json:"scheduled_for"`
	Retention    time.Duration `json:"retention,omitempty"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(at time.Time, retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{ScheduledFor: at, Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
