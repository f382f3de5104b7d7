package stock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Drift records one lot whose cached quantity diverged from its ledger sum.
type Drift struct {
	LotID     int64           `json:"lot_id"`
	CachedQty decimal.Decimal `json:"cached_qty"`
	LedgerQty decimal.Decimal `json:"ledger_qty"`
}

// ReconcileReport summarises one reconciliation sweep.
type ReconcileReport struct {
	CheckedLots int     `json:"checked_lots"`
	Drifts      []Drift `json:"drifts"`
}

// reconcileConcurrency bounds the fan-out of a full sweep.
const reconcileConcurrency = 8

// ReconcileLot recomputes the lot's quantity from the ledger and compares it
// to the cache. Drift write-blocks the lot and surfaces as
// LedgerIntegrityError; it is never corrected silently. A match on an
// already-blocked lot does not unblock it: that is the operator's call.
func (s *Service) ReconcileLot(ctx context.Context, lotID int64) error {
	var drift *LedgerIntegrityError
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		sum, err := tx.SumMovements(ctx, lot.ID)
		if err != nil {
			return err
		}
		if sum.Equal(lot.CurrentQty) {
			return nil
		}
		// Commit the block flag, then report.
		if err := tx.SetLotBlocked(ctx, lot.ID, true); err != nil {
			return err
		}
		drift = &LedgerIntegrityError{LotID: lot.ID, CachedQty: lot.CurrentQty, LedgerQty: sum}
		return nil
	})
	if err != nil {
		return err
	}
	if drift == nil {
		return nil
	}
	s.metrics.RecordIntegrityDrift()
	s.recordAudit(ctx, 0, "stock:integrity_drift", drift.LotID, map[string]any{
		"lot_id":     drift.LotID,
		"cached_qty": drift.CachedQty.String(),
		"ledger_qty": drift.LedgerQty.String(),
	})
	return drift
}

// ReconcileAll sweeps every lot. Drifts are findings, not failures: the sweep
// keeps going and reports them all.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	ids, err := s.repo.ListLotIDs(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	var mu sync.Mutex
	report := ReconcileReport{CheckedLots: len(ids)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.ReconcileLot(gctx, id)
			var integrity *LedgerIntegrityError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &integrity):
				mu.Lock()
				report.Drifts = append(report.Drifts, Drift{LotID: integrity.LotID, CachedQty: integrity.CachedQty, LedgerQty: integrity.LedgerQty})
				mu.Unlock()
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}
	return report, nil
}

// ResolveDrift is the operator's explicit reconciliation of a blocked lot: the
// ledger is the authority, so the cache is reset to the ledger sum, the block
// is lifted, and the correction is audited.
func (s *Service) ResolveDrift(ctx context.Context, lotID, actorID int64) (Lot, error) {
	var lot Lot
	var before decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if !lot.Blocked {
			return fmt.Errorf("lot %d is not blocked: %w", lot.ID, ErrInvalidTransition)
		}
		sum, err := tx.SumMovements(ctx, lot.ID)
		if err != nil {
			return err
		}
		if sum.IsNegative() {
			return &LedgerIntegrityError{LotID: lot.ID, CachedQty: lot.CurrentQty, LedgerQty: sum}
		}
		before = lot.CurrentQty
		initial := lot.InitialQty
		if sum.GreaterThan(initial) {
			initial = sum
		}
		if err := tx.UpdateLotQuantities(ctx, lot.ID, sum, initial); err != nil {
			return err
		}
		if err := tx.SetLotBlocked(ctx, lot.ID, false); err != nil {
			return err
		}
		lot.CurrentQty = sum
		lot.InitialQty = initial
		lot.Blocked = false
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, actorID, "stock:resolve_drift", lot.ID, map[string]any{
		"lot_id":     lot.ID,
		"before_qty": before.String(),
		"after_qty":  lot.CurrentQty.String(),
	})
	return lot, nil
}
