package stock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconcileCleanLotStaysUnblocked(t *testing.T) {
	svc, repo, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	_, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("4")})
	require.NoError(t, err)

	require.NoError(t, svc.ReconcileLot(context.Background(), lot.ID))
	require.False(t, repo.lots[lot.ID].Blocked)
}

func TestReconcileDetectsDriftAndBlocksLot(t *testing.T) {
	svc, repo, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)

	// Tamper with the cache behind the ledger's back.
	repo.lots[lot.ID].CurrentQty = qty("8")

	err := svc.ReconcileLot(context.Background(), lot.ID)
	require.ErrorIs(t, err, ErrLedgerIntegrity)

	var integrity *LedgerIntegrityError
	require.ErrorAs(t, err, &integrity)
	require.Equal(t, lot.ID, integrity.LotID)
	require.True(t, integrity.CachedQty.Equal(qty("8")))
	require.True(t, integrity.LedgerQty.Equal(qty("10")))

	require.True(t, repo.lots[lot.ID].Blocked)
}

func TestBlockedLotRejectsWrites(t *testing.T) {
	svc, repo, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	repo.lots[lot.ID].Blocked = true

	_, _, err := svc.Adjust(context.Background(), AdjustInput{LotID: lot.ID, Quantity: qty("-1"), Notes: "spill"})
	require.ErrorIs(t, err, ErrLotBlocked)

	_, err = svc.Transfer(context.Background(), TransferInput{LotID: lot.ID, ToLocationID: 2, Quantity: qty("5")})
	require.ErrorIs(t, err, ErrLotBlocked)

	_, _, err = svc.Dispose(context.Background(), lot.ID, "write-off", 1)
	require.ErrorIs(t, err, ErrLotBlocked)

	_, err = svc.Quarantine(context.Background(), lot.ID, 1)
	require.ErrorIs(t, err, ErrLotBlocked)
}

func TestReconcileAllReportsDriftsAsFindings(t *testing.T) {
	svc, repo, _ := newTestService()

	clean := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	drifted := receive(t, svc, 7, "LOT-B", "10", 1, nil)
	repo.lots[drifted.ID].CurrentQty = qty("7")

	report, err := svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.CheckedLots)
	require.Len(t, report.Drifts, 1)
	require.Equal(t, drifted.ID, report.Drifts[0].LotID)
	require.True(t, report.Drifts[0].CachedQty.Equal(qty("7")))
	require.True(t, report.Drifts[0].LedgerQty.Equal(qty("10")))

	require.False(t, repo.lots[clean.ID].Blocked)
	require.True(t, repo.lots[drifted.ID].Blocked)
}

func TestResolveDriftResetsCacheToLedger(t *testing.T) {
	svc, repo, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	repo.lots[lot.ID].CurrentQty = qty("8")

	err := svc.ReconcileLot(context.Background(), lot.ID)
	require.ErrorIs(t, err, ErrLedgerIntegrity)

	resolved, err := svc.ResolveDrift(context.Background(), lot.ID, 1)
	require.NoError(t, err)
	require.False(t, resolved.Blocked)
	require.True(t, resolved.CurrentQty.Equal(qty("10")))

	// The lot accepts writes again.
	_, _, err = svc.Adjust(context.Background(), AdjustInput{LotID: lot.ID, Quantity: qty("-2"), Notes: "recount"})
	require.NoError(t, err)
}

func TestResolveDriftRequiresBlockedLot(t *testing.T) {
	svc, _, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	_, err := svc.ResolveDrift(context.Background(), lot.ID, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDriftedLotExcludedFromAllocation(t *testing.T) {
	svc, repo, _ := newTestService()

	blocked := receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.January, 1))
	receive(t, svc, 7, "LOT-B", "10", 1, expiry(2025, time.June, 1))
	repo.lots[blocked.ID].Blocked = true

	result, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("10")})
	require.NoError(t, err)
	require.Len(t, result.Movements, 1)
	require.NotEqual(t, blocked.ID, result.Movements[0].LotID)
}
