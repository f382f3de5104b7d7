package stock

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/synapse-hrrp/synapse-stock/internal/catalog"
	"github.com/synapse-hrrp/synapse-stock/internal/shared"
)

type memoryRepo struct {
	lots           map[int64]*Lot
	movements      []Movement
	nextLotID      int64
	nextMovementID int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{lots: make(map[int64]*Lot)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	if lot, ok := r.lots[lotID]; ok {
		return *lot, nil
	}
	return Lot{}, ErrLotNotFound
}

func (r *memoryRepo) ListLots(ctx context.Context, filter LotFilter) ([]Lot, int, error) {
	var out []Lot
	for _, lot := range r.sortedLots() {
		if filter.ReagentID != 0 && lot.ReagentID != filter.ReagentID {
			continue
		}
		if filter.LocationID != 0 && lot.LocationID != filter.LocationID {
			continue
		}
		switch filter.Status {
		case "":
		case LotStatusExpired:
			if lot.Status != LotStatusActive || !lot.Expired(testNow) {
				continue
			}
		case LotStatusActive:
			if lot.Status != LotStatusActive || lot.Expired(testNow) {
				continue
			}
		default:
			if lot.Status != filter.Status {
				continue
			}
		}
		out = append(out, lot)
	}
	return out, len(out), nil
}

func (r *memoryRepo) ListLotsByReagent(ctx context.Context, reagentID int64) ([]Lot, error) {
	var out []Lot
	for _, lot := range r.sortedLots() {
		if lot.ReagentID == reagentID {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	var out []Movement
	for _, m := range r.movements {
		if filter.LotID != 0 && m.LotID != filter.LotID {
			continue
		}
		if filter.ReagentID != 0 && m.ReagentID != filter.ReagentID {
			continue
		}
		if filter.Reference != "" && m.Reference != filter.Reference {
			continue
		}
		out = append(out, m)
	}
	return out, len(out), nil
}

func (r *memoryRepo) LotStatement(ctx context.Context, lotID int64, from, to time.Time, limit int) ([]StatementEntry, error) {
	balance := decimal.Zero
	var out []StatementEntry
	for _, m := range r.movements {
		if m.LotID != lotID {
			continue
		}
		balance = balance.Add(m.Quantity)
		out = append(out, StatementEntry{Type: m.Type, Quantity: m.Quantity, MovedAt: m.MovedAt, Reference: m.Reference, Notes: m.Notes, Balance: balance})
	}
	return out, nil
}

func (r *memoryRepo) ListLotIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(r.lots))
	for id := range r.lots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memoryRepo) ExpiringLots(ctx context.Context, until time.Time) ([]Lot, error) {
	var out []Lot
	for _, lot := range r.sortedLots() {
		if lot.Status != LotStatusActive || lot.ExpiryDate == nil || !lot.CurrentQty.IsPositive() {
			continue
		}
		if !lot.ExpiryDate.After(until) {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (r *memoryRepo) sortedLots() []Lot {
	out := make([]Lot, 0, len(r.lots))
	for _, lot := range r.lots {
		out = append(out, *lot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *memoryTx) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	return tx.repo.GetLot(ctx, lotID)
}

func (tx *memoryTx) ListLotsForUpdate(ctx context.Context, reagentID, locationID int64) ([]Lot, error) {
	var out []Lot
	for _, lot := range tx.repo.sortedLots() {
		if lot.ReagentID != reagentID || lot.Status != LotStatusActive {
			continue
		}
		if locationID != 0 && lot.LocationID != locationID {
			continue
		}
		out = append(out, lot)
	}
	return out, nil
}

func (tx *memoryTx) FindMergeTargetForUpdate(ctx context.Context, reagentID int64, lotCode string, exp *time.Time, locationID int64) (Lot, error) {
	for _, lot := range tx.repo.sortedLots() {
		if lot.ReagentID != reagentID || lot.LotCode != lotCode || lot.LocationID != locationID {
			continue
		}
		if lot.Status == LotStatusDisposed {
			continue
		}
		if (lot.ExpiryDate == nil) != (exp == nil) {
			continue
		}
		if lot.ExpiryDate != nil && !lot.ExpiryDate.Equal(*exp) {
			continue
		}
		return lot, nil
	}
	return Lot{}, ErrLotNotFound
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	for _, existing := range tx.repo.lots {
		if existing.ReagentID == lot.ReagentID && existing.LotCode == lot.LotCode && existing.LocationID == lot.LocationID {
			return 0, ErrDuplicateLotCode
		}
	}
	tx.repo.nextLotID++
	lot.ID = tx.repo.nextLotID
	tx.repo.lots[lot.ID] = &lot
	return lot.ID, nil
}

func (tx *memoryTx) UpdateLotQuantities(ctx context.Context, lotID int64, currentQty, initialQty decimal.Decimal) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return ErrLotNotFound
	}
	lot.CurrentQty = currentQty
	lot.InitialQty = initialQty
	return nil
}

func (tx *memoryTx) UpdateLotStatus(ctx context.Context, lotID int64, status LotStatus) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return ErrLotNotFound
	}
	lot.Status = status
	return nil
}

func (tx *memoryTx) UpdateLotLocation(ctx context.Context, lotID, locationID int64) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return ErrLotNotFound
	}
	lot.LocationID = locationID
	return nil
}

func (tx *memoryTx) SetLotBlocked(ctx context.Context, lotID int64, blocked bool) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return ErrLotNotFound
	}
	lot.Blocked = blocked
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	tx.repo.nextMovementID++
	m.ID = tx.repo.nextMovementID
	tx.repo.movements = append(tx.repo.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) SumMovements(ctx context.Context, lotID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, m := range tx.repo.movements {
		if m.LotID == lotID {
			sum = sum.Add(m.Quantity)
		}
	}
	return sum, nil
}

type fakeCatalog struct {
	storageErr  error
	invalidated int
}

func (c *fakeCatalog) Reagent(ctx context.Context, id int64) (catalog.Reagent, error) {
	if id <= 0 {
		return catalog.Reagent{}, catalog.ErrReagentNotFound
	}
	return catalog.Reagent{ID: id, SKU: fmt.Sprintf("RG-%d", id), Unit: "L", IsActive: true}, nil
}

func (c *fakeCatalog) Location(ctx context.Context, id int64) (catalog.Location, error) {
	if id <= 0 {
		return catalog.Location{}, catalog.ErrLocationNotFound
	}
	return catalog.Location{ID: id}, nil
}

func (c *fakeCatalog) CheckStorage(ctx context.Context, reagentID, locationID int64) (catalog.Reagent, catalog.Location, error) {
	if c.storageErr != nil {
		return catalog.Reagent{}, catalog.Location{}, c.storageErr
	}
	reagent, err := c.Reagent(ctx, reagentID)
	if err != nil {
		return catalog.Reagent{}, catalog.Location{}, err
	}
	location, err := c.Location(ctx, locationID)
	if err != nil {
		return catalog.Reagent{}, catalog.Location{}, err
	}
	return reagent, location, nil
}

func (c *fakeCatalog) InvalidateReorderAlerts(ctx context.Context) {
	c.invalidated++
}

type memoryIdempotency struct {
	keys map[string]struct{}
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]struct{})}
}

func (s *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = struct{}{}
	return nil
}

func (s *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

var testNow = time.Date(2024, time.November, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memoryRepo, *fakeCatalog) {
	repo := newMemoryRepo()
	cat := &fakeCatalog{}
	svc := NewService(repo, cat, nil, nil, nil)
	svc.now = func() time.Time { return testNow }
	return svc, repo, cat
}

func newTestServiceWithIdempotency() (*Service, *memoryRepo, *memoryIdempotency) {
	repo := newMemoryRepo()
	idem := newMemoryIdempotency()
	svc := NewService(repo, &fakeCatalog{}, nil, idem, nil)
	svc.now = func() time.Time { return testNow }
	return svc, repo, idem
}

func receive(t *testing.T, svc *Service, reagentID int64, code, quantity string, locationID int64, exp *time.Time) Lot {
	t.Helper()
	lot, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		ReagentID:  reagentID,
		LotCode:    code,
		Quantity:   qty(quantity),
		LocationID: locationID,
		ExpiryDate: exp,
	})
	require.NoError(t, err)
	return lot
}

func TestReceiveLotCreatesActiveLotWithMovement(t *testing.T) {
	svc, repo, _ := newTestService()

	lot := receive(t, svc, 7, "HCL-001", "25.5", 1, expiry(2025, time.June, 1))
	require.Equal(t, LotStatusActive, lot.Status)
	require.True(t, lot.CurrentQty.Equal(qty("25.5")))
	require.True(t, lot.InitialQty.Equal(qty("25.5")))

	require.Len(t, repo.movements, 1)
	require.Equal(t, MovementIn, repo.movements[0].Type)
	require.True(t, repo.movements[0].Quantity.Equal(qty("25.5")))
	require.Equal(t, lot.ID, repo.movements[0].LotID)
}

func TestReceiveLotOpeningBalance(t *testing.T) {
	svc, repo, _ := newTestService()

	_, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		ReagentID:  7,
		LotCode:    "HCL-001",
		Quantity:   qty("40"),
		LocationID: 1,
		Opening:    true,
	})
	require.NoError(t, err)
	require.Len(t, repo.movements, 1)
	require.Equal(t, MovementOpening, repo.movements[0].Type)
}

func TestReceiveLotRejectsNonPositiveQuantity(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{ReagentID: 7, LotCode: "X", Quantity: decimal.Zero, LocationID: 1})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.ReceiveLot(context.Background(), ReceiveLotInput{ReagentID: 7, LotCode: "X", Quantity: qty("-3"), LocationID: 1})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReceiveLotDuplicateCode(t *testing.T) {
	svc, _, _ := newTestService()

	receive(t, svc, 7, "HCL-001", "10", 1, nil)
	_, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{ReagentID: 7, LotCode: "HCL-001", Quantity: qty("5"), LocationID: 1})
	require.ErrorIs(t, err, ErrDuplicateLotCode)
}

func TestReceiveLotStorageMismatch(t *testing.T) {
	svc, repo, cat := newTestService()
	cat.storageErr = fmt.Errorf("reagent 7 in location 2: %w", catalog.ErrStorageMismatch)

	_, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{ReagentID: 7, LotCode: "HCL-001", Quantity: qty("10"), LocationID: 2})
	require.ErrorIs(t, err, catalog.ErrStorageMismatch)
	require.Empty(t, repo.lots)
	require.Empty(t, repo.movements)
}

func TestConsumeFEFODrawsEarliestExpiryFirst(t *testing.T) {
	svc, repo, _ := newTestService()

	early := receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.January, 1))
	late := receive(t, svc, 7, "LOT-B", "10", 1, expiry(2025, time.June, 1))

	result, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("15")})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	require.Equal(t, early.ID, result.Movements[0].LotID)
	require.True(t, result.Movements[0].Quantity.Equal(qty("-10")))
	require.Equal(t, late.ID, result.Movements[1].LotID)
	require.True(t, result.Movements[1].Quantity.Equal(qty("-5")))
	require.True(t, result.Remaining.Equal(qty("5")))

	require.True(t, repo.lots[early.ID].CurrentQty.IsZero())
	require.True(t, repo.lots[late.ID].CurrentQty.Equal(qty("5")))
}

func TestConsumeFEFOMovementsShareReference(t *testing.T) {
	svc, _, _ := newTestService()

	receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.January, 1))
	receive(t, svc, 7, "LOT-B", "10", 1, expiry(2025, time.June, 1))

	result, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("12")})
	require.NoError(t, err)
	require.NotEmpty(t, result.Reference)
	for _, m := range result.Movements {
		require.Equal(t, result.Reference, m.Reference)
	}
}

func TestConsumeFEFOInsufficientLeavesLotsUntouched(t *testing.T) {
	svc, repo, _ := newTestService()

	a := receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.January, 1))
	b := receive(t, svc, 7, "LOT-B", "10", 1, expiry(2025, time.June, 1))

	_, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("15")})
	require.NoError(t, err)

	_, err = svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("10")})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Available.Equal(qty("5")))

	require.True(t, repo.lots[a.ID].CurrentQty.IsZero())
	require.True(t, repo.lots[b.ID].CurrentQty.Equal(qty("5")))
	require.Len(t, repo.movements, 4)
}

func TestConsumeFEFOSkipsQuarantinedLots(t *testing.T) {
	svc, _, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.January, 1))
	receive(t, svc, 7, "LOT-B", "10", 1, expiry(2025, time.June, 1))

	_, err := svc.Quarantine(context.Background(), lot.ID, 1)
	require.NoError(t, err)

	_, err = svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("15")})
	require.ErrorIs(t, err, ErrInsufficientStock)

	result, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("10")})
	require.NoError(t, err)
	require.Len(t, result.Movements, 1)
}

func TestConsumeFEFOSkipsExpiredLots(t *testing.T) {
	svc, _, _ := newTestService()

	receive(t, svc, 7, "LOT-A", "10", 1, expiry(2024, time.January, 1))
	receive(t, svc, 7, "LOT-B", "10", 1, expiry(2025, time.June, 1))

	_, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("11")})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestConsumeFEFOReplayedReferenceWritesNoSecondSet(t *testing.T) {
	svc, repo, _ := newTestServiceWithIdempotency()

	receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.June, 1))

	result, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("4"), Reference: "DISP-88"})
	require.NoError(t, err)
	require.Len(t, result.Movements, 1)
	before := len(repo.movements)

	_, err = svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("4"), Reference: "DISP-88"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, repo.movements, before)
	require.True(t, repo.lots[1].CurrentQty.Equal(qty("6")))
}

func TestConsumeFEFOFailedAttemptReleasesReferenceForRetry(t *testing.T) {
	svc, repo, idem := newTestServiceWithIdempotency()

	receive(t, svc, 7, "LOT-A", "5", 1, expiry(2025, time.June, 1))

	_, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("8"), Reference: "DISP-89"})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Empty(t, idem.keys)

	result, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("5"), Reference: "DISP-89"})
	require.NoError(t, err)
	require.Len(t, result.Movements, 1)
	require.True(t, repo.lots[1].CurrentQty.IsZero())
}

func TestAdjustNegativeCannotUndershootZero(t *testing.T) {
	svc, _, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)

	_, _, err := svc.Adjust(context.Background(), AdjustInput{LotID: lot.ID, Quantity: qty("-12"), Notes: "broken bottles"})
	require.ErrorIs(t, err, ErrInsufficientStock)

	updated, movement, err := svc.Adjust(context.Background(), AdjustInput{LotID: lot.ID, Quantity: qty("-4"), Notes: "broken bottles"})
	require.NoError(t, err)
	require.True(t, updated.CurrentQty.Equal(qty("6")))
	require.Equal(t, MovementAdjust, movement.Type)
	require.True(t, movement.Quantity.Equal(qty("-4")))
}

func TestAdjustPositiveBeyondReceiptRaisesInitial(t *testing.T) {
	svc, _, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)

	updated, _, err := svc.Adjust(context.Background(), AdjustInput{LotID: lot.ID, Quantity: qty("3"), Notes: "recount"})
	require.NoError(t, err)
	require.True(t, updated.CurrentQty.Equal(qty("13")))
	require.True(t, updated.InitialQty.Equal(qty("13")))
}

func TestAdjustRejectsZeroQuantity(t *testing.T) {
	svc, _, _ := newTestService()
	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)

	_, _, err := svc.Adjust(context.Background(), AdjustInput{LotID: lot.ID, Quantity: decimal.Zero, Notes: "noop"})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReturnCappedAtReceiptCeiling(t *testing.T) {
	svc, _, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	_, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("6")})
	require.NoError(t, err)

	updated, movement, err := svc.Return(context.Background(), ReturnInput{LotID: lot.ID, Quantity: qty("2")})
	require.NoError(t, err)
	require.True(t, updated.CurrentQty.Equal(qty("6")))
	require.Equal(t, MovementReturn, movement.Type)

	_, _, err = svc.Return(context.Background(), ReturnInput{LotID: lot.ID, Quantity: qty("5")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestQuarantineRoundTrip(t *testing.T) {
	svc, _, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)

	quarantined, err := svc.Quarantine(context.Background(), lot.ID, 1)
	require.NoError(t, err)
	require.Equal(t, LotStatusQuarantine, quarantined.Status)

	_, err = svc.Quarantine(context.Background(), lot.ID, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)

	restored, err := svc.Unquarantine(context.Background(), lot.ID, 1)
	require.NoError(t, err)
	require.Equal(t, LotStatusActive, restored.Status)

	_, err = svc.Unquarantine(context.Background(), lot.ID, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDisposeWritesOffRemainingBalance(t *testing.T) {
	svc, repo, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	_, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("4")})
	require.NoError(t, err)

	disposed, movement, err := svc.Dispose(context.Background(), lot.ID, "contaminated", 1)
	require.NoError(t, err)
	require.Equal(t, LotStatusDisposed, disposed.Status)
	require.True(t, disposed.CurrentQty.IsZero())
	require.Equal(t, MovementDisposal, movement.Type)
	require.True(t, movement.Quantity.Equal(qty("-6")))

	sum := decimal.Zero
	for _, m := range repo.movements {
		if m.LotID == lot.ID {
			sum = sum.Add(m.Quantity)
		}
	}
	require.True(t, sum.IsZero())

	_, _, err = svc.Dispose(context.Background(), lot.ID, "again", 1)
	require.ErrorIs(t, err, ErrAlreadyDisposed)
}

func TestReagentStockTotals(t *testing.T) {
	svc, _, _ := newTestService()

	receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.June, 1))
	expiredLot := receive(t, svc, 7, "LOT-B", "5", 1, expiry(2024, time.January, 1))
	quarantinedLot := receive(t, svc, 7, "LOT-C", "3", 1, nil)
	_, err := svc.Quarantine(context.Background(), quarantinedLot.ID, 1)
	require.NoError(t, err)

	view, err := svc.ReagentStock(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, view.Lots, 3)
	require.True(t, view.Total.Equal(qty("18")))
	require.True(t, view.Available.Equal(qty("10")))

	for _, lv := range view.Lots {
		if lv.ID == expiredLot.ID {
			require.Equal(t, LotStatusExpired, lv.EffectiveStatus)
		}
	}
}

func TestListLotsStatusFilterDerivesExpired(t *testing.T) {
	svc, _, _ := newTestService()

	fresh := receive(t, svc, 7, "LOT-A", "10", 1, expiry(2025, time.June, 1))
	expired := receive(t, svc, 7, "LOT-B", "5", 1, expiry(2024, time.January, 1))
	quarantined := receive(t, svc, 7, "LOT-C", "3", 1, nil)
	_, err := svc.Quarantine(context.Background(), quarantined.ID, 1)
	require.NoError(t, err)

	views, _, err := svc.ListLots(context.Background(), LotFilter{ReagentID: 7, Status: LotStatusExpired})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, expired.ID, views[0].ID)
	require.Equal(t, LotStatusExpired, views[0].EffectiveStatus)

	views, _, err = svc.ListLots(context.Background(), LotFilter{ReagentID: 7, Status: LotStatusActive})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, fresh.ID, views[0].ID)

	views, _, err = svc.ListLots(context.Background(), LotFilter{ReagentID: 7, Status: LotStatusQuarantine})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, quarantined.ID, views[0].ID)
}

func TestLotStatementRunningBalance(t *testing.T) {
	svc, _, _ := newTestService()

	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	_, err := svc.ConsumeFEFO(context.Background(), ConsumeInput{ReagentID: 7, Quantity: qty("4")})
	require.NoError(t, err)
	_, _, err = svc.Adjust(context.Background(), AdjustInput{LotID: lot.ID, Quantity: qty("-1"), Notes: "spill"})
	require.NoError(t, err)

	entries, err := svc.LotStatement(context.Background(), lot.ID, time.Time{}, testNow.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, entries[0].Balance.Equal(qty("10")))
	require.True(t, entries[1].Balance.Equal(qty("6")))
	require.True(t, entries[2].Balance.Equal(qty("5")))
}

func TestExpiringLotsWithinHorizon(t *testing.T) {
	svc, _, _ := newTestService()

	soon := receive(t, svc, 7, "LOT-A", "10", 1, expiry(2024, time.November, 20))
	receive(t, svc, 7, "LOT-B", "10", 1, expiry(2026, time.January, 1))
	receive(t, svc, 7, "LOT-C", "10", 1, nil)

	views, err := svc.ExpiringLots(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, soon.ID, views[0].ID)
}
