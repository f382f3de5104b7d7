package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/synapse-hrrp/synapse-stock/internal/catalog"
	"github.com/synapse-hrrp/synapse-stock/internal/observability"
	"github.com/synapse-hrrp/synapse-stock/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, lotID int64) (Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, int, error)
	ListLotsByReagent(ctx context.Context, reagentID int64) ([]Lot, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
	LotStatement(ctx context.Context, lotID int64, from, to time.Time, limit int) ([]StatementEntry, error)
	ListLotIDs(ctx context.Context) ([]int64, error)
	ExpiringLots(ctx context.Context, until time.Time) ([]Lot, error)
}

// CatalogPort exposes the reference data this core consumes.
type CatalogPort interface {
	Reagent(ctx context.Context, id int64) (catalog.Reagent, error)
	Location(ctx context.Context, id int64) (catalog.Location, error)
	CheckStorage(ctx context.Context, reagentID, locationID int64) (catalog.Reagent, catalog.Location, error)
	InvalidateReorderAlerts(ctx context.Context)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards referenced mutations against double-commit on retry.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates the lot store, FEFO allocator, transfer engine and
// ledger. All quantity-affecting paths run inside one repository transaction.
type Service struct {
	repo        RepositoryPort
	catalog     CatalogPort
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     *observability.Metrics
	now         func() time.Time
	stockFlight singleflight.Group
}

// NewService builds Service. Audit, idempotency and metrics are optional.
func NewService(repo RepositoryPort, cat CatalogPort, audit AuditPort, idem IdempotencyPort, metrics *observability.Metrics) *Service {
	return &Service{
		repo:        repo,
		catalog:     cat,
		audit:       audit,
		idempotency: idem,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ReceiveLotInput describes a goods receipt creating a new lot.
type ReceiveLotInput struct {
	ReagentID  int64
	LotCode    string
	Quantity   decimal.Decimal
	LocationID int64
	ExpiryDate *time.Time
	ReceivedAt time.Time
	UnitCost   decimal.Decimal
	Opening    bool
	Reference  string
	Notes      string
	ActorID    int64
}

// ReceiveLot creates an ACTIVE lot plus its inbound movement. The lot code
// must be unique per reagent.
func (s *Service) ReceiveLot(ctx context.Context, input ReceiveLotInput) (Lot, error) {
	if !input.Quantity.IsPositive() {
		return Lot{}, ErrInvalidQuantity
	}
	if input.LotCode == "" {
		return Lot{}, errors.New("stock: lot code required")
	}
	if _, _, err := s.catalog.CheckStorage(ctx, input.ReagentID, input.LocationID); err != nil {
		return Lot{}, err
	}

	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	mvType := MovementIn
	if input.Opening {
		mvType = MovementOpening
	}

	lot := Lot{
		ReagentID:  input.ReagentID,
		LotCode:    input.LotCode,
		ExpiryDate: input.ExpiryDate,
		ReceivedAt: receivedAt,
		InitialQty: input.Quantity,
		CurrentQty: input.Quantity,
		LocationID: input.LocationID,
		Status:     LotStatusActive,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		_, err = tx.InsertMovement(ctx, Movement{
			ReagentID:  input.ReagentID,
			LotID:      id,
			LocationID: input.LocationID,
			Type:       mvType,
			Quantity:   input.Quantity,
			MovedAt:    receivedAt,
			Reference:  input.Reference,
			Notes:      input.Notes,
			UnitCost:   input.UnitCost,
			ActorID:    input.ActorID,
		})
		return err
	})
	if err != nil {
		return Lot{}, err
	}

	s.metrics.RecordMovement(string(mvType))
	s.catalog.InvalidateReorderAlerts(ctx)
	s.recordAudit(ctx, input.ActorID, "stock:receive", lot.ID, map[string]any{
		"reagent_id":  input.ReagentID,
		"lot_code":    input.LotCode,
		"quantity":    input.Quantity.String(),
		"location_id": input.LocationID,
	})
	return lot, nil
}

// ConsumeInput describes a FEFO consumption request. LocationID zero means
// any location. Reference is the caller's idempotency key; one is generated
// when absent.
type ConsumeInput struct {
	ReagentID  int64
	Quantity   decimal.Decimal
	LocationID int64
	Reference  string
	Notes      string
	ActorID    int64
}

// ConsumeResult reports the committed movements and the eligible quantity
// still on hand after consumption.
type ConsumeResult struct {
	Reference string
	Movements []Movement
	Remaining decimal.Decimal
}

// ConsumeFEFO plans earliest-expiry-first across the reagent's eligible lots
// and commits one OUT movement per planned lot, all sharing the reference.
// Planning and commit happen in one transaction holding the lot row locks, so
// two concurrent consumptions of the same reagent serialize. Replaying a
// caller-supplied reference after a committed success fails with
// shared.ErrIdempotencyConflict and writes nothing.
func (s *Service) ConsumeFEFO(ctx context.Context, input ConsumeInput) (ConsumeResult, error) {
	if !input.Quantity.IsPositive() {
		return ConsumeResult{}, ErrInvalidQuantity
	}
	if _, err := s.catalog.Reagent(ctx, input.ReagentID); err != nil {
		return ConsumeResult{}, err
	}
	if input.LocationID != 0 {
		if _, err := s.catalog.Location(ctx, input.LocationID); err != nil {
			return ConsumeResult{}, err
		}
	}

	reference := input.Reference
	insertedKey := false
	var key string
	if reference == "" {
		reference = uuid.NewString()
	} else if s.idempotency != nil {
		key = shared.IdempotencyKey("consume", strconv.FormatInt(input.ReagentID, 10), reference)
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			return ConsumeResult{}, err
		}
		insertedKey = true
	}

	result := ConsumeResult{Reference: reference}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.ListLotsForUpdate(ctx, input.ReagentID, input.LocationID)
		if err != nil {
			return err
		}
		now := s.now()
		plan, err := PlanFEFO(input.ReagentID, lots, input.Quantity, now)
		if err != nil {
			return err
		}

		available := decimal.Zero
		for _, lot := range lots {
			if lot.Allocatable(now) {
				available = available.Add(lot.CurrentQty)
			}
		}
		result.Remaining = available.Sub(input.Quantity)

		for _, alloc := range plan.Allocations {
			movement := Movement{
				ReagentID:  input.ReagentID,
				LotID:      alloc.Lot.ID,
				LocationID: alloc.Lot.LocationID,
				Type:       MovementOut,
				Quantity:   alloc.Quantity.Neg(),
				MovedAt:    now,
				Reference:  reference,
				Notes:      input.Notes,
				ActorID:    input.ActorID,
			}
			id, err := tx.InsertMovement(ctx, movement)
			if err != nil {
				return err
			}
			movement.ID = id
			result.Movements = append(result.Movements, movement)
			if err := tx.UpdateLotQuantities(ctx, alloc.Lot.ID, alloc.Lot.CurrentQty.Sub(alloc.Quantity), alloc.Lot.InitialQty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		if errors.Is(err, ErrInsufficientStock) {
			s.metrics.RecordAllocation("insufficient")
		} else {
			s.metrics.RecordAllocation("error")
		}
		return ConsumeResult{}, err
	}

	s.metrics.RecordAllocation("ok")
	for range result.Movements {
		s.metrics.RecordMovement(string(MovementOut))
	}
	s.catalog.InvalidateReorderAlerts(ctx)
	s.recordAudit(ctx, input.ActorID, "stock:consume", input.ReagentID, map[string]any{
		"reagent_id": input.ReagentID,
		"quantity":   input.Quantity.String(),
		"reference":  reference,
		"lots":       len(result.Movements),
	})
	return result, nil
}

// AdjustInput describes a manual stock correction on one lot. Quantity is
// signed and non-zero.
type AdjustInput struct {
	LotID     int64
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
	Reference string
	Notes     string
	ActorID   int64
}

// Adjust appends an ADJUST movement. Corrections never rewrite history: an
// erroneous movement stays and its compensation is a new row.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Lot, Movement, error) {
	if input.Quantity.IsZero() {
		return Lot{}, Movement{}, ErrInvalidQuantity
	}
	var lot Lot
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if lot.Blocked {
			return fmt.Errorf("lot %d: %w", lot.ID, ErrLotBlocked)
		}
		if lot.Status == LotStatusDisposed {
			return fmt.Errorf("adjust disposed lot %d: %w", lot.ID, ErrInvalidTransition)
		}
		newQty := lot.CurrentQty.Add(input.Quantity)
		if newQty.IsNegative() {
			return &InsufficientStockError{ReagentID: lot.ReagentID, LotID: lot.ID, Requested: input.Quantity.Neg(), Available: lot.CurrentQty}
		}
		initial := lot.InitialQty
		if newQty.GreaterThan(initial) {
			// A positive correction beyond the receipt is a receipt correction.
			initial = newQty
		}
		movement = Movement{
			ReagentID:  lot.ReagentID,
			LotID:      lot.ID,
			LocationID: lot.LocationID,
			Type:       MovementAdjust,
			Quantity:   input.Quantity,
			MovedAt:    s.now(),
			Reference:  input.Reference,
			Notes:      input.Notes,
			UnitCost:   input.UnitCost,
			ActorID:    input.ActorID,
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		if err := tx.UpdateLotQuantities(ctx, lot.ID, newQty, initial); err != nil {
			return err
		}
		lot.CurrentQty = newQty
		lot.InitialQty = initial
		return nil
	})
	if err != nil {
		return Lot{}, Movement{}, err
	}
	s.metrics.RecordMovement(string(MovementAdjust))
	s.catalog.InvalidateReorderAlerts(ctx)
	s.recordAudit(ctx, input.ActorID, "stock:adjust", lot.ID, map[string]any{
		"lot_id":   lot.ID,
		"quantity": input.Quantity.String(),
		"notes":    input.Notes,
	})
	return lot, movement, nil
}

// ReturnInput describes previously consumed stock coming back into a lot.
type ReturnInput struct {
	LotID     int64
	Quantity  decimal.Decimal
	Reference string
	Notes     string
	ActorID   int64
}

// Return appends a RETURN movement. A lot can only take back up to what was
// drawn from it, so the receipt ceiling still bounds the balance.
func (s *Service) Return(ctx context.Context, input ReturnInput) (Lot, Movement, error) {
	if !input.Quantity.IsPositive() {
		return Lot{}, Movement{}, ErrInvalidQuantity
	}
	var lot Lot
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if lot.Blocked {
			return fmt.Errorf("lot %d: %w", lot.ID, ErrLotBlocked)
		}
		if lot.Status == LotStatusDisposed {
			return fmt.Errorf("return to disposed lot %d: %w", lot.ID, ErrInvalidTransition)
		}
		newQty := lot.CurrentQty.Add(input.Quantity)
		if newQty.GreaterThan(lot.InitialQty) {
			return fmt.Errorf("return exceeds consumed quantity on lot %d: %w", lot.ID, ErrInvalidQuantity)
		}
		movement = Movement{
			ReagentID:  lot.ReagentID,
			LotID:      lot.ID,
			LocationID: lot.LocationID,
			Type:       MovementReturn,
			Quantity:   input.Quantity,
			MovedAt:    s.now(),
			Reference:  input.Reference,
			Notes:      input.Notes,
			ActorID:    input.ActorID,
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		if err := tx.UpdateLotQuantities(ctx, lot.ID, newQty, lot.InitialQty); err != nil {
			return err
		}
		lot.CurrentQty = newQty
		return nil
	})
	if err != nil {
		return Lot{}, Movement{}, err
	}
	s.metrics.RecordMovement(string(MovementReturn))
	s.catalog.InvalidateReorderAlerts(ctx)
	s.recordAudit(ctx, input.ActorID, "stock:return", lot.ID, map[string]any{
		"lot_id":   lot.ID,
		"quantity": input.Quantity.String(),
	})
	return lot, movement, nil
}

// Quarantine transitions ACTIVE to QUARANTINE. No movement is written: the
// quantity does not change, only its eligibility.
func (s *Service) Quarantine(ctx context.Context, lotID, actorID int64) (Lot, error) {
	lot, err := s.transition(ctx, lotID, LotStatusActive, LotStatusQuarantine)
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, actorID, "stock:quarantine", lot.ID, map[string]any{"lot_id": lot.ID})
	return lot, nil
}

// Unquarantine transitions QUARANTINE back to ACTIVE.
func (s *Service) Unquarantine(ctx context.Context, lotID, actorID int64) (Lot, error) {
	lot, err := s.transition(ctx, lotID, LotStatusQuarantine, LotStatusActive)
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, actorID, "stock:unquarantine", lot.ID, map[string]any{"lot_id": lot.ID})
	return lot, nil
}

func (s *Service) transition(ctx context.Context, lotID int64, from, to LotStatus) (Lot, error) {
	var lot Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.Blocked {
			return fmt.Errorf("lot %d: %w", lot.ID, ErrLotBlocked)
		}
		if lot.Status != from {
			return fmt.Errorf("lot %d is %s, want %s: %w", lot.ID, lot.Status, from, ErrInvalidTransition)
		}
		if err := tx.UpdateLotStatus(ctx, lotID, to); err != nil {
			return err
		}
		lot.Status = to
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// Dispose writes off whatever remains in the lot: one DISPOSAL movement of
// minus the balance, then the terminal DISPOSED status. Calling it again
// fails with ErrAlreadyDisposed.
func (s *Service) Dispose(ctx context.Context, lotID int64, reason string, actorID int64) (Lot, Movement, error) {
	var lot Lot
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.Status == LotStatusDisposed {
			return fmt.Errorf("lot %d: %w", lot.ID, ErrAlreadyDisposed)
		}
		if lot.Blocked {
			return fmt.Errorf("lot %d: %w", lot.ID, ErrLotBlocked)
		}
		movement = Movement{
			ReagentID:  lot.ReagentID,
			LotID:      lot.ID,
			LocationID: lot.LocationID,
			Type:       MovementDisposal,
			Quantity:   lot.CurrentQty.Neg(),
			MovedAt:    s.now(),
			Notes:      reason,
			ActorID:    actorID,
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		if err := tx.UpdateLotQuantities(ctx, lot.ID, decimal.Zero, lot.InitialQty); err != nil {
			return err
		}
		if err := tx.UpdateLotStatus(ctx, lot.ID, LotStatusDisposed); err != nil {
			return err
		}
		lot.CurrentQty = decimal.Zero
		lot.Status = LotStatusDisposed
		return nil
	})
	if err != nil {
		return Lot{}, Movement{}, err
	}
	s.metrics.RecordMovement(string(MovementDisposal))
	s.catalog.InvalidateReorderAlerts(ctx)
	s.recordAudit(ctx, actorID, "stock:dispose", lot.ID, map[string]any{
		"lot_id": lot.ID,
		"reason": reason,
	})
	return lot, movement, nil
}

// GetLot returns one lot with its derived status.
func (s *Service) GetLot(ctx context.Context, lotID int64) (LotView, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return LotView{}, err
	}
	return NewLotView(lot, s.now()), nil
}

// ListLots lists lots matching the filter.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]LotView, shared.Pagination, error) {
	lots, total, err := s.repo.ListLots(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	now := s.now()
	views := make([]LotView, 0, len(lots))
	for _, lot := range lots {
		views = append(views, NewLotView(lot, now))
	}
	return views, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// ListMovements queries the ledger.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, shared.Pagination, error) {
	movements, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return movements, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// LotStatement returns the lot's running-balance ledger view.
func (s *Service) LotStatement(ctx context.Context, lotID int64, from, to time.Time, limit int) ([]StatementEntry, error) {
	if _, err := s.repo.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	return s.repo.LotStatement(ctx, lotID, from, to, limit)
}

// ReagentStock returns the reagent with its lots and totals. Concurrent reads
// of the same reagent coalesce into a single repository round trip.
func (s *Service) ReagentStock(ctx context.Context, reagentID int64) (ReagentStock, error) {
	v, err, _ := s.stockFlight.Do(strconv.FormatInt(reagentID, 10), func() (any, error) {
		reagent, err := s.catalog.Reagent(ctx, reagentID)
		if err != nil {
			return ReagentStock{}, err
		}
		lots, err := s.repo.ListLotsByReagent(ctx, reagentID)
		if err != nil {
			return ReagentStock{}, err
		}
		now := s.now()
		result := ReagentStock{Reagent: reagent, Lots: make([]LotView, 0, len(lots)), Total: decimal.Zero, Available: decimal.Zero}
		for _, lot := range lots {
			result.Lots = append(result.Lots, NewLotView(lot, now))
			result.Total = result.Total.Add(lot.CurrentQty)
			if lot.Allocatable(now) {
				result.Available = result.Available.Add(lot.CurrentQty)
			}
		}
		return result, nil
	})
	if err != nil {
		return ReagentStock{}, err
	}
	return v.(ReagentStock), nil
}

// ExpiringLots returns dated lots with stock expiring within the horizon.
func (s *Service) ExpiringLots(ctx context.Context, within time.Duration) ([]LotView, error) {
	now := s.now()
	lots, err := s.repo.ExpiringLots(ctx, now.Add(within))
	if err != nil {
		return nil, err
	}
	views := make([]LotView, 0, len(lots))
	for _, lot := range lots {
		views = append(views, NewLotView(lot, now))
	}
	return views, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "reagent_lot",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
}
