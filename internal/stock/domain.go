package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LotStatus enumerates the lifecycle states of a reagent lot.
type LotStatus string

const (
	// LotStatusActive marks a lot available for allocation.
	LotStatusActive LotStatus = "ACTIVE"
	// LotStatusQuarantine excludes a lot from allocation and transfer-out, reversibly.
	LotStatusQuarantine LotStatus = "QUARANTINE"
	// LotStatusExpired is a derived state for lots past their expiry date.
	LotStatusExpired LotStatus = "EXPIRED"
	// LotStatusDisposed is terminal; a disposed lot accepts no further movements.
	LotStatusDisposed LotStatus = "DISPOSED"
)

// MovementType enumerates ledger movement kinds.
type MovementType string

const (
	// MovementOpening records an opening balance loaded outside normal receipt.
	MovementOpening MovementType = "OPENING"
	// MovementIn records an inbound receipt.
	MovementIn MovementType = "IN"
	// MovementOut records consumption.
	MovementOut MovementType = "OUT"
	// MovementAdjust records a manual correction, positive or negative.
	MovementAdjust MovementType = "ADJUST"
	// MovementTransfer records relocation between locations.
	MovementTransfer MovementType = "TRANSFER"
	// MovementDisposal records the terminal write-off of a lot.
	MovementDisposal MovementType = "DISPOSAL"
	// MovementReturn records stock returned into a lot.
	MovementReturn MovementType = "RETURN"
)

// Lot is the unit of inventory: one received batch of a reagent.
// CurrentQty is a cache; the movement ledger is the authority.
type Lot struct {
	ID         int64
	ReagentID  int64
	LotCode    string
	ExpiryDate *time.Time
	ReceivedAt time.Time
	InitialQty decimal.Decimal
	CurrentQty decimal.Decimal
	LocationID int64
	Status     LotStatus
	Blocked    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the lot's expiry date has passed. Expiry dates are
// date-only; a lot expiring today remains usable through the end of that day.
func (l Lot) Expired(now time.Time) bool {
	if l.ExpiryDate == nil {
		return false
	}
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return l.ExpiryDate.Before(today)
}

// EffectiveStatus derives the externally visible status. Expiry is a read-time
// check, not a persisted transition.
func (l Lot) EffectiveStatus(now time.Time) LotStatus {
	if l.Status == LotStatusActive && l.Expired(now) {
		return LotStatusExpired
	}
	return l.Status
}

// Allocatable reports whether the lot is eligible for FEFO allocation.
func (l Lot) Allocatable(now time.Time) bool {
	return l.Status == LotStatusActive && !l.Expired(now) && !l.Blocked && l.CurrentQty.IsPositive()
}

// Movement is one immutable, append-only ledger row. Positive quantities
// increase the lot's balance, negative quantities decrease it. Movements are
// never updated or deleted; corrections are compensating movements.
type Movement struct {
	ID            int64
	ReagentID     int64
	LotID         int64
	LocationID    int64
	SrcLocationID int64
	DstLocationID int64
	Type          MovementType
	Quantity      decimal.Decimal
	MovedAt       time.Time
	Reference     string
	Notes         string
	UnitCost      decimal.Decimal
	ActorID       int64
	CreatedAt     time.Time
}

// ErrInvalidQuantity indicates a zero or negative requested quantity.
var ErrInvalidQuantity = errors.New("stock: quantity must be positive")

// ErrDuplicateLotCode indicates the (reagent, lot code) pair already exists.
var ErrDuplicateLotCode = errors.New("stock: lot code already exists for reagent")

// ErrInvalidTransition indicates an illegal lot status change.
var ErrInvalidTransition = errors.New("stock: invalid lot status transition")

// ErrAlreadyDisposed indicates a repeat disposal of the same lot.
var ErrAlreadyDisposed = errors.New("stock: lot already disposed")

// ErrLotNotFound indicates a missing lot row.
var ErrLotNotFound = errors.New("stock: lot not found")

// ErrLotBlocked indicates the lot is write-blocked pending ledger reconciliation.
var ErrLotBlocked = errors.New("stock: lot blocked pending reconciliation")

// ErrSameLocation indicates a transfer targeting the lot's current location.
var ErrSameLocation = errors.New("stock: transfer destination equals current location")

// ErrConcurrencyConflict indicates an optimistic or serialization conflict;
// the whole operation is safe to retry.
var ErrConcurrencyConflict = errors.New("stock: concurrent modification, retry")

// ErrInsufficientStock anchors errors.Is checks for InsufficientStockError.
var ErrInsufficientStock = errors.New("stock: insufficient stock")

// ErrLedgerIntegrity anchors errors.Is checks for LedgerIntegrityError.
var ErrLedgerIntegrity = errors.New("stock: ledger integrity violation")

// InsufficientStockError reports how much eligible quantity was actually
// available so the caller can retry with less or escalate.
type InsufficientStockError struct {
	ReagentID int64
	LotID     int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	if e.LotID != 0 {
		return fmt.Sprintf("stock: insufficient stock on lot %d: requested %s, available %s", e.LotID, e.Requested, e.Available)
	}
	return fmt.Sprintf("stock: insufficient stock for reagent %d: requested %s, available %s", e.ReagentID, e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientStock) succeed.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// LedgerIntegrityError reports drift between the cached lot quantity and the
// ledger sum. It is fatal for the lot: writes are halted until an operator
// reconciles. It is never auto-corrected silently.
type LedgerIntegrityError struct {
	LotID     int64
	CachedQty decimal.Decimal
	LedgerQty decimal.Decimal
}

func (e *LedgerIntegrityError) Error() string {
	return fmt.Sprintf("stock: ledger integrity violation on lot %d: cached %s, ledger %s", e.LotID, e.CachedQty, e.LedgerQty)
}

// Is makes errors.Is(err, ErrLedgerIntegrity) succeed.
func (e *LedgerIntegrityError) Is(target error) bool {
	return target == ErrLedgerIntegrity
}
