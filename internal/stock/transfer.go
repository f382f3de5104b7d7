package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferInput describes moving quantity from one lot to another location.
type TransferInput struct {
	LotID        int64
	ToLocationID int64
	Quantity     decimal.Decimal
	Reference    string
	Notes        string
	ActorID      int64
}

// TransferResult reports the committed movements and both lot records. For a
// full-lot relocation DestLot is nil: the source lot itself moved.
type TransferResult struct {
	Reference string
	SourceLot Lot
	DestLot   *Lot
	Movements []Movement
}

// Transfer relocates quantity without creating or destroying stock.
//
// Moving the whole balance just repoints the lot's location, recorded as a
// single zero-quantity TRANSFER movement carrying the old and new location.
// Moving part of it splits the lot: a negative TRANSFER on the source and a
// positive TRANSFER on a destination lot that shares the code and expiry, so
// FEFO ordering survives the move. Both rows share one reference and commit
// in one transaction.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	if !input.Quantity.IsPositive() {
		return TransferResult{}, ErrInvalidQuantity
	}

	reference := input.Reference
	if reference == "" {
		reference = uuid.NewString()
	}
	result := TransferResult{Reference: reference}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		src, err := tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if src.Blocked {
			return fmt.Errorf("lot %d: %w", src.ID, ErrLotBlocked)
		}
		switch src.Status {
		case LotStatusQuarantine:
			return fmt.Errorf("transfer out of quarantined lot %d: %w", src.ID, ErrInvalidTransition)
		case LotStatusDisposed:
			return fmt.Errorf("transfer out of disposed lot %d: %w", src.ID, ErrInvalidTransition)
		}
		if input.ToLocationID == src.LocationID {
			return fmt.Errorf("lot %d already at location %d: %w", src.ID, src.LocationID, ErrSameLocation)
		}
		if _, _, err := s.catalog.CheckStorage(ctx, src.ReagentID, input.ToLocationID); err != nil {
			return err
		}
		if input.Quantity.GreaterThan(src.CurrentQty) {
			return &InsufficientStockError{ReagentID: src.ReagentID, LotID: src.ID, Requested: input.Quantity, Available: src.CurrentQty}
		}

		now := s.now()
		if input.Quantity.Equal(src.CurrentQty) {
			// Pure relocation, no quantity change.
			if err := tx.UpdateLotLocation(ctx, src.ID, input.ToLocationID); err != nil {
				return err
			}
			movement := Movement{
				ReagentID:     src.ReagentID,
				LotID:         src.ID,
				LocationID:    input.ToLocationID,
				SrcLocationID: src.LocationID,
				DstLocationID: input.ToLocationID,
				Type:          MovementTransfer,
				Quantity:      decimal.Zero,
				MovedAt:       now,
				Reference:     reference,
				Notes:         input.Notes,
				ActorID:       input.ActorID,
			}
			id, err := tx.InsertMovement(ctx, movement)
			if err != nil {
				return err
			}
			movement.ID = id
			src.LocationID = input.ToLocationID
			result.SourceLot = src
			result.Movements = []Movement{movement}
			return nil
		}

		dest, err := tx.FindMergeTargetForUpdate(ctx, src.ReagentID, src.LotCode, src.ExpiryDate, input.ToLocationID)
		switch {
		case err == nil:
			if dest.Blocked {
				return fmt.Errorf("destination lot %d: %w", dest.ID, ErrLotBlocked)
			}
			// Quarantine is segregation; released stock never merges into it.
			if dest.Status == LotStatusQuarantine {
				return fmt.Errorf("transfer into quarantined lot %d: %w", dest.ID, ErrInvalidTransition)
			}
			newCurrent := dest.CurrentQty.Add(input.Quantity)
			newInitial := dest.InitialQty.Add(input.Quantity)
			if err := tx.UpdateLotQuantities(ctx, dest.ID, newCurrent, newInitial); err != nil {
				return err
			}
			dest.CurrentQty = newCurrent
			dest.InitialQty = newInitial
		case errors.Is(err, ErrLotNotFound):
			dest = Lot{
				ReagentID:  src.ReagentID,
				LotCode:    src.LotCode,
				ExpiryDate: src.ExpiryDate,
				ReceivedAt: src.ReceivedAt,
				InitialQty: input.Quantity,
				CurrentQty: input.Quantity,
				LocationID: input.ToLocationID,
				Status:     LotStatusActive,
			}
			id, err := tx.InsertLot(ctx, dest)
			if err != nil {
				return err
			}
			dest.ID = id
		default:
			return err
		}

		outMovement := Movement{
			ReagentID:     src.ReagentID,
			LotID:         src.ID,
			LocationID:    src.LocationID,
			SrcLocationID: src.LocationID,
			DstLocationID: input.ToLocationID,
			Type:          MovementTransfer,
			Quantity:      input.Quantity.Neg(),
			MovedAt:       now,
			Reference:     reference,
			Notes:         input.Notes,
			ActorID:       input.ActorID,
		}
		outID, err := tx.InsertMovement(ctx, outMovement)
		if err != nil {
			return err
		}
		outMovement.ID = outID

		inMovement := Movement{
			ReagentID:     src.ReagentID,
			LotID:         dest.ID,
			LocationID:    input.ToLocationID,
			SrcLocationID: src.LocationID,
			DstLocationID: input.ToLocationID,
			Type:          MovementTransfer,
			Quantity:      input.Quantity,
			MovedAt:       now,
			Reference:     reference,
			Notes:         input.Notes,
			ActorID:       input.ActorID,
		}
		inID, err := tx.InsertMovement(ctx, inMovement)
		if err != nil {
			return err
		}
		inMovement.ID = inID

		if err := tx.UpdateLotQuantities(ctx, src.ID, src.CurrentQty.Sub(input.Quantity), src.InitialQty); err != nil {
			return err
		}
		src.CurrentQty = src.CurrentQty.Sub(input.Quantity)

		result.SourceLot = src
		result.DestLot = &dest
		result.Movements = []Movement{outMovement, inMovement}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}

	s.metrics.RecordMovement(string(MovementTransfer))
	s.recordAudit(ctx, input.ActorID, "stock:transfer", input.LotID, map[string]any{
		"lot_id":      input.LotID,
		"to_location": input.ToLocationID,
		"quantity":    input.Quantity.String(),
		"reference":   reference,
	})
	return result, nil
}
