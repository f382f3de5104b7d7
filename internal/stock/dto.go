package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type receiveLotRequest struct {
	ReagentID  int64           `json:"reagent_id" validate:"required,gt=0"`
	LotCode    string          `json:"lot_code" validate:"required,max=64"`
	Quantity   decimal.Decimal `json:"quantity" validate:"required"`
	LocationID int64           `json:"location_id" validate:"required,gt=0"`
	ExpiryDate string          `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
	UnitCost   decimal.Decimal `json:"unit_cost,omitempty"`
	Opening    bool            `json:"opening,omitempty"`
	Reference  string          `json:"reference,omitempty" validate:"max=128"`
	Notes      string          `json:"notes,omitempty" validate:"max=512"`
}

type consumeRequest struct {
	ReagentID  int64           `json:"reagent_id" validate:"required,gt=0"`
	Quantity   decimal.Decimal `json:"quantity" validate:"required"`
	LocationID int64           `json:"location_id,omitempty" validate:"omitempty,gt=0"`
	Reference  string          `json:"reference,omitempty" validate:"max=128"`
	Notes      string          `json:"notes,omitempty" validate:"max=512"`
}

type adjustRequest struct {
	Quantity  decimal.Decimal `json:"quantity" validate:"required"`
	UnitCost  decimal.Decimal `json:"unit_cost,omitempty"`
	Reference string          `json:"reference,omitempty" validate:"max=128"`
	Notes     string          `json:"notes" validate:"required,max=512"`
}

type returnRequest struct {
	Quantity  decimal.Decimal `json:"quantity" validate:"required"`
	Reference string          `json:"reference,omitempty" validate:"max=128"`
	Notes     string          `json:"notes,omitempty" validate:"max=512"`
}

type transferRequest struct {
	ToLocationID int64           `json:"to_location_id" validate:"required,gt=0"`
	Quantity     decimal.Decimal `json:"quantity" validate:"required"`
	Reference    string          `json:"reference,omitempty" validate:"max=128"`
	Notes        string          `json:"notes,omitempty" validate:"max=512"`
}

type disposeRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

type lotResponse struct {
	ID              int64           `json:"id"`
	ReagentID       int64           `json:"reagent_id"`
	LotCode         string          `json:"lot_code"`
	ExpiryDate      *string         `json:"expiry_date"`
	ReceivedAt      time.Time       `json:"received_at"`
	InitialQty      decimal.Decimal `json:"initial_qty"`
	CurrentQty      decimal.Decimal `json:"current_qty"`
	LocationID      int64           `json:"location_id"`
	Status          LotStatus       `json:"status"`
	EffectiveStatus LotStatus       `json:"effective_status,omitempty"`
	Blocked         bool            `json:"blocked"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type movementResponse struct {
	ID            int64           `json:"id"`
	ReagentID     int64           `json:"reagent_id"`
	LotID         int64           `json:"lot_id"`
	LocationID    int64           `json:"location_id"`
	SrcLocationID int64           `json:"src_location_id,omitempty"`
	DstLocationID int64           `json:"dst_location_id,omitempty"`
	Type          MovementType    `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	MovedAt       time.Time       `json:"moved_at"`
	Reference     string          `json:"reference,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	ActorID       int64           `json:"actor_id,omitempty"`
}

type consumeResponse struct {
	Reference string             `json:"reference"`
	Movements []movementResponse `json:"movements"`
	Remaining decimal.Decimal    `json:"remaining"`
}

type transferResponse struct {
	Reference string             `json:"reference"`
	SourceLot lotResponse        `json:"source_lot"`
	DestLot   *lotResponse       `json:"dest_lot,omitempty"`
	Movements []movementResponse `json:"movements"`
}

type lotMovementResponse struct {
	Lot      lotResponse      `json:"lot"`
	Movement movementResponse `json:"movement"`
}

type reconcileResponse struct {
	CheckedLots int            `json:"checked_lots"`
	Drifts      []driftPayload `json:"drifts"`
}

type driftPayload struct {
	LotID     int64           `json:"lot_id"`
	CachedQty decimal.Decimal `json:"cached_qty"`
	LedgerQty decimal.Decimal `json:"ledger_qty"`
}

func toLotResponse(lot Lot) lotResponse {
	resp := lotResponse{
		ID:         lot.ID,
		ReagentID:  lot.ReagentID,
		LotCode:    lot.LotCode,
		ReceivedAt: lot.ReceivedAt,
		InitialQty: lot.InitialQty,
		CurrentQty: lot.CurrentQty,
		LocationID: lot.LocationID,
		Status:     lot.Status,
		Blocked:    lot.Blocked,
		CreatedAt:  lot.CreatedAt,
		UpdatedAt:  lot.UpdatedAt,
	}
	if lot.ExpiryDate != nil {
		formatted := lot.ExpiryDate.Format(dateLayout)
		resp.ExpiryDate = &formatted
	}
	return resp
}

func toLotViewResponse(view LotView) lotResponse {
	resp := toLotResponse(view.Lot)
	resp.EffectiveStatus = view.EffectiveStatus
	return resp
}

func toMovementResponse(m Movement) movementResponse {
	return movementResponse{
		ID:            m.ID,
		ReagentID:     m.ReagentID,
		LotID:         m.LotID,
		LocationID:    m.LocationID,
		SrcLocationID: m.SrcLocationID,
		DstLocationID: m.DstLocationID,
		Type:          m.Type,
		Quantity:      m.Quantity,
		MovedAt:       m.MovedAt,
		Reference:     m.Reference,
		Notes:         m.Notes,
		UnitCost:      m.UnitCost,
		ActorID:       m.ActorID,
	}
}

func toMovementResponses(movements []Movement) []movementResponse {
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, toMovementResponse(m))
	}
	return out
}

func toLotResponses(views []LotView) []lotResponse {
	out := make([]lotResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toLotViewResponse(v))
	}
	return out
}
