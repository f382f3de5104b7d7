package stock

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/synapse-hrrp/synapse-stock/internal/catalog"
)

// LotFilter narrows lot listings.
type LotFilter struct {
	ReagentID  int64
	LocationID int64
	Status     LotStatus
	Page       int
	PerPage    int
}

// MovementFilter narrows ledger queries.
type MovementFilter struct {
	ReagentID  int64
	LotID      int64
	LocationID int64
	Type       MovementType
	Reference  string
	From       time.Time
	To         time.Time
	Page       int
	PerPage    int
}

// StatementEntry is one line of a lot statement: a movement plus the running
// ledger balance after it.
type StatementEntry struct {
	Type      MovementType    `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	MovedAt   time.Time       `json:"moved_at"`
	Reference string          `json:"reference,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}

// ReagentStock is the read view of one reagent and its lots. Total counts
// every undisposed unit; Available counts only what FEFO may draw from.
type ReagentStock struct {
	Reagent   catalog.Reagent `json:"reagent"`
	Lots      []LotView       `json:"lots"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// LotView is a lot with its derived status resolved at read time.
type LotView struct {
	Lot
	EffectiveStatus LotStatus `json:"effective_status"`
}

// NewLotView resolves the derived status against the given instant.
func NewLotView(lot Lot, now time.Time) LotView {
	return LotView{Lot: lot, EffectiveStatus: lot.EffectiveStatus(now)}
}
