package stock

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Allocation is one lot's share of a consumption plan.
type Allocation struct {
	Lot      Lot
	Quantity decimal.Decimal
}

// Plan is a deterministic FEFO consumption plan over one reagent. It is pure
// data: computing a plan observes no partial writes and performs none.
type Plan struct {
	ReagentID   int64
	Requested   decimal.Decimal
	Allocations []Allocation
}

// Total returns the planned quantity across all allocations.
func (p Plan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Quantity)
	}
	return total
}

// fefoLess orders lots earliest-expiry first. Lots without an expiry date sort
// last: dated stock is the more perishable asset and is always drawn down
// before undated stock. Ties on expiry break by received_at, then id, so the
// plan is stable for identical inputs.
func fefoLess(a, b Lot) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate == nil:
	case a.ExpiryDate == nil:
		return false
	case b.ExpiryDate == nil:
		return true
	case !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

// PlanFEFO walks the eligible lots in FEFO order, allocating
// min(remaining, lot balance) from each until the request is covered.
// When eligible stock cannot cover the request it fails whole with
// InsufficientStockError carrying the actually available quantity;
// partial plans are never returned.
func PlanFEFO(reagentID int64, lots []Lot, requested decimal.Decimal, now time.Time) (Plan, error) {
	if !requested.IsPositive() {
		return Plan{}, ErrInvalidQuantity
	}

	eligible := make([]Lot, 0, len(lots))
	available := decimal.Zero
	for _, lot := range lots {
		if lot.ReagentID != reagentID || !lot.Allocatable(now) {
			continue
		}
		eligible = append(eligible, lot)
		available = available.Add(lot.CurrentQty)
	}
	if available.LessThan(requested) {
		return Plan{}, &InsufficientStockError{ReagentID: reagentID, Requested: requested, Available: available}
	}

	sort.SliceStable(eligible, func(i, j int) bool { return fefoLess(eligible[i], eligible[j]) })

	plan := Plan{ReagentID: reagentID, Requested: requested}
	remaining := requested
	for _, lot := range eligible {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lot.CurrentQty)
		plan.Allocations = append(plan.Allocations, Allocation{Lot: lot, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return plan, nil
}
