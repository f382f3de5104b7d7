package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Reagent is a catalog entry. Reference data is read-mostly here; create and
// rename flows live in the upstream master-data service.
type Reagent struct {
	ID           int64           `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	CASNumber    string          `json:"cas_number,omitempty"`
	HazardClass  string          `json:"hazard_class,omitempty"`
	StorageMinC  float64         `json:"storage_min_c"`
	StorageMaxC  float64         `json:"storage_max_c"`
	ReorderPoint decimal.Decimal `json:"reorder_point"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Location is a physical storage place. A lot lives in exactly one location.
type Location struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Path        string  `json:"path,omitempty"`
	IsColdChain bool    `json:"is_cold_chain"`
	TempMinC    float64 `json:"temp_min_c"`
	TempMaxC    float64 `json:"temp_max_c"`
}

// Compatible reports whether the location's temperature band overlaps the
// reagent's storage range.
func (l Location) Compatible(r Reagent) bool {
	return l.TempMinC <= r.StorageMaxC && l.TempMaxC >= r.StorageMinC
}

// ReorderAlert flags a reagent whose available quantity sits at or below its
// reorder point.
type ReorderAlert struct {
	Reagent   Reagent         `json:"reagent"`
	Available decimal.Decimal `json:"available"`
}

// ReagentFilter narrows reagent listings.
type ReagentFilter struct {
	Query      string
	ActiveOnly bool
	Page       int
	PerPage    int
}

// ErrReagentNotFound indicates a missing reagent.
var ErrReagentNotFound = errors.New("catalog: reagent not found")

// ErrLocationNotFound indicates a missing location.
var ErrLocationNotFound = errors.New("catalog: location not found")

// ErrStorageMismatch indicates a location whose temperature band cannot hold
// the reagent.
var ErrStorageMismatch = errors.New("catalog: location temperature range incompatible with reagent storage range")
