package catalog

import (
	"context"
	"errors"
	"fmt"
)

// RepositoryPort abstracts catalog reads for the service.
type RepositoryPort interface {
	GetReagent(ctx context.Context, id int64) (Reagent, error)
	GetReagentBySKU(ctx context.Context, sku string) (Reagent, error)
	ListReagents(ctx context.Context, filter ReagentFilter) ([]Reagent, int, error)
	GetLocation(ctx context.Context, id int64) (Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
	ReorderCandidates(ctx context.Context) ([]ReorderAlert, error)
}

// Service exposes catalog reads plus the storage-compatibility rule used by
// the stock core before any inbound movement.
type Service struct {
	repo  RepositoryPort
	cache *Cache
}

// NewService builds Service. The cache is optional.
func NewService(repo RepositoryPort, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// Reagent loads a reagent by id.
func (s *Service) Reagent(ctx context.Context, id int64) (Reagent, error) {
	if id <= 0 {
		return Reagent{}, ErrReagentNotFound
	}
	return s.repo.GetReagent(ctx, id)
}

// ReagentBySKU loads a reagent by its unique SKU.
func (s *Service) ReagentBySKU(ctx context.Context, sku string) (Reagent, error) {
	if sku == "" {
		return Reagent{}, ErrReagentNotFound
	}
	return s.repo.GetReagentBySKU(ctx, sku)
}

// ListReagents lists reagents with a total count for pagination.
func (s *Service) ListReagents(ctx context.Context, filter ReagentFilter) ([]Reagent, int, error) {
	return s.repo.ListReagents(ctx, filter)
}

// Location loads a location by id.
func (s *Service) Location(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, ErrLocationNotFound
	}
	return s.repo.GetLocation(ctx, id)
}

// ListLocations lists every storage location.
func (s *Service) ListLocations(ctx context.Context) ([]Location, error) {
	return s.repo.ListLocations(ctx)
}

// CheckStorage verifies the location can physically hold the reagent. It is
// called before receipts and inbound transfers.
func (s *Service) CheckStorage(ctx context.Context, reagentID, locationID int64) (Reagent, Location, error) {
	reagent, err := s.Reagent(ctx, reagentID)
	if err != nil {
		return Reagent{}, Location{}, err
	}
	location, err := s.Location(ctx, locationID)
	if err != nil {
		return Reagent{}, Location{}, err
	}
	if !location.Compatible(reagent) {
		return Reagent{}, Location{}, fmt.Errorf("reagent %d in location %d: %w", reagentID, locationID, ErrStorageMismatch)
	}
	return reagent, location, nil
}

// ReorderAlerts returns reagents at or below their reorder point. Results are
// cached briefly: the query aggregates over every lot and feeds both the scan
// job and a dashboard endpoint.
func (s *Service) ReorderAlerts(ctx context.Context) ([]ReorderAlert, error) {
	if s.cache == nil {
		return s.repo.ReorderCandidates(ctx)
	}
	var alerts []ReorderAlert
	err := s.cache.FetchJSON(ctx, "catalog:reorder", &alerts, func(ctx context.Context) (any, error) {
		return s.repo.ReorderCandidates(ctx)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// Cache trouble must not hide the underlying data.
		return s.repo.ReorderCandidates(ctx)
	}
	return alerts, nil
}

// InvalidateReorderAlerts drops the cached reorder view after stock changes.
func (s *Service) InvalidateReorderAlerts(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, "catalog:reorder")
	}
}
