package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	reagents  map[int64]Reagent
	locations map[int64]Location
	alerts    []ReorderAlert
	calls     int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{reagents: make(map[int64]Reagent), locations: make(map[int64]Location)}
}

func (r *memoryRepo) GetReagent(ctx context.Context, id int64) (Reagent, error) {
	if reagent, ok := r.reagents[id]; ok {
		return reagent, nil
	}
	return Reagent{}, ErrReagentNotFound
}

func (r *memoryRepo) GetReagentBySKU(ctx context.Context, sku string) (Reagent, error) {
	for _, reagent := range r.reagents {
		if reagent.SKU == sku {
			return reagent, nil
		}
	}
	return Reagent{}, ErrReagentNotFound
}

func (r *memoryRepo) ListReagents(ctx context.Context, filter ReagentFilter) ([]Reagent, int, error) {
	var out []Reagent
	for _, reagent := range r.reagents {
		out = append(out, reagent)
	}
	return out, len(out), nil
}

func (r *memoryRepo) GetLocation(ctx context.Context, id int64) (Location, error) {
	if location, ok := r.locations[id]; ok {
		return location, nil
	}
	return Location{}, ErrLocationNotFound
}

func (r *memoryRepo) ListLocations(ctx context.Context) ([]Location, error) {
	var out []Location
	for _, location := range r.locations {
		out = append(out, location)
	}
	return out, nil
}

func (r *memoryRepo) ReorderCandidates(ctx context.Context) ([]ReorderAlert, error) {
	r.calls++
	return r.alerts, nil
}

func seedRepo() *memoryRepo {
	repo := newMemoryRepo()
	repo.reagents[1] = Reagent{ID: 1, SKU: "RG-TRYP-01", Name: "Trypsin-EDTA", Unit: "bottle", StorageMinC: 2, StorageMaxC: 8, IsActive: true}
	repo.reagents[2] = Reagent{ID: 2, SKU: "RG-NACL-09", Name: "Saline", Unit: "bag", StorageMinC: 10, StorageMaxC: 30, IsActive: true}
	repo.locations[1] = Location{ID: 1, Name: "Cold Room A", IsColdChain: true, TempMinC: 2, TempMaxC: 8}
	repo.locations[2] = Location{ID: 2, Name: "Bulk Warehouse", TempMinC: 10, TempMaxC: 30}
	return repo
}

func TestCheckStorageCompatible(t *testing.T) {
	svc := NewService(seedRepo(), nil)

	reagent, location, err := svc.CheckStorage(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), reagent.ID)
	require.Equal(t, int64(1), location.ID)
}

func TestCheckStorageMismatch(t *testing.T) {
	svc := NewService(seedRepo(), nil)

	// Cold-chain reagent into ambient warehouse.
	_, _, err := svc.CheckStorage(context.Background(), 1, 2)
	require.ErrorIs(t, err, ErrStorageMismatch)
}

func TestCheckStorageMissingReferences(t *testing.T) {
	svc := NewService(seedRepo(), nil)

	_, _, err := svc.CheckStorage(context.Background(), 99, 1)
	require.ErrorIs(t, err, ErrReagentNotFound)

	_, _, err = svc.CheckStorage(context.Background(), 1, 99)
	require.ErrorIs(t, err, ErrLocationNotFound)
}

func TestReorderAlertsWithoutCache(t *testing.T) {
	repo := seedRepo()
	repo.alerts = []ReorderAlert{{Reagent: repo.reagents[1], Available: decimal.RequireFromString("1")}}
	svc := NewService(repo, nil)

	alerts, err := svc.ReorderAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, int64(1), alerts[0].Reagent.ID)
}

func TestReorderAlertsCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := seedRepo()
	repo.alerts = []ReorderAlert{{Reagent: repo.reagents[2], Available: decimal.RequireFromString("3")}}
	svc := NewService(repo, NewCache(client, time.Minute))

	first, err := svc.ReorderAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := svc.ReorderAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, 1, repo.calls)

	svc.InvalidateReorderAlerts(context.Background())
	_, err = svc.ReorderAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}

func TestLocationCompatibleOverlap(t *testing.T) {
	fridge := Location{TempMinC: 2, TempMaxC: 8}
	ambient := Location{TempMinC: 15, TempMaxC: 25}
	reagent := Reagent{StorageMinC: 2, StorageMaxC: 8}

	require.True(t, fridge.Compatible(reagent))
	require.False(t, ambient.Compatible(reagent))
}
