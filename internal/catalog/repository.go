package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads catalog reference data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const reagentColumns = `id, sku, name, unit, COALESCE(cas_number,''), COALESCE(hazard_class,''), storage_min_c, storage_max_c, reorder_point, is_active, created_at, updated_at`

func scanReagent(row pgx.Row) (Reagent, error) {
	var r Reagent
	err := row.Scan(&r.ID, &r.SKU, &r.Name, &r.Unit, &r.CASNumber, &r.HazardClass, &r.StorageMinC, &r.StorageMaxC, &r.ReorderPoint, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetReagent loads one reagent by id.
func (r *Repository) GetReagent(ctx context.Context, id int64) (Reagent, error) {
	reagent, err := scanReagent(r.pool.QueryRow(ctx, `SELECT `+reagentColumns+` FROM reagents WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reagent{}, ErrReagentNotFound
		}
		return Reagent{}, err
	}
	return reagent, nil
}

// GetReagentBySKU loads one reagent by its unique SKU.
func (r *Repository) GetReagentBySKU(ctx context.Context, sku string) (Reagent, error) {
	reagent, err := scanReagent(r.pool.QueryRow(ctx, `SELECT `+reagentColumns+` FROM reagents WHERE sku=$1`, sku))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reagent{}, ErrReagentNotFound
		}
		return Reagent{}, err
	}
	return reagent, nil
}

// ListReagents lists reagents matching the filter with a total count.
func (r *Repository) ListReagents(ctx context.Context, filter ReagentFilter) ([]Reagent, int, error) {
	conds := []string{"TRUE"}
	args := []any{}
	if filter.Query != "" {
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
		conds = append(conds, fmt.Sprintf("(LOWER(name) LIKE $%d OR LOWER(sku) LIKE $%d)", len(args), len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "is_active")
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reagents WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(`SELECT %s FROM reagents WHERE %s ORDER BY name ASC, id ASC LIMIT $%d OFFSET $%d`, reagentColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	reagents := []Reagent{}
	for rows.Next() {
		reagent, err := scanReagent(rows)
		if err != nil {
			return nil, 0, err
		}
		reagents = append(reagents, reagent)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return reagents, total, nil
}

// GetLocation loads one location by id.
func (r *Repository) GetLocation(ctx context.Context, id int64) (Location, error) {
	var loc Location
	err := r.pool.QueryRow(ctx, `SELECT id, name, COALESCE(path,''), is_cold_chain, temp_min_c, temp_max_c FROM locations WHERE id=$1`, id).
		Scan(&loc.ID, &loc.Name, &loc.Path, &loc.IsColdChain, &loc.TempMinC, &loc.TempMaxC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, ErrLocationNotFound
		}
		return Location{}, err
	}
	return loc, nil
}

// ListLocations lists all locations ordered by path.
func (r *Repository) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, COALESCE(path,''), is_cold_chain, temp_min_c, temp_max_c FROM locations ORDER BY path ASC, name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	locations := []Location{}
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Path, &loc.IsColdChain, &loc.TempMinC, &loc.TempMaxC); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

// ReorderCandidates returns reagents whose summed allocatable quantity sits at
// or below the reorder point. Disposed and quarantined lots do not count as
// available stock, nor do lots already past expiry.
func (r *Repository) ReorderCandidates(ctx context.Context) ([]ReorderAlert, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+prefixColumns("r", reagentColumns)+`, COALESCE(SUM(l.current_qty) FILTER (
    WHERE l.status = 'ACTIVE' AND NOT l.blocked AND (l.expiry_date IS NULL OR l.expiry_date >= CURRENT_DATE)
), 0) AS available
FROM reagents r
LEFT JOIN reagent_lots l ON l.reagent_id = r.id
WHERE r.is_active
GROUP BY r.id
HAVING COALESCE(SUM(l.current_qty) FILTER (
    WHERE l.status = 'ACTIVE' AND NOT l.blocked AND (l.expiry_date IS NULL OR l.expiry_date >= CURRENT_DATE)
), 0) <= r.reorder_point
ORDER BY r.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	alerts := []ReorderAlert{}
	for rows.Next() {
		var a ReorderAlert
		if err := rows.Scan(&a.Reagent.ID, &a.Reagent.SKU, &a.Reagent.Name, &a.Reagent.Unit, &a.Reagent.CASNumber, &a.Reagent.HazardClass,
			&a.Reagent.StorageMinC, &a.Reagent.StorageMaxC, &a.Reagent.ReorderPoint, &a.Reagent.IsActive, &a.Reagent.CreatedAt, &a.Reagent.UpdatedAt,
			&a.Available); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		if strings.HasPrefix(p, "COALESCE(") {
			inner := strings.TrimPrefix(p, "COALESCE(")
			parts[i] = "COALESCE(" + alias + "." + inner
			continue
		}
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
