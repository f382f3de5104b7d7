package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/synapse-hrrp/synapse-stock/internal/platform/db"
)

// Repository persists lots and the movement ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service. Every
// ledger-affecting operation runs entirely through one TxRepository so that the
// movement rows and the cached lot quantity commit or roll back together.
type TxRepository interface {
	GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error)
	ListLotsForUpdate(ctx context.Context, reagentID, locationID int64) ([]Lot, error)
	FindMergeTargetForUpdate(ctx context.Context, reagentID int64, lotCode string, expiry *time.Time, locationID int64) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	UpdateLotQuantities(ctx context.Context, lotID int64, currentQty, initialQty decimal.Decimal) error
	UpdateLotStatus(ctx context.Context, lotID int64, status LotStatus) error
	UpdateLotLocation(ctx context.Context, lotID, locationID int64) error
	SetLotBlocked(ctx context.Context, lotID int64, blocked bool) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	SumMovements(ctx context.Context, lotID int64) (decimal.Decimal, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization failures and deadlocks surface as ErrConcurrencyConflict so
// callers can retry the whole logical operation.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return mapConflict(err)
}

func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

const lotColumns = `id, reagent_id, lot_code, expiry_date, received_at, initial_qty, current_qty, location_id, status, blocked, created_at, updated_at`

func scanLot(row pgx.Row) (Lot, error) {
	var l Lot
	err := row.Scan(&l.ID, &l.ReagentID, &l.LotCode, &l.ExpiryDate, &l.ReceivedAt, &l.InitialQty, &l.CurrentQty, &l.LocationID, &l.Status, &l.Blocked, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM reagent_lots WHERE id=$1 FOR UPDATE`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

// ListLotsForUpdate locks every ACTIVE lot of the reagent (optionally scoped to
// one location) in FEFO order. Holding the row locks for the whole planning
// transaction serializes concurrent consumptions per reagent while leaving
// other reagents untouched.
func (r *txRepository) ListLotsForUpdate(ctx context.Context, reagentID, locationID int64) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM reagent_lots
WHERE reagent_id=$1 AND status='ACTIVE' AND ($2::bigint = 0 OR location_id=$2)
ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
FOR UPDATE`, reagentID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// FindMergeTargetForUpdate locates an existing destination lot for a splitting
// transfer: same reagent, lot code, expiry and location, not disposed.
func (r *txRepository) FindMergeTargetForUpdate(ctx context.Context, reagentID int64, lotCode string, expiry *time.Time, locationID int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM reagent_lots
WHERE reagent_id=$1 AND lot_code=$2 AND location_id=$3
  AND expiry_date IS NOT DISTINCT FROM $4
  AND status <> 'DISPOSED'
ORDER BY id ASC LIMIT 1
FOR UPDATE`, reagentID, lotCode, locationID, expiry))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO reagent_lots
(reagent_id, lot_code, expiry_date, received_at, initial_qty, current_qty, location_id, status, blocked, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,NOW(),NOW()) RETURNING id`,
		lot.ReagentID, lot.LotCode, lot.ExpiryDate, lot.ReceivedAt, lot.InitialQty, lot.CurrentQty, lot.LocationID, string(lot.Status)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_reagent_lots_code" {
			return 0, ErrDuplicateLotCode
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) UpdateLotQuantities(ctx context.Context, lotID int64, currentQty, initialQty decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE reagent_lots SET current_qty=$2, initial_qty=$3, updated_at=NOW() WHERE id=$1`, lotID, currentQty, initialQty)
	return err
}

func (r *txRepository) UpdateLotStatus(ctx context.Context, lotID int64, status LotStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE reagent_lots SET status=$2, updated_at=NOW() WHERE id=$1`, lotID, string(status))
	return err
}

func (r *txRepository) UpdateLotLocation(ctx context.Context, lotID, locationID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE reagent_lots SET location_id=$2, updated_at=NOW() WHERE id=$1`, lotID, locationID)
	return err
}

func (r *txRepository) SetLotBlocked(ctx context.Context, lotID int64, blocked bool) error {
	_, err := r.tx.Exec(ctx, `UPDATE reagent_lots SET blocked=$2, updated_at=NOW() WHERE id=$1`, lotID, blocked)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements
(reagent_id, lot_id, location_id, src_location_id, dst_location_id, mv_type, quantity, moved_at, reference, notes, unit_cost, actor_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW()) RETURNING id`,
		m.ReagentID, m.LotID, m.LocationID, nullInt(m.SrcLocationID), nullInt(m.DstLocationID), string(m.Type), m.Quantity,
		m.MovedAt, m.Reference, m.Notes, m.UnitCost, nullInt(m.ActorID)).Scan(&id)
	return id, err
}

func (r *txRepository) SumMovements(ctx context.Context, lotID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_movements WHERE lot_id=$1`, lotID).Scan(&sum)
	return sum, err
}

// GetLot loads one lot outside of a transaction.
func (r *Repository) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	lot, err := scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM reagent_lots WHERE id=$1`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

// ListLots lists lots matching the filter with a total count. Status filtering
// honours the derived EXPIRED view: EXPIRED selects ACTIVE rows past expiry,
// ACTIVE selects only rows still in date.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]Lot, int, error) {
	conds := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ReagentID != 0 {
		conds = append(conds, "reagent_id="+arg(filter.ReagentID))
	}
	if filter.LocationID != 0 {
		conds = append(conds, "location_id="+arg(filter.LocationID))
	}
	switch filter.Status {
	case "":
	case LotStatusExpired:
		conds = append(conds, "status='ACTIVE'", "expiry_date IS NOT NULL", "expiry_date < CURRENT_DATE")
	case LotStatusActive:
		conds = append(conds, "status='ACTIVE'", "(expiry_date IS NULL OR expiry_date >= CURRENT_DATE)")
	default:
		conds = append(conds, "status="+arg(string(filter.Status)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reagent_lots WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf(`SELECT %s FROM reagent_lots WHERE %s ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC LIMIT %s OFFSET %s`,
		lotColumns, where, arg(perPage), arg((page-1)*perPage))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, 0, err
		}
		lots = append(lots, lot)
	}
	return lots, total, rows.Err()
}

// ListLotsByReagent returns every lot of a reagent in FEFO order, no paging.
func (r *Repository) ListLotsByReagent(ctx context.Context, reagentID int64) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM reagent_lots WHERE reagent_id=$1
ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC`, reagentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

const movementColumns = `id, reagent_id, lot_id, location_id, COALESCE(src_location_id,0), COALESCE(dst_location_id,0), mv_type, quantity, moved_at, COALESCE(reference,''), COALESCE(notes,''), unit_cost, COALESCE(actor_id,0), created_at`

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	err := row.Scan(&m.ID, &m.ReagentID, &m.LotID, &m.LocationID, &m.SrcLocationID, &m.DstLocationID, &m.Type, &m.Quantity, &m.MovedAt, &m.Reference, &m.Notes, &m.UnitCost, &m.ActorID, &m.CreatedAt)
	return m, err
}

// ListMovements queries the ledger. Results are ordered moved_at ascending,
// stable by insertion id, and restartable via offset pagination.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	conds := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ReagentID != 0 {
		conds = append(conds, "reagent_id="+arg(filter.ReagentID))
	}
	if filter.LotID != 0 {
		conds = append(conds, "lot_id="+arg(filter.LotID))
	}
	if filter.LocationID != 0 {
		conds = append(conds, "location_id="+arg(filter.LocationID))
	}
	if filter.Type != "" {
		conds = append(conds, "mv_type="+arg(string(filter.Type)))
	}
	if filter.Reference != "" {
		conds = append(conds, "reference="+arg(filter.Reference))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "moved_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "moved_at <= "+arg(filter.To))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf(`SELECT %s FROM stock_movements WHERE %s ORDER BY moved_at ASC, id ASC LIMIT %s OFFSET %s`,
		movementColumns, where, arg(perPage), arg((page-1)*perPage))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, 0, err
		}
		movements = append(movements, m)
	}
	return movements, total, rows.Err()
}

// LotStatement returns the lot's ledger with a running balance after each
// movement, derived entirely from the ledger.
func (r *Repository) LotStatement(ctx context.Context, lotID int64, from, to time.Time, limit int) ([]StatementEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT mv_type, quantity, moved_at, COALESCE(reference,''), COALESCE(notes,''),
SUM(quantity) OVER (ORDER BY moved_at ASC, id ASC) AS balance
FROM stock_movements
WHERE lot_id=$1 AND moved_at BETWEEN COALESCE($2, '-infinity') AND COALESCE($3, 'infinity')
ORDER BY moved_at ASC, id ASC
LIMIT $4`, lotID, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []StatementEntry{}
	for rows.Next() {
		var e StatementEntry
		if err := rows.Scan(&e.Type, &e.Quantity, &e.MovedAt, &e.Reference, &e.Notes, &e.Balance); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListLotIDs returns every lot id, for the reconciliation sweep.
func (r *Repository) ListLotIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM reagent_lots ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpiringLots returns dated lots with stock that expire on or before the
// given horizon, soonest first.
func (r *Repository) ExpiringLots(ctx context.Context, until time.Time) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM reagent_lots
WHERE status='ACTIVE' AND current_qty > 0 AND expiry_date IS NOT NULL AND expiry_date <= $1
ORDER BY expiry_date ASC, id ASC`, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
