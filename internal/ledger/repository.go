package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetRecord(ctx context.Context, hubID, productID, batchID int64) (InventoryRecord, error)
	GetRecordByID(ctx context.Context, recordID int64) (InventoryRecord, error)
	ListEligibleRecords(ctx context.Context, hubID, productID int64, asOf time.Time) ([]InventoryRecord, error)
	UpdateRecordVersioned(ctx context.Context, recordID, qty, reservedQty, expectedVersion int64) (bool, error)
	InsertRecord(ctx context.Context, rec InventoryRecord) (int64, error)
	InsertReservation(ctx context.Context, res Reservation) error
	GetReservationForUpdate(ctx context.Context, token uuid.UUID) (Reservation, error)
	SetReservationStatus(ctx context.Context, token uuid.UUID, status ReservationStatus) error
	InsertMovement(ctx context.Context, mv Movement) error
}

type txRepository struct {
	tx pgx.Tx
}

// ErrRecordNotFound indicates a missing inventory record row.
var ErrRecordNotFound = errors.New("inventory record not found")

// ErrReservationNotFound indicates a missing reservation row.
var ErrReservationNotFound = errors.New("reservation not found")

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ListHubStock returns every record at the hub, FEFO ordered.
func (r *Repository) ListHubStock(ctx context.Context, hubID int64) ([]InventoryRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, hub_id, product_id, batch_id, batch_code, expiry, qty, reserved_qty, version, created_at
FROM inventory_records
WHERE hub_id=$1
ORDER BY product_id ASC, expiry ASC NULLS LAST, created_at ASC, id ASC`, hubID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListExpiredReservations returns held reservations whose deadline passed.
func (r *Repository) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT token FROM reservations
WHERE status=$1 AND expires_at < $2
ORDER BY expires_at ASC
LIMIT $3`, string(ReservationHeld), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []uuid.UUID
	for rows.Next() {
		var token uuid.UUID
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// HasMovement reports whether the document already wrote journal entries.
func (r *Repository) HasMovement(ctx context.Context, refModule, refID string, reasons ...MovementReason) (bool, error) {
	var exists bool
	if len(reasons) == 0 {
		err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE ref_module=$1 AND ref_id=$2)`,
			refModule, refID).Scan(&exists)
		return exists, err
	}
	names := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		names = append(names, string(reason))
	}
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE ref_module=$1 AND ref_id=$2 AND reason = ANY($3))`,
		refModule, refID, names).Scan(&exists)
	return exists, err
}

func (r *txRepository) GetRecord(ctx context.Context, hubID, productID, batchID int64) (InventoryRecord, error) {
	var rec InventoryRecord
	err := r.tx.QueryRow(ctx, `SELECT id, hub_id, product_id, batch_id, batch_code, expiry, qty, reserved_qty, version, created_at
FROM inventory_records WHERE hub_id=$1 AND product_id=$2 AND batch_id=$3`, hubID, productID, batchID).
		Scan(&rec.ID, &rec.HubID, &rec.ProductID, &rec.BatchID, &rec.BatchCode, &rec.Expiry, &rec.Qty, &rec.ReservedQty, &rec.Version, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, ErrRecordNotFound
		}
		return InventoryRecord{}, err
	}
	return rec, nil
}

func (r *txRepository) GetRecordByID(ctx context.Context, recordID int64) (InventoryRecord, error) {
	var rec InventoryRecord
	err := r.tx.QueryRow(ctx, `SELECT id, hub_id, product_id, batch_id, batch_code, expiry, qty, reserved_qty, version, created_at
FROM inventory_records WHERE id=$1`, recordID).
		Scan(&rec.ID, &rec.HubID, &rec.ProductID, &rec.BatchID, &rec.BatchCode, &rec.Expiry, &rec.Qty, &rec.ReservedQty, &rec.Version, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, ErrRecordNotFound
		}
		return InventoryRecord{}, err
	}
	return rec, nil
}

// ListEligibleRecords returns unexpired records with available stock for the
// product at the hub. Ordering is the FEFO contract: earliest expiry first,
// null expiries last, ties broken by batch creation order.
func (r *txRepository) ListEligibleRecords(ctx context.Context, hubID, productID int64, asOf time.Time) ([]InventoryRecord, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, hub_id, product_id, batch_id, batch_code, expiry, qty, reserved_qty, version, created_at
FROM inventory_records
WHERE hub_id=$1 AND product_id=$2 AND qty - reserved_qty > 0 AND (expiry IS NULL OR expiry > $3)
ORDER BY expiry ASC NULLS LAST, created_at ASC, id ASC`, hubID, productID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// UpdateRecordVersioned writes new quantities only when the stored version is
// unchanged. Returns false when the row was modified concurrently.
func (r *txRepository) UpdateRecordVersioned(ctx context.Context, recordID, qty, reservedQty, expectedVersion int64) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_records
SET qty=$2, reserved_qty=$3, version=version+1
WHERE id=$1 AND version=$4`, recordID, qty, reservedQty, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) InsertRecord(ctx context.Context, rec InventoryRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_records (hub_id, product_id, batch_id, batch_code, expiry, qty, reserved_qty, version, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,NOW()) RETURNING id`,
		rec.HubID, rec.ProductID, rec.BatchID, rec.BatchCode, rec.Expiry, rec.Qty, rec.ReservedQty).Scan(&id)
	return id, err
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) error {
	if _, err := r.tx.Exec(ctx, `INSERT INTO reservations (token, hub_id, status, expires_at, created_at)
VALUES ($1,$2,$3,$4,NOW())`, res.Token, res.HubID, string(res.Status), res.ExpiresAt); err != nil {
		return err
	}
	for _, line := range res.Lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO reservation_lines (token, record_id, product_id, batch_id, qty)
VALUES ($1,$2,$3,$4,$5)`, res.Token, line.RecordID, line.ProductID, line.BatchID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetReservationForUpdate(ctx context.Context, token uuid.UUID) (Reservation, error) {
	var res Reservation
	var status string
	err := r.tx.QueryRow(ctx, `SELECT token, hub_id, status, expires_at, created_at
FROM reservations WHERE token=$1 FOR UPDATE`, token).
		Scan(&res.Token, &res.HubID, &status, &res.ExpiresAt, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, err
	}
	res.Status = ReservationStatus(status)
	rows, err := r.tx.Query(ctx, `SELECT record_id, product_id, batch_id, qty
FROM reservation_lines WHERE token=$1 ORDER BY product_id ASC, batch_id ASC`, token)
	if err != nil {
		return Reservation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line ReservationLine
		if err := rows.Scan(&line.RecordID, &line.ProductID, &line.BatchID, &line.Qty); err != nil {
			return Reservation{}, err
		}
		res.Lines = append(res.Lines, line)
	}
	return res, rows.Err()
}

func (r *txRepository) SetReservationStatus(ctx context.Context, token uuid.UUID, status ReservationStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservations SET status=$2 WHERE token=$1`, token, string(status))
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, mv Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movements (hub_id, product_id, batch_id, qty_delta, reason, ref_module, ref_id, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,COALESCE($8, NOW()))`,
		mv.HubID, mv.ProductID, mv.BatchID, mv.QtyDelta, string(mv.Reason), mv.RefModule, mv.RefID, nullTime(mv.OccurredAt))
	return err
}

func scanRecords(rows pgx.Rows) ([]InventoryRecord, error) {
	var records []InventoryRecord
	for rows.Next() {
		var rec InventoryRecord
		if err := rows.Scan(&rec.ID, &rec.HubID, &rec.ProductID, &rec.BatchID, &rec.BatchCode, &rec.Expiry, &rec.Qty, &rec.ReservedQty, &rec.Version, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
