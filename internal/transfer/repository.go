package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Repository persists transfers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a new pending transfer with its lines.
func (r *Repository) Insert(ctx context.Context, t Transfer) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO transfers (id, source_hub_id, dest_hub_id, status, requested_by, note, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())`,
		t.ID, t.SourceHubID, t.DestHubID, string(t.Status), t.RequestedBy, t.Note); err != nil {
		return err
	}
	for i, line := range t.Lines {
		if _, err := tx.Exec(ctx, `INSERT INTO transfer_lines (transfer_id, line_no, product_id, batch_id, batch_code, expiry, qty)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			t.ID, i+1, line.ProductID, line.BatchID, line.BatchCode, line.Expiry, line.Qty); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Get loads a transfer with its lines.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Transfer, error) {
	var t Transfer
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, source_hub_id, dest_hub_id, status, reservation_token, requested_by, note, created_at, updated_at, dispatched_at, received_at
FROM transfers WHERE id=$1`, id).
		Scan(&t.ID, &t.SourceHubID, &t.DestHubID, &status, &t.ReservationToken, &t.RequestedBy, &t.Note,
			&t.CreatedAt, &t.UpdatedAt, &t.DispatchedAt, &t.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, shared.ErrNotFound
		}
		return Transfer{}, err
	}
	t.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT product_id, batch_id, batch_code, expiry, qty
FROM transfer_lines WHERE transfer_id=$1 ORDER BY line_no ASC`, id)
	if err != nil {
		return Transfer{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ProductID, &line.BatchID, &line.BatchCode, &line.Expiry, &line.Qty); err != nil {
			return Transfer{}, err
		}
		t.Lines = append(t.Lines, line)
	}
	return t, rows.Err()
}

// UpdateState moves a transfer between states, guarded by the expected
// current state so two actors cannot race the same transition.
func (r *Repository) UpdateState(ctx context.Context, id uuid.UUID, from, to Status, token *uuid.UUID, stamp *time.Time) error {
	var stampCol string
	switch to {
	case StatusInTransit:
		stampCol = ", dispatched_at=$5"
	case StatusCompleted:
		stampCol = ", received_at=$5"
	}
	query := `UPDATE transfers SET status=$3, reservation_token=$4` + stampCol + `, updated_at=NOW() WHERE id=$1 AND status=$2`
	args := []any{id, string(from), string(to), token}
	if stampCol != "" {
		args = append(args, stamp)
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrInvalidTransition
	}
	return nil
}

// ListByHub returns transfers touching a hub, newest first.
func (r *Repository) ListByHub(ctx context.Context, hubID int64, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM transfers
WHERE source_hub_id=$1 OR dest_hub_id=$1 ORDER BY created_at DESC LIMIT $2`, hubID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	transfers := make([]Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}
