package returns

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Repository persists returns and issues credit note numbers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a new pending return with its lines.
func (r *Repository) Insert(ctx context.Context, ret Return) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO returns (id, invoice_id, invoice_number, hub_id, customer_id, status, credit_amount, reason, requested_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())`,
		ret.ID, ret.InvoiceID, ret.InvoiceNumber, ret.HubID, ret.CustomerID,
		string(ret.Status), ret.CreditAmount.String(), ret.Reason, ret.RequestedBy); err != nil {
		return err
	}
	for i, line := range ret.Lines {
		if _, err := tx.Exec(ctx, `INSERT INTO return_lines (return_id, line_no, product_id, batch_id, batch_code, expiry, qty, condition, credit_amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			ret.ID, i+1, line.ProductID, line.BatchID, line.BatchCode, line.Expiry,
			line.Qty, string(line.Condition), line.CreditAmount.String()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Get loads a return with its lines.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Return, error) {
	var ret Return
	var status, credit string
	err := r.pool.QueryRow(ctx, `SELECT id, invoice_id, invoice_number, hub_id, customer_id, status, credit_amount, credit_note_number, reason, requested_by, created_at, updated_at
FROM returns WHERE id=$1`, id).
		Scan(&ret.ID, &ret.InvoiceID, &ret.InvoiceNumber, &ret.HubID, &ret.CustomerID, &status, &credit,
			&ret.CreditNoteNumber, &ret.Reason, &ret.RequestedBy, &ret.CreatedAt, &ret.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Return{}, shared.ErrNotFound
		}
		return Return{}, err
	}
	ret.Status = Status(status)
	if ret.CreditAmount, err = decimal.NewFromString(credit); err != nil {
		return Return{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT product_id, batch_id, batch_code, expiry, qty, condition, credit_amount
FROM return_lines WHERE return_id=$1 ORDER BY line_no ASC`, id)
	if err != nil {
		return Return{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		var condition, lineCredit string
		if err := rows.Scan(&line.ProductID, &line.BatchID, &line.BatchCode, &line.Expiry, &line.Qty, &condition, &lineCredit); err != nil {
			return Return{}, err
		}
		line.Condition = Condition(condition)
		if line.CreditAmount, err = decimal.NewFromString(lineCredit); err != nil {
			return Return{}, err
		}
		ret.Lines = append(ret.Lines, line)
	}
	return ret, rows.Err()
}

// UpdateStatus moves a return between states, guarded by the current state.
// Lines with recomputed credit amounts are rewritten when provided.
func (r *Repository) UpdateStatus(ctx context.Context, ret Return, from Status) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE returns SET status=$3, credit_amount=$4, reason=$5, updated_at=NOW()
WHERE id=$1 AND status=$2`, ret.ID, string(from), string(ret.Status), ret.CreditAmount.String(), ret.Reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrInvalidTransition
	}
	for i, line := range ret.Lines {
		if _, err := tx.Exec(ctx, `UPDATE return_lines SET credit_amount=$3 WHERE return_id=$1 AND line_no=$2`,
			ret.ID, i+1, line.CreditAmount.String()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SumReturnedQty totals quantities already approved or processed against an
// invoice line, across all other returns.
func (r *Repository) SumReturnedQty(ctx context.Context, invoiceID uuid.UUID, productID, batchID int64, exclude uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(l.qty), 0)
FROM return_lines l
JOIN returns ret ON ret.id = l.return_id
WHERE ret.invoice_id=$1 AND l.product_id=$2 AND l.batch_id=$3
  AND ret.id <> $4 AND ret.status IN ('APPROVED','PROCESSED')`,
		invoiceID, productID, batchID, exclude).Scan(&total)
	return total, err
}

// MarkProcessed assigns the next credit note number for the hub and stamps
// the approved->processed transition in one transaction, so the credit note
// sequence stays gap-free.
func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, hubID int64) (string, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prefix string
	var value int64
	err = tx.QueryRow(ctx, `UPDATE doc_sequences SET last_value = last_value + 1
WHERE hub_id=$1 AND doc_type='CREDIT_NOTE'
RETURNING prefix, last_value`, hubID).Scan(&prefix, &value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	number := shared.DocumentNumber(prefix, value)

	tag, err := tx.Exec(ctx, `UPDATE returns SET status='PROCESSED', credit_note_number=$2, updated_at=NOW()
WHERE id=$1 AND status='APPROVED'`, id, number)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", shared.ErrInvalidTransition
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return number, nil
}
