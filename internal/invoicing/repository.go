package invoicing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/platform/db"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Repository persists invoices, payments and per-hub document counters.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Issue assigns the next number for (hub, doc_type) and stores the invoice in
// the same transaction. The counter row is locked by the UPDATE, so two
// concurrent issues for one hub serialize and the sequence stays gap-free: a
// rollback returns both the counter increment and the invoice insert.
func (r *Repository) Issue(ctx context.Context, inv Invoice, docType DocType) (Invoice, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		number, err := nextNumber(ctx, tx, inv.HubID, docType)
		if err != nil {
			return err
		}
		inv.Number = number
		inv.IssuedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx, `INSERT INTO invoices (id, number, order_id, customer_id, hub_id, subtotal, tax_total, total_amount, paid_amount, payment_status, issued_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			inv.ID, inv.Number, inv.OrderID, inv.CustomerID, inv.HubID,
			inv.Subtotal.String(), inv.TaxTotal.String(), inv.TotalAmount.String(),
			inv.PaidAmount.String(), string(inv.PaymentStatus), inv.IssuedAt); err != nil {
			return err
		}
		for i, line := range inv.Lines {
			if _, err := tx.Exec(ctx, `INSERT INTO invoice_lines (invoice_id, line_no, product_id, batch_id, batch_code, qty, unit_price, discount_pct, discount_amount, tax_rate_pct, tax_amount, line_total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				inv.ID, i+1, line.ProductID, line.BatchID, line.BatchCode, line.Qty,
				line.UnitPrice.String(), line.DiscountPct.String(), line.DiscountAmount.String(),
				line.TaxRatePct.String(), line.TaxAmount.String(), line.LineTotal.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func nextNumber(ctx context.Context, tx pgx.Tx, hubID int64, docType DocType) (string, error) {
	var prefix string
	var value int64
	err := tx.QueryRow(ctx, `UPDATE doc_sequences SET last_value = last_value + 1
WHERE hub_id=$1 AND doc_type=$2
RETURNING prefix, last_value`, hubID, string(docType)).Scan(&prefix, &value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return shared.DocumentNumber(prefix, value), nil
}

// GetByID loads an invoice with its lines.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return r.getWhere(ctx, `id=$1`, id)
}

// GetByOrderID loads the invoice issued for an order, if any.
func (r *Repository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (Invoice, error) {
	return r.getWhere(ctx, `order_id=$1`, orderID)
}

// GetByNumber loads an invoice by its document number.
func (r *Repository) GetByNumber(ctx context.Context, number string) (Invoice, error) {
	return r.getWhere(ctx, `number=$1`, number)
}

func (r *Repository) getWhere(ctx context.Context, where string, arg any) (Invoice, error) {
	var inv Invoice
	var status string
	var cols [4]string
	err := r.pool.QueryRow(ctx, `SELECT id, number, order_id, customer_id, hub_id, subtotal, tax_total, total_amount, paid_amount, payment_status, issued_at
FROM invoices WHERE `+where, arg).
		Scan(&inv.ID, &inv.Number, &inv.OrderID, &inv.CustomerID, &inv.HubID,
			&cols[0], &cols[1], &cols[2], &cols[3], &status, &inv.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, shared.ErrNotFound
		}
		return Invoice{}, err
	}
	inv.PaymentStatus = PaymentStatus(status)
	if inv.Subtotal, err = decimal.NewFromString(cols[0]); err != nil {
		return Invoice{}, err
	}
	if inv.TaxTotal, err = decimal.NewFromString(cols[1]); err != nil {
		return Invoice{}, err
	}
	if inv.TotalAmount, err = decimal.NewFromString(cols[2]); err != nil {
		return Invoice{}, err
	}
	if inv.PaidAmount, err = decimal.NewFromString(cols[3]); err != nil {
		return Invoice{}, err
	}
	if inv.Lines, err = r.lines(ctx, inv.ID); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (r *Repository) lines(ctx context.Context, invoiceID uuid.UUID) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, batch_id, batch_code, qty, unit_price, discount_pct, discount_amount, tax_rate_pct, tax_amount, line_total
FROM invoice_lines WHERE invoice_id=$1 ORDER BY line_no ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		var cols [6]string
		if err := rows.Scan(&line.ProductID, &line.BatchID, &line.BatchCode, &line.Qty,
			&cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5]); err != nil {
			return nil, err
		}
		parsed := make([]decimal.Decimal, len(cols))
		for i, raw := range cols {
			if parsed[i], err = decimal.NewFromString(raw); err != nil {
				return nil, err
			}
		}
		line.UnitPrice, line.DiscountPct, line.DiscountAmount = parsed[0], parsed[1], parsed[2]
		line.TaxRatePct, line.TaxAmount, line.LineTotal = parsed[3], parsed[4], parsed[5]
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// AddPayment inserts a payment and rolls the invoice's paid amount and
// payment status forward in one transaction.
func (r *Repository) AddPayment(ctx context.Context, payment Payment, newPaid decimal.Decimal, newStatus PaymentStatus) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO invoice_payments (invoice_id, amount, method, actor_id, received_at)
VALUES ($1,$2,$3,$4,$5)`,
			payment.InvoiceID, payment.Amount.String(), payment.Method, payment.ActorID, payment.ReceivedAt); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE invoices SET paid_amount=$2, payment_status=$3 WHERE id=$1`,
			payment.InvoiceID, newPaid.String(), string(newStatus))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// ListPayments returns payments recorded against an invoice, oldest first.
func (r *Repository) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, amount, method, actor_id, received_at
FROM invoice_payments WHERE invoice_id=$1 ORDER BY received_at ASC, id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		var p Payment
		var amount string
		if err := rows.Scan(&p.ID, &p.InvoiceID, &amount, &p.Method, &p.ActorID, &p.ReceivedAt); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
