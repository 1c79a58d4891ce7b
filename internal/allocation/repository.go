package allocation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/platform/db"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Repository persists orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertOrder stores a freshly accepted order with its requested lines.
func (r *Repository) InsertOrder(ctx context.Context, order Order) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO orders (id, idempotency_key, customer_id, hub_id, price_list_id, device_list_version, status, backorder, subtotal, tax_total, total_amount, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())`,
			order.ID, order.IdempotencyKey, order.CustomerID, order.HubID, order.PriceListID, order.DeviceListVersion,
			string(order.Status), order.Backorder, order.Subtotal.String(), order.TaxTotal.String(), order.TotalAmount.String())
		if err != nil {
			return err
		}
		for i, line := range order.RequestedLines {
			if _, err := tx.Exec(ctx, `INSERT INTO order_requested_lines (order_id, line_no, product_id, qty, batch_hint, discount_pct)
VALUES ($1,$2,$3,$4,$5,$6)`, order.ID, i+1, line.ProductID, line.Qty, line.BatchHint, line.DiscountPct.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID loads an order with requested and allocated lines.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Order, error) {
	return r.getWhere(ctx, `id=$1`, id)
}

// GetByIdempotencyKey loads the order accepted for a device idempotency key.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return r.getWhere(ctx, `idempotency_key=$1`, key)
}

func (r *Repository) getWhere(ctx context.Context, where string, arg any) (Order, error) {
	var o Order
	var status string
	var subtotal, taxTotal, total string
	err := r.pool.QueryRow(ctx, `SELECT id, idempotency_key, customer_id, hub_id, price_list_id, device_list_version, price_list_version, status, backorder, reservation_token, subtotal, tax_total, total_amount, created_at, updated_at
FROM orders WHERE `+where, arg).
		Scan(&o.ID, &o.IdempotencyKey, &o.CustomerID, &o.HubID, &o.PriceListID, &o.DeviceListVersion, &o.ListVersion,
			&status, &o.Backorder, &o.ReservationToken, &subtotal, &taxTotal, &total, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, shared.ErrNotFound
		}
		return Order{}, err
	}
	o.Status = OrderStatus(status)
	if o.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return Order{}, err
	}
	if o.TaxTotal, err = decimal.NewFromString(taxTotal); err != nil {
		return Order{}, err
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return Order{}, err
	}
	if o.RequestedLines, err = r.requestedLines(ctx, o.ID); err != nil {
		return Order{}, err
	}
	if o.AllocatedLines, err = r.allocatedLines(ctx, o.ID); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *Repository) requestedLines(ctx context.Context, orderID uuid.UUID) ([]RequestedLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, qty, batch_hint, discount_pct
FROM order_requested_lines WHERE order_id=$1 ORDER BY line_no ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []RequestedLine
	for rows.Next() {
		var line RequestedLine
		var discount string
		if err := rows.Scan(&line.ProductID, &line.Qty, &line.BatchHint, &discount); err != nil {
			return nil, err
		}
		if line.DiscountPct, err = decimal.NewFromString(discount); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *Repository) allocatedLines(ctx context.Context, orderID uuid.UUID) ([]AllocatedLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, batch_id, batch_code, qty, unit_price, discount_pct, discount_amount, tax_rate_pct, tax_amount, line_total
FROM order_allocated_lines WHERE order_id=$1 ORDER BY line_no ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []AllocatedLine
	for rows.Next() {
		var line AllocatedLine
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

// SaveAllocation stores the allocation result: resolved lines, totals,
// reservation token and the pending->confirmed transition, atomically.
func (r *Repository) SaveAllocation(ctx context.Context, order Order) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE orders SET status=$2, backorder=$3, reservation_token=$4, price_list_version=$5, subtotal=$6, tax_total=$7, total_amount=$8, updated_at=NOW()
WHERE id=$1`, order.ID, string(order.Status), order.Backorder, order.ReservationToken, order.ListVersion,
			order.Subtotal.String(), order.TaxTotal.String(), order.TotalAmount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM order_allocated_lines WHERE order_id=$1`, order.ID); err != nil {
			return err
		}
		for i, line := range order.AllocatedLines {
			if _, err := tx.Exec(ctx, `INSERT INTO order_allocated_lines (order_id, line_no, product_id, batch_id, batch_code, qty, unit_price, discount_pct, discount_amount, tax_rate_pct, tax_amount, line_total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				order.ID, i+1, line.ProductID, line.BatchID, line.BatchCode, line.Qty,
				line.UnitPrice.String(), line.DiscountPct.String(), line.DiscountAmount.String(),
				line.TaxRatePct.String(), line.TaxAmount.String(), line.LineTotal.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetStatus records a bare status transition.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetBackorder flags an order whose allocation failed on stock.
func (r *Repository) SetBackorder(ctx context.Context, id uuid.UUID, backorder bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET backorder=$2, updated_at=NOW() WHERE id=$1`, id, backorder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
