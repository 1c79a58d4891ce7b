package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Repository persists price lists in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetPriceList loads one price list header.
func (r *Repository) GetPriceList(ctx context.Context, priceListID int64) (PriceList, error) {
	var list PriceList
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, is_default, version, created_at
FROM price_lists WHERE id=$1`, priceListID).
		Scan(&list.ID, &list.Code, &list.Name, &list.IsDefault, &list.Version, &list.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PriceList{}, shared.ErrPriceListNotFound
		}
		return PriceList{}, err
	}
	return list, nil
}

// GetDefaultPriceList loads the single default price list.
func (r *Repository) GetDefaultPriceList(ctx context.Context) (PriceList, error) {
	var list PriceList
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, is_default, version, created_at
FROM price_lists WHERE is_default LIMIT 1`).
		Scan(&list.ID, &list.Code, &list.Name, &list.IsDefault, &list.Version, &list.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PriceList{}, shared.ErrPriceListNotFound
		}
		return PriceList{}, err
	}
	return list, nil
}

// SetDefaultPriceList flips the default flag in one statement so at most one
// is_default row can ever be observed, instead of a clear-then-set pair.
func (r *Repository) SetDefaultPriceList(ctx context.Context, priceListID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE price_lists SET is_default = (id = $1)
WHERE EXISTS (SELECT 1 FROM price_lists WHERE id = $1)`, priceListID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrPriceListNotFound
	}
	return nil
}

// ListEntries returns every entry for the product in the list ordered by
// effective window start.
func (r *Repository) ListEntries(ctx context.Context, priceListID, productID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, price_list_id, product_id, effective_from, effective_to,
trade_price, mrp, promo_price, promo_from, promo_to, tax_rate_pct, created_at
FROM price_list_entries
WHERE price_list_id=$1 AND product_id=$2
ORDER BY effective_from ASC`, priceListID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PriceListID, &e.ProductID, &e.EffectiveFrom, &e.EffectiveTo,
			&e.TradePrice, &e.MRP, &e.PromoPrice, &e.PromoFrom, &e.PromoTo, &e.TaxRatePct, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
