package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RepositoryPort abstracts price list reads for the resolver.
type RepositoryPort interface {
	ListEntries(ctx context.Context, priceListID, productID int64) ([]Entry, error)
	GetPriceList(ctx context.Context, priceListID int64) (PriceList, error)
}

// Resolver selects the applicable price list entry for a point in time. It
// performs no mutation and is deterministic for identical inputs, which the
// sync reconciler relies on to re-validate prices computed offline.
type Resolver struct {
	repo RepositoryPort
}

// NewResolver builds Resolver.
func NewResolver(repo RepositoryPort) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the unit price and tax rate applicable at asOf. The
// promotional price overrides trade price when its own window contains asOf.
func (r *Resolver) Resolve(ctx context.Context, priceListID, productID int64, asOf time.Time) (Quote, error) {
	if priceListID == 0 || productID == 0 {
		return Quote{}, errors.New("pricing: price list and product required")
	}
	list, err := r.repo.GetPriceList(ctx, priceListID)
	if err != nil {
		return Quote{}, err
	}
	entries, err := r.repo.ListEntries(ctx, priceListID, productID)
	if err != nil {
		return Quote{}, err
	}
	for _, entry := range entries {
		if !entry.Covers(asOf) {
			continue
		}
		price := entry.TradePrice
		if entry.PromoActive(asOf) {
			price = *entry.PromoPrice
		}
		return Quote{UnitPrice: price, TaxRatePct: entry.TaxRatePct, ListVersion: list.Version}, nil
	}
	return Quote{}, shared.ErrPriceListNotFound
}

// ComputeLine applies discount before tax and rounds the tax amount to two
// decimal places with banker's unbiased rounding.
func ComputeLine(qty int64, unitPrice, discountPct, taxRatePct decimal.Decimal) LineTotals {
	gross := unitPrice.Mul(decimal.NewFromInt(qty))
	discount := gross.Mul(discountPct).Div(decimal.NewFromInt(100)).RoundBank(2)
	net := gross.Sub(discount)
	tax := net.Mul(taxRatePct).Div(decimal.NewFromInt(100)).RoundBank(2)
	return LineTotals{
		Gross:          gross,
		DiscountAmount: discount,
		Net:            net,
		TaxAmount:      tax,
		LineTotal:      net.Add(tax),
	}
}
