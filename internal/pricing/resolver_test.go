package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

type memoryPriceRepo struct {
	lists   map[int64]PriceList
	entries []Entry
}

func (r *memoryPriceRepo) GetPriceList(ctx context.Context, id int64) (PriceList, error) {
	list, ok := r.lists[id]
	if !ok {
		return PriceList{}, shared.ErrPriceListNotFound
	}
	return list, nil
}

func (r *memoryPriceRepo) ListEntries(ctx context.Context, priceListID, productID int64) ([]Entry, error) {
	var out []Entry
	for _, e := range r.entries {
		if e.PriceListID == priceListID && e.ProductID == productID {
			out = append(out, e)
		}
	}
	return out, nil
}

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", value)
	require.NoError(t, err)
	return parsed
}

func tsPtr(t *testing.T, value string) *time.Time {
	parsed := ts(t, value)
	return &parsed
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func decPtr(value string) *decimal.Decimal {
	d := dec(value)
	return &d
}

func TestResolveSelectsWindow(t *testing.T) {
	repo := &memoryPriceRepo{
		lists: map[int64]PriceList{5: {ID: 5, Code: "P", Version: 3}},
		entries: []Entry{
			{PriceListID: 5, ProductID: 1, EffectiveFrom: ts(t, "2024-01-01"), EffectiveTo: tsPtr(t, "2024-06-01"), TradePrice: dec("90"), TaxRatePct: dec("18")},
			{PriceListID: 5, ProductID: 1, EffectiveFrom: ts(t, "2024-06-01"), TradePrice: dec("100"), TaxRatePct: dec("18")},
		},
	}
	resolver := NewResolver(repo)
	ctx := context.Background()

	quote, err := resolver.Resolve(ctx, 5, 1, ts(t, "2024-03-15"))
	require.NoError(t, err)
	require.True(t, quote.UnitPrice.Equal(dec("90")))

	quote, err = resolver.Resolve(ctx, 5, 1, ts(t, "2024-07-01"))
	require.NoError(t, err)
	require.True(t, quote.UnitPrice.Equal(dec("100")))
	require.EqualValues(t, 3, quote.ListVersion)

	_, err = resolver.Resolve(ctx, 5, 1, ts(t, "2023-12-31"))
	require.ErrorIs(t, err, shared.ErrPriceListNotFound)

	_, err = resolver.Resolve(ctx, 5, 2, ts(t, "2024-03-15"))
	require.ErrorIs(t, err, shared.ErrPriceListNotFound)
}

func TestResolvePromoOverride(t *testing.T) {
	repo := &memoryPriceRepo{
		lists: map[int64]PriceList{5: {ID: 5, Version: 1}},
		entries: []Entry{{
			PriceListID: 5, ProductID: 1,
			EffectiveFrom: ts(t, "2024-01-01"),
			TradePrice:    dec("100"),
			PromoPrice:    decPtr("80"),
			PromoFrom:     tsPtr(t, "2024-02-01"),
			PromoTo:       tsPtr(t, "2024-03-01"),
			TaxRatePct:    dec("18"),
		}},
	}
	resolver := NewResolver(repo)
	ctx := context.Background()

	quote, err := resolver.Resolve(ctx, 5, 1, ts(t, "2024-02-15"))
	require.NoError(t, err)
	require.True(t, quote.UnitPrice.Equal(dec("80")), "promo window active")

	quote, err = resolver.Resolve(ctx, 5, 1, ts(t, "2024-03-15"))
	require.NoError(t, err)
	require.True(t, quote.UnitPrice.Equal(dec("100")), "promo window elapsed")
}

func TestResolveDeterministic(t *testing.T) {
	repo := &memoryPriceRepo{
		lists: map[int64]PriceList{5: {ID: 5, Version: 2}},
		entries: []Entry{{
			PriceListID: 5, ProductID: 1,
			EffectiveFrom: ts(t, "2024-01-01"),
			TradePrice:    dec("42.55"),
			TaxRatePct:    dec("12.5"),
		}},
	}
	resolver := NewResolver(repo)
	ctx := context.Background()
	asOf := ts(t, "2024-04-01")

	first, err := resolver.Resolve(ctx, 5, 1, asOf)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := resolver.Resolve(ctx, 5, 1, asOf)
		require.NoError(t, err)
		require.True(t, first.UnitPrice.Equal(again.UnitPrice))
		require.True(t, first.TaxRatePct.Equal(again.TaxRatePct))
	}
}

func TestComputeLineBankersRounding(t *testing.T) {
	// 15 * 100 = 1500, 18% tax = 270
	totals := ComputeLine(15, dec("100"), decimal.Zero, dec("18"))
	require.True(t, totals.Net.Equal(dec("1500")))
	require.True(t, totals.TaxAmount.Equal(dec("270")))
	require.True(t, totals.LineTotal.Equal(dec("1770")))

	// discount applies before tax
	totals = ComputeLine(10, dec("100"), dec("10"), dec("18"))
	require.True(t, totals.DiscountAmount.Equal(dec("100")))
	require.True(t, totals.Net.Equal(dec("900")))
	require.True(t, totals.TaxAmount.Equal(dec("162")))

	// banker's rounding: 0.125 rounds to even 0.12
	totals = ComputeLine(1, dec("2.50"), decimal.Zero, dec("5"))
	require.True(t, totals.TaxAmount.Equal(dec("0.12")), "got %s", totals.TaxAmount)

	// 0.375 rounds to even 0.38
	totals = ComputeLine(3, dec("2.50"), decimal.Zero, dec("5"))
	require.True(t, totals.TaxAmount.Equal(dec("0.38")), "got %s", totals.TaxAmount)
}
