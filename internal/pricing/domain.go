package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceList groups entries a hub or customer segment sells against.
type PriceList struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	IsDefault bool      `json:"is_default"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry prices one product inside a price list for an effective window.
// Windows for the same (price_list, product) never overlap.
type Entry struct {
	ID            int64
	PriceListID   int64
	ProductID     int64
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	TradePrice    decimal.Decimal
	MRP           decimal.Decimal
	PromoPrice    *decimal.Decimal
	PromoFrom     *time.Time
	PromoTo       *time.Time
	TaxRatePct    decimal.Decimal
	CreatedAt     time.Time
}

// Covers reports whether the entry's effective window contains the instant.
func (e Entry) Covers(at time.Time) bool {
	if at.Before(e.EffectiveFrom) {
		return false
	}
	return e.EffectiveTo == nil || at.Before(*e.EffectiveTo)
}

// PromoActive reports whether the promotional price applies at the instant.
func (e Entry) PromoActive(at time.Time) bool {
	if e.PromoPrice == nil || e.PromoFrom == nil {
		return false
	}
	if at.Before(*e.PromoFrom) {
		return false
	}
	return e.PromoTo == nil || at.Before(*e.PromoTo)
}

// Quote is the resolved price and tax for one product at one instant.
type Quote struct {
	UnitPrice   decimal.Decimal
	TaxRatePct  decimal.Decimal
	ListVersion int64
}

// LineTotals carries the money amounts computed for one order line.
type LineTotals struct {
	Gross          decimal.Decimal
	DiscountAmount decimal.Decimal
	Net            decimal.Decimal
	TaxAmount      decimal.Decimal
	LineTotal      decimal.Decimal
}
