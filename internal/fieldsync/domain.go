package fieldsync

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/allocation"
)

// SyncLine is one requested line as the device recorded it offline.
type SyncLine struct {
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	Qty         int64  `json:"qty" validate:"required,gt=0"`
	BatchHint   *int64 `json:"batch_hint,omitempty"`
	DiscountPct string `json:"discount_pct,omitempty"`
}

// SyncOrder is one offline order inside a sync batch. The idempotency key is
// minted on the device and never reused across orders.
type SyncOrder struct {
	IdempotencyKey    string     `json:"idempotency_key" validate:"required,min=8,max=128"`
	CustomerID        int64      `json:"customer_id" validate:"required,gt=0"`
	PriceListID       int64      `json:"price_list_id" validate:"required,gt=0"`
	DeviceListVersion int64      `json:"device_list_version" validate:"gte=0"`
	DeviceTotal       string     `json:"device_total,omitempty"`
	RecordedAt        time.Time  `json:"recorded_at"`
	Lines             []SyncLine `json:"lines" validate:"required,min=1,dive"`
}

// SyncRequest is the batch a device uploads when it regains connectivity.
type SyncRequest struct {
	DeviceID string      `json:"device_id" validate:"required"`
	HubID    int64       `json:"hub_id" validate:"required,gt=0"`
	Orders   []SyncOrder `json:"orders" validate:"required,min=1,max=500,dive"`
}

// OrderOutcome classifies what happened to one uploaded order.
type OrderOutcome string

const (
	OutcomeAccepted    OrderOutcome = "ACCEPTED"
	OutcomeBackordered OrderOutcome = "BACKORDERED"
	OutcomeRejected    OrderOutcome = "REJECTED"
)

// ResolvedLine echoes the server-priced allocation back to the device.
type ResolvedLine struct {
	ProductID int64           `json:"product_id"`
	BatchID   int64           `json:"batch_id"`
	BatchCode string          `json:"batch_code"`
	Qty       int64           `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// OrderResult is the durable per-order outcome. Replaying the same
// idempotency key returns this stored value instead of reprocessing.
type OrderResult struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Outcome        OrderOutcome    `json:"outcome"`
	OrderID        string          `json:"order_id,omitempty"`
	InvoiceNumber  string          `json:"invoice_number,omitempty"`
	Lines          []ResolvedLine  `json:"lines,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	// PriceListVersion is the server-side list version the totals were
	// resolved against; devices compare it to their cached snapshot.
	PriceListVersion int64           `json:"price_list_version,omitempty"`
	PriceAdjusted    bool            `json:"price_adjusted,omitempty"`
	Shortfalls       []ShortfallInfo `json:"shortfalls,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Replayed         bool            `json:"replayed,omitempty"`
}

// ShortfallInfo reports one line the hub could not cover.
type ShortfallInfo struct {
	ProductID int64 `json:"product_id"`
	Requested int64 `json:"requested"`
	Available int64 `json:"available"`
	Shortfall int64 `json:"shortfall"`
}

// SyncResult is the full batch response in upload order.
type SyncResult struct {
	DeviceID string        `json:"device_id"`
	HubID    int64         `json:"hub_id"`
	Results  []OrderResult `json:"results"`
	SyncedAt time.Time     `json:"synced_at"`
}

func resolvedLines(order allocation.Order) []ResolvedLine {
	lines := make([]ResolvedLine, 0, len(order.AllocatedLines))
	for _, l := range order.AllocatedLines {
		lines = append(lines, ResolvedLine{
			ProductID: l.ProductID,
			BatchID:   l.BatchID,
			BatchCode: l.BatchCode,
			Qty:       l.Qty,
			UnitPrice: l.UnitPrice,
			TaxAmount: l.TaxAmount,
			LineTotal: l.LineTotal,
		})
	}
	return lines
}
