package allocation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	// StatusDraft marks an order still editable on the device.
	StatusDraft OrderStatus = "DRAFT"
	// StatusPending marks an order submitted but not yet allocated.
	StatusPending OrderStatus = "PENDING"
	// StatusConfirmed marks an order with stock reserved and prices resolved.
	StatusConfirmed OrderStatus = "CONFIRMED"
	// StatusInvoiced marks an order converted into an immutable invoice.
	StatusInvoiced OrderStatus = "INVOICED"
	// StatusCancelled is terminal.
	StatusCancelled OrderStatus = "CANCELLED"
)

// CanCancel reports whether an order in this status may still be cancelled.
func (s OrderStatus) CanCancel() bool {
	return s == StatusDraft || s == StatusPending || s == StatusConfirmed
}

// RequestedLine is what the device asked for. Batches are never chosen on the
// device; the hint is advisory only.
type RequestedLine struct {
	ProductID   int64           `json:"product_id"`
	Qty         int64           `json:"qty"`
	BatchHint   *int64          `json:"batch_hint,omitempty"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
}

// AllocatedLine is one resolved (batch, quantity) slice of a requested line
// with its server-resolved price, discount and tax.
type AllocatedLine struct {
	ProductID      int64           `json:"product_id"`
	BatchID        int64           `json:"batch_id"`
	BatchCode      string          `json:"batch_code"`
	Qty            int64           `json:"qty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountPct    decimal.Decimal `json:"discount_pct"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxRatePct     decimal.Decimal `json:"tax_rate_pct"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

// Order is owned by the originating device until sync acceptance; after that
// the server owns every further transition.
type Order struct {
	ID                uuid.UUID
	IdempotencyKey    string
	CustomerID        int64
	HubID             int64
	PriceListID       int64
	DeviceListVersion int64
	// ListVersion is the server-side price list version the totals were
	// resolved against; zero until allocation.
	ListVersion      int64
	Status           OrderStatus
	Backorder        bool
	RequestedLines   []RequestedLine
	AllocatedLines   []AllocatedLine
	ReservationToken *uuid.UUID
	Subtotal         decimal.Decimal
	TaxTotal         decimal.Decimal
	TotalAmount      decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewOrderInput captures a device-authored order at the sync boundary.
type NewOrderInput struct {
	IdempotencyKey    string
	CustomerID        int64
	HubID             int64
	PriceListID       int64
	DeviceListVersion int64
	RequestedLines    []RequestedLine
}
