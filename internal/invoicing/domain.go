package invoicing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus tracks how much of an invoice has been settled.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

// Line is one allocated batch slice frozen onto an invoice.
type Line struct {
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

// Invoice is the immutable financial document issued for a confirmed order.
// Amounts and lines never change after issue; only the payment columns move.
type Invoice struct {
	ID            uuid.UUID       `json:"id"`
	Number        string          `json:"number"`
	OrderID       uuid.UUID       `json:"order_id"`
	CustomerID    int64           `json:"customer_id"`
	HubID         int64           `json:"hub_id"`
	Lines         []Line          `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	IssuedAt      time.Time       `json:"issued_at"`
}

// Outstanding returns the unpaid remainder.
func (inv Invoice) Outstanding() decimal.Decimal {
	return inv.TotalAmount.Sub(inv.PaidAmount)
}

// Payment is one settlement against an invoice.
type Payment struct {
	ID         int64           `json:"id"`
	InvoiceID  uuid.UUID       `json:"invoice_id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method"`
	ActorID    int64           `json:"actor_id"`
	ReceivedAt time.Time       `json:"received_at"`
}

// DocType selects which per-hub counter numbers a document.
type DocType string

const (
	DocInvoice    DocType = "INVOICE"
	DocCreditNote DocType = "CREDIT_NOTE"
)
