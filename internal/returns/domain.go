package returns

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the return lifecycle state.
type Status string

const (
	// StatusPending awaits review.
	StatusPending Status = "PENDING"
	// StatusApproved passed quantity validation; credit amount is fixed.
	StatusApproved Status = "APPROVED"
	// StatusRejected is terminal.
	StatusRejected Status = "REJECTED"
	// StatusProcessed means stock moved and the credit note was issued.
	StatusProcessed Status = "PROCESSED"
)

// Condition classifies returned goods.
type Condition string

const (
	// ConditionGood goods go back into sellable stock.
	ConditionGood Condition = "GOOD"
	// ConditionDamaged goods are written off, never restocked.
	ConditionDamaged Condition = "DAMAGED"
	// ConditionExpired goods are written off like damaged ones.
	ConditionExpired Condition = "EXPIRED"
)

// Line is one returned product/batch quantity.
type Line struct {
	ProductID    int64           `json:"product_id"`
	BatchID      int64           `json:"batch_id"`
	BatchCode    string          `json:"batch_code"`
	Expiry       *time.Time      `json:"expiry,omitempty"`
	Qty          int64           `json:"qty"`
	Condition    Condition       `json:"condition"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
}

// Return reverses part or all of an issued invoice. Approval freezes the
// credit amount; processing moves stock and issues the credit note.
type Return struct {
	ID               uuid.UUID       `json:"id"`
	InvoiceID        uuid.UUID       `json:"invoice_id"`
	InvoiceNumber    string          `json:"invoice_number"`
	HubID            int64           `json:"hub_id"`
	CustomerID       int64           `json:"customer_id"`
	Status           Status          `json:"status"`
	Lines            []Line          `json:"lines"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
	CreditNoteNumber string          `json:"credit_note_number,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	RequestedBy      int64           `json:"requested_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewReturnInput captures a return request against an invoice.
type NewReturnInput struct {
	InvoiceNumber string
	Lines         []Line
	Reason        string
	RequestedBy   int64
}
