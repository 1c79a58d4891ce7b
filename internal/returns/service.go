package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/invoicing"
	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RepositoryPort abstracts return persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, ret Return) error
	Get(ctx context.Context, id uuid.UUID) (Return, error)
	UpdateStatus(ctx context.Context, ret Return, from Status) error
	SumReturnedQty(ctx context.Context, invoiceID uuid.UUID, productID, batchID int64, exclude uuid.UUID) (int64, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, hubID int64) (string, error)
}

// InvoicePort loads the invoice a return reverses.
type InvoicePort interface {
	GetByNumber(ctx context.Context, number string) (invoicing.Invoice, error)
}

// LedgerPort is the slice of the inventory ledger returns drive.
type LedgerPort interface {
	AdjustBatch(ctx context.Context, inputs []ledger.AdjustInput) error
	HasMovement(ctx context.Context, refModule, refID string, reasons ...ledger.MovementReason) (bool, error)
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Service validates, approves and processes customer returns. Good stock
// goes back to the hub that sold it; damaged and expired stock is written
// off. Every processed return issues a credit note from the hub's own
// sequence.
type Service struct {
	repo      RepositoryPort
	invoices  InvoicePort
	stock     LedgerPort
	approvals ApprovalPort
	logger    *slog.Logger
}

// NewService constructs Service.
func NewService(repo RepositoryPort, invoices InvoicePort, stock LedgerPort, approvals ApprovalPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invoices: invoices, stock: stock, approvals: approvals, logger: logger}
}

// Request registers a pending return against an issued invoice.
func (s *Service) Request(ctx context.Context, input NewReturnInput) (Return, error) {
	if len(input.Lines) == 0 {
		return Return{}, errors.New("returns: at least one line required")
	}
	for _, line := range input.Lines {
		if line.Qty <= 0 {
			return Return{}, fmt.Errorf("returns: quantity must be positive for product %d", line.ProductID)
		}
		switch line.Condition {
		case ConditionGood, ConditionDamaged, ConditionExpired:
		default:
			return Return{}, fmt.Errorf("returns: unknown condition %q", line.Condition)
		}
	}
	inv, err := s.invoices.GetByNumber(ctx, input.InvoiceNumber)
	if err != nil {
		return Return{}, err
	}
	if identity := shared.IdentityFromContext(ctx); identity != nil && !identity.HasHub(inv.HubID) {
		return Return{}, shared.ErrUnauthorized
	}
	ret := Return{
		ID:            uuid.New(),
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		HubID:         inv.HubID,
		CustomerID:    inv.CustomerID,
		Status:        StatusPending,
		Lines:         input.Lines,
		CreditAmount:  decimal.Zero,
		Reason:        input.Reason,
		RequestedBy:   input.RequestedBy,
	}
	if err := s.repo.Insert(ctx, ret); err != nil {
		return Return{}, err
	}
	s.recordApproval(ctx, ret.ID, input.RequestedBy, shared.ApprovalSubmit, input.Reason)
	return ret, nil
}

// Get loads a return.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Return, error) {
	return s.repo.Get(ctx, id)
}

// Approve validates quantities against the invoice, freezes the credit
// amount and moves the return to approved. A line may never push the
// cumulative returned quantity past what the invoice sold.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actorID int64) (Return, error) {
	ret, err := s.repo.Get(ctx, id)
	if err != nil {
		return Return{}, err
	}
	if ret.Status != StatusPending {
		return Return{}, fmt.Errorf("%w: approve from %s", shared.ErrInvalidTransition, ret.Status)
	}
	inv, err := s.invoices.GetByNumber(ctx, ret.InvoiceNumber)
	if err != nil {
		return Return{}, err
	}

	total := decimal.Zero
	for i, line := range ret.Lines {
		invLine, ok := findInvoiceLine(inv, line.ProductID, line.BatchID)
		if !ok {
			return Return{}, fmt.Errorf("returns: invoice %s has no line for product %d batch %d", inv.Number, line.ProductID, line.BatchID)
		}
		already, err := s.repo.SumReturnedQty(ctx, inv.ID, line.ProductID, line.BatchID, ret.ID)
		if err != nil {
			return Return{}, err
		}
		if already+line.Qty > invLine.Qty {
			return Return{}, fmt.Errorf("returns: product %d batch %d over-returned: invoiced %d, already returned %d, requested %d",
				line.ProductID, line.BatchID, invLine.Qty, already, line.Qty)
		}
		credit := lineCredit(invLine, line.Qty)
		ret.Lines[i].CreditAmount = credit
		total = total.Add(credit)
	}
	ret.Status = StatusApproved
	ret.CreditAmount = total
	if err := s.repo.UpdateStatus(ctx, ret, StatusPending); err != nil {
		return Return{}, err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalApprove, "")
	return ret, nil
}

// Reject closes a pending return without stock or money movement.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actorID int64, note string) (Return, error) {
	ret, err := s.repo.Get(ctx, id)
	if err != nil {
		return Return{}, err
	}
	if ret.Status != StatusPending {
		return Return{}, fmt.Errorf("%w: reject from %s", shared.ErrInvalidTransition, ret.Status)
	}
	ret.Status = StatusRejected
	if note != "" {
		ret.Reason = note
	}
	if err := s.repo.UpdateStatus(ctx, ret, StatusPending); err != nil {
		return Return{}, err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalReject, note)
	return ret, nil
}

// Process executes an approved return: good stock back into the selling
// hub keeping its batch identity, damaged and expired stock written off
// with a movement but no quantity change, then the credit note is issued.
// The adjustments land in one ledger transaction keyed by the return id,
// so a retry after a failed credit-note issue skips straight to the issue
// instead of restocking again.
func (s *Service) Process(ctx context.Context, id uuid.UUID, actorID int64) (Return, error) {
	ret, err := s.repo.Get(ctx, id)
	if err != nil {
		return Return{}, err
	}
	if ret.Status != StatusApproved {
		return Return{}, fmt.Errorf("%w: process from %s", shared.ErrInvalidTransition, ret.Status)
	}

	moved, err := s.stock.HasMovement(ctx, "returns", ret.ID.String())
	if err != nil {
		return Return{}, err
	}
	if !moved {
		inputs := make([]ledger.AdjustInput, 0, len(ret.Lines))
		for _, line := range ret.Lines {
			input := ledger.AdjustInput{
				HubID:     ret.HubID,
				ProductID: line.ProductID,
				BatchID:   line.BatchID,
				BatchCode: line.BatchCode,
				Expiry:    line.Expiry,
				Reason:    ledger.MovementReturn,
				RefModule: "returns",
				RefID:     ret.ID.String(),
				ActorID:   actorID,
			}
			if line.Condition == ConditionGood {
				input.Delta = line.Qty
			} else {
				input.Delta = 0
				input.Reason = ledger.MovementWriteOff
			}
			inputs = append(inputs, input)
		}
		if err := s.stock.AdjustBatch(ctx, inputs); err != nil {
			return Return{}, err
		}
	}

	number, err := s.repo.MarkProcessed(ctx, id, ret.HubID)
	if err != nil {
		return Return{}, err
	}
	ret.Status = StatusProcessed
	ret.CreditNoteNumber = number
	s.logger.InfoContext(ctx, "return processed",
		slog.String("return_id", id.String()),
		slog.String("credit_note", number),
		slog.String("credit_amount", ret.CreditAmount.String()))
	return ret, nil
}

func findInvoiceLine(inv invoicing.Invoice, productID, batchID int64) (invoicing.Line, bool) {
	for _, line := range inv.Lines {
		if line.ProductID == productID && line.BatchID == batchID {
			return line, true
		}
	}
	return invoicing.Line{}, false
}

// lineCredit prices the returned units at the invoiced effective rate,
// tax included, rounded half to even.
func lineCredit(invLine invoicing.Line, qty int64) decimal.Decimal {
	if invLine.Qty == 0 {
		return decimal.Zero
	}
	perUnit := invLine.LineTotal.Div(decimal.NewFromInt(invLine.Qty))
	return perUnit.Mul(decimal.NewFromInt(qty)).RoundBank(2)
}

func (s *Service) recordApproval(ctx context.Context, ref uuid.UUID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  "returns",
		RefID:   ref,
		ActorID: actorID,
		Action:  action,
		Note:    note,
	}); err != nil {
		s.logger.WarnContext(ctx, "record approval failed", slog.String("return_id", ref.String()), slog.Any("error", err))
	}
}
