package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/allocation"
	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RepositoryPort abstracts invoice persistence.
type RepositoryPort interface {
	Issue(ctx context.Context, inv Invoice, docType DocType) (Invoice, error)
	GetByID(ctx context.Context, id uuid.UUID) (Invoice, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (Invoice, error)
	GetByNumber(ctx context.Context, number string) (Invoice, error)
	AddPayment(ctx context.Context, payment Payment, newPaid decimal.Decimal, newStatus PaymentStatus) error
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)
}

// LedgerPort is the slice of the inventory ledger invoicing drives.
type LedgerPort interface {
	Commit(ctx context.Context, token uuid.UUID, ref ledger.CommitRef) error
}

// OrderPort is the slice of the allocation engine invoicing drives.
type OrderPort interface {
	Get(ctx context.Context, id uuid.UUID) (allocation.Order, error)
	MarkInvoiced(ctx context.Context, id uuid.UUID) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service issues invoices for confirmed orders and records payments.
type Service struct {
	repo   RepositoryPort
	stock  LedgerPort
	orders OrderPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService constructs Service.
func NewService(repo RepositoryPort, stock LedgerPort, orders OrderPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, stock: stock, orders: orders, audit: audit, logger: logger}
}

// Issue converts a confirmed order into a numbered invoice, commits the
// order's reservation and marks the order invoiced. The reservation is
// settled before a number is consumed: a hold the sweep already released
// fails the issuance here instead of producing an invoice that never
// decremented stock. A retry after a partial failure resumes from the
// stored invoice instead of burning a new number.
func (s *Service) Issue(ctx context.Context, orderID uuid.UUID) (Invoice, error) {
	if existing, err := s.repo.GetByOrderID(ctx, orderID); err == nil {
		return existing, s.finishIssue(ctx, existing)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Invoice{}, err
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Invoice{}, err
	}
	if order.Status != allocation.StatusConfirmed {
		return Invoice{}, fmt.Errorf("%w: issue from %s", shared.ErrInvalidTransition, order.Status)
	}
	if order.ReservationToken == nil {
		return Invoice{}, fmt.Errorf("%w: confirmed order has no reservation", shared.ErrInvalidToken)
	}
	if err := s.commitReservation(ctx, order); err != nil {
		return Invoice{}, err
	}

	inv := Invoice{
		ID:            uuid.New(),
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		HubID:         order.HubID,
		Lines:         linesFromOrder(order),
		Subtotal:      order.Subtotal,
		TaxTotal:      order.TaxTotal,
		TotalAmount:   order.TotalAmount,
		PaidAmount:    decimal.Zero,
		PaymentStatus: PaymentPending,
	}
	issued, err := s.repo.Issue(ctx, inv, DocInvoice)
	if err != nil {
		return Invoice{}, err
	}
	if err := s.orders.MarkInvoiced(ctx, order.ID); err != nil {
		return Invoice{}, err
	}
	s.logger.InfoContext(ctx, "invoice issued",
		slog.String("number", issued.Number),
		slog.String("order_id", order.ID.String()),
		slog.Int64("hub_id", order.HubID))
	s.auditAction(ctx, issued.HubID, "invoicing:issue", issued.Number, map[string]any{
		"order_id": order.ID.String(),
		"total":    issued.TotalAmount.String(),
	})
	return issued, nil
}

// finishIssue drives the side effects that follow the invoice insert, safely
// rerunnable: re-committing a committed token is a no-op in the ledger and
// an already invoiced order returns immediately.
func (s *Service) finishIssue(ctx context.Context, inv Invoice) error {
	order, err := s.orders.Get(ctx, inv.OrderID)
	if err != nil {
		return err
	}
	if order.Status == allocation.StatusInvoiced {
		return nil
	}
	if order.ReservationToken != nil {
		if err := s.commitReservation(ctx, order); err != nil {
			return err
		}
	}
	return s.orders.MarkInvoiced(ctx, inv.OrderID)
}

func (s *Service) commitReservation(ctx context.Context, order allocation.Order) error {
	return s.stock.Commit(ctx, *order.ReservationToken, ledger.CommitRef{
		Reason:    ledger.MovementSale,
		RefModule: "invoicing",
		RefID:     order.ID.String(),
	})
}

// Get loads an invoice.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByNumber loads an invoice by document number.
func (s *Service) GetByNumber(ctx context.Context, number string) (Invoice, error) {
	return s.repo.GetByNumber(ctx, number)
}

// PaymentInput captures one settlement request.
type PaymentInput struct {
	Amount  decimal.Decimal
	Method  string
	ActorID int64
}

// RecordPayment applies a settlement to an invoice. Overpayment is rejected;
// the invoice body itself never changes.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, input PaymentInput) (Invoice, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return Invoice{}, errors.New("invoicing: payment amount must be positive")
	}
	inv, err := s.repo.GetByID(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.PaymentStatus == PaymentPaid {
		return Invoice{}, fmt.Errorf("%w: invoice already paid", shared.ErrInvalidTransition)
	}
	newPaid := inv.PaidAmount.Add(input.Amount)
	if newPaid.GreaterThan(inv.TotalAmount) {
		return Invoice{}, fmt.Errorf("invoicing: payment exceeds outstanding %s", inv.Outstanding().String())
	}
	newStatus := PaymentPartial
	if newPaid.Equal(inv.TotalAmount) {
		newStatus = PaymentPaid
	}
	payment := Payment{
		InvoiceID:  invoiceID,
		Amount:     input.Amount,
		Method:     input.Method,
		ActorID:    input.ActorID,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.repo.AddPayment(ctx, payment, newPaid, newStatus); err != nil {
		return Invoice{}, err
	}
	inv.PaidAmount = newPaid
	inv.PaymentStatus = newStatus
	s.auditAction(ctx, inv.HubID, "invoicing:payment", inv.Number, map[string]any{
		"amount": input.Amount.String(),
		"method": input.Method,
	})
	return inv, nil
}

// Payments lists settlements recorded against an invoice.
func (s *Service) Payments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	return s.repo.ListPayments(ctx, invoiceID)
}

func linesFromOrder(order allocation.Order) []Line {
	lines := make([]Line, 0, len(order.AllocatedLines))
	for _, l := range order.AllocatedLines {
		lines = append(lines, Line{
			ProductID:      l.ProductID,
			BatchID:        l.BatchID,
			BatchCode:      l.BatchCode,
			Qty:            l.Qty,
			UnitPrice:      l.UnitPrice,
			DiscountPct:    l.DiscountPct,
			DiscountAmount: l.DiscountAmount,
			TaxRatePct:     l.TaxRatePct,
			TaxAmount:      l.TaxAmount,
			LineTotal:      l.LineTotal,
		})
	}
	return lines
}

func (s *Service) auditAction(ctx context.Context, hubID int64, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		HubID:    hubID,
		Action:   action,
		Entity:   "invoice",
		EntityID: entityID,
		Meta:     meta,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
