package invoicing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fieldline-erp/fieldline/internal/allocation"
	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

type memoryInvoices struct {
	seq      map[string]int64
	prefix   string
	byOrder  map[uuid.UUID]uuid.UUID
	byID     map[uuid.UUID]Invoice
	payments map[uuid.UUID][]Payment
	failNext error
}

func newMemoryInvoices() *memoryInvoices {
	return &memoryInvoices{
		seq:      map[string]int64{},
		prefix:   "H",
		byOrder:  map[uuid.UUID]uuid.UUID{},
		byID:     map[uuid.UUID]Invoice{},
		payments: map[uuid.UUID][]Payment{},
	}
}

func (m *memoryInvoices) Issue(_ context.Context, inv Invoice, docType DocType) (Invoice, error) {
	// counter and insert succeed or fail together, like the real transaction
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return Invoice{}, err
	}
	key := fmt.Sprintf("%d/%s", inv.HubID, docType)
	m.seq[key]++
	inv.Number = shared.DocumentNumber(m.prefix, m.seq[key])
	m.byID[inv.ID] = inv
	m.byOrder[inv.OrderID] = inv.ID
	return inv, nil
}

func (m *memoryInvoices) GetByID(_ context.Context, id uuid.UUID) (Invoice, error) {
	inv, ok := m.byID[id]
	if !ok {
		return Invoice{}, shared.ErrNotFound
	}
	return inv, nil
}

func (m *memoryInvoices) GetByOrderID(_ context.Context, orderID uuid.UUID) (Invoice, error) {
	id, ok := m.byOrder[orderID]
	if !ok {
		return Invoice{}, shared.ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memoryInvoices) GetByNumber(_ context.Context, number string) (Invoice, error) {
	for _, inv := range m.byID {
		if inv.Number == number {
			return inv, nil
		}
	}
	return Invoice{}, shared.ErrNotFound
}

func (m *memoryInvoices) AddPayment(_ context.Context, payment Payment, newPaid decimal.Decimal, newStatus PaymentStatus) error {
	inv, ok := m.byID[payment.InvoiceID]
	if !ok {
		return shared.ErrNotFound
	}
	m.payments[payment.InvoiceID] = append(m.payments[payment.InvoiceID], payment)
	inv.PaidAmount = newPaid
	inv.PaymentStatus = newStatus
	m.byID[payment.InvoiceID] = inv
	return nil
}

func (m *memoryInvoices) ListPayments(_ context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	return m.payments[invoiceID], nil
}

type fakeLedger struct {
	commits   []uuid.UUID
	committed map[uuid.UUID]bool
	released  map[uuid.UUID]bool
	failNext  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{committed: map[uuid.UUID]bool{}, released: map[uuid.UUID]bool{}}
}

func (f *fakeLedger) Commit(_ context.Context, token uuid.UUID, _ ledger.CommitRef) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	if f.released[token] {
		return fmt.Errorf("%w: reservation released", shared.ErrInvalidToken)
	}
	// the ledger treats a duplicate commit as a no-op
	if f.committed[token] {
		return nil
	}
	f.committed[token] = true
	f.commits = append(f.commits, token)
	return nil
}

type fakeOrders struct {
	byID map[uuid.UUID]allocation.Order
}

func (f *fakeOrders) Get(_ context.Context, id uuid.UUID) (allocation.Order, error) {
	order, ok := f.byID[id]
	if !ok {
		return allocation.Order{}, shared.ErrNotFound
	}
	return order, nil
}

func (f *fakeOrders) MarkInvoiced(_ context.Context, id uuid.UUID) error {
	order, ok := f.byID[id]
	if !ok {
		return shared.ErrNotFound
	}
	if order.Status != allocation.StatusConfirmed {
		return shared.ErrInvalidTransition
	}
	order.Status = allocation.StatusInvoiced
	f.byID[id] = order
	return nil
}

func confirmedOrder() allocation.Order {
	token := uuid.New()
	return allocation.Order{
		ID:               uuid.New(),
		IdempotencyKey:   uuid.NewString(),
		CustomerID:       100,
		HubID:            1,
		PriceListID:      1,
		Status:           allocation.StatusConfirmed,
		ReservationToken: &token,
		AllocatedLines: []allocation.AllocatedLine{{
			ProductID:   7,
			BatchID:     11,
			BatchCode:   "B-A",
			Qty:         10,
			UnitPrice:   decimal.RequireFromString("150.00"),
			DiscountPct: decimal.Zero,
			TaxRatePct:  decimal.RequireFromString("18"),
			TaxAmount:   decimal.RequireFromString("270.00"),
			LineTotal:   decimal.RequireFromString("1770.00"),
		}},
		Subtotal:    decimal.RequireFromString("1500.00"),
		TaxTotal:    decimal.RequireFromString("270.00"),
		TotalAmount: decimal.RequireFromString("1770.00"),
	}
}

func TestIssueAssignsNumberAndCommitsStock(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	order := confirmedOrder()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, stock, orders, nil, nil)

	inv, err := svc.Issue(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, "H-0001", inv.Number)
	require.True(t, inv.Subtotal.Equal(decimal.RequireFromString("1500.00")))
	require.True(t, inv.TaxTotal.Equal(decimal.RequireFromString("270.00")))
	require.True(t, inv.TotalAmount.Equal(decimal.RequireFromString("1770.00")))
	require.Equal(t, PaymentPending, inv.PaymentStatus)
	require.Len(t, stock.commits, 1)
	require.Equal(t, allocation.StatusInvoiced, orders.byID[order.ID].Status)
}

func TestIssueSequenceAdvancesPerInvoice(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{}}
	svc := NewService(repo, stock, orders, nil, nil)

	for i := 1; i <= 3; i++ {
		order := confirmedOrder()
		orders.byID[order.ID] = order
		inv, err := svc.Issue(context.Background(), order.ID)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("H-%04d", i), inv.Number)
	}
}

func TestIssueFailureLeavesNoGap(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{}}
	svc := NewService(repo, stock, orders, nil, nil)

	first := confirmedOrder()
	orders.byID[first.ID] = first
	_, err := svc.Issue(context.Background(), first.ID)
	require.NoError(t, err)

	second := confirmedOrder()
	orders.byID[second.ID] = second
	repo.failNext = errors.New("connection reset")
	_, err = svc.Issue(context.Background(), second.ID)
	require.Error(t, err)

	third := confirmedOrder()
	orders.byID[third.ID] = third
	inv, err := svc.Issue(context.Background(), third.ID)
	require.NoError(t, err)
	require.Equal(t, "H-0002", inv.Number)
}

func TestIssueIdempotentPerOrder(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	order := confirmedOrder()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, stock, orders, nil, nil)

	first, err := svc.Issue(context.Background(), order.ID)
	require.NoError(t, err)
	again, err := svc.Issue(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, first.Number, again.Number)
	require.Len(t, stock.commits, 1)
}

func TestIssueRetriesAfterCommitFailure(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	order := confirmedOrder()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, stock, orders, nil, nil)

	stock.failNext = errors.New("redis gone")
	_, err := svc.Issue(context.Background(), order.ID)
	require.Error(t, err)

	// the commit failed before a number was consumed
	_, err = repo.GetByOrderID(context.Background(), order.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	inv, err := svc.Issue(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, "H-0001", inv.Number)
	require.Len(t, stock.commits, 1)
	require.Equal(t, allocation.StatusInvoiced, orders.byID[order.ID].Status)
}

func TestIssueResumesAfterInsertFailure(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	order := confirmedOrder()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, stock, orders, nil, nil)

	// stock already committed when the insert fails; the retry must not
	// decrement again
	repo.failNext = errors.New("connection reset")
	_, err := svc.Issue(context.Background(), order.ID)
	require.Error(t, err)
	require.Len(t, stock.commits, 1)

	inv, err := svc.Issue(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, "H-0001", inv.Number)
	require.Len(t, stock.commits, 1)
	require.Equal(t, allocation.StatusInvoiced, orders.byID[order.ID].Status)
}

func TestIssueRejectsSweptReservation(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	order := confirmedOrder()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, stock, orders, nil, nil)

	// the sweep released the hold before issuance got to it
	stock.released[*order.ReservationToken] = true

	_, err := svc.Issue(context.Background(), order.ID)
	require.ErrorIs(t, err, shared.ErrInvalidToken)

	// no number burned, no decrement, order left confirmed for re-allocation
	_, err = repo.GetByOrderID(context.Background(), order.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, stock.commits)
	require.Equal(t, allocation.StatusConfirmed, orders.byID[order.ID].Status)
}

func TestIssueRejectsPendingOrder(t *testing.T) {
	repo := newMemoryInvoices()
	order := confirmedOrder()
	order.Status = allocation.StatusPending
	order.ReservationToken = nil
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, newFakeLedger(), orders, nil, nil)

	_, err := svc.Issue(context.Background(), order.ID)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestRecordPaymentTransitions(t *testing.T) {
	repo := newMemoryInvoices()
	stock := newFakeLedger()
	order := confirmedOrder()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, stock, orders, nil, nil)

	inv, err := svc.Issue(context.Background(), order.ID)
	require.NoError(t, err)

	partial, err := svc.RecordPayment(context.Background(), inv.ID, PaymentInput{
		Amount: decimal.RequireFromString("1000.00"), Method: "CASH", ActorID: 5,
	})
	require.NoError(t, err)
	require.Equal(t, PaymentPartial, partial.PaymentStatus)
	require.True(t, partial.Outstanding().Equal(decimal.RequireFromString("770.00")))

	paid, err := svc.RecordPayment(context.Background(), inv.ID, PaymentInput{
		Amount: decimal.RequireFromString("770.00"), Method: "KPAY", ActorID: 5,
	})
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, paid.PaymentStatus)

	_, err = svc.RecordPayment(context.Background(), inv.ID, PaymentInput{
		Amount: decimal.RequireFromString("1.00"), Method: "CASH", ActorID: 5,
	})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestRecordPaymentRejectsOverpayment(t *testing.T) {
	repo := newMemoryInvoices()
	order := confirmedOrder()
	orders := &fakeOrders{byID: map[uuid.UUID]allocation.Order{order.ID: order}}
	svc := NewService(repo, newFakeLedger(), orders, nil, nil)

	inv, err := svc.Issue(context.Background(), order.ID)
	require.NoError(t, err)

	_, err = svc.RecordPayment(context.Background(), inv.ID, PaymentInput{
		Amount: decimal.RequireFromString("2000.00"), Method: "CASH", ActorID: 5,
	})
	require.Error(t, err)

	reloaded, err := svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, reloaded.PaidAmount.IsZero())
}
