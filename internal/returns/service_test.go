package returns

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fieldline-erp/fieldline/internal/invoicing"
	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

type memoryReturns struct {
	byID        map[uuid.UUID]Return
	seq         int64
	failProcess error
}

func newMemoryReturns() *memoryReturns {
	return &memoryReturns{byID: map[uuid.UUID]Return{}}
}

func (m *memoryReturns) Insert(_ context.Context, ret Return) error {
	m.byID[ret.ID] = ret
	return nil
}

func (m *memoryReturns) Get(_ context.Context, id uuid.UUID) (Return, error) {
	ret, ok := m.byID[id]
	if !ok {
		return Return{}, shared.ErrNotFound
	}
	return ret, nil
}

func (m *memoryReturns) UpdateStatus(_ context.Context, ret Return, from Status) error {
	stored, ok := m.byID[ret.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Status != from {
		return shared.ErrInvalidTransition
	}
	m.byID[ret.ID] = ret
	return nil
}

func (m *memoryReturns) SumReturnedQty(_ context.Context, invoiceID uuid.UUID, productID, batchID int64, exclude uuid.UUID) (int64, error) {
	var total int64
	for _, ret := range m.byID {
		if ret.InvoiceID != invoiceID || ret.ID == exclude {
			continue
		}
		if ret.Status != StatusApproved && ret.Status != StatusProcessed {
			continue
		}
		for _, line := range ret.Lines {
			if line.ProductID == productID && line.BatchID == batchID {
				total += line.Qty
			}
		}
	}
	return total, nil
}

func (m *memoryReturns) MarkProcessed(_ context.Context, id uuid.UUID, _ int64) (string, error) {
	if m.failProcess != nil {
		err := m.failProcess
		m.failProcess = nil
		return "", err
	}
	ret, ok := m.byID[id]
	if !ok {
		return "", shared.ErrNotFound
	}
	if ret.Status != StatusApproved {
		return "", shared.ErrInvalidTransition
	}
	m.seq++
	number := fmt.Sprintf("H-CN-%04d", m.seq)
	ret.Status = StatusProcessed
	ret.CreditNoteNumber = number
	m.byID[id] = ret
	return number, nil
}

type fixedInvoices struct {
	byNumber map[string]invoicing.Invoice
}

func (f fixedInvoices) GetByNumber(_ context.Context, number string) (invoicing.Invoice, error) {
	inv, ok := f.byNumber[number]
	if !ok {
		return invoicing.Invoice{}, shared.ErrNotFound
	}
	return inv, nil
}

type adjustSpy struct {
	inputs []ledger.AdjustInput
}

func (a *adjustSpy) AdjustBatch(_ context.Context, inputs []ledger.AdjustInput) error {
	a.inputs = append(a.inputs, inputs...)
	return nil
}

func (a *adjustSpy) HasMovement(_ context.Context, refModule, refID string, _ ...ledger.MovementReason) (bool, error) {
	for _, in := range a.inputs {
		if in.RefModule == refModule && in.RefID == refID {
			return true, nil
		}
	}
	return false, nil
}

func soldInvoice() invoicing.Invoice {
	return invoicing.Invoice{
		ID:         uuid.New(),
		Number:     "H-0001",
		CustomerID: 100,
		HubID:      1,
		Lines: []invoicing.Line{{
			ProductID: 7,
			BatchID:   11,
			BatchCode: "B-A",
			Qty:       10,
			UnitPrice: decimal.RequireFromString("150.00"),
			LineTotal: decimal.RequireFromString("1770.00"),
		}},
		TotalAmount: decimal.RequireFromString("1770.00"),
	}
}

func testService(inv invoicing.Invoice) (*Service, *memoryReturns, *adjustSpy) {
	repo := newMemoryReturns()
	stock := &adjustSpy{}
	svc := NewService(repo, fixedInvoices{byNumber: map[string]invoicing.Invoice{inv.Number: inv}}, stock, nil, nil)
	return svc, repo, stock
}

func requestLines(qty int64, condition Condition) []Line {
	return []Line{{ProductID: 7, BatchID: 11, BatchCode: "B-A", Qty: qty, Condition: condition}}
}

func TestApproveFreezesProportionalCredit(t *testing.T) {
	inv := soldInvoice()
	svc, _, _ := testService(inv)

	ret, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(4, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, ret.Status)

	approved, err := svc.Approve(context.Background(), ret.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	// 4/10 of 1770.00, tax included
	require.True(t, approved.CreditAmount.Equal(decimal.RequireFromString("708.00")), approved.CreditAmount.String())
}

func TestApproveRejectsOverReturn(t *testing.T) {
	inv := soldInvoice()
	svc, _, _ := testService(inv)

	ret, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(11, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), ret.ID, 9)
	require.Error(t, err)
}

func TestApproveCountsPriorReturns(t *testing.T) {
	inv := soldInvoice()
	svc, _, _ := testService(inv)

	first, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(6, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), first.ID, 9)
	require.NoError(t, err)

	second, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(5, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)
	// 6 already approved, 5 more would exceed the invoiced 10
	_, err = svc.Approve(context.Background(), second.ID, 9)
	require.Error(t, err)

	third, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(4, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), third.ID, 9)
	require.NoError(t, err)
}

func TestProcessRestocksGoodAndWritesOffDamaged(t *testing.T) {
	inv := soldInvoice()
	svc, _, stock := testService(inv)

	ret, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001",
		Lines: []Line{
			{ProductID: 7, BatchID: 11, BatchCode: "B-A", Qty: 3, Condition: ConditionGood},
			{ProductID: 7, BatchID: 11, BatchCode: "B-A", Qty: 2, Condition: ConditionDamaged},
		},
		RequestedBy: 5,
	})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), ret.ID, 9)
	require.NoError(t, err)

	processed, err := svc.Process(context.Background(), ret.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, processed.Status)
	require.Equal(t, "H-CN-0001", processed.CreditNoteNumber)

	require.Len(t, stock.inputs, 2)
	require.Equal(t, int64(3), stock.inputs[0].Delta)
	require.Equal(t, ledger.MovementReturn, stock.inputs[0].Reason)
	// damaged units leave a movement trail but never restock
	require.Equal(t, int64(0), stock.inputs[1].Delta)
	require.Equal(t, ledger.MovementWriteOff, stock.inputs[1].Reason)
}

func TestProcessRetryAfterCreditNoteFailureRestocksOnce(t *testing.T) {
	inv := soldInvoice()
	svc, repo, stock := testService(inv)

	ret, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(4, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), ret.ID, 9)
	require.NoError(t, err)

	repo.failProcess = errors.New("sequence row lock timeout")
	_, err = svc.Process(context.Background(), ret.ID, 9)
	require.Error(t, err)

	processed, err := svc.Process(context.Background(), ret.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, processed.Status)
	require.Equal(t, "H-CN-0001", processed.CreditNoteNumber)

	// the first attempt already wrote the movements; the retry must not
	// restock the four units again
	require.Len(t, stock.inputs, 1)
	require.Equal(t, int64(4), stock.inputs[0].Delta)
}

func TestProcessWritesOffExpired(t *testing.T) {
	inv := soldInvoice()
	svc, _, stock := testService(inv)

	ret, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(2, ConditionExpired), RequestedBy: 5,
	})
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), ret.ID, 9)
	require.NoError(t, err)

	processed, err := svc.Process(context.Background(), ret.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, processed.Status)

	require.Len(t, stock.inputs, 1)
	require.Equal(t, int64(0), stock.inputs[0].Delta)
	require.Equal(t, ledger.MovementWriteOff, stock.inputs[0].Reason)
}

func TestProcessRequiresApproval(t *testing.T) {
	inv := soldInvoice()
	svc, _, _ := testService(inv)

	ret, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(2, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), ret.ID, 9)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestRejectClosesWithoutMovement(t *testing.T) {
	inv := soldInvoice()
	svc, _, stock := testService(inv)

	ret, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-0001", Lines: requestLines(2, ConditionGood), RequestedBy: 5,
	})
	require.NoError(t, err)

	rejected, err := svc.Reject(context.Background(), ret.ID, 9, "wrong invoice")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Empty(t, stock.inputs)

	_, err = svc.Approve(context.Background(), ret.ID, 9)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestRequestUnknownInvoice(t *testing.T) {
	svc, _, _ := testService(soldInvoice())
	_, err := svc.Request(context.Background(), NewReturnInput{
		InvoiceNumber: "H-9999", Lines: requestLines(1, ConditionGood), RequestedBy: 5,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}
