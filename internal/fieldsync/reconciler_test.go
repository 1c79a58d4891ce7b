package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fieldline-erp/fieldline/internal/allocation"
	"github.com/fieldline-erp/fieldline/internal/invoicing"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// fakeEngine drives allocation against a single product pool so the tests
// can observe how often stock actually moves.
type fakeEngine struct {
	mu            sync.Mutex
	stock         int64
	unitPrice     decimal.Decimal
	missingPrice  bool
	orders        map[uuid.UUID]*allocation.Order
	byKey         map[string]uuid.UUID
	allocateCalls int
}

func newFakeEngine(stock int64) *fakeEngine {
	return &fakeEngine{
		stock:     stock,
		unitPrice: decimal.RequireFromString("150.00"),
		orders:    map[uuid.UUID]*allocation.Order{},
		byKey:     map[string]uuid.UUID{},
	}
}

func (f *fakeEngine) Accept(_ context.Context, input allocation.NewOrderInput) (allocation.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := allocation.Order{
		ID:             uuid.New(),
		IdempotencyKey: input.IdempotencyKey,
		CustomerID:     input.CustomerID,
		HubID:          input.HubID,
		PriceListID:    input.PriceListID,
		Status:         allocation.StatusPending,
		RequestedLines: input.RequestedLines,
	}
	f.orders[order.ID] = &order
	f.byKey[input.IdempotencyKey] = order.ID
	return order, nil
}

func (f *fakeEngine) GetByIdempotencyKey(_ context.Context, key string) (allocation.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[key]
	if !ok {
		return allocation.Order{}, shared.ErrNotFound
	}
	return *f.orders[id], nil
}

func (f *fakeEngine) Allocate(_ context.Context, orderID uuid.UUID) (allocation.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocateCalls++
	order, ok := f.orders[orderID]
	if !ok {
		return allocation.Order{}, shared.ErrNotFound
	}
	if f.missingPrice {
		return allocation.Order{}, shared.ErrPriceListNotFound
	}
	var qty int64
	for _, line := range order.RequestedLines {
		qty += line.Qty
	}
	if qty > f.stock {
		return allocation.Order{}, &shared.InsufficientStockError{Shortfalls: []shared.Shortfall{{
			ProductID: order.RequestedLines[0].ProductID,
			Requested: qty,
			Available: f.stock,
			Shortfall: qty - f.stock,
		}}}
	}
	f.stock -= qty
	token := uuid.New()
	order.Status = allocation.StatusConfirmed
	order.ListVersion = 3
	order.ReservationToken = &token
	order.AllocatedLines = []allocation.AllocatedLine{{
		ProductID: order.RequestedLines[0].ProductID,
		BatchID:   11,
		BatchCode: "B-A",
		Qty:       qty,
		UnitPrice: f.unitPrice,
		LineTotal: f.unitPrice.Mul(decimal.NewFromInt(qty)),
	}}
	order.TotalAmount = f.unitPrice.Mul(decimal.NewFromInt(qty))
	return *order, nil
}

func (f *fakeEngine) MarkBackorder(_ context.Context, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return shared.ErrNotFound
	}
	order.Backorder = true
	return nil
}

type fakeIssuer struct {
	mu     sync.Mutex
	seq    int
	issued map[uuid.UUID]string
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{issued: map[uuid.UUID]string{}}
}

func (f *fakeIssuer) Issue(_ context.Context, orderID uuid.UUID) (invoicing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number, ok := f.issued[orderID]; ok {
		return invoicing.Invoice{OrderID: orderID, Number: number}, nil
	}
	f.seq++
	number := fmt.Sprintf("H-%04d", f.seq)
	f.issued[orderID] = number
	return invoicing.Invoice{OrderID: orderID, Number: number}, nil
}

type memLog struct {
	mu      sync.Mutex
	results map[string]OrderResult
}

func newMemLog() *memLog {
	return &memLog{results: map[string]OrderResult{}}
}

func (m *memLog) Get(_ context.Context, key string) (OrderResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[key]
	return result, ok, nil
}

func (m *memLog) Store(_ context.Context, _ int64, _ string, result OrderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[result.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	m.results[result.IdempotencyKey] = result
	return nil
}

func testLocker(t *testing.T) *redislock.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redislock.New(client)
}

func testReconciler(t *testing.T, engine *fakeEngine) (*Reconciler, *fakeIssuer, *memLog) {
	t.Helper()
	issuer := newFakeIssuer()
	log := newMemLog()
	rec := NewReconciler(engine, issuer, log, testLocker(t), nil, ReconcilerConfig{})
	return rec, issuer, log
}

func batchOf(keys ...string) SyncRequest {
	req := SyncRequest{DeviceID: "dev-7", HubID: 1}
	for _, key := range keys {
		req.Orders = append(req.Orders, SyncOrder{
			IdempotencyKey: key,
			CustomerID:     100,
			PriceListID:    1,
			Lines:          []SyncLine{{ProductID: 7, Qty: 4}},
		})
	}
	return req
}

func TestSyncProcessesBatchInOrder(t *testing.T) {
	engine := newFakeEngine(100)
	rec, _, _ := testReconciler(t, engine)

	result, err := rec.Sync(context.Background(), batchOf("key-aaaaaaaa", "key-bbbbbbbb"))
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	require.Equal(t, "key-aaaaaaaa", result.Results[0].IdempotencyKey)
	require.Equal(t, OutcomeAccepted, result.Results[0].Outcome)
	require.Equal(t, "H-0001", result.Results[0].InvoiceNumber)
	require.Equal(t, "H-0002", result.Results[1].InvoiceNumber)
	require.EqualValues(t, 3, result.Results[0].PriceListVersion)
	require.Equal(t, int64(92), engine.stock)
}

func TestSyncOrdersBatchByIdempotencyKey(t *testing.T) {
	engine := newFakeEngine(100)
	rec, _, _ := testReconciler(t, engine)

	// uploaded out of lexical order; the earlier key still gets the
	// earlier invoice number, but results stay in upload order
	result, err := rec.Sync(context.Background(), batchOf("key-bbbbbbbb", "key-aaaaaaaa"))
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	require.Equal(t, "key-bbbbbbbb", result.Results[0].IdempotencyKey)
	require.Equal(t, "H-0002", result.Results[0].InvoiceNumber)
	require.Equal(t, "key-aaaaaaaa", result.Results[1].IdempotencyKey)
	require.Equal(t, "H-0001", result.Results[1].InvoiceNumber)
}

func TestSyncReplayReturnsStoredOutcome(t *testing.T) {
	engine := newFakeEngine(100)
	rec, issuer, _ := testReconciler(t, engine)
	req := batchOf("key-aaaaaaaa")

	first, err := rec.Sync(context.Background(), req)
	require.NoError(t, err)
	again, err := rec.Sync(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first.Results[0].InvoiceNumber, again.Results[0].InvoiceNumber)
	require.True(t, again.Results[0].Replayed)
	require.False(t, first.Results[0].Replayed)
	// stock moved once, one invoice exists, allocation ran once
	require.Equal(t, int64(96), engine.stock)
	require.Equal(t, 1, issuer.seq)
	require.Equal(t, 1, engine.allocateCalls)
}

func TestSyncBackorderOutcomeSticksOnReplay(t *testing.T) {
	engine := newFakeEngine(2)
	rec, issuer, _ := testReconciler(t, engine)
	req := batchOf("key-aaaaaaaa")

	first, err := rec.Sync(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OutcomeBackordered, first.Results[0].Outcome)
	require.Len(t, first.Results[0].Shortfalls, 1)
	require.Equal(t, int64(2), first.Results[0].Shortfalls[0].Shortfall)
	require.Equal(t, 0, issuer.seq)

	// replenishment does not rewrite history: the stored outcome wins
	engine.stock = 100
	again, err := rec.Sync(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OutcomeBackordered, again.Results[0].Outcome)
	require.True(t, again.Results[0].Replayed)
	require.Equal(t, int64(100), engine.stock)
}

func TestSyncRejectsOrderWithoutPrice(t *testing.T) {
	engine := newFakeEngine(100)
	engine.missingPrice = true
	rec, issuer, _ := testReconciler(t, engine)

	result, err := rec.Sync(context.Background(), batchOf("key-aaaaaaaa"))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Results[0].Outcome)
	require.NotEmpty(t, result.Results[0].Reason)
	require.Equal(t, 0, issuer.seq)
}

func TestSyncFlagsDevicePriceDrift(t *testing.T) {
	engine := newFakeEngine(100)
	rec, _, _ := testReconciler(t, engine)
	req := batchOf("key-aaaaaaaa")
	req.Orders[0].DeviceTotal = "500.00" // server computes 600.00

	result, err := rec.Sync(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, result.Results[0].Outcome)
	require.True(t, result.Results[0].PriceAdjusted)

	matched := batchOf("key-bbbbbbbb")
	matched.Orders[0].DeviceTotal = "600.00"
	result, err = rec.Sync(context.Background(), matched)
	require.NoError(t, err)
	require.False(t, result.Results[0].PriceAdjusted)
}

func TestSyncConcurrentDuplicateBatches(t *testing.T) {
	engine := newFakeEngine(100)
	rec, issuer, _ := testReconciler(t, engine)
	req := batchOf("key-aaaaaaaa", "key-bbbbbbbb")

	var wg sync.WaitGroup
	results := make([]SyncResult, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rec.Sync(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Results, 2)
		require.Equal(t, OutcomeAccepted, results[i].Results[0].Outcome)
	}
	// each order processed exactly once despite four concurrent uploads
	require.Equal(t, int64(92), engine.stock)
	require.Equal(t, 2, issuer.seq)
}

func TestSyncCrashBeforeLogResumesWithoutDoubleInvoice(t *testing.T) {
	engine := newFakeEngine(100)
	rec, issuer, log := testReconciler(t, engine)
	req := batchOf("key-aaaaaaaa")

	// simulate a crash after the order row was written but before the
	// outcome was logged: the order exists, the log does not
	order, err := engine.Accept(context.Background(), allocation.NewOrderInput{
		IdempotencyKey: "key-aaaaaaaa",
		CustomerID:     100,
		HubID:          1,
		PriceListID:    1,
		RequestedLines: []allocation.RequestedLine{{ProductID: 7, Qty: 4}},
	})
	require.NoError(t, err)
	_, ok, err := log.Get(context.Background(), "key-aaaaaaaa")
	require.NoError(t, err)
	require.False(t, ok)

	result, err := rec.Sync(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, result.Results[0].Outcome)
	require.Equal(t, order.ID.String(), result.Results[0].OrderID)
	require.Equal(t, 1, issuer.seq)
	require.Equal(t, int64(96), engine.stock)
}
