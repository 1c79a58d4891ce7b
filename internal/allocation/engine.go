package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/pricing"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RepositoryPort abstracts order persistence for the engine.
type RepositoryPort interface {
	InsertOrder(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id uuid.UUID) (Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Order, error)
	SaveAllocation(ctx context.Context, order Order) error
	SetStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error
	SetBackorder(ctx context.Context, id uuid.UUID, backorder bool) error
}

// StockLedger is the slice of the inventory ledger the engine consumes.
type StockLedger interface {
	FEFOCandidates(ctx context.Context, hubID, productID int64, asOf time.Time) ([]ledger.InventoryRecord, error)
	Reserve(ctx context.Context, hubID int64, items []ledger.ReserveItem) (ledger.Reservation, error)
	Release(ctx context.Context, token uuid.UUID) error
}

// PriceResolver resolves unit price and tax for a product at an instant.
type PriceResolver interface {
	Resolve(ctx context.Context, priceListID, productID int64, asOf time.Time) (pricing.Quote, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Engine turns requested orders into confirmed, batch-allocated orders with
// stock reserved in the ledger.
type Engine struct {
	orders     RepositoryPort
	stock      StockLedger
	prices     PriceResolver
	audit      AuditPort
	retryLimit int
	now        func() time.Time
}

// EngineConfig groups optional settings.
type EngineConfig struct {
	RetryLimit int
}

// NewEngine builds Engine.
func NewEngine(orders RepositoryPort, stock StockLedger, prices PriceResolver, audit AuditPort, cfg EngineConfig) *Engine {
	retries := cfg.RetryLimit
	if retries <= 0 {
		retries = 3
	}
	return &Engine{orders: orders, stock: stock, prices: prices, audit: audit, retryLimit: retries, now: time.Now}
}

// Accept stores a device-authored order as PENDING. The server owns every
// transition from here on.
func (e *Engine) Accept(ctx context.Context, input NewOrderInput) (Order, error) {
	if input.IdempotencyKey == "" {
		return Order{}, errors.New("allocation: idempotency key required")
	}
	if input.HubID == 0 || input.CustomerID == 0 || input.PriceListID == 0 {
		return Order{}, errors.New("allocation: hub, customer and price list required")
	}
	if len(input.RequestedLines) == 0 {
		return Order{}, errors.New("allocation: at least one line required")
	}
	for _, line := range input.RequestedLines {
		if line.Qty <= 0 {
			return Order{}, fmt.Errorf("allocation: quantity must be positive for product %d", line.ProductID)
		}
	}
	order := Order{
		ID:                uuid.New(),
		IdempotencyKey:    input.IdempotencyKey,
		CustomerID:        input.CustomerID,
		HubID:             input.HubID,
		PriceListID:       input.PriceListID,
		DeviceListVersion: input.DeviceListVersion,
		Status:            StatusPending,
		RequestedLines:    input.RequestedLines,
	}
	if err := e.orders.InsertOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// Get loads an order by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	return e.orders.GetByID(ctx, id)
}

// GetByIdempotencyKey loads the order previously accepted for a key.
func (e *Engine) GetByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return e.orders.GetByIdempotencyKey(ctx, key)
}

// Allocate resolves prices, selects batches FEFO and reserves ledger stock
// for a pending order. Any failing line fails the whole order and leaves it
// PENDING with no reservation held.
func (e *Engine) Allocate(ctx context.Context, orderID uuid.UUID) (Order, error) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.Status != StatusPending {
		return Order{}, fmt.Errorf("%w: allocate from %s", shared.ErrInvalidTransition, order.Status)
	}

	var lastErr error
	for attempt := 0; attempt < e.retryLimit; attempt++ {
		var done Order
		done, lastErr = e.allocateOnce(ctx, order)
		if lastErr == nil {
			e.auditAction(ctx, order.HubID, "allocation:confirm", order.ID.String(), map[string]any{
				"lines": len(done.AllocatedLines),
				"total": done.TotalAmount.String(),
			})
			return done, nil
		}
		if !errors.Is(lastErr, shared.ErrStaleVersion) {
			return Order{}, lastErr
		}
	}
	return Order{}, lastErr
}

func (e *Engine) allocateOnce(ctx context.Context, order Order) (Order, error) {
	asOf := e.now().UTC()
	var (
		shortfalls   []shared.Shortfall
		reserveItems []ledger.ReserveItem
		allocated    []AllocatedLine
	)
	for _, line := range order.RequestedLines {
		candidates, err := e.stock.FEFOCandidates(ctx, order.HubID, line.ProductID, asOf)
		if err != nil {
			return Order{}, err
		}
		if line.BatchHint != nil {
			candidates = hintFirst(candidates, *line.BatchHint)
		}
		remaining := line.Qty
		var slices []ledger.ReserveItem
		for _, cand := range candidates {
			if remaining == 0 {
				break
			}
			take := cand.Available()
			if take > remaining {
				take = remaining
			}
			slices = append(slices, ledger.ReserveItem{
				ProductID:       cand.ProductID,
				BatchID:         cand.BatchID,
				Qty:             take,
				ExpectedVersion: cand.Version,
			})
			remaining -= take
		}
		if remaining > 0 {
			shortfalls = append(shortfalls, shared.Shortfall{
				ProductID: line.ProductID,
				Requested: line.Qty,
				Available: line.Qty - remaining,
				Shortfall: remaining,
			})
			continue
		}
		quote, err := e.prices.Resolve(ctx, order.PriceListID, line.ProductID, asOf)
		if err != nil {
			return Order{}, err
		}
		order.ListVersion = quote.ListVersion
		for _, slice := range slices {
			totals := pricing.ComputeLine(slice.Qty, quote.UnitPrice, line.DiscountPct, quote.TaxRatePct)
			allocated = append(allocated, AllocatedLine{
				ProductID:      slice.ProductID,
				BatchID:        slice.BatchID,
				BatchCode:      batchCode(candidates, slice.BatchID),
				Qty:            slice.Qty,
				UnitPrice:      quote.UnitPrice,
				DiscountPct:    line.DiscountPct,
				DiscountAmount: totals.DiscountAmount,
				TaxRatePct:     quote.TaxRatePct,
				TaxAmount:      totals.TaxAmount,
				LineTotal:      totals.LineTotal,
			})
		}
		reserveItems = append(reserveItems, slices...)
	}
	if len(shortfalls) > 0 {
		return Order{}, &shared.InsufficientStockError{Shortfalls: shortfalls}
	}

	res, err := e.stock.Reserve(ctx, order.HubID, reserveItems)
	if err != nil {
		return Order{}, err
	}

	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for _, line := range allocated {
		subtotal = subtotal.Add(line.LineTotal.Sub(line.TaxAmount))
		taxTotal = taxTotal.Add(line.TaxAmount)
	}
	order.Status = StatusConfirmed
	order.Backorder = false
	order.AllocatedLines = allocated
	order.ReservationToken = &res.Token
	order.Subtotal = subtotal
	order.TaxTotal = taxTotal
	order.TotalAmount = subtotal.Add(taxTotal)
	if err := e.orders.SaveAllocation(ctx, order); err != nil {
		// the hold must not outlive a failed confirmation
		_ = e.stock.Release(ctx, res.Token)
		return Order{}, err
	}
	return order, nil
}

// Cancel aborts an order that has not been invoiced. A confirmed order's
// reservation is released back to the ledger.
func (e *Engine) Cancel(ctx context.Context, orderID uuid.UUID) error {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.CanCancel() {
		return fmt.Errorf("%w: cancel from %s", shared.ErrInvalidTransition, order.Status)
	}
	if order.Status == StatusConfirmed && order.ReservationToken != nil {
		if err := e.stock.Release(ctx, *order.ReservationToken); err != nil {
			return err
		}
	}
	if err := e.orders.SetStatus(ctx, orderID, StatusCancelled); err != nil {
		return err
	}
	e.auditAction(ctx, order.HubID, "allocation:cancel", orderID.String(), nil)
	return nil
}

// MarkInvoiced records the confirmed->invoiced transition on behalf of the
// numbering authority.
func (e *Engine) MarkInvoiced(ctx context.Context, orderID uuid.UUID) error {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != StatusConfirmed {
		return fmt.Errorf("%w: invoice from %s", shared.ErrInvalidTransition, order.Status)
	}
	return e.orders.SetStatus(ctx, orderID, StatusInvoiced)
}

// MarkBackorder flags a pending order whose allocation failed on stock.
func (e *Engine) MarkBackorder(ctx context.Context, orderID uuid.UUID) error {
	return e.orders.SetBackorder(ctx, orderID, true)
}

func hintFirst(candidates []ledger.InventoryRecord, batchID int64) []ledger.InventoryRecord {
	for i, cand := range candidates {
		if cand.BatchID == batchID && i > 0 {
			reordered := make([]ledger.InventoryRecord, 0, len(candidates))
			reordered = append(reordered, cand)
			reordered = append(reordered, candidates[:i]...)
			reordered = append(reordered, candidates[i+1:]...)
			return reordered
		}
	}
	return candidates
}

func batchCode(candidates []ledger.InventoryRecord, batchID int64) string {
	for _, cand := range candidates {
		if cand.BatchID == batchID {
			return cand.BatchCode
		}
	}
	return ""
}

func (e *Engine) auditAction(ctx context.Context, hubID int64, action, entityID string, meta map[string]any) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, shared.AuditLog{
		HubID:    hubID,
		Action:   action,
		Entity:   "order",
		EntityID: entityID,
		Meta:     meta,
	})
}
