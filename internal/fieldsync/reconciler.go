package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/fieldline-erp/fieldline/internal/allocation"
	"github.com/fieldline-erp/fieldline/internal/invoicing"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// OrderEngine is the slice of the allocation engine the reconciler drives.
type OrderEngine interface {
	Accept(ctx context.Context, input allocation.NewOrderInput) (allocation.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (allocation.Order, error)
	Allocate(ctx context.Context, orderID uuid.UUID) (allocation.Order, error)
	MarkBackorder(ctx context.Context, orderID uuid.UUID) error
}

// InvoiceIssuer issues the invoice for a confirmed order.
type InvoiceIssuer interface {
	Issue(ctx context.Context, orderID uuid.UUID) (invoicing.Invoice, error)
}

// ResultLog stores durable per-key outcomes.
type ResultLog interface {
	Get(ctx context.Context, key string) (OrderResult, bool, error)
	Store(ctx context.Context, hubID int64, deviceID string, result OrderResult) error
}

// MetricsPort tallies reconciliation outcomes.
type MetricsPort interface {
	CountSyncOrder(outcome string)
}

// HubLocker serialises reconciliation per hub across processes.
type HubLocker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// ReconcilerConfig groups tunables.
type ReconcilerConfig struct {
	LockTTL     time.Duration
	LockRetry   time.Duration
	LockTimeout time.Duration
}

func (c *ReconcilerConfig) defaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockRetry <= 0 {
		c.LockRetry = 100 * time.Millisecond
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
}

// Reconciler replays offline order batches into the ledger exactly once.
// Batches for the same hub serialise on a distributed lock plus an
// in-process mutex; identical in-flight batches collapse through
// singleflight so a device's double-post does not run twice.
type Reconciler struct {
	engine   OrderEngine
	invoices InvoiceIssuer
	log      ResultLog
	locker   HubLocker
	logger   *slog.Logger
	metrics  MetricsPort
	cfg      ReconcilerConfig

	group singleflight.Group

	mu       sync.Mutex
	hubLocks map[int64]*sync.Mutex
}

// NewReconciler constructs Reconciler.
func NewReconciler(engine OrderEngine, invoices InvoiceIssuer, log ResultLog, locker HubLocker, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		engine:   engine,
		invoices: invoices,
		log:      log,
		locker:   locker,
		logger:   logger,
		cfg:      cfg,
		hubLocks: map[int64]*sync.Mutex{},
	}
}

// SetMetrics attaches an outcome counter. Nil disables counting.
func (r *Reconciler) SetMetrics(m MetricsPort) {
	r.metrics = m
}

// Sync processes one uploaded batch and returns per-order outcomes in upload
// order. Calling Sync again with the same keys returns the stored outcomes.
func (r *Reconciler) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	key := batchKey(req)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.sync(ctx, req)
	})
	if err != nil {
		return SyncResult{}, err
	}
	return v.(SyncResult), nil
}

func batchKey(req SyncRequest) string {
	key := req.DeviceID + "/" + strconv.FormatInt(req.HubID, 10)
	for _, order := range req.Orders {
		key += "/" + order.IdempotencyKey
	}
	return key
}

func (r *Reconciler) sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	unlockHub := r.lockHubLocal(req.HubID)
	defer unlockHub()

	if r.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
		defer cancel()
		lock, err := r.locker.Obtain(lockCtx, shared.HubSyncLockKey(req.HubID), r.cfg.LockTTL, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(r.cfg.LockRetry),
		})
		if err != nil {
			return SyncResult{}, fmt.Errorf("fieldsync: obtain hub lock: %w", err)
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	// Orders in one batch share a receipt time, so the idempotency key
	// breaks the tie. Deterministic processing order keeps FEFO results
	// reproducible under replay; results still come back in upload order.
	indices := make([]int, len(req.Orders))
	for i := range indices {
		indices[i] = i
	}
	sort.Slice(indices, func(a, b int) bool {
		return req.Orders[indices[a]].IdempotencyKey < req.Orders[indices[b]].IdempotencyKey
	})

	results := make([]OrderResult, len(req.Orders))
	for _, i := range indices {
		result, err := r.processOrder(ctx, req, req.Orders[i])
		if err != nil {
			return SyncResult{}, err
		}
		results[i] = result
	}
	return SyncResult{
		DeviceID: req.DeviceID,
		HubID:    req.HubID,
		Results:  results,
		SyncedAt: time.Now().UTC(),
	}, nil
}

func (r *Reconciler) lockHubLocal(hubID int64) func() {
	r.mu.Lock()
	lock, ok := r.hubLocks[hubID]
	if !ok {
		lock = &sync.Mutex{}
		r.hubLocks[hubID] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (r *Reconciler) processOrder(ctx context.Context, req SyncRequest, order SyncOrder) (OrderResult, error) {
	if stored, ok, err := r.log.Get(ctx, order.IdempotencyKey); err != nil {
		return OrderResult{}, err
	} else if ok {
		stored.Replayed = true
		return stored, nil
	}

	result, err := r.reconcileOrder(ctx, req, order)
	if err != nil {
		return OrderResult{}, err
	}
	if err := r.log.Store(ctx, req.HubID, req.DeviceID, result); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			stored, ok, getErr := r.log.Get(ctx, order.IdempotencyKey)
			if getErr != nil {
				return OrderResult{}, getErr
			}
			if ok {
				stored.Replayed = true
				return stored, nil
			}
		}
		return OrderResult{}, err
	}
	if r.metrics != nil {
		r.metrics.CountSyncOrder(string(result.Outcome))
	}
	r.logger.InfoContext(ctx, "order reconciled",
		slog.String("device_id", req.DeviceID),
		slog.Int64("hub_id", req.HubID),
		slog.String("key", order.IdempotencyKey),
		slog.String("outcome", string(result.Outcome)))
	return result, nil
}

// reconcileOrder runs the accept -> allocate -> invoice pipeline for one
// uploaded order. Stock and pricing failures become outcomes, not errors.
func (r *Reconciler) reconcileOrder(ctx context.Context, req SyncRequest, order SyncOrder) (OrderResult, error) {
	accepted, err := r.acceptOrder(ctx, req, order)
	if err != nil {
		return OrderResult{}, err
	}

	confirmed := accepted
	if accepted.Status == allocation.StatusPending {
		confirmed, err = r.engine.Allocate(ctx, accepted.ID)
	}
	if err != nil {
		var insufficient *shared.InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			if err := r.engine.MarkBackorder(ctx, accepted.ID); err != nil {
				return OrderResult{}, err
			}
			return OrderResult{
				IdempotencyKey: order.IdempotencyKey,
				Outcome:        OutcomeBackordered,
				OrderID:        accepted.ID.String(),
				Shortfalls:     shortfallInfos(insufficient.Shortfalls),
			}, nil
		case errors.Is(err, shared.ErrPriceListNotFound):
			return OrderResult{
				IdempotencyKey: order.IdempotencyKey,
				Outcome:        OutcomeRejected,
				OrderID:        accepted.ID.String(),
				Reason:         "no price effective for a requested product",
			}, nil
		}
		return OrderResult{}, err
	}

	inv, err := r.invoices.Issue(ctx, confirmed.ID)
	if err != nil {
		return OrderResult{}, err
	}

	result := OrderResult{
		IdempotencyKey:   order.IdempotencyKey,
		Outcome:          OutcomeAccepted,
		OrderID:          confirmed.ID.String(),
		InvoiceNumber:    inv.Number,
		Lines:            resolvedLines(confirmed),
		TotalAmount:      confirmed.TotalAmount,
		PriceListVersion: confirmed.ListVersion,
	}
	if order.DeviceTotal != "" {
		if deviceTotal, parseErr := decimal.NewFromString(order.DeviceTotal); parseErr == nil {
			// server prices win; tell the device its cached total was stale
			result.PriceAdjusted = !deviceTotal.Equal(confirmed.TotalAmount)
		}
	}
	return result, nil
}

// acceptOrder stores the uploaded order as pending, tolerating an order row
// that survived a crash after Accept but before the result was logged.
func (r *Reconciler) acceptOrder(ctx context.Context, req SyncRequest, order SyncOrder) (allocation.Order, error) {
	existing, err := r.engine.GetByIdempotencyKey(ctx, order.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return allocation.Order{}, err
	}

	lines := make([]allocation.RequestedLine, 0, len(order.Lines))
	for _, l := range order.Lines {
		discount := decimal.Zero
		if l.DiscountPct != "" {
			if discount, err = decimal.NewFromString(l.DiscountPct); err != nil {
				return allocation.Order{}, fmt.Errorf("fieldsync: invalid discount for product %d: %w", l.ProductID, err)
			}
		}
		lines = append(lines, allocation.RequestedLine{
			ProductID:   l.ProductID,
			Qty:         l.Qty,
			BatchHint:   l.BatchHint,
			DiscountPct: discount,
		})
	}
	return r.engine.Accept(ctx, allocation.NewOrderInput{
		IdempotencyKey:    order.IdempotencyKey,
		CustomerID:        order.CustomerID,
		HubID:             req.HubID,
		PriceListID:       order.PriceListID,
		DeviceListVersion: order.DeviceListVersion,
		RequestedLines:    lines,
	})
}

func shortfallInfos(shortfalls []shared.Shortfall) []ShortfallInfo {
	infos := make([]ShortfallInfo, 0, len(shortfalls))
	for _, s := range shortfalls {
		infos = append(infos, ShortfallInfo{
			ProductID: s.ProductID,
			Requested: s.Requested,
			Available: s.Available,
			Shortfall: s.Shortfall,
		})
	}
	return infos
}
