package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListHubStock(ctx context.Context, hubID int64) ([]InventoryRecord, error)
	ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	HasMovement(ctx context.Context, refModule, refID string, reasons ...MovementReason) (bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// ReservationTTL bounds how long an uncommitted hold survives before
	// the sweep releases it.
	ReservationTTL time.Duration
	// RetryLimit bounds optimistic write attempts before surfacing
	// shared.ErrStaleVersion.
	RetryLimit int
}

// Service is the single writer of InventoryRecord mutations. Every other
// component requests stock changes through it.
type Service struct {
	repo       RepositoryPort
	audit      AuditPort
	ttl        time.Duration
	retryLimit int
	now        func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	retries := cfg.RetryLimit
	if retries <= 0 {
		retries = 3
	}
	return &Service{repo: repo, audit: audit, ttl: ttl, retryLimit: retries, now: time.Now}
}

// CommitRef identifies the document a committed reservation settles.
type CommitRef struct {
	Reason    MovementReason
	RefModule string
	RefID     string
}

// Reserve places an all-or-nothing hold across the requested items. Either
// every item is reserved and a token returned, or no record changes.
// Items with ExpectedVersion 0 use the version read inside the transaction;
// a non-zero ExpectedVersion that no longer matches fails with
// shared.ErrStaleVersion without internal retry.
func (s *Service) Reserve(ctx context.Context, hubID int64, items []ReserveItem) (Reservation, error) {
	if hubID == 0 {
		return Reservation{}, errors.New("ledger: hub required")
	}
	if len(items) == 0 {
		return Reservation{}, errors.New("ledger: at least one item required")
	}
	for _, item := range items {
		if item.Qty <= 0 {
			return Reservation{}, fmt.Errorf("ledger: quantity must be positive for product %d", item.ProductID)
		}
	}

	// Fixed deterministic evaluation order so concurrent reservations touch
	// records in the same sequence.
	sorted := make([]ReserveItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ProductID != sorted[j].ProductID {
			return sorted[i].ProductID < sorted[j].ProductID
		}
		return sorted[i].BatchID < sorted[j].BatchID
	})
	sorted = coalesceItems(sorted)

	pinned := false
	for _, item := range sorted {
		if item.ExpectedVersion > 0 {
			pinned = true
			break
		}
	}

	var res Reservation
	attempts := s.retryLimit
	if pinned {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		res, lastErr = s.reserveOnce(ctx, hubID, sorted)
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, shared.ErrStaleVersion) {
			return Reservation{}, lastErr
		}
	}
	if lastErr != nil {
		return Reservation{}, lastErr
	}

	s.auditAction(ctx, hubID, "ledger:reserve", "reservation", res.Token.String(), map[string]any{
		"lines": len(res.Lines),
	})
	return res, nil
}

// coalesceItems merges sorted items sharing a (product, batch) into one,
// so each record gets a single versioned write. Two requested lines of the
// same product can land on the same batch under FEFO.
func coalesceItems(sorted []ReserveItem) []ReserveItem {
	merged := sorted[:0]
	for _, item := range sorted {
		if n := len(merged); n > 0 &&
			merged[n-1].ProductID == item.ProductID &&
			merged[n-1].BatchID == item.BatchID {
			merged[n-1].Qty += item.Qty
			if merged[n-1].ExpectedVersion == 0 {
				merged[n-1].ExpectedVersion = item.ExpectedVersion
			}
			continue
		}
		merged = append(merged, item)
	}
	return merged
}

func (s *Service) reserveOnce(ctx context.Context, hubID int64, items []ReserveItem) (Reservation, error) {
	now := s.now().UTC()
	res := Reservation{
		Token:     uuid.New(),
		HubID:     hubID,
		Status:    ReservationHeld,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var shortfalls []shared.Shortfall
		records := make([]InventoryRecord, 0, len(items))
		for _, item := range items {
			rec, err := tx.GetRecord(ctx, hubID, item.ProductID, item.BatchID)
			if err != nil {
				if errors.Is(err, ErrRecordNotFound) {
					shortfalls = append(shortfalls, shared.Shortfall{
						ProductID: item.ProductID,
						Requested: item.Qty,
						Shortfall: item.Qty,
					})
					continue
				}
				return err
			}
			if rec.Available() < item.Qty {
				shortfalls = append(shortfalls, shared.Shortfall{
					ProductID: item.ProductID,
					Requested: item.Qty,
					Available: rec.Available(),
					Shortfall: item.Qty - rec.Available(),
				})
				continue
			}
			records = append(records, rec)
		}
		if len(shortfalls) > 0 {
			return &shared.InsufficientStockError{Shortfalls: shortfalls}
		}
		for i, item := range items {
			rec := records[i]
			expected := rec.Version
			if item.ExpectedVersion > 0 {
				expected = item.ExpectedVersion
			}
			ok, err := tx.UpdateRecordVersioned(ctx, rec.ID, rec.Qty, rec.ReservedQty+item.Qty, expected)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrStaleVersion
			}
			res.Lines = append(res.Lines, ReservationLine{
				RecordID:  rec.ID,
				ProductID: rec.ProductID,
				BatchID:   rec.BatchID,
				Qty:       item.Qty,
			})
		}
		return tx.InsertReservation(ctx, res)
	})
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// errAlreadyCommitted marks a duplicate commit of the same token; the outer
// call turns it into a no-op so document issuance can retry.
var errAlreadyCommitted = errors.New("ledger: reservation already committed")

// Commit converts a held reservation into a permanent decrement and writes a
// movement journal entry per line. Committing a committed token again is a
// no-op; a released token fails with shared.ErrInvalidToken because its
// quantity has already gone back to available stock.
func (s *Service) Commit(ctx context.Context, token uuid.UUID, ref CommitRef) error {
	if ref.Reason == "" {
		ref.Reason = MovementSale
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetReservationForUpdate(ctx, token)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				return shared.ErrInvalidToken
			}
			return err
		}
		switch res.Status {
		case ReservationCommitted:
			return errAlreadyCommitted
		case ReservationReleased:
			return fmt.Errorf("%w: reservation released", shared.ErrInvalidToken)
		}
		for _, line := range res.Lines {
			rec, err := tx.GetRecordByID(ctx, line.RecordID)
			if err != nil {
				return err
			}
			ok, err := tx.UpdateRecordVersioned(ctx, rec.ID, rec.Qty-line.Qty, rec.ReservedQty-line.Qty, rec.Version)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrStaleVersion
			}
			mv := Movement{
				HubID:     res.HubID,
				ProductID: line.ProductID,
				BatchID:   line.BatchID,
				QtyDelta:  -line.Qty,
				Reason:    ref.Reason,
				RefModule: ref.RefModule,
				RefID:     ref.RefID,
			}
			if err := tx.InsertMovement(ctx, mv); err != nil {
				return err
			}
		}
		return tx.SetReservationStatus(ctx, token, ReservationCommitted)
	})
	if errors.Is(err, errAlreadyCommitted) {
		return nil
	}
	if err != nil {
		return err
	}
	s.auditAction(ctx, 0, "ledger:commit", "reservation", token.String(), map[string]any{
		"reason": string(ref.Reason),
		"ref":    ref.RefID,
	})
	return nil
}

// Release returns a held reservation's quantity to available stock. Releasing
// an already released token is a no-op; a committed token cannot be released.
func (s *Service) Release(ctx context.Context, token uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetReservationForUpdate(ctx, token)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				return shared.ErrInvalidToken
			}
			return err
		}
		switch res.Status {
		case ReservationReleased:
			return nil
		case ReservationCommitted:
			return shared.ErrInvalidToken
		}
		for _, line := range res.Lines {
			rec, err := tx.GetRecordByID(ctx, line.RecordID)
			if err != nil {
				return err
			}
			ok, err := tx.UpdateRecordVersioned(ctx, rec.ID, rec.Qty, rec.ReservedQty-line.Qty, rec.Version)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrStaleVersion
			}
		}
		return tx.SetReservationStatus(ctx, token, ReservationReleased)
	})
	if err != nil {
		return err
	}
	s.auditAction(ctx, 0, "ledger:release", "reservation", token.String(), nil)
	return nil
}

// Adjust applies a direct quantity change, creating the record when inbound
// stock arrives at a hub that has never held the batch. A zero delta records
// a write-off journal entry without touching quantities.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) error {
	return s.AdjustBatch(ctx, []AdjustInput{input})
}

// AdjustBatch applies several adjustments in one transaction: every movement
// lands or none do. Receipt and return processing use it so a mid-batch
// failure cannot leave a hub half restocked.
func (s *Service) AdjustBatch(ctx context.Context, inputs []AdjustInput) error {
	if len(inputs) == 0 {
		return errors.New("ledger: at least one adjustment required")
	}
	for _, input := range inputs {
		if input.HubID == 0 || input.ProductID == 0 || input.BatchID == 0 {
			return errors.New("ledger: hub, product and batch required")
		}
		if input.Reason == "" {
			return errors.New("ledger: movement reason required")
		}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, input := range inputs {
			if err := adjustInTx(ctx, tx, input); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, input := range inputs {
		s.auditAction(ctx, input.HubID, "ledger:adjust", "inventory_record",
			fmt.Sprintf("%d:%d:%d", input.HubID, input.ProductID, input.BatchID), map[string]any{
				"delta":  input.Delta,
				"reason": string(input.Reason),
			})
	}
	return nil
}

func adjustInTx(ctx context.Context, tx TxRepository, input AdjustInput) error {
	if input.Delta == 0 {
		if input.Reason != MovementWriteOff {
			return errors.New("ledger: zero delta only valid for write-offs")
		}
		return tx.InsertMovement(ctx, Movement{
			HubID:     input.HubID,
			ProductID: input.ProductID,
			BatchID:   input.BatchID,
			Reason:    input.Reason,
			RefModule: input.RefModule,
			RefID:     input.RefID,
		})
	}
	rec, err := tx.GetRecord(ctx, input.HubID, input.ProductID, input.BatchID)
	if errors.Is(err, ErrRecordNotFound) {
		if input.Delta < 0 {
			return &shared.InsufficientStockError{Shortfalls: []shared.Shortfall{{
				ProductID: input.ProductID,
				Requested: -input.Delta,
				Shortfall: -input.Delta,
			}}}
		}
		if _, err := tx.InsertRecord(ctx, InventoryRecord{
			HubID:     input.HubID,
			ProductID: input.ProductID,
			BatchID:   input.BatchID,
			BatchCode: input.BatchCode,
			Expiry:    input.Expiry,
			Qty:       input.Delta,
		}); err != nil {
			return err
		}
		return tx.InsertMovement(ctx, Movement{
			HubID:     input.HubID,
			ProductID: input.ProductID,
			BatchID:   input.BatchID,
			QtyDelta:  input.Delta,
			Reason:    input.Reason,
			RefModule: input.RefModule,
			RefID:     input.RefID,
		})
	}
	if err != nil {
		return err
	}
	newQty := rec.Qty + input.Delta
	if newQty < rec.ReservedQty {
		available := rec.Available()
		return &shared.InsufficientStockError{Shortfalls: []shared.Shortfall{{
			ProductID: input.ProductID,
			Requested: -input.Delta,
			Available: available,
			Shortfall: -input.Delta - available,
		}}}
	}
	ok, err := tx.UpdateRecordVersioned(ctx, rec.ID, newQty, rec.ReservedQty, rec.Version)
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrStaleVersion
	}
	return tx.InsertMovement(ctx, Movement{
		HubID:     input.HubID,
		ProductID: input.ProductID,
		BatchID:   input.BatchID,
		QtyDelta:  input.Delta,
		Reason:    input.Reason,
		RefModule: input.RefModule,
		RefID:     input.RefID,
	})
}

// FEFOCandidates returns the unexpired records with available stock for one
// product at a hub, earliest expiry first with null expiries last. The
// returned versions are the expected-version tokens a caller passes back to
// Reserve so concurrent consumption is detected.
func (s *Service) FEFOCandidates(ctx context.Context, hubID, productID int64, asOf time.Time) ([]InventoryRecord, error) {
	var records []InventoryRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		records, err = tx.ListEligibleRecords(ctx, hubID, productID, asOf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// HasMovement reports whether a document has already produced journal
// entries, optionally narrowed to the given reasons. Callers that adjust
// stock outside a reservation use it to keep their retries from moving
// quantity twice.
func (s *Service) HasMovement(ctx context.Context, refModule, refID string, reasons ...MovementReason) (bool, error) {
	return s.repo.HasMovement(ctx, refModule, refID, reasons...)
}

// HubStock lists every inventory record at a hub.
func (s *Service) HubStock(ctx context.Context, hubID int64) ([]InventoryRecord, error) {
	if hubID == 0 {
		return nil, errors.New("ledger: hub required")
	}
	return s.repo.ListHubStock(ctx, hubID)
}

// ReleaseExpired frees held reservations whose commit window elapsed. It
// returns how many tokens were released.
func (s *Service) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	tokens, err := s.repo.ListExpiredReservations(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, token := range tokens {
		if err := s.Release(ctx, token); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (s *Service) auditAction(ctx context.Context, hubID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		HubID:    hubID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}
