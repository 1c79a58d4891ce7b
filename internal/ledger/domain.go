package ledger

import (
	"time"

	"github.com/google/uuid"
)

// InventoryRecord is the authoritative stock row for one (hub, product, batch).
// Version increments on every mutation and acts as the optimistic concurrency token.
type InventoryRecord struct {
	ID          int64
	HubID       int64
	ProductID   int64
	BatchID     int64
	BatchCode   string
	Expiry      *time.Time
	Qty         int64
	ReservedQty int64
	Version     int64
	CreatedAt   time.Time
}

// Available returns the quantity not held by any reservation.
func (r InventoryRecord) Available() int64 {
	return r.Qty - r.ReservedQty
}

// Expired reports whether the batch is past expiry at the given instant.
func (r InventoryRecord) Expired(at time.Time) bool {
	return r.Expiry != nil && !r.Expiry.After(at)
}

// ReservationStatus enumerates reservation lifecycle states.
type ReservationStatus string

const (
	// ReservationHeld marks an uncommitted hold on stock.
	ReservationHeld ReservationStatus = "HELD"
	// ReservationCommitted marks a hold converted into a permanent decrement.
	ReservationCommitted ReservationStatus = "COMMITTED"
	// ReservationReleased marks a hold returned to available stock.
	ReservationReleased ReservationStatus = "RELEASED"
)

// ReserveItem is one requested hold against a specific record.
type ReserveItem struct {
	ProductID       int64
	BatchID         int64
	Qty             int64
	ExpectedVersion int64
}

// ReservationLine is the persisted per-record portion of a reservation.
type ReservationLine struct {
	RecordID  int64
	ProductID int64
	BatchID   int64
	Qty       int64
}

// Reservation is a provisional, uncommitted hold on inventory quantity.
type Reservation struct {
	Token     uuid.UUID
	HubID     int64
	Status    ReservationStatus
	Lines     []ReservationLine
	ExpiresAt time.Time
	CreatedAt time.Time
}

// MovementReason classifies entries in the stock movement journal.
type MovementReason string

const (
	// MovementInbound marks warehouse inbound stock.
	MovementInbound MovementReason = "INBOUND"
	// MovementSale marks a committed sale decrement.
	MovementSale MovementReason = "SALE"
	// MovementTransferOut marks stock leaving a hub on a transfer.
	MovementTransferOut MovementReason = "TRANSFER_OUT"
	// MovementTransferIn marks stock arriving at a hub on a transfer.
	MovementTransferIn MovementReason = "TRANSFER_IN"
	// MovementReturn marks sellable stock restored by a processed return.
	MovementReturn MovementReason = "RETURN"
	// MovementWriteOff marks damaged or expired returns tracked as zero-quantity restock.
	MovementWriteOff MovementReason = "WRITE_OFF"
)

// Movement is one journal entry recording a quantity change.
type Movement struct {
	ID         int64
	HubID      int64
	ProductID  int64
	BatchID    int64
	QtyDelta   int64
	Reason     MovementReason
	RefModule  string
	RefID      string
	OccurredAt time.Time
}

// AdjustInput describes a quantity adjustment applied outside reservations.
type AdjustInput struct {
	HubID     int64
	ProductID int64
	BatchID   int64
	BatchCode string
	Expiry    *time.Time
	Delta     int64
	Reason    MovementReason
	RefModule string
	RefID     string
	ActorID   int64
}
