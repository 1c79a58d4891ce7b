package transfer

import (
	"time"

	"github.com/google/uuid"
)

// Status is the transfer lifecycle state.
type Status string

const (
	// StatusPending awaits approval; nothing is held yet.
	StatusPending Status = "PENDING"
	// StatusApproved holds a reservation at the source hub.
	StatusApproved Status = "APPROVED"
	// StatusInTransit means goods left the source hub.
	StatusInTransit Status = "IN_TRANSIT"
	// StatusCompleted means goods were booked into the destination hub.
	StatusCompleted Status = "COMPLETED"
	// StatusCancelled is terminal.
	StatusCancelled Status = "CANCELLED"
)

// transitions maps each state to the states it may move to. Completed and
// cancelled have no exits.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusCancelled},
	StatusApproved:  {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusCompleted},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Line is one product/batch quantity moving between hubs.
type Line struct {
	ProductID int64      `json:"product_id"`
	BatchID   int64      `json:"batch_id"`
	BatchCode string     `json:"batch_code"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Qty       int64      `json:"qty"`
}

// Transfer moves stock from one hub to another through an approval flow.
type Transfer struct {
	ID               uuid.UUID  `json:"id"`
	SourceHubID      int64      `json:"source_hub_id"`
	DestHubID        int64      `json:"dest_hub_id"`
	Status           Status     `json:"status"`
	Lines            []Line     `json:"lines"`
	ReservationToken *uuid.UUID `json:"reservation_token,omitempty"`
	RequestedBy      int64      `json:"requested_by"`
	Note             string     `json:"note,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DispatchedAt     *time.Time `json:"dispatched_at,omitempty"`
	ReceivedAt       *time.Time `json:"received_at,omitempty"`
}

// NewTransferInput captures a transfer request.
type NewTransferInput struct {
	SourceHubID int64
	DestHubID   int64
	Lines       []Line
	RequestedBy int64
	Note        string
}
