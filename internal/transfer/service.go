package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RepositoryPort abstracts transfer persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, t Transfer) error
	Get(ctx context.Context, id uuid.UUID) (Transfer, error)
	UpdateState(ctx context.Context, id uuid.UUID, from, to Status, token *uuid.UUID, stamp *time.Time) error
	ListByHub(ctx context.Context, hubID int64, limit int) ([]Transfer, error)
}

// LedgerPort is the slice of the inventory ledger transfers drive.
type LedgerPort interface {
	Reserve(ctx context.Context, hubID int64, items []ledger.ReserveItem) (ledger.Reservation, error)
	Commit(ctx context.Context, token uuid.UUID, ref ledger.CommitRef) error
	Release(ctx context.Context, token uuid.UUID) error
	AdjustBatch(ctx context.Context, inputs []ledger.AdjustInput) error
	HasMovement(ctx context.Context, refModule, refID string, reasons ...ledger.MovementReason) (bool, error)
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Service drives transfers through their lifecycle. Source stock is held
// from approval until receipt, so it can neither be sold nor double-shipped
// while in transit.
type Service struct {
	repo      RepositoryPort
	stock     LedgerPort
	approvals ApprovalPort
	logger    *slog.Logger
}

// NewService constructs Service.
func NewService(repo RepositoryPort, stock LedgerPort, approvals ApprovalPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, stock: stock, approvals: approvals, logger: logger}
}

// Request creates a pending transfer.
func (s *Service) Request(ctx context.Context, input NewTransferInput) (Transfer, error) {
	if input.SourceHubID == input.DestHubID {
		return Transfer{}, errors.New("transfer: source and destination hubs must differ")
	}
	if len(input.Lines) == 0 {
		return Transfer{}, errors.New("transfer: at least one line required")
	}
	for _, line := range input.Lines {
		if line.Qty <= 0 {
			return Transfer{}, fmt.Errorf("transfer: quantity must be positive for product %d", line.ProductID)
		}
	}
	t := Transfer{
		ID:          uuid.New(),
		SourceHubID: input.SourceHubID,
		DestHubID:   input.DestHubID,
		Status:      StatusPending,
		Lines:       input.Lines,
		RequestedBy: input.RequestedBy,
		Note:        input.Note,
	}
	if err := s.repo.Insert(ctx, t); err != nil {
		return Transfer{}, err
	}
	s.recordApproval(ctx, t.ID, input.RequestedBy, shared.ApprovalSubmit, input.Note)
	return t, nil
}

// Get loads a transfer.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return s.repo.Get(ctx, id)
}

// ListByHub lists transfers touching a hub.
func (s *Service) ListByHub(ctx context.Context, hubID int64, limit int) ([]Transfer, error) {
	return s.repo.ListByHub(ctx, hubID, limit)
}

// Approve reserves the requested quantities at the source hub and moves the
// transfer to approved. The hold keeps in-transit stock unsellable.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actorID int64) (Transfer, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if !t.Status.CanTransition(StatusApproved) {
		return Transfer{}, fmt.Errorf("%w: approve from %s", shared.ErrInvalidTransition, t.Status)
	}

	items := make([]ledger.ReserveItem, 0, len(t.Lines))
	for _, line := range t.Lines {
		items = append(items, ledger.ReserveItem{ProductID: line.ProductID, BatchID: line.BatchID, Qty: line.Qty})
	}
	res, err := s.stock.Reserve(ctx, t.SourceHubID, items)
	if err != nil {
		return Transfer{}, err
	}
	if err := s.repo.UpdateState(ctx, id, StatusPending, StatusApproved, &res.Token, nil); err != nil {
		_ = s.stock.Release(ctx, res.Token)
		return Transfer{}, err
	}
	t.Status = StatusApproved
	t.ReservationToken = &res.Token
	s.recordApproval(ctx, id, actorID, shared.ApprovalApprove, "")
	s.logger.InfoContext(ctx, "transfer approved",
		slog.String("transfer_id", id.String()),
		slog.Int64("source_hub", t.SourceHubID),
		slog.Int64("dest_hub", t.DestHubID))
	return t, nil
}

// Dispatch marks an approved transfer as having left the source hub.
func (s *Service) Dispatch(ctx context.Context, id uuid.UUID, actorID int64) (Transfer, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if !t.Status.CanTransition(StatusInTransit) {
		return Transfer{}, fmt.Errorf("%w: dispatch from %s", shared.ErrInvalidTransition, t.Status)
	}
	now := time.Now().UTC()
	if err := s.repo.UpdateState(ctx, id, StatusApproved, StatusInTransit, t.ReservationToken, &now); err != nil {
		return Transfer{}, err
	}
	t.Status = StatusInTransit
	t.DispatchedAt = &now
	return t, nil
}

// Receive books the goods into the destination hub: the source hold is
// committed as an outbound movement and matching inbound records are
// created (or topped up) at the destination, batch identity preserved.
// Both sides are keyed by the transfer id in the movement journal, so a
// retry after a partial failure never moves a quantity twice.
func (s *Service) Receive(ctx context.Context, id uuid.UUID, actorID int64) (Transfer, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if !t.Status.CanTransition(StatusCompleted) {
		return Transfer{}, fmt.Errorf("%w: receive from %s", shared.ErrInvalidTransition, t.Status)
	}
	if t.ReservationToken == nil {
		return Transfer{}, fmt.Errorf("%w: in-transit transfer has no reservation", shared.ErrInvalidToken)
	}

	ref := ledger.CommitRef{Reason: ledger.MovementTransferOut, RefModule: "transfer", RefID: id.String()}
	shipped, err := s.stock.HasMovement(ctx, "transfer", id.String(), ledger.MovementTransferOut)
	if err != nil {
		return Transfer{}, err
	}
	if !shipped {
		if err := s.commitSourceHold(ctx, t, ref); err != nil {
			return Transfer{}, err
		}
	}

	booked, err := s.stock.HasMovement(ctx, "transfer", id.String(), ledger.MovementTransferIn)
	if err != nil {
		return Transfer{}, err
	}
	if !booked {
		inputs := make([]ledger.AdjustInput, 0, len(t.Lines))
		for _, line := range t.Lines {
			inputs = append(inputs, ledger.AdjustInput{
				HubID:     t.DestHubID,
				ProductID: line.ProductID,
				BatchID:   line.BatchID,
				BatchCode: line.BatchCode,
				Expiry:    line.Expiry,
				Delta:     line.Qty,
				Reason:    ledger.MovementTransferIn,
				RefModule: "transfer",
				RefID:     id.String(),
				ActorID:   actorID,
			})
		}
		if err := s.stock.AdjustBatch(ctx, inputs); err != nil {
			return Transfer{}, err
		}
	}
	now := time.Now().UTC()
	if err := s.repo.UpdateState(ctx, id, StatusInTransit, StatusCompleted, t.ReservationToken, &now); err != nil {
		return Transfer{}, err
	}
	t.Status = StatusCompleted
	t.ReceivedAt = &now
	s.logger.InfoContext(ctx, "transfer received",
		slog.String("transfer_id", id.String()),
		slog.Int64("dest_hub", t.DestHubID))
	return t, nil
}

// commitSourceHold settles the source hold at receipt. A hold that outlived
// its commit window was swept back to available stock; re-take it so the
// outbound movement still lands before the destination is topped up.
func (s *Service) commitSourceHold(ctx context.Context, t Transfer, ref ledger.CommitRef) error {
	err := s.stock.Commit(ctx, *t.ReservationToken, ref)
	if err == nil || !errors.Is(err, shared.ErrInvalidToken) {
		return err
	}
	items := make([]ledger.ReserveItem, 0, len(t.Lines))
	for _, line := range t.Lines {
		items = append(items, ledger.ReserveItem{ProductID: line.ProductID, BatchID: line.BatchID, Qty: line.Qty})
	}
	res, err := s.stock.Reserve(ctx, t.SourceHubID, items)
	if err != nil {
		return err
	}
	return s.stock.Commit(ctx, res.Token, ref)
}

// Cancel aborts a transfer that has not been dispatched. An approved
// transfer's source hold is released.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actorID int64, note string) (Transfer, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if !t.Status.CanTransition(StatusCancelled) {
		return Transfer{}, fmt.Errorf("%w: cancel from %s", shared.ErrInvalidTransition, t.Status)
	}
	if t.Status == StatusApproved && t.ReservationToken != nil {
		if err := s.stock.Release(ctx, *t.ReservationToken); err != nil {
			return Transfer{}, err
		}
	}
	if err := s.repo.UpdateState(ctx, id, t.Status, StatusCancelled, t.ReservationToken, nil); err != nil {
		return Transfer{}, err
	}
	t.Status = StatusCancelled
	s.recordApproval(ctx, id, actorID, shared.ApprovalCancel, note)
	return t, nil
}

func (s *Service) recordApproval(ctx context.Context, ref uuid.UUID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  "transfer",
		RefID:   ref,
		ActorID: actorID,
		Action:  action,
		Note:    note,
	}); err != nil {
		s.logger.WarnContext(ctx, "record approval failed", slog.String("transfer_id", ref.String()), slog.Any("error", err))
	}
}
