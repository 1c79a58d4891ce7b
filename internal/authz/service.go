package authz

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// RepositoryPort abstracts device lookup.
type RepositoryPort interface {
	GetByDeviceID(ctx context.Context, deviceID string) (Device, error)
	TouchLastSeen(ctx context.Context, deviceID string) error
}

// Service authenticates devices against their stored token hashes.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Authenticate verifies a device id and token and returns the identity the
// request acts as. An unknown device and a bad token are indistinguishable
// to the caller.
func (s *Service) Authenticate(ctx context.Context, deviceID, token string) (*shared.Identity, error) {
	if deviceID == "" || token == "" {
		return nil, shared.ErrUnauthorized
	}
	device, err := s.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrUnauthorized
		}
		return nil, err
	}
	if !device.Active {
		return nil, shared.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(device.TokenHash, []byte(token)); err != nil {
		return nil, shared.ErrUnauthorized
	}
	if err := s.repo.TouchLastSeen(ctx, deviceID); err != nil {
		s.logger.WarnContext(ctx, "touch last seen failed", slog.String("device_id", deviceID), slog.Any("error", err))
	}
	return &shared.Identity{
		ActorID:  device.ActorID,
		DeviceID: device.DeviceID,
		HubIDs:   device.HubIDs,
	}, nil
}

// HashToken derives the stored hash for a freshly minted device token.
func HashToken(token string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
}
