package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Repository loads registered devices from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByDeviceID loads a device with its hub grants.
func (r *Repository) GetByDeviceID(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := r.pool.QueryRow(ctx, `SELECT id, device_id, token_hash, actor_id, active, created_at, last_seen_at
FROM devices WHERE device_id=$1`, deviceID).
		Scan(&d.ID, &d.DeviceID, &d.TokenHash, &d.ActorID, &d.Active, &d.CreatedAt, &d.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, shared.ErrNotFound
		}
		return Device{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT hub_id FROM device_hubs WHERE device_id=$1 ORDER BY hub_id ASC`, d.ID)
	if err != nil {
		return Device{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var hubID int64
		if err := rows.Scan(&hubID); err != nil {
			return Device{}, err
		}
		d.HubIDs = append(d.HubIDs, hubID)
	}
	return d, rows.Err()
}

// TouchLastSeen stamps a successful authentication.
func (r *Repository) TouchLastSeen(ctx context.Context, deviceID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE devices SET last_seen_at=NOW() WHERE device_id=$1`, deviceID)
	return err
}
