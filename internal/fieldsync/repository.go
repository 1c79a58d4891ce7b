package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateKey reports a concurrent insert for the same idempotency key.
var ErrDuplicateKey = errors.New("fieldsync: result already stored for key")

// Repository persists per-order sync outcomes in sync_log, keyed by the
// device idempotency key.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the stored result for a key, if any.
func (r *Repository) Get(ctx context.Context, key string) (OrderResult, bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT result FROM sync_log WHERE idempotency_key=$1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderResult{}, false, nil
		}
		return OrderResult{}, false, err
	}
	var result OrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return OrderResult{}, false, err
	}
	return result, true, nil
}

// Store writes the outcome for a key. A unique-violation means another
// worker got there first; the caller should re-read and replay.
func (r *Repository) Store(ctx context.Context, hubID int64, deviceID string, result OrderResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO sync_log (idempotency_key, hub_id, device_id, outcome, result, recorded_at)
VALUES ($1,$2,$3,$4,$5,NOW())`, result.IdempotencyKey, hubID, deviceID, string(result.Outcome), raw)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

// DeleteOlderThan prunes sync_log rows recorded before the cutoff. Devices
// retry within days, not months; pruned keys reprocess as new orders guarded
// by the orders table's own idempotency key.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sync_log WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
