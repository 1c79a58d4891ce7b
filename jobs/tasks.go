package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReservationSweep releases reservation holds past their TTL.
	TaskReservationSweep = "reservations:sweep"
	// TaskSyncLogCleanup prunes old sync outcomes.
	TaskSyncLogCleanup = "synclog:cleanup"
)

// SweepPayload bounds one sweep run.
type SweepPayload struct {
	Limit int `json:"limit"`
}

// NewReservationSweepTask constructs an Asynq task.
func NewReservationSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationSweep, data), nil
}

// CleanupPayload sets the retention window for sync log pruning.
type CleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewSyncLogCleanupTask constructs an Asynq task.
func NewSyncLogCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncLogCleanup, data), nil
}

// ReservationSweeper releases expired holds in batches.
type ReservationSweeper interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// SweepMetrics tallies released holds.
type SweepMetrics interface {
	CountSweptReservations(n int)
}

// NewReservationSweepHandler builds the handler for TaskReservationSweep.
func NewReservationSweepHandler(sweeper ReservationSweeper, metrics SweepMetrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Limit <= 0 {
			payload.Limit = 200
		}
		released, err := sweeper.ReleaseExpired(ctx, payload.Limit)
		if err != nil {
			return err
		}
		if metrics != nil {
			metrics.CountSweptReservations(released)
		}
		if logger != nil && released > 0 {
			logger.InfoContext(ctx, "expired reservations released",
				slog.String("job", TaskReservationSweep),
				slog.Int("released", released))
		}
		return nil
	}
}

// SyncLogPruner removes old sync outcomes.
type SyncLogPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewSyncLogCleanupHandler builds the handler for TaskSyncLogCleanup.
func NewSyncLogCleanupHandler(pruner SyncLogPruner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload CleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Retention <= 0 {
			payload.Retention = 30 * 24 * time.Hour
		}
		pruned, err := pruner.DeleteOlderThan(ctx, time.Now().UTC().Add(-payload.Retention))
		if err != nil {
			return err
		}
		if logger != nil && pruned > 0 {
			logger.InfoContext(ctx, "sync log pruned",
				slog.String("job", TaskSyncLogCleanup),
				slog.Int64("pruned", pruned))
		}
		return nil
	}
}
