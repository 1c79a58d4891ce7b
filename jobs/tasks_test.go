package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type sweeperStub struct {
	released  int
	lastLimit int
	err       error
}

func (s *sweeperStub) ReleaseExpired(_ context.Context, limit int) (int, error) {
	s.lastLimit = limit
	return s.released, s.err
}

type sweepMetricsStub struct {
	counted int
}

func (m *sweepMetricsStub) CountSweptReservations(n int) {
	m.counted += n
}

func TestReservationSweepHandler(t *testing.T) {
	sweeper := &sweeperStub{released: 7}
	metrics := &sweepMetricsStub{}
	handler := NewReservationSweepHandler(sweeper, metrics, nil)

	task, err := NewReservationSweepTask(SweepPayload{Limit: 50})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 50, sweeper.lastLimit)
	require.Equal(t, 7, metrics.counted)
}

func TestReservationSweepHandlerDefaultsLimit(t *testing.T) {
	sweeper := &sweeperStub{}
	handler := NewReservationSweepHandler(sweeper, nil, nil)

	task, err := NewReservationSweepTask(SweepPayload{})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 200, sweeper.lastLimit)
}

func TestReservationSweepHandlerPropagatesError(t *testing.T) {
	sweeper := &sweeperStub{err: errors.New("pool closed")}
	handler := NewReservationSweepHandler(sweeper, nil, nil)

	task, err := NewReservationSweepTask(SweepPayload{Limit: 10})
	require.NoError(t, err)
	require.Error(t, handler(context.Background(), task))
}

func TestReservationSweepHandlerSkipsBadPayload(t *testing.T) {
	handler := NewReservationSweepHandler(&sweeperStub{}, nil, nil)
	err := handler(context.Background(), asynq.NewTask(TaskReservationSweep, []byte("{broken")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type prunerStub struct {
	cutoff time.Time
	pruned int64
}

func (p *prunerStub) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.pruned, nil
}

func TestSyncLogCleanupHandler(t *testing.T) {
	pruner := &prunerStub{pruned: 12}
	handler := NewSyncLogCleanupHandler(pruner, nil)

	task, err := NewSyncLogCleanupTask(CleanupPayload{Retention: 48 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))

	expected := time.Now().UTC().Add(-48 * time.Hour)
	require.WithinDuration(t, expected, pruner.cutoff, 5*time.Second)
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	task, err := NewReservationSweepTask(SweepPayload{Limit: 25})
	require.NoError(t, err)
	require.Equal(t, TaskReservationSweep, task.Type())

	var payload SweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, 25, payload.Limit)
}
