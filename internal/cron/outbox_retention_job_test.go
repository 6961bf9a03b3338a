package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

// fakePruner deletes from a pool of rows, at most limit per call.
type fakePruner struct {
	remaining int64
	calls     int
	cutoff    time.Time
	parked    int
	err       error
}

func (f *fakePruner) PruneBatch(_ context.Context, cutoff time.Time, parkedAttempts, limit int) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	f.parked = parkedAttempts
	if f.err != nil {
		return 0, f.err
	}
	n := min(f.remaining, int64(limit))
	f.remaining -= n
	return n, nil
}

func newRetentionJob(t *testing.T, pruner outboxPruner, retention time.Duration, batch int) *outboxRetentionJob {
	t.Helper()
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:         logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Pruner:         pruner,
		Retention:      retention,
		ParkedAttempts: 10,
		BatchSize:      batch,
	})
	require.NoError(t, err)
	return job.(*outboxRetentionJob)
}

func TestOutboxRetentionPrunesInBatches(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	pruner := &fakePruner{remaining: 25}
	job := newRetentionJob(t, pruner, 72*time.Hour, 10)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 3, pruner.calls)
	require.Zero(t, pruner.remaining)
	require.Equal(t, now.Add(-72*time.Hour), pruner.cutoff)
	require.Equal(t, 10, pruner.parked)
}

func TestOutboxRetentionStopsOnExactBatchBoundary(t *testing.T) {
	pruner := &fakePruner{remaining: 20}
	job := newRetentionJob(t, pruner, 0, 10)

	require.NoError(t, job.Run(context.Background()))
	// 10, 10, then an empty batch ends the pass
	require.Equal(t, 3, pruner.calls)
	require.Equal(t, defaultOutboxRetention, job.retention)
}

func TestOutboxRetentionPropagatesError(t *testing.T) {
	boom := errors.New("statement timeout")
	job := newRetentionJob(t, &fakePruner{err: boom}, time.Hour, 10)

	require.ErrorIs(t, job.Run(context.Background()), boom)
}

func TestOutboxRetentionRequiresAttemptCeiling(t *testing.T) {
	_, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger: logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Pruner: &fakePruner{},
	})
	require.Error(t, err)
}
