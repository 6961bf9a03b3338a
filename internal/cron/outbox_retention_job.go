package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

const (
	defaultOutboxRetention = 30 * 24 * time.Hour
	defaultPruneBatch      = 500
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPruner interface {
	PruneBatch(ctx context.Context, cutoff time.Time, parkedAttempts, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger *logger.Logger
	Pruner outboxPruner
	// Retention is how long published and parked rows are kept.
	Retention time.Duration
	// ParkedAttempts must match the publisher's attempt ceiling so that rows
	// still being retried are never pruned.
	ParkedAttempts int
	BatchSize      int
}

// NewOutboxRetentionJob prunes outbox rows in small batches so the delete
// never holds long locks against the publisher.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Pruner == nil {
		return nil, errors.New("outbox pruner required")
	}
	if params.ParkedAttempts <= 0 {
		return nil, errors.New("parked attempt ceiling required")
	}
	job := &outboxRetentionJob{
		logg:      params.Logger,
		pruner:    params.Pruner,
		retention: params.Retention,
		parked:    params.ParkedAttempts,
		batch:     params.BatchSize,
		now:       time.Now,
	}
	if job.retention <= 0 {
		job.retention = defaultOutboxRetention
	}
	if job.batch <= 0 {
		job.batch = defaultPruneBatch
	}
	return job, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	pruner    outboxPruner
	retention time.Duration
	parked    int
	batch     int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var total int64
	batches := 0
	for ctx.Err() == nil {
		n, err := j.pruner.PruneBatch(ctx, cutoff, j.parked, j.batch)
		if err != nil {
			return fmt.Errorf("prune outbox after %d rows: %w", total, err)
		}
		total += n
		batches++
		if n < int64(j.batch) {
			break
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff.Format(time.RFC3339),
		"rows_deleted": total,
		"batches":      batches,
	}), "outbox retention pass complete")
	return ctx.Err()
}
