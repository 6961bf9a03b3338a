package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/marketplace-settlement/internal/escrow"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

type escrowPasses interface {
	ReleaseDue(ctx context.Context) (escrow.PassReport, error)
	RetryFailedTransfers(ctx context.Context) (escrow.PassReport, error)
}

// NewEscrowReleaseJob releases escrow whose protection window has passed and
// pays the sellers out.
func NewEscrowReleaseJob(logg *logger.Logger, svc escrowPasses) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("escrow service required")
	}
	return &escrowPassJob{name: "escrow-release", logg: logg, run: svc.ReleaseDue}, nil
}

// NewTransferRetryJob retries failed seller payouts that are due.
func NewTransferRetryJob(logg *logger.Logger, svc escrowPasses) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("escrow service required")
	}
	return &escrowPassJob{name: "transfer-retry", logg: logg, run: svc.RetryFailedTransfers}, nil
}

type escrowPassJob struct {
	name string
	logg *logger.Logger
	run  func(ctx context.Context) (escrow.PassReport, error)
}

func (j *escrowPassJob) Name() string { return j.name }

func (j *escrowPassJob) Run(ctx context.Context) error {
	report, err := j.run(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"released":    report.Released,
		"transferred": report.Transferred,
		"failed":      report.Failed,
		"escalated":   report.Escalated,
		"skipped":     report.Skipped,
	}), "escrow pass complete")
	return nil
}
