package cron

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
)

const maxTick = 30 * time.Second

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Locker   Locker
	Metrics  *metrics.CronJobMetrics
	// Tick is how often the schedule is checked. It defaults to the shortest
	// job interval, at most 30s.
	Tick time.Duration
	Now  func() time.Time
}

// Service runs each registered job on its own cadence. Every run holds the
// job's lease for one interval and is cancelled when the interval ends, so a
// slow run never overlaps the next slot.
type Service struct {
	logg    *logger.Logger
	entries []Entry
	locker  Locker
	metrics *metrics.CronJobMetrics
	tick    time.Duration
	now     func() time.Time
	next    map[string]time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Locker == nil {
		return nil, errors.New("locker required")
	}
	if params.Registry == nil || len(params.Registry.Entries()) == 0 {
		return nil, errors.New("no jobs registered")
	}
	entries := params.Registry.Entries()

	tick := params.Tick
	if tick <= 0 {
		tick = maxTick
		for _, e := range entries {
			tick = min(tick, e.Every)
		}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logg:    params.Logger,
		entries: entries,
		locker:  params.Locker,
		metrics: params.Metrics,
		tick:    tick,
		now:     now,
		next:    make(map[string]time.Time, len(entries)),
	}, nil
}

// Run fires every job once at start, then on schedule until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.runDue(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs the jobs whose slot has arrived and returns how many ran here.
// A job skipped because another instance holds it still moves to its next slot.
func (s *Service) runDue(ctx context.Context) int {
	ran := 0
	for _, e := range s.entries {
		if ctx.Err() != nil {
			break
		}
		name := e.Job.Name()
		now := s.now()
		if now.Before(s.next[name]) {
			continue
		}
		s.next[name] = now.Add(e.Every)
		if s.runLeased(ctx, e) {
			ran++
		}
	}
	return ran
}

func (s *Service) runLeased(ctx context.Context, e Entry) bool {
	name := e.Job.Name()
	jobCtx := s.logg.WithJob(ctx, name)

	lease, err := s.locker.TryLock(jobCtx, name, e.Every)
	if err != nil {
		s.logg.Error(jobCtx, "job lock unavailable", err)
		s.metrics.IncFailure(name)
		return false
	}
	if lease == nil {
		s.logg.Debug(jobCtx, "job held by another instance")
		s.metrics.IncSkipped(name)
		return false
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(jobCtx)); err != nil {
			s.logg.Error(jobCtx, "job lock release failed", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(jobCtx, e.Every)
	defer cancel()
	started := time.Now()
	err = e.Job.Run(runCtx)
	elapsed := time.Since(started)

	s.metrics.ObserveDuration(name, elapsed)
	logCtx := s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(logCtx, "job failed", err)
		s.metrics.IncFailure(name)
		return true
	}
	s.logg.Info(logCtx, "job completed")
	s.metrics.IncSuccess(name)
	return true
}
