package cron

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Job is one periodic settlement task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Entry binds a job to its cadence.
type Entry struct {
	Job   Job
	Every time.Duration
}

// Registry is the worker's job table. Job names must be unique because they
// key both the schedule and the distributed lock.
type Registry struct {
	entries []Entry
	names   map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{names: map[string]struct{}{}}
}

// Add schedules job every interval.
func (r *Registry) Add(job Job, every time.Duration) error {
	if job == nil {
		return errors.New("job is nil")
	}
	name := job.Name()
	if name == "" {
		return errors.New("job name is empty")
	}
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if _, dup := r.names[name]; dup {
		return fmt.Errorf("job %s registered twice", name)
	}
	r.names[name] = struct{}{}
	r.entries = append(r.entries, Entry{Job: job, Every: every})
	return nil
}

// Entries returns a copy of the table in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
