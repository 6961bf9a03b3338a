package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Locker hands out per-job leases so that, across worker instances, each job
// runs on at most one of them at a time. Different jobs may run concurrently
// on different instances.
type Locker interface {
	// TryLock returns a nil Lease when another instance holds the job.
	TryLock(ctx context.Context, job string, ttl time.Duration) (Lease, error)
}

// Lease is a held job lock.
type Lease interface {
	Release(ctx context.Context) error
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// RedisLocker keeps one key per job under namespace. The key holds a random
// token and expires after the lease ttl, so a crashed holder frees the job by
// its next slot.
type RedisLocker struct {
	store     lockStore
	namespace string
}

func NewRedisLocker(store lockStore, namespace string) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("redis store required for job locks")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("lock namespace is required")
	}
	return &RedisLocker{store: store, namespace: namespace}, nil
}

func (l *RedisLocker) key(job string) string {
	return l.namespace + ":" + job
}

func (l *RedisLocker) TryLock(ctx context.Context, job string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", job)
	}
	key := l.key(job)
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", job, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{store: l.store, key: key, token: token}, nil
}

type redisLease struct {
	store lockStore
	key   string
	token string
}

// Release deletes the key only while it still carries this lease's token; an
// expired lease that another instance re-acquired is left alone.
func (l *redisLease) Release(ctx context.Context) error {
	if _, err := l.store.CompareAndDelete(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
