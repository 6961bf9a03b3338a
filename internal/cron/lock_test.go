package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryLockStore struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemoryLockStore() *memoryLockStore {
	return &memoryLockStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryLockStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryLockStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	if m.values[key] != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func TestRedisLockerLeasesAreExclusivePerJob(t *testing.T) {
	store := newMemoryLockStore()
	ctx := context.Background()
	instanceA, err := NewRedisLocker(store, "stl:lock:cron:test")
	require.NoError(t, err)
	instanceB, err := NewRedisLocker(store, "stl:lock:cron:test")
	require.NoError(t, err)

	lease, err := instanceA.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, time.Minute, store.ttls["stl:lock:cron:test:reconcile"])

	held, err := instanceB.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.Nil(t, held)

	other, err := instanceB.TryLock(ctx, "escrow-release", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other, "a different job must not be blocked")

	require.NoError(t, lease.Release(ctx))
	again, err := instanceB.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
}

func TestRedisLeaseReleaseKeepsForeignToken(t *testing.T) {
	store := newMemoryLockStore()
	ctx := context.Background()
	locker, err := NewRedisLocker(store, "ns")
	require.NoError(t, err)

	stale, err := locker.TryLock(ctx, "transfer-retry", time.Minute)
	require.NoError(t, err)
	// the lease expired and another instance took the job
	store.values["ns:transfer-retry"] = "someone-else"

	require.NoError(t, stale.Release(ctx))
	require.Equal(t, "someone-else", store.values["ns:transfer-retry"])
}

func TestNewRedisLockerValidates(t *testing.T) {
	_, err := NewRedisLocker(nil, "ns")
	require.Error(t, err)
	_, err = NewRedisLocker(newMemoryLockStore(), "  ")
	require.Error(t, err)

	locker, err := NewRedisLocker(newMemoryLockStore(), "ns")
	require.NoError(t, err)
	_, err = locker.TryLock(context.Background(), "job", 0)
	require.Error(t, err)
}
