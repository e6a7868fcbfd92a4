package cron

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string]string{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value.(string)
	return true, nil
}

func (m *memoryStore) DeleteIfEquals(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value, ok := m.data[key]; !ok || value != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *memoryStore) LockKey(name string) string { return "th:lock:" + name }

func TestRedisLocksAreScopedPerJob(t *testing.T) {
	store := newMemoryStore()
	locks, err := NewRedisLocks(store, "test", time.Minute)
	if err != nil {
		t.Fatalf("new locks: %v", err)
	}
	ctx := context.Background()

	holds := locks.For("reconcile-pending-holds")
	if ok, err := holds.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected holds lock acquired, got %v %v", ok, err)
	}
	if ok, _ := locks.For("reconcile-pending-holds").Acquire(ctx); ok {
		t.Fatalf("expected second worker to be locked out")
	}
	if ok, _ := locks.For("outbox-retention").Acquire(ctx); !ok {
		t.Fatalf("expected a different job to run concurrently")
	}
	if _, ok := store.data["th:lock:cron:test:reconcile-pending-holds"]; !ok {
		t.Fatalf("unexpected keys %v", store.data)
	}
}

func TestRedisLockReleaseKeepsForeignOwner(t *testing.T) {
	store := newMemoryStore()
	locks, _ := NewRedisLocks(store, "test", time.Minute)
	ctx := context.Background()

	lock := locks.For("auto-release-delivered")
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatalf("expected lock acquired")
	}
	key := "th:lock:cron:test:auto-release-delivered"
	store.data[key] = "someone-else"

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.data[key] != "someone-else" {
		t.Fatalf("expected foreign lock kept")
	}
}

func TestRedisLockReleaseSurvivesCanceledContext(t *testing.T) {
	store := newMemoryStore()
	locks, _ := NewRedisLocks(store, "test", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	lock := locks.For("outbox-retention")
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatalf("expected lock acquired")
	}
	cancel()
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(store.data) != 0 {
		t.Fatalf("expected key removed, got %v", store.data)
	}
}
