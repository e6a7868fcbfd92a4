package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTTL     = 10 * time.Minute
	lockReleaseTimeout = 5 * time.Second
)

// Lock guards one job so only one worker sweeps at a time.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Locker hands out the lock for a job name.
type Locker interface {
	For(job string) Lock
}

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
	LockKey(name string) string
}

// RedisLocks keys one SETNX lock per job, so a slow outbox prune never holds
// back the pending hold sweep.
type RedisLocks struct {
	client redisStore
	scope  string
	ttl    time.Duration
}

// NewRedisLocks builds per-job locks under scope (usually the app env).
func NewRedisLocks(client redisStore, scope string, ttl time.Duration) (*RedisLocks, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if scope == "" {
		return nil, errors.New("lock scope is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocks{client: client, scope: scope, ttl: ttl}, nil
}

func (l *RedisLocks) For(job string) Lock {
	return &redisLock{
		client: l.client,
		key:    l.client.LockKey(fmt.Sprintf("cron:%s:%s", l.scope, job)),
		ttl:    l.ttl,
	}
}

type redisLock struct {
	client redisStore
	key    string
	ttl    time.Duration
	owner  string
}

func (l *redisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// Release deletes the key only while this worker still owns it. A lock that
// expired mid-run and was taken by another worker is left alone. Release
// outlives a canceled run context so shutdown does not strand the key.
func (l *redisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()

	owner := l.owner
	l.owner = ""
	if _, err := l.client.DeleteIfEquals(ctx, l.key, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
