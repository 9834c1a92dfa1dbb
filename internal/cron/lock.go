package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// defaultLockTTL outlives one hourly cycle so a crashed worker frees the lock
// before the next tick.
const defaultLockTTL = 50 * time.Minute

// Lock gives one worker replica at a time the right to run a cycle.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type lockBackend interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ReleaseIfOwner(ctx context.Context, key, token string) (bool, error)
}

// RedisLock is a TTL lease keyed by a random token per acquisition.
type RedisLock struct {
	backend lockBackend
	key     string
	ttl     time.Duration
	token   string
	newTok  func() string
}

func NewRedisLock(backend lockBackend, key string, ttl time.Duration) (*RedisLock, error) {
	switch {
	case backend == nil:
		return nil, errors.New("cron lock: redis client required")
	case strings.TrimSpace(key) == "":
		return nil, errors.New("cron lock: key required")
	}
	return &RedisLock{
		backend: backend,
		key:     key,
		ttl:     cmpTTL(ttl),
		newTok:  uuid.NewString,
	}, nil
}

func cmpTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return defaultLockTTL
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := l.newTok()
	won, err := l.backend.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("cron lock %s: %w", l.key, err)
	}
	if won {
		l.token = token
	}
	return won, nil
}

// Release drops the lease if this instance still holds it. After expiry the
// key may belong to another replica, which is left untouched.
func (l *RedisLock) Release(ctx context.Context) error {
	token := l.token
	if token == "" {
		return nil
	}
	l.token = ""
	if _, err := l.backend.ReleaseIfOwner(ctx, l.key, token); err != nil {
		return fmt.Errorf("cron lock %s release: %w", l.key, err)
	}
	return nil
}
