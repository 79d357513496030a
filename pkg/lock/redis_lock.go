// Package lock provides a Redis-backed mutual exclusion primitive shared by
// replicas of the bridge (environment cache creation, singleton background jobs).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gpubridge/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultTTL         = 30 * time.Second
	acquireTimeout     = 5 * time.Second
	renewInterval      = 10 * time.Second
	defaultPollBackoff = 200 * time.Millisecond
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// DistributedLock is held by at most one process at a time.
type DistributedLock interface {
	TryLock(ctx context.Context) (bool, error)
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// RedisLock implements DistributedLock with SET NX PX and token-checked release.
// A nil client degrades to a process-local lock.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu        sync.Mutex
	held      bool
	stopRenew chan struct{}
	local     chan struct{}
}

// NewRedisLock creates a lock for key. ttl <= 0 uses 30s.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	l := &RedisLock{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
	}
	if client == nil {
		l.local = make(chan struct{}, 1)
	}
	return l
}

// Key returns the redis key guarded by this lock.
func (l *RedisLock) Key() string {
	return l.key
}

// TryLock attempts to acquire the lock once.
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		select {
		case l.local <- struct{}{}:
			l.setHeld(true)
			return true, nil
		default:
			return false, nil
		}
	}

	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "lock %s held by another instance", l.key)
		return false, nil
	}

	l.mu.Lock()
	l.held = true
	l.stopRenew = make(chan struct{})
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renew(stop)
	return true, nil
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *RedisLock) Lock(ctx context.Context) error {
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultPollBackoff):
		}
	}
}

// Unlock releases the lock if this instance holds it.
func (l *RedisLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	l.mu.Unlock()

	if l.client == nil {
		<-l.local
		return nil
	}

	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if res == 0 {
		logger.WarnCtx(ctx, "lock %s expired or was taken over before release", l.key)
	}
	return nil
}

// IsHeld reports whether this instance currently believes it holds the lock.
func (l *RedisLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *RedisLock) setHeld(v bool) {
	l.mu.Lock()
	l.held = v
	l.mu.Unlock()
}

func (l *RedisLock) renew(stop <-chan struct{}) {
	interval := renewInterval
	if l.ttl/3 < interval {
		interval = l.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
			res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || res == 0 {
				logger.WarnCtx(context.Background(), "lock %s lost during renewal: %v", l.key, err)
				l.setHeld(false)
				return
			}
		}
	}
}

// ErrNotAcquired is returned by WithLock when another holder owns the lock.
var ErrNotAcquired = errors.New("lock not acquired")

// WithLock runs fn only if the lock can be taken without waiting.
func WithLock(ctx context.Context, l DistributedLock, fn func(ctx context.Context) error) error {
	ok, err := l.TryLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		if err := l.Unlock(context.Background()); err != nil {
			logger.WarnCtx(ctx, "failed to unlock: %v", err)
		}
	}()
	return fn(ctx)
}
