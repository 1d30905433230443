package advisorylock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a crashed holder can block a tenant.
const DefaultRedisTTL = 2 * time.Minute

// RedisLocker implements Locker with bsm/redislock. A held lock is refreshed
// every TTL/3 until Release, so TTL only bounds how long a crashed holder
// blocks others, not how long schema creation may take.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string

	mu   sync.Mutex
	held map[int64]*redisHold
}

type redisHold struct {
	lock *redislock.Lock
	stop context.CancelFunc
	done chan struct{}
}

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(rdb redis.Scripter, ttl time.Duration, prefix string) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if prefix == "" {
		prefix = "tenantdb:lock:"
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		prefix: prefix,
		held:   make(map[int64]*redisHold),
	}
}

func (l *RedisLocker) keyName(key int64) string {
	return l.prefix + strconv.FormatInt(key, 10)
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}

	lock, err := l.client.Obtain(ctx, l.keyName(key), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obtain redis lock: %w", err)
	}

	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	hold := &redisHold{lock: lock, stop: stop, done: make(chan struct{})}
	go l.keepAlive(refreshCtx, hold)
	l.held[key] = hold
	return true, nil
}

// keepAlive extends the lock until stopped. It gives up once the lock is
// lost; Release then reports the expiry.
func (l *RedisLocker) keepAlive(ctx context.Context, hold *redisHold) {
	defer close(hold.done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hold.lock.Refresh(ctx, l.ttl, nil); errors.Is(err, redislock.ErrNotObtained) {
				return
			}
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, key int64) error {
	l.mu.Lock()
	hold, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("redis lock %d is not held", key)
	}
	hold.stop()
	<-hold.done

	if err := hold.lock.Release(ctx); err != nil {
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("redis lock %d expired before release: %w", key, err)
		}
		return fmt.Errorf("release redis lock: %w", err)
	}
	return nil
}
