// Package lock provides mutual exclusion for document keys and pipeline runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another worker")

// Locker acquires named locks. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// renewScript pushes the expiry out only if the key still holds our token.
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`

// RedisLocker holds locks as SETNX keys with a TTL so a crashed worker never
// blocks a key forever. While a lock is held its TTL is renewed every
// ttl/3, so runs longer than the TTL keep their lock.
type RedisLocker struct {
	client     redis.Cmdable
	prefix     string
	ttl        time.Duration
	renewEvery time.Duration
	newToken   func() string
	onLost     func(key string)
}

func NewRedisLocker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		renewEvery: ttl / 3,
		newToken:   uuid.NewString,
		onLost: func(key string) {
			slog.Warn("Lock expired or was taken over while held.", "key", key)
		},
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	full := l.prefix + key
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", full, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	renewCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(renewCtx, full, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			// Release with a fresh context so a cancelled run still frees the key.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.client.Eval(rctx, releaseScript, []string{full}, token).Err()
		})
	}, nil
}

// keepAlive renews the key until ctx is cancelled or the key no longer
// carries token.
func (l *RedisLocker) keepAlive(ctx context.Context, full, token string) {
	if l.renewEvery <= 0 {
		return
	}
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := l.client.Eval(ctx, renewScript, []string{full}, token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Failed to renew lock.", "key", full, "error", err)
			continue
		}
		if n == 0 {
			l.onLost(full)
			return
		}
	}
}

// LocalLocker serializes keys within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, ErrNotAcquired
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
