package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	maxSecretFailures = 10
	failureWindow     = 15 * time.Minute
)

// attemptLimiter throttles repeated wrong-secret attempts per
// (environment, user) pair. The reply to a throttled caller is the same
// generic authentication failure as a wrong password.
type attemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

type redisLimiter struct {
	client *redis.Client
}

func newRedisLimiter(addr string) *redisLimiter {
	return &redisLimiter{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (l *redisLimiter) key(key string) string {
	return "envoix:secret-failures:" + key
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.client.Get(ctx, l.key(key)).Int64()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read failure count: %w", err)
	}
	return count < maxSecretFailures, nil
}

func (l *redisLimiter) RecordFailure(ctx context.Context, key string) error {
	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, l.key(key))
	pipe.Expire(ctx, l.key(key), failureWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (l *redisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("reset failure count: %w", err)
	}
	return nil
}

func (l *redisLimiter) Close() error {
	return l.client.Close()
}

// memoryLimiter is the single-process fallback used when no redis address is
// configured.
type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*failureState
	now     func() time.Time
}

type failureState struct {
	count     int
	windowEnd time.Time
}

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{
		entries: make(map[string]*failureState),
		now:     time.Now,
	}
}

func (l *memoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.entries[key]
	if !ok {
		return true, nil
	}
	if l.now().After(state.windowEnd) {
		delete(l.entries, key)
		return true, nil
	}
	return state.count < maxSecretFailures, nil
}

func (l *memoryLimiter) RecordFailure(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.entries[key]
	if !ok || l.now().After(state.windowEnd) {
		state = &failureState{}
		l.entries[key] = state
	}
	state.count++
	state.windowEnd = l.now().Add(failureWindow)
	return nil
}

func (l *memoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
