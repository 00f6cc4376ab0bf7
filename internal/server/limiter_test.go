package server

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterLockout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	limiter := newMemoryLimiter()

	for i := 0; i < maxSecretFailures; i++ {
		allowed, err := limiter.Allow(ctx, "env|user")
		if err != nil || !allowed {
			t.Fatalf("attempt %d should be allowed, got allowed=%v err=%v", i, allowed, err)
		}
		if err := limiter.RecordFailure(ctx, "env|user"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	allowed, err := limiter.Allow(ctx, "env|user")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("expected lockout after %d failures", maxSecretFailures)
	}

	// Other keys are unaffected.
	allowed, err = limiter.Allow(ctx, "env|other")
	if err != nil || !allowed {
		t.Fatalf("unrelated key should be allowed, got allowed=%v err=%v", allowed, err)
	}
}

func TestMemoryLimiterWindowExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := time.Now()
	limiter := newMemoryLimiter()
	limiter.now = func() time.Time { return clock }

	for i := 0; i < maxSecretFailures; i++ {
		if err := limiter.RecordFailure(ctx, "env|user"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if allowed, _ := limiter.Allow(ctx, "env|user"); allowed {
		t.Fatal("expected lockout inside window")
	}

	clock = clock.Add(failureWindow + time.Second)
	allowed, err := limiter.Allow(ctx, "env|user")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatal("expired window must clear the lockout")
	}
}

func TestMemoryLimiterReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	limiter := newMemoryLimiter()

	for i := 0; i < maxSecretFailures; i++ {
		if err := limiter.RecordFailure(ctx, "env|user"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if err := limiter.Reset(ctx, "env|user"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	allowed, err := limiter.Allow(ctx, "env|user")
	if err != nil || !allowed {
		t.Fatalf("reset must clear the counter, got allowed=%v err=%v", allowed, err)
	}
}

func TestRedisLimiterKeyPrefix(t *testing.T) {
	t.Parallel()
	limiter := &redisLimiter{}
	if got := limiter.key("env|user"); got != "envoix:secret-failures:env|user" {
		t.Fatalf("unexpected key: %q", got)
	}
}
