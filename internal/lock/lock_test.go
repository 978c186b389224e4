package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLockerForTest(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		m.Close()
	})
	return m, NewRedisLocker(client, "lock_test")
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	m, l := newRedisLockerForTest(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "user-1", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := l.Acquire(ctx, "user-2", time.Minute); err != nil {
		t.Fatalf("other users must not contend: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Exists("lock_test:user-1") {
		t.Fatal("key should be deleted on release")
	}
	if _, err := l.Acquire(ctx, "user-1", time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	m, l := newRedisLockerForTest(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "user-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.FastForward(2 * time.Second)
	if _, err := l.Acquire(ctx, "user-1", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := stale(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !m.Exists("lock_test:user-1") {
		t.Fatal("stale release must not drop the new holder's lock")
	}
}

func TestRedisLockerNilClient(t *testing.T) {
	if _, err := NewRedisLocker(nil, "").Acquire(context.Background(), "k", time.Second); err == nil {
		t.Fatal("expected nil client error")
	}
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	release, err := l.Acquire(ctx, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "user-1", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := l.Acquire(ctx, "user-1", time.Minute); err != nil {
		t.Fatalf("expired lock should be reclaimable: %v", err)
	}
	_ = release(ctx)
	if _, err := l.Acquire(ctx, "user-1", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatal("stale release must not drop the new holder's lock")
	}
}
