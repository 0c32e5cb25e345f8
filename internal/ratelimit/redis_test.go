package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, max int, window time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, max, window), mr
}

func TestRedisAdmitsUpToLimit(t *testing.T) {
	r, _ := newRedisLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := r.Allow(ctx, "key")
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if d.Remaining != 3-i-1 {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, 3-i-1)
		}
	}

	d := r.Allow(ctx, "key")
	if d.Allowed {
		t.Fatal("request over limit admitted")
	}
	if d.RetryAfter < 1 {
		t.Errorf("RetryAfter = %d, want >= 1", d.RetryAfter)
	}
}

func TestRedisWindowSlides(t *testing.T) {
	r, mr := newRedisLimiter(t, 1, time.Second)
	ctx := context.Background()

	if d := r.Allow(ctx, "key"); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d := r.Allow(ctx, "key"); d.Allowed {
		t.Fatal("second request admitted inside the window")
	}

	// Advance the wall clock past the window. miniredis expiry is
	// driven by FastForward, and the score cutoff by real time — so
	// sleep for the score math and fast-forward for the TTL.
	time.Sleep(1100 * time.Millisecond)
	mr.FastForward(2 * time.Second)

	if d := r.Allow(ctx, "key"); !d.Allowed {
		t.Fatal("request denied after the window slid")
	}
}

func TestRedisFailsOpen(t *testing.T) {
	r, mr := newRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	mr.Close()
	d := r.Allow(ctx, "key")
	if !d.Allowed {
		t.Fatal("unreachable backend must admit, not deny")
	}
}
