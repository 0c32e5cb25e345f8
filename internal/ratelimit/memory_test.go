package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryAdmitsUpToLimit(t *testing.T) {
	m := NewMemory(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := m.Allow(ctx, "key")
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if d.Limit != 3 || d.Remaining != 3-i-1 {
			t.Errorf("request %d: limit = %d remaining = %d, want 3, %d", i, d.Limit, d.Remaining, 3-i-1)
		}
	}

	d := m.Allow(ctx, "key")
	if d.Allowed {
		t.Fatal("request over limit admitted")
	}
	if d.RetryAfter < 1 {
		t.Errorf("RetryAfter = %d, want >= 1", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m := NewMemory(1, time.Minute)
	ctx := context.Background()

	if d := m.Allow(ctx, "a"); !d.Allowed {
		t.Fatal("first request on key a denied")
	}
	if d := m.Allow(ctx, "a"); d.Allowed {
		t.Fatal("second request on key a admitted")
	}
	if d := m.Allow(ctx, "b"); !d.Allowed {
		t.Fatal("key b throttled by key a's traffic")
	}
}

func TestMemoryForgetsIdleKeys(t *testing.T) {
	m := NewMemory(1, 50*time.Millisecond)
	ctx := context.Background()

	m.Allow(ctx, "a")
	m.Allow(ctx, "b")

	// both keys go silent for a full window; the next check sweeps them
	time.Sleep(60 * time.Millisecond)
	m.Allow(ctx, "c")

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.hits) != 1 {
		t.Fatalf("tracked keys = %d, want 1 (idle keys swept)", len(m.hits))
	}
	if _, ok := m.hits["c"]; !ok {
		t.Error("active key c swept along with the idle ones")
	}
}

func TestMemoryWindowSlides(t *testing.T) {
	m := NewMemory(1, 50*time.Millisecond)
	ctx := context.Background()

	if d := m.Allow(ctx, "key"); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d := m.Allow(ctx, "key"); d.Allowed {
		t.Fatal("second request admitted inside the window")
	}

	time.Sleep(60 * time.Millisecond)
	if d := m.Allow(ctx, "key"); !d.Allowed {
		t.Fatal("request denied after the window slid")
	}
}
