package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()

	allowed, retry, err := lim.Allow(context.Background(), "user-1", now)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("expected allow on first attempt")
	}

	allowed, retry, err = lim.Allow(context.Background(), "user-1", now)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("expected allow on second attempt")
	}

	allowed, retry, err = lim.Allow(context.Background(), "user-1", now)
	if err != nil || allowed {
		t.Fatalf("expected third attempt denied")
	}
	if retry <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}

	allowed, _, err = lim.Allow(context.Background(), "user-1", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterRetryAfterUsesCallerClock(t *testing.T) {
	lim := NewMemory(1, time.Minute)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	if allowed, _, _ := lim.Allow(context.Background(), "user-1", base); !allowed {
		t.Fatal("expected allow on first attempt")
	}

	allowed, retry, err := lim.Allow(context.Background(), "user-1", base.Add(40*time.Second))
	if err != nil || allowed {
		t.Fatalf("expected denial inside window")
	}
	if retry != 20*time.Second {
		t.Fatalf("retryAfter = %s, want 20s", retry)
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()

	if allowed, _, _ := lim.Allow(context.Background(), "user-1", now); !allowed {
		t.Fatal("expected allow for first user")
	}
	if allowed, _, _ := lim.Allow(context.Background(), "user-2", now); !allowed {
		t.Fatal("expected allow for second user")
	}
	if allowed, _, _ := lim.Allow(context.Background(), "user-1", now); allowed {
		t.Fatal("expected first user limited")
	}
}

func TestMemoryLimiterSweepsLapsedWindows(t *testing.T) {
	lim := NewMemory(1, time.Second)
	base := time.Now()

	for _, userID := range []string{"user-1", "user-2", "user-3"} {
		if allowed, _, _ := lim.Allow(context.Background(), userID, base); !allowed {
			t.Fatalf("expected allow for %s", userID)
		}
	}

	if allowed, _, _ := lim.Allow(context.Background(), "user-4", base.Add(2*time.Second)); !allowed {
		t.Fatal("expected allow after windows lapsed")
	}
	lim.mu.Lock()
	defer lim.mu.Unlock()
	if len(lim.windows) != 1 {
		t.Fatalf("lapsed windows not swept: %d remain", len(lim.windows))
	}
}
