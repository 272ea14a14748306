package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := NewLimiter(nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_LocalWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		r, err := l.Check(ctx, "rpm:k1", 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !r.Allowed || r.Remaining != 2-i {
			t.Fatalf("check %d: expected allowed with %d remaining, got %+v", i, 2-i, r)
		}
		*now = now.Add(10 * time.Second)
	}

	r, _ := l.Check(ctx, "rpm:k1", 3, time.Minute)
	if r.Allowed {
		t.Fatal("expected fourth request in the window to be refused")
	}
	// First request was at 12:00:00, now is 12:00:30.
	if r.RetryAfter != 30*time.Second {
		t.Errorf("expected retry after 30s, got %s", r.RetryAfter)
	}
	if !r.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("expected reset at %s, got %s", start.Add(time.Minute), r.ResetAt)
	}

	if r, _ := l.Check(ctx, "rpm:k2", 3, time.Minute); !r.Allowed {
		t.Error("expected other keys to have their own window")
	}

	*now = start.Add(time.Minute + time.Second)
	r, _ = l.Check(ctx, "rpm:k1", 3, time.Minute)
	if !r.Allowed {
		t.Fatal("expected request admitted once the oldest entry left the window")
	}
	if r.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", r.Remaining)
	}
}

func TestLimiter_RefusedRequestsNotRecorded(t *testing.T) {
	l, now := newTestLimiter(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	l.Check(ctx, "k", 1, time.Minute)
	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		if r, _ := l.Check(ctx, "k", 1, time.Minute); r.Allowed {
			t.Fatalf("expected refusal %d", i)
		}
	}
	*now = now.Add(55 * time.Second)
	if r, _ := l.Check(ctx, "k", 1, time.Minute); !r.Allowed {
		t.Error("expected refused requests not to extend the window")
	}
}

func TestLimiter_Sweep(t *testing.T) {
	l, now := newTestLimiter(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	l.Check(ctx, "idle", 10, time.Minute)
	*now = now.Add(2 * time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Check(ctx, "busy", 1<<20, time.Minute)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.local["idle"]; ok {
		t.Error("expected idle window swept")
	}
	if _, ok := l.local["busy"]; !ok {
		t.Error("expected active window kept")
	}
}

func TestLimiter_Nil(t *testing.T) {
	var l *Limiter
	r, err := l.Check(context.Background(), "k", 10, time.Minute)
	if err != nil || !r.Allowed || r.Remaining != 10 {
		t.Errorf("expected nil limiter to admit, got %+v (%v)", r, err)
	}
}
