package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64 // ns
}

func newFakeClock() *fakeClock { return &fakeClock{now: 1_000_000_000} }

func (c *fakeClock) NowUnixNano() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Nanoseconds()
}

type recordingBanner struct {
	mu     sync.Mutex
	calls  []string
	banned map[string]bool
}

func (b *recordingBanner) BlacklistIP(ip, reason string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, ip+":"+reason)
	if b.banned == nil {
		b.banned = make(map[string]bool)
	}
	b.banned[ip] = true
}

func (b *recordingBanner) IsBlacklisted(ip string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.banned[ip], "rate_limit_abuse"
}

func TestLimiter_AllowsWithinLimit(t *testing.T) {
	t.Parallel()
	l := New(WithConfig(Config{Window: time.Minute, CreatePerWindow: 3, ReadPerWindow: 3, AbuseMultiplier: 5}))

	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), "create", "1.2.3.4")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d: want allowed, got denied (count=%d limit=%d)", i, d.Count, d.Limit)
		}
	}
}

func TestLimiter_DeniesOverLimit(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l := New(WithClock(clock), WithConfig(Config{Window: time.Minute, CreatePerWindow: 2, ReadPerWindow: 2, AbuseMultiplier: 100}))

	l.Allow(context.Background(), "create", "1.2.3.4")
	l.Allow(context.Background(), "create", "1.2.3.4")
	// Third call in the same window is denied. Only cached denials
	// short-circuit, so this call reaches the store; advancing past the 1s
	// decision cache TTL also expires the cached "allowed" entry.
	clock.Advance(2 * time.Second)
	d, err := l.Allow(context.Background(), "create", "1.2.3.4")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("want denied on 3rd attempt, got allowed (count=%d limit=%d)", d.Count, d.Limit)
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l := New(WithClock(clock), WithConfig(Config{Window: time.Minute, CreatePerWindow: 1, ReadPerWindow: 1, AbuseMultiplier: 100}))

	d1, _ := l.Allow(context.Background(), "create", "1.2.3.4")
	if !d1.Allowed {
		t.Fatal("first attempt should be allowed")
	}
	clock.Advance(2 * time.Minute)
	d2, _ := l.Allow(context.Background(), "create", "1.2.3.4")
	if !d2.Allowed {
		t.Fatal("attempt in a new window should be allowed")
	}
}

func TestLimiter_DifferentOperationsDoNotShareWindow(t *testing.T) {
	t.Parallel()
	l := New(WithConfig(Config{Window: time.Minute, CreatePerWindow: 1, ReadPerWindow: 1, AbuseMultiplier: 100}))

	dc, _ := l.Allow(context.Background(), "create", "1.2.3.4")
	dr, _ := l.Allow(context.Background(), "read", "1.2.3.4")
	if !dc.Allowed || !dr.Allowed {
		t.Fatalf("create and read should each get their own window: create=%v read=%v", dc.Allowed, dr.Allowed)
	}
}

func TestLimiter_AbuseTriggersBan(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	banner := &recordingBanner{}
	l := New(
		WithClock(clock),
		WithBanner(banner),
		WithConfig(Config{Window: time.Minute, CreatePerWindow: 1, ReadPerWindow: 1, AbuseMultiplier: 3, BanDuration: time.Hour}),
	)

	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Second) // clear the decision cache each time
		l.Allow(context.Background(), "create", "9.9.9.9")
	}

	banner.mu.Lock()
	defer banner.mu.Unlock()
	if len(banner.calls) == 0 {
		t.Fatal("want at least one ban after exceeding abuse threshold")
	}
	for _, c := range banner.calls {
		if c != "9.9.9.9:rate_limit_abuse" {
			t.Fatalf("unexpected ban call %q", c)
		}
	}
}

func TestLimiter_ConcurrentAllow_CountsExactlyOncePerCall(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l := New(WithClock(clock), WithConfig(Config{Window: time.Minute, CreatePerWindow: 1000, ReadPerWindow: 1000, AbuseMultiplier: 1000}))

	const n = 64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := l.Allow(context.Background(), "create", "5.5.5.5")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	clock.Advance(2 * time.Second)
	d, _ := l.Allow(context.Background(), "create", "5.5.5.5")
	if d.Count != n+1 {
		t.Fatalf("final count = %d, want %d (no lost or double increments)", d.Count, n+1)
	}
}
