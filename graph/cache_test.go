package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/pulsekit/heartrate"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, store heartrate.SubscriptionGraph, cfg Config) (*Cache, *fakeClock) {
	t.Helper()
	c, err := New(store, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, clock
}

func seededGraph() *heartrate.MemoryGraph {
	g := heartrate.NewMemoryGraph()
	g.Put(heartrate.Edge{SubscriptionID: "s1", OwnerUserID: "alice", SubscriberUserID: "bob"})
	g.Put(heartrate.Edge{SubscriptionID: "s2", OwnerUserID: "alice", SubscriberUserID: "carol"})
	return g
}

// --- Unit Tests ---

func TestNew_NilStore(t *testing.T) {
	if _, err := New(nil, DefaultConfig(), nil, nil); err != ErrNilStore {
		t.Errorf("expected ErrNilStore, got %v", err)
	}
}

func TestLoad_MissThenHit(t *testing.T) {
	g := seededGraph()
	c, _ := newTestCache(t, g, DefaultConfig())
	ctx := context.Background()

	subs := c.Load(ctx, "alice")
	if len(subs) != 2 || subs["s1"] != "bob" || subs["s2"] != "carol" {
		t.Fatalf("unexpected subscribers: %v", subs)
	}

	c.Load(ctx, "alice")
	c.Load(ctx, "alice")
	if g.Calls() != 1 {
		t.Errorf("store calls = %d, want 1", g.Calls())
	}
}

func TestLoad_UnknownOwnerIsEmptyNotNil(t *testing.T) {
	c, _ := newTestCache(t, heartrate.NewMemoryGraph(), DefaultConfig())
	subs := c.Load(context.Background(), "nobody")
	if subs == nil || len(subs) != 0 {
		t.Errorf("expected empty non-nil map, got %#v", subs)
	}
}

func TestLoad_FailureBacksOff(t *testing.T) {
	g := seededGraph()
	g.FailWith(errors.New("store down"))
	c, clock := newTestCache(t, g, Config{RetryBackoff: 30 * time.Second})
	ctx := context.Background()

	if subs := c.Load(ctx, "alice"); len(subs) != 0 {
		t.Errorf("failed fetch should yield empty map, got %v", subs)
	}

	// Within backoff: no new store call.
	clock.Advance(10 * time.Second)
	c.Load(ctx, "alice")
	if g.Calls() != 1 {
		t.Errorf("store calls = %d during backoff, want 1", g.Calls())
	}

	// After backoff the store is retried and recovery is cached.
	g.FailWith(nil)
	clock.Advance(25 * time.Second)
	if subs := c.Load(ctx, "alice"); len(subs) != 2 {
		t.Errorf("expected recovery after backoff, got %v", subs)
	}
	if g.Calls() != 2 {
		t.Errorf("store calls = %d, want 2", g.Calls())
	}
}

func TestLoad_ServesStaleDuringBackoff(t *testing.T) {
	g := seededGraph()
	c, clock := newTestCache(t, g, Config{
		RefreshAfter: time.Minute,
		RetryBackoff: 30 * time.Second,
		IdleTTL:      time.Hour,
	})
	ctx := context.Background()

	c.Load(ctx, "alice")

	// Refresh is due but the store is down: last good value is served.
	g.FailWith(errors.New("down"))
	clock.Advance(2 * time.Minute)
	if subs := c.Load(ctx, "alice"); len(subs) != 2 {
		t.Fatalf("expected last good value, got %v", subs)
	}
	if g.Calls() != 2 {
		t.Errorf("store calls = %d, want 2", g.Calls())
	}

	// Still within backoff: stale value, no new call.
	clock.Advance(10 * time.Second)
	if subs := c.Load(ctx, "alice"); len(subs) != 2 {
		t.Errorf("expected stale value during backoff, got %v", subs)
	}
	if g.Calls() != 2 {
		t.Errorf("store calls = %d during backoff, want 2", g.Calls())
	}
}

func TestLoad_RefreshAfter(t *testing.T) {
	g := seededGraph()
	c, clock := newTestCache(t, g, Config{RefreshAfter: time.Minute, IdleTTL: time.Hour})
	ctx := context.Background()

	c.Load(ctx, "alice")
	g.Remove("s2")

	clock.Advance(30 * time.Second)
	if subs := c.Load(ctx, "alice"); len(subs) != 2 {
		t.Errorf("fresh entry should be served from cache, got %v", subs)
	}

	clock.Advance(time.Minute)
	if subs := c.Load(ctx, "alice"); len(subs) != 1 {
		t.Errorf("expected refreshed value, got %v", subs)
	}
}

func TestLoad_IdleEviction(t *testing.T) {
	g := seededGraph()
	c, clock := newTestCache(t, g, Config{IdleTTL: time.Minute, RefreshAfter: time.Hour})
	ctx := context.Background()

	c.Load(ctx, "alice")
	clock.Advance(30 * time.Second)
	c.Load(ctx, "alice") // refreshes access time
	clock.Advance(45 * time.Second)
	c.Load(ctx, "alice")
	if g.Calls() != 1 {
		t.Errorf("recently read entry should stay cached, calls = %d", g.Calls())
	}

	clock.Advance(2 * time.Minute)
	c.Load(ctx, "alice")
	if g.Calls() != 2 {
		t.Errorf("idle entry should be refetched, calls = %d", g.Calls())
	}
}

func TestLoad_CapacityBound(t *testing.T) {
	g := heartrate.NewMemoryGraph()
	c, _ := newTestCache(t, g, Config{Capacity: 2})
	ctx := context.Background()

	for _, u := range []string{"a", "b", "c", "d"} {
		c.Load(ctx, u)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestInvalidate(t *testing.T) {
	g := seededGraph()
	c, _ := newTestCache(t, g, DefaultConfig())
	ctx := context.Background()

	c.Load(ctx, "alice")
	g.Put(heartrate.Edge{SubscriptionID: "s3", OwnerUserID: "alice", SubscriberUserID: "dave"})
	c.Invalidate("alice")

	if subs := c.Load(ctx, "alice"); len(subs) != 3 {
		t.Errorf("expected refetch after Invalidate, got %v", subs)
	}
}

// --- Concurrency ---

// gatedGraph blocks FindSubscribers until released.
type gatedGraph struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedGraph) FindSubscribers(ctx context.Context, userID string) ([]heartrate.Edge, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []heartrate.Edge{{SubscriptionID: "s1", OwnerUserID: userID, SubscriberUserID: "bob"}}, nil
}

func (g *gatedGraph) FindMutualSubscriptions(ctx context.Context, userID string) ([]heartrate.MutualPair, error) {
	return nil, nil
}

func TestLoad_SingleFlight(t *testing.T) {
	g := &gatedGraph{release: make(chan struct{})}
	c, _ := newTestCache(t, g, DefaultConfig())

	const callers = 10
	var wg sync.WaitGroup
	results := make([]map[string]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Load(context.Background(), "alice")
		}(i)
	}

	// Let callers pile up on the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(g.release)
	wg.Wait()

	if n := g.calls.Load(); n != 1 {
		t.Errorf("store calls = %d, want 1", n)
	}
	for i, r := range results {
		if r["s1"] != "bob" {
			t.Errorf("caller %d got %v", i, r)
		}
	}
}

func TestLoad_FetchTimeout(t *testing.T) {
	g := &gatedGraph{release: make(chan struct{})}
	c, _ := newTestCache(t, g, Config{FetchTimeout: 20 * time.Millisecond})

	start := time.Now()
	subs := c.Load(context.Background(), "alice")
	if len(subs) != 0 {
		t.Errorf("timed-out fetch should yield empty map, got %v", subs)
	}
	if time.Since(start) > time.Second {
		t.Error("Load should be bounded by FetchTimeout")
	}
}
