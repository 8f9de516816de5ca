// Package graph caches the owner → subscribers mapping read from the
// external subscription-graph store.
//
// The cache is a bounded LRU with idle eviction. Misses are fetched once per
// key no matter how many callers ask concurrently, and fetches run on a
// bounded pool so a slow store degrades throughput instead of piling up
// goroutines. Load never fails: a failed fetch serves the last good value
// (or an empty set) and is not retried before RetryBackoff has elapsed.
package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/metrics"
)

// ErrNilStore is returned when no subscription graph is supplied.
var ErrNilStore = errors.New("subscription graph store is required")

// Config configures the cache.
type Config struct {
	// Capacity is the maximum number of owners held.
	// Default: 10000
	Capacity int

	// IdleTTL evicts an entry that has not been read for this long.
	// Default: 10m
	IdleTTL time.Duration

	// RefreshAfter is how long a successful fetch is served before the
	// store is asked again. The old value remains the fallback if that
	// refresh fails.
	// Default: 1m
	RefreshAfter time.Duration

	// RetryBackoff is the minimum wait after a failed fetch before the
	// store is asked again for the same owner.
	// Default: 30s
	RetryBackoff time.Duration

	// FetchTimeout bounds a single store call.
	// Default: 5s
	FetchTimeout time.Duration

	// LoadWorkers bounds concurrent store calls.
	// Default: 16
	LoadWorkers int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:     10000,
		IdleTTL:      10 * time.Minute,
		RefreshAfter: time.Minute,
		RetryBackoff: 30 * time.Second,
		FetchTimeout: 5 * time.Second,
		LoadWorkers:  16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.RefreshAfter <= 0 {
		c.RefreshAfter = d.RefreshAfter
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.LoadWorkers <= 0 {
		c.LoadWorkers = d.LoadWorkers
	}
	return c
}

// entry is immutable apart from its access time. nextFetch is the refresh
// deadline after a success and the backoff deadline after a failure.
type entry struct {
	subscribers map[string]string
	ok          bool
	nextFetch   time.Time
	accessed    atomic.Int64
}

func newEntry(subs map[string]string, ok bool, nextFetch, now time.Time) *entry {
	e := &entry{subscribers: subs, ok: ok, nextFetch: nextFetch}
	e.accessed.Store(now.UnixNano())
	return e
}

func (e *entry) idle(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.Unix(0, e.accessed.Load())) > ttl
}

// Cache is the subscriber graph cache.
type Cache struct {
	store   heartrate.SubscriptionGraph
	config  Config
	log     *logging.Logger
	metrics *metrics.Metrics

	entries *lru.Cache[string, *entry]
	group   singleflight.Group
	sem     *semaphore.Weighted
	now     func() time.Time
}

// New creates a cache in front of store. log and m may be nil.
func New(store heartrate.SubscriptionGraph, cfg Config, log *logging.Logger, m *metrics.Metrics) (*Cache, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logging.Discard()
	}

	entries, err := lru.New[string, *entry](cfg.Capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		store:   store,
		config:  cfg,
		log:     log.WithComponent("graph"),
		metrics: m,
		entries: entries,
		sem:     semaphore.NewWeighted(int64(cfg.LoadWorkers)),
		now:     time.Now,
	}, nil
}

// Load returns the owner's subscribers keyed by subscription id. The map is
// shared and must not be modified. Never returns nil.
func (c *Cache) Load(ctx context.Context, ownerUserID string) map[string]string {
	now := c.now()

	if e, ok := c.entries.Get(ownerUserID); ok {
		if e.idle(now, c.config.IdleTTL) {
			c.entries.Remove(ownerUserID)
		} else {
			e.accessed.Store(now.UnixNano())
			if now.Before(e.nextFetch) {
				if e.ok {
					c.metrics.GraphLoad("hit")
				} else {
					c.metrics.GraphLoad("backoff")
				}
				return e.subscribers
			}
		}
	}

	c.metrics.GraphLoad("miss")
	v, _, _ := c.group.Do(ownerUserID, func() (interface{}, error) {
		return c.fetch(ctx, ownerUserID), nil
	})
	return v.(map[string]string)
}

// fetch performs one bounded store call and records the outcome.
func (c *Cache) fetch(ctx context.Context, ownerUserID string) map[string]string {
	// Shared by every waiter on this key, so one caller's cancellation
	// must not fail the others.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FetchTimeout)
	defer cancel()

	if err := c.sem.Acquire(fctx, 1); err != nil {
		return c.fail(ownerUserID, err)
	}
	edges, err := c.store.FindSubscribers(fctx, ownerUserID)
	c.sem.Release(1)
	if err != nil {
		return c.fail(ownerUserID, err)
	}

	subs := make(map[string]string, len(edges))
	for _, e := range edges {
		subs[e.SubscriptionID] = e.SubscriberUserID
	}
	now := c.now()
	c.entries.Add(ownerUserID, newEntry(subs, true, now.Add(c.config.RefreshAfter), now))
	return subs
}

// fail keeps serving the previous value during the backoff window.
func (c *Cache) fail(ownerUserID string, cause error) map[string]string {
	now := c.now()
	stale := map[string]string{}
	if prev, ok := c.entries.Peek(ownerUserID); ok && prev.subscribers != nil {
		stale = prev.subscribers
	}
	c.entries.Add(ownerUserID, newEntry(stale, false, now.Add(c.config.RetryBackoff), now))

	err := hrerrors.WrapWithCode(cause, hrerrors.ErrCodeUnavailable, "load subscribers",
		hrerrors.WithUserID(ownerUserID))
	c.metrics.GraphLoad("error")
	c.log.Warn("subscriber lookup failed, serving cached value", logging.Fields{
		"owner":       ownerUserID,
		"error":       err,
		"cached":      len(stale),
		"retry_after": c.config.RetryBackoff.String(),
	})
	return stale
}

// Invalidate drops the cached value for an owner so the next Load refetches.
func (c *Cache) Invalidate(ownerUserID string) {
	c.entries.Remove(ownerUserID)
	c.group.Forget(ownerUserID)
}

// Len returns the number of cached owners.
func (c *Cache) Len() int {
	return c.entries.Len()
}
