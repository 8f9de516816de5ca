package heartrate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryGraph implements SubscriptionGraph in memory.
type MemoryGraph struct {
	mu    sync.RWMutex
	edges map[string]Edge // subscriptionID -> edge
	err   error
	calls int
}

// NewMemoryGraph creates an empty subscription graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{edges: make(map[string]Edge)}
}

// Put adds or replaces an edge.
func (g *MemoryGraph) Put(e Edge) {
	g.mu.Lock()
	g.edges[e.SubscriptionID] = e
	g.mu.Unlock()
}

// Remove deletes an edge by subscription id.
func (g *MemoryGraph) Remove(subscriptionID string) {
	g.mu.Lock()
	delete(g.edges, subscriptionID)
	g.mu.Unlock()
}

// FailWith makes every subsequent lookup return err. Pass nil to recover.
func (g *MemoryGraph) FailWith(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

// Calls returns how many lookups reached the graph.
func (g *MemoryGraph) Calls() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.calls
}

// FindSubscribers returns the edges owned by userID, ordered by subscription id.
func (g *MemoryGraph) FindSubscribers(ctx context.Context, userID string) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}

	var out []Edge
	for _, e := range g.edges {
		if e.OwnerUserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

// FindMutualSubscriptions joins userID's outgoing edges with their reciprocals.
func (g *MemoryGraph) FindMutualSubscriptions(ctx context.Context, userID string) ([]MutualPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}

	reverse := make(map[string]Edge)
	for _, e := range g.edges {
		if e.SubscriberUserID == userID {
			reverse[e.OwnerUserID] = e
		}
	}

	var out []MutualPair
	for _, e := range g.edges {
		if e.OwnerUserID != userID {
			continue
		}
		if r, ok := reverse[e.SubscriberUserID]; ok {
			out = append(out, MutualPair{Forward: e, Reverse: r})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Forward.SubscriberUserID < out[j].Forward.SubscriberUserID
	})
	return out, nil
}

// MemoryDirectory implements UserDirectory in memory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	names    map[string]string
	plans    map[string]Plan
	lastSeen map[string]time.Time
	err      error
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		names:    make(map[string]string),
		plans:    make(map[string]Plan),
		lastSeen: make(map[string]time.Time),
	}
}

// SetName sets a user's display name.
func (d *MemoryDirectory) SetName(userID, name string) {
	d.mu.Lock()
	d.names[userID] = name
	d.mu.Unlock()
}

// SetPlan sets a user's plan.
func (d *MemoryDirectory) SetPlan(userID string, p Plan) {
	d.mu.Lock()
	d.plans[userID] = p
	d.mu.Unlock()
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (d *MemoryDirectory) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// LastSeen returns the last recorded heart-rate time for userID.
func (d *MemoryDirectory) LastSeen(userID string) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.lastSeen[userID]
	return t, ok
}

// DisplayName returns the user's name, or the id when no name is set.
func (d *MemoryDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return "", d.err
	}
	if n, ok := d.names[userID]; ok {
		return n, nil
	}
	return userID, nil
}

// ActivePlan returns the stored plan; users without one have TierNone.
func (d *MemoryDirectory) ActivePlan(ctx context.Context, userID string) (Plan, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return Plan{}, d.err
	}
	if p, ok := d.plans[userID]; ok {
		return p, nil
	}
	return Plan{Tier: TierNone}, nil
}

// RecordLastHeartRateReceivedAt stores the timestamp.
func (d *MemoryDirectory) RecordLastHeartRateReceivedAt(ctx context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.lastSeen[userID] = at
	return nil
}

// MemoryHistory implements HistoryStore in memory with a retention bound.
type MemoryHistory struct {
	mu        sync.RWMutex
	points    map[string][]HistoryPoint
	retention time.Duration
	err       error
}

// NewMemoryHistory creates a history store keeping points for retention
// (0 keeps everything).
func NewMemoryHistory(retention time.Duration) *MemoryHistory {
	return &MemoryHistory{
		points:    make(map[string][]HistoryPoint),
		retention: retention,
	}
}

// Append records a reading and drops points older than the retention.
func (h *MemoryHistory) Append(userID string, p HistoryPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pts := append(h.points[userID], p)
	if h.retention > 0 {
		cutoff := p.At.Add(-h.retention)
		kept := pts[:0]
		for _, q := range pts {
			if !q.At.Before(cutoff) {
				kept = append(kept, q)
			}
		}
		pts = kept
	}
	h.points[userID] = pts
}

// FailWith makes every subsequent query return err. Pass nil to recover.
func (h *MemoryHistory) FailWith(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// RecentSamples returns readings at or after since.
func (h *MemoryHistory) RecentSamples(ctx context.Context, userID string, since time.Time) ([]HistoryPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.err != nil {
		return nil, h.err
	}

	var out []HistoryPoint
	for _, p := range h.points[userID] {
		if !p.At.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}
