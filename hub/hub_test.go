package hub

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/vinayprograms/pulsekit/bridge"
	"github.com/vinayprograms/pulsekit/bus"
	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/notify"
	"github.com/vinayprograms/pulsekit/records"
	"github.com/vinayprograms/pulsekit/registry"
)

type env struct {
	bus     *bus.MemoryBus
	graph   *heartrate.MemoryGraph
	users   *heartrate.MemoryDirectory
	history *heartrate.MemoryHistory
	sent    *notify.MemorySubmitter
	deps    Deps
}

func newEnv() *env {
	e := &env{
		bus:     bus.NewMemoryBus(bus.DefaultConfig()),
		graph:   heartrate.NewMemoryGraph(),
		users:   heartrate.NewMemoryDirectory(),
		history: heartrate.NewMemoryHistory(time.Hour),
		sent:    notify.NewMemorySubmitter(),
	}
	e.deps = Deps{
		Bus:         e.bus,
		Graph:       e.graph,
		Users:       e.users,
		History:     e.history,
		Suppression: records.NewMemorySuppressionStore(),
		Matches:     records.NewMemoryMatchStore(),
		Notifier:    e.sent,
	}
	return e
}

func (e *env) hub(t *testing.T, instance string) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bridge.InstanceID = instance
	h, err := New(e.deps, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.OnShutdown(ctx)
	})
	return h
}

func recv(t *testing.T, c *registry.Consumer) heartrate.Info {
	t.Helper()
	select {
	case info, ok := <-c.Updates():
		if !ok {
			t.Fatal("consumer closed")
		}
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update")
		return heartrate.Info{}
	}
}

func expectNone(t *testing.T, c *registry.Consumer, wait time.Duration) {
	t.Helper()
	select {
	case info := <-c.Updates():
		t.Errorf("unexpected update %+v", info)
	case <-time.After(wait):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Unit Tests ---

func TestNew_MissingDependency(t *testing.T) {
	e := newEnv()
	e.deps.Notifier = nil
	cfg := DefaultConfig()
	cfg.Bridge.InstanceID = "n1"

	if _, err := New(e.deps, cfg); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("expected ErrMissingDependency, got %v", err)
	}
}

func TestNew_RequiresInstanceID(t *testing.T) {
	e := newEnv()
	if _, err := New(e.deps, DefaultConfig()); !errors.Is(err, bridge.ErrNoInstanceID) {
		t.Errorf("expected ErrNoInstanceID, got %v", err)
	}
}

func TestStart_Once(t *testing.T) {
	e := newEnv()
	h := e.hub(t, "n1")
	if err := h.Start(context.Background()); !errors.Is(err, bridge.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestIngest_DeliversLocally(t *testing.T) {
	e := newEnv()
	e.graph.Put(heartrate.Edge{SubscriptionID: "s1", OwnerUserID: "alice", SubscriberUserID: "bob"})
	h := e.hub(t, "n1")

	own, _ := h.Subscribe("alice")
	viewer, _ := h.Subscribe("bob")
	other, _ := h.Subscribe("carol")

	h.Ingest("alice", 72)

	if info := recv(t, own); !info.IsOwn || info.HeartRate != 72 || info.SubscriptionID != "" {
		t.Errorf("own update = %+v", info)
	}
	if info := recv(t, viewer); info.IsOwn || info.SubscriptionID != "s1" {
		t.Errorf("subscriber update = %+v", info)
	}
	expectNone(t, other, 50*time.Millisecond)

	// The publishing instance sees its own bus echo and must not redeliver.
	expectNone(t, own, 100*time.Millisecond)

	eventually(t, "status update", func() bool {
		_, ok := e.users.LastSeen("alice")
		return ok
	})
}

func TestIngest_RejectsInvalid(t *testing.T) {
	e := newEnv()
	h := e.hub(t, "n1")
	own, _ := h.Subscribe("alice")

	h.Ingest("", 72)
	h.Ingest("alice", math.NaN())
	h.Ingest("alice", math.Inf(1))

	expectNone(t, own, 100*time.Millisecond)
}

func TestIngest_CrossInstance(t *testing.T) {
	e := newEnv()
	e.graph.Put(heartrate.Edge{SubscriptionID: "s1", OwnerUserID: "alice", SubscriberUserID: "bob"})
	a := e.hub(t, "node-a")
	b := e.hub(t, "node-b")

	remoteViewer, _ := b.Subscribe("bob")
	a.Ingest("alice", 91)

	if info := recv(t, remoteViewer); info.HeartRate != 91 || info.SubscriptionID != "s1" {
		t.Errorf("remote update = %+v", info)
	}
}

func TestIngest_AbnormalAlert(t *testing.T) {
	e := newEnv()
	e.graph.Put(heartrate.Edge{SubscriptionID: "s1", OwnerUserID: "alice", SubscriberUserID: "bob"})
	h := e.hub(t, "n1")

	h.Ingest("alice", 210)
	eventually(t, "alert pair", func() bool { return len(e.sent.Requests()) == 2 })

	h.Ingest("alice", 215)
	time.Sleep(50 * time.Millisecond)
	if n := len(e.sent.Requests()); n != 2 {
		t.Errorf("requests = %d, want repeat alert suppressed", n)
	}
}

func TestIngest_Match(t *testing.T) {
	e := newEnv()
	e.graph.Put(heartrate.Edge{SubscriptionID: "ab", OwnerUserID: "alice", SubscriberUserID: "bob", NotifyOnMatch: true})
	e.graph.Put(heartrate.Edge{SubscriptionID: "ba", OwnerUserID: "bob", SubscriberUserID: "alice", NotifyOnMatch: true})
	plan := heartrate.Plan{Tier: heartrate.TierPremium, ExpiresAt: time.Now().Add(time.Hour)}
	e.users.SetPlan("alice", plan)
	e.users.SetPlan("bob", plan)
	e.history.Append("bob", heartrate.HistoryPoint{Value: 50, At: time.Now().Add(-5 * time.Second)})
	h := e.hub(t, "n1")

	h.Ingest("alice", 50.2)
	eventually(t, "match batch", func() bool { return len(e.sent.OfKind(notify.KindMatch)) == 1 })

	if ms := e.sent.OfKind(notify.KindMatch)[0].Matches; len(ms) != 2 {
		t.Errorf("matches = %+v, want both sides", ms)
	}
}

func TestUnsubscribe(t *testing.T) {
	e := newEnv()
	h := e.hub(t, "n1")
	c1, _ := h.Subscribe("alice")
	c2, _ := h.Subscribe("alice")

	h.Unsubscribe(c1)
	if _, ok := <-c1.Updates(); ok {
		t.Error("unsubscribed consumer should be closed")
	}
	if h.Consumers() != 1 {
		t.Errorf("Consumers = %d, want 1", h.Consumers())
	}

	h.Ingest("alice", 70)
	if info := recv(t, c2); info.HeartRate != 70 {
		t.Errorf("remaining consumer got %+v", info)
	}
}

func TestOnShutdown(t *testing.T) {
	e := newEnv()
	cfg := DefaultConfig()
	cfg.Bridge.InstanceID = "n1"
	h, _ := New(e.deps, cfg)
	h.Start(context.Background())
	c, _ := h.Subscribe("alice")

	if err := h.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown error: %v", err)
	}
	if _, ok := <-c.Updates(); ok {
		t.Error("consumers should be closed on shutdown")
	}

	h.Ingest("alice", 70)
	time.Sleep(20 * time.Millisecond)
	if _, ok := e.users.LastSeen("alice"); ok {
		t.Error("samples after shutdown should be dropped")
	}
	if err := h.OnShutdown(context.Background()); err != nil {
		t.Errorf("second OnShutdown = %v", err)
	}
}
