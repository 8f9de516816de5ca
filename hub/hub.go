// Package hub assembles the ingestion core and exposes its two entry points:
// Ingest, which feeds a locally received reading through the pipeline, and
// Subscribe, which opens a live feed for a viewer.
//
// Every ingested sample runs on its own goroutine through the handlers
// publish → deliver → status → anomaly → match. Ingest never reports
// downstream failures to its caller; they are logged and counted where they
// happen.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vinayprograms/pulsekit/anomaly"
	"github.com/vinayprograms/pulsekit/bridge"
	"github.com/vinayprograms/pulsekit/bus"
	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/graph"
	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/match"
	"github.com/vinayprograms/pulsekit/metrics"
	"github.com/vinayprograms/pulsekit/notify"
	"github.com/vinayprograms/pulsekit/pipeline"
	"github.com/vinayprograms/pulsekit/records"
	"github.com/vinayprograms/pulsekit/registry"
	"github.com/vinayprograms/pulsekit/telemetry"
)

// ErrMissingDependency is returned when a required collaborator is nil.
var ErrMissingDependency = errors.New("hub dependency missing")

// Deps are the collaborators the hub consumes.
type Deps struct {
	Bus         bus.MessageBus
	Graph       heartrate.SubscriptionGraph
	Users       heartrate.UserDirectory
	History     heartrate.HistoryStore
	Suppression records.SuppressionStore
	Matches     records.MatchStore
	Notifier    notify.Submitter

	// Optional.
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer
}

func (d Deps) validate() error {
	missing := func(name string) error {
		return hrerrors.WrapWithCode(ErrMissingDependency, hrerrors.ErrCodeInvalidInput, name)
	}
	switch {
	case d.Bus == nil:
		return missing("bus")
	case d.Graph == nil:
		return missing("subscription graph")
	case d.Users == nil:
		return missing("user directory")
	case d.History == nil:
		return missing("history store")
	case d.Suppression == nil:
		return missing("suppression store")
	case d.Matches == nil:
		return missing("match store")
	case d.Notifier == nil:
		return missing("notification submitter")
	}
	return nil
}

// Config groups the per-component configuration.
type Config struct {
	Registry registry.Config
	Graph    graph.Config
	Bridge   bridge.Config
	Anomaly  anomaly.Config
	Match    match.Config
}

// DefaultConfig returns every component's defaults. Bridge.InstanceID must
// still be set.
func DefaultConfig() Config {
	return Config{
		Registry: registry.DefaultConfig(),
		Graph:    graph.DefaultConfig(),
		Bridge:   bridge.DefaultConfig(),
		Anomaly:  anomaly.DefaultConfig(),
		Match:    match.DefaultConfig(),
	}
}

// Hub is one instance of the ingestion core.
type Hub struct {
	log      *logging.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	graph    *graph.Cache
	bridge   *bridge.Bridge
	pipeline *pipeline.Pipeline
	now      func() time.Time

	// base outlives individual Ingest calls; it is canceled only when
	// shutdown gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

// New wires the components together.
func New(deps Deps, cfg Config) (*Hub, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}
	m := deps.Metrics

	reg := registry.New(cfg.Registry, log, m)
	cache, err := graph.New(deps.Graph, cfg.Graph, log, m)
	if err != nil {
		return nil, err
	}
	br, err := bridge.New(cfg.Bridge, deps.Bus, reg, cache, log, m)
	if err != nil {
		return nil, err
	}
	abnormal, err := anomaly.New(cfg.Anomaly, deps.Suppression, cache, deps.Users, deps.Notifier, log)
	if err != nil {
		return nil, err
	}
	matcher, err := match.New(cfg.Match, deps.Graph, deps.History, deps.Users, deps.Matches, deps.Notifier, log)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(log, m, deps.Tracer,
		pipeline.NewPublishHandler(br),
		pipeline.NewDeliverHandler(cache, reg),
		pipeline.NewStatusHandler(deps.Users),
		abnormal,
		matcher,
	)

	base, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:      log.WithComponent("hub"),
		metrics:  m,
		registry: reg,
		graph:    cache,
		bridge:   br,
		pipeline: p,
		now:      time.Now,
		base:     base,
		cancel:   cancel,
	}, nil
}

// InstanceID returns the id this instance stamps on bus messages.
func (h *Hub) InstanceID() string {
	return h.bridge.InstanceID()
}

// Start begins receiving samples from other instances. It may be called
// once.
func (h *Hub) Start(ctx context.Context) error {
	return h.bridge.Start(ctx)
}

// Ingest feeds a reading from ownerUserID into the pipeline and returns
// immediately. Invalid readings are logged and dropped.
func (h *Hub) Ingest(ownerUserID string, value float64) {
	s := heartrate.Sample{OwnerUserID: ownerUserID, Value: value, ObservedAt: h.now()}
	if err := s.Validate(); err != nil {
		h.metrics.SampleRejected()
		h.log.WithUser(ownerUserID).Warn("rejecting sample", logging.Fields{
			"error": hrerrors.InvalidInput("ingest", hrerrors.WithCause(err), hrerrors.WithUserID(ownerUserID)).Error(),
		})
		return
	}

	h.mu.RLock()
	if h.closing {
		h.mu.RUnlock()
		h.log.WithUser(ownerUserID).Debug("dropping sample during shutdown")
		return
	}
	h.inflight.Add(1)
	h.mu.RUnlock()

	h.metrics.SampleIngested()
	go h.run(s)
}

func (h *Hub) run(s heartrate.Sample) {
	defer h.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			h.log.WithUser(s.OwnerUserID).Error("pipeline panicked", logging.Fields{
				"error": hrerrors.RecoverPanic(r).Error(),
			})
		}
	}()
	_ = h.pipeline.Run(h.base, s)
}

// Subscribe opens a live feed for userID.
func (h *Hub) Subscribe(userID string) (*registry.Consumer, error) {
	return h.registry.Subscribe(userID)
}

// Unsubscribe closes a feed. It only affects c.
func (h *Hub) Unsubscribe(c *registry.Consumer) {
	h.registry.Unsubscribe(c)
}

// Invalidate drops the cached subscribers of ownerUserID, for use when the
// subscription graph changes.
func (h *Hub) Invalidate(ownerUserID string) {
	h.graph.Invalidate(ownerUserID)
}

// Consumers returns the number of live feeds in this instance.
func (h *Hub) Consumers() int {
	return h.registry.Len()
}

// OnShutdown stops accepting samples, waits for in-flight pipelines, then
// stops the bridge and closes every feed.
func (h *Hub) OnShutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		h.cancel()
		errs = append(errs, hrerrors.WrapWithCode(ctx.Err(), hrerrors.ErrCodeTimeout, "waiting for in-flight samples"))
	}

	if err := h.bridge.Stop(); err != nil && !errors.Is(err, bridge.ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := h.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	h.cancel()

	h.log.Info("hub stopped", logging.Fields{"errors": len(errs)})
	return hrerrors.Join(errs...)
}
