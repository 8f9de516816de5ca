// Package bridge carries samples between instances over the message bus.
//
// Every locally ingested sample is published once. Each instance listens on
// the same subject and delivers foreign samples to its own viewers. Echoes
// of its own publications and messages older than the staleness window are
// dropped. Bus-delivered samples only reach local consumers: they are never
// republished and never run through the handler pipeline.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/pulsekit/bus"
	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/metrics"
)

// Common errors.
var (
	ErrNoInstanceID   = errors.New("instance id is required")
	ErrAlreadyStarted = errors.New("bridge already started")
	ErrNotStarted     = errors.New("bridge not started")
	ErrStopped        = errors.New("bridge stopped")
)

// Deliverer pushes a reading to the owner's and subscribers' local consumers.
type Deliverer interface {
	Deliver(ownerUserID string, value float64, subscribers map[string]string) int
}

// SubscriberLoader resolves an owner's subscribers.
type SubscriberLoader interface {
	Load(ctx context.Context, ownerUserID string) map[string]string
}

// Config configures a bridge.
type Config struct {
	// Subject is the shared channel every instance publishes to.
	// Default: "heartrate.samples"
	Subject string

	// InstanceID identifies this process. Required.
	InstanceID string

	// Staleness drops received messages observed longer ago than this.
	// Default: 5s
	Staleness time.Duration

	// Workers is the number of goroutines handling received messages.
	// Default: 8
	Workers int
}

// DefaultConfig returns configuration with sensible defaults. InstanceID is
// left empty.
func DefaultConfig() Config {
	return Config{
		Subject:   "heartrate.samples",
		Staleness: 5 * time.Second,
		Workers:   8,
	}
}

// Bridge publishes local samples and delivers remote ones.
type Bridge struct {
	config  Config
	bus     bus.MessageBus
	deliver Deliverer
	graph   SubscriberLoader
	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	sub     bus.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped atomic.Bool
}

// New creates a bridge. Nothing is received until Start.
func New(cfg Config, mb bus.MessageBus, d Deliverer, g SubscriberLoader, log *logging.Logger, m *metrics.Metrics) (*Bridge, error) {
	if cfg.InstanceID == "" {
		return nil, ErrNoInstanceID
	}
	def := DefaultConfig()
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if err := bus.ValidateSubject(cfg.Subject); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}

	return &Bridge{
		config:  cfg,
		bus:     mb,
		deliver: d,
		graph:   g,
		log:     log.WithComponent("bridge"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// InstanceID returns the id stamped on published messages.
func (b *Bridge) InstanceID() string {
	return b.config.InstanceID
}

// Publish sends a locally ingested sample to the other instances.
func (b *Bridge) Publish(ctx context.Context, s heartrate.Sample) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(FromSample(s, b.config.InstanceID))
	if err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeInvalidInput, "encode sample",
			hrerrors.WithUserID(s.OwnerUserID))
	}
	if err := b.bus.Publish(b.config.Subject, data); err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "publish sample",
			hrerrors.WithUserID(s.OwnerUserID))
	}
	b.metrics.BusPublished()
	return nil
}

// Start subscribes to the shared subject and starts the workers. It can be
// called once; later calls return ErrAlreadyStarted.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped.Load() {
		return ErrStopped
	}
	if b.started {
		return ErrAlreadyStarted
	}

	sub, err := b.bus.Subscribe(b.config.Subject)
	if err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "subscribe "+b.config.Subject)
	}
	b.sub = sub
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.config.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, sub.Messages())
	}

	b.log.Info("listening", logging.Fields{
		"subject":  b.config.Subject,
		"instance": b.config.InstanceID,
		"workers":  b.config.Workers,
	})
	return nil
}

// Stop unsubscribes and waits for in-flight messages to finish.
func (b *Bridge) Stop() error {
	if b.stopped.Swap(true) {
		return nil
	}
	b.mu.Lock()
	sub, cancel := b.sub, b.cancel
	b.mu.Unlock()

	if sub == nil {
		return ErrNotStarted
	}
	err := sub.Unsubscribe()
	cancel()
	b.wg.Wait()
	b.log.Info("stopped", logging.Fields{"dropped": sub.Dropped()})
	return err
}

func (b *Bridge) worker(ctx context.Context, msgs <-chan *bus.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.receive(ctx, msg.Data)
		}
	}
}

// receive handles one payload from the bus. Nothing here can fail the loop.
func (b *Bridge) receive(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("receive panicked", logging.Fields{"error": hrerrors.RecoverPanic(r).Error()})
		}
	}()

	m, err := Decode(data)
	if err != nil {
		b.metrics.BusReceived(metrics.BusMalformed)
		b.log.Warn("dropping malformed message", logging.Fields{
			"error": hrerrors.WrapWithCode(err, hrerrors.ErrCodeCorruption, "decode").Error(),
			"bytes": len(data),
		})
		return
	}
	if m.PublisherInstanceID == b.config.InstanceID {
		b.metrics.BusReceived(metrics.BusEcho)
		return
	}
	if err := b.checkFresh(m); err != nil {
		b.metrics.BusReceived(metrics.BusStale)
		b.log.WithUser(m.OwnerUserID).Debug("dropping stale message", logging.Fields{
			"error":     err.Error(),
			"publisher": m.PublisherInstanceID,
		})
		return
	}

	b.metrics.BusReceived(metrics.BusDelivered)
	subs := b.graph.Load(ctx, m.OwnerUserID)
	b.deliver.Deliver(m.OwnerUserID, float64(m.Value), subs)
}

// checkFresh returns a STALE error when m was observed longer ago than the
// staleness window.
func (b *Bridge) checkFresh(m *Message) error {
	if age := b.now().Sub(m.ObservedAt()); age > b.config.Staleness {
		return hrerrors.New(hrerrors.ErrCodeStale,
			fmt.Sprintf("observed %s ago, window %s", age.Round(time.Millisecond), b.config.Staleness),
			hrerrors.WithUserID(m.OwnerUserID))
	}
	return nil
}
