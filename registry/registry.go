package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/metrics"
)

// Common errors.
var (
	ErrInvalidUser    = errors.New("invalid user id")
	ErrClosed         = errors.New("registry closed")
	ErrConsumerClosed = errors.New("consumer closed")
	ErrBackpressure   = errors.New("consumer buffer full")
)

// Config configures the registry.
type Config struct {
	// BufferSize is the per-consumer channel capacity.
	// Default: 64
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 64}
}

// Consumer is one open live feed. Updates yields readings until the consumer
// is closed; a closed consumer cannot be restarted.
type Consumer struct {
	id     string
	userID string
	reg    *Registry

	mu     sync.RWMutex
	ch     chan heartrate.Info
	closed bool
}

// ID returns the consumer's unique id.
func (c *Consumer) ID() string { return c.id }

// UserID returns the user the consumer is registered under.
func (c *Consumer) UserID() string { return c.userID }

// Updates returns the channel of delivered readings. It is closed when the
// consumer is unsubscribed.
func (c *Consumer) Updates() <-chan heartrate.Info { return c.ch }

// Close unsubscribes the consumer. Safe to call more than once.
func (c *Consumer) Close() error {
	c.reg.Unsubscribe(c)
	return nil
}

// push attempts a non-blocking send.
func (c *Consumer) push(info heartrate.Info) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConsumerClosed
	}
	select {
	case c.ch <- info:
		return nil
	default:
		return ErrBackpressure
	}
}

// shut marks the consumer closed and closes its channel. Returns false if it
// was already closed.
func (c *Consumer) shut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.ch)
	return true
}

// bucket holds the consumers of one user.
type bucket struct {
	mu        sync.Mutex
	consumers atomic.Pointer[[]*Consumer]
	retired   bool // guarded by mu
}

func (b *bucket) snapshot() []*Consumer {
	if p := b.consumers.Load(); p != nil {
		return *p
	}
	return nil
}

// Registry is the local subscription registry.
type Registry struct {
	config  Config
	log     *logging.Logger
	metrics *metrics.Metrics

	buckets sync.Map // userID -> *bucket
	size    atomic.Int64
	closed  atomic.Bool
}

// New creates a registry. log and m may be nil.
func New(cfg Config, log *logging.Logger, m *metrics.Metrics) *Registry {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{
		config:  cfg,
		log:     log.WithComponent("registry"),
		metrics: m,
	}
}

// Subscribe registers a new consumer under userID.
func (r *Registry) Subscribe(userID string) (*Consumer, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}

	c := &Consumer{
		id:     uuid.NewString(),
		userID: userID,
		reg:    r,
		ch:     make(chan heartrate.Info, r.config.BufferSize),
	}

	for {
		v, _ := r.buckets.LoadOrStore(userID, &bucket{})
		b := v.(*bucket)

		b.mu.Lock()
		if b.retired {
			b.mu.Unlock()
			continue
		}
		old := b.snapshot()
		next := make([]*Consumer, len(old), len(old)+1)
		copy(next, old)
		next = append(next, c)
		b.consumers.Store(&next)
		b.mu.Unlock()
		break
	}

	r.size.Add(1)
	r.metrics.ConsumerAdded()

	// Close may have finished its sweep between the check above and the
	// insert; nothing else would ever close this consumer.
	if r.closed.Load() {
		r.Unsubscribe(c)
		return nil, ErrClosed
	}

	r.log.Debug("consumer subscribed", logging.Fields{"user": userID, "consumer": c.id})
	return c, nil
}

// Unsubscribe removes exactly this consumer. Idempotent.
func (r *Registry) Unsubscribe(c *Consumer) {
	if c == nil || !c.shut() {
		return
	}

	r.size.Add(-1)
	r.metrics.ConsumerRemoved()

	v, ok := r.buckets.Load(c.userID)
	if !ok {
		return
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.snapshot()
	next := make([]*Consumer, 0, len(old))
	for _, existing := range old {
		if existing != c {
			next = append(next, existing)
		}
	}
	if len(next) == 0 {
		b.retired = true
		b.consumers.Store(nil)
		r.buckets.CompareAndDelete(c.userID, b)
		return
	}
	b.consumers.Store(&next)
}

// Deliver pushes an owner's reading to the owner's own consumers and to the
// consumers of each subscriber. subscribers maps subscription id to
// subscriber user id. Returns the number of successful pushes.
func (r *Registry) Deliver(ownerUserID string, value float64, subscribers map[string]string) int {
	delivered := r.pushAll(ownerUserID, heartrate.Info{HeartRate: value, IsOwn: true})

	for subscriptionID, subscriberID := range subscribers {
		delivered += r.pushAll(subscriberID, heartrate.Info{
			SubscriptionID: subscriptionID,
			HeartRate:      value,
		})
	}
	return delivered
}

func (r *Registry) pushAll(userID string, info heartrate.Info) int {
	v, ok := r.buckets.Load(userID)
	if !ok {
		return 0
	}

	delivered := 0
	for _, c := range v.(*bucket).snapshot() {
		if r.pushOne(c, info) {
			delivered++
		}
	}
	return delivered
}

// pushOne isolates a single consumer: errors and panics stay here.
func (r *Registry) pushOne(c *Consumer, info heartrate.Info) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.DeliveryDropped()
			r.log.Error("consumer push panicked", logging.Fields{
				"user": c.userID, "consumer": c.id, "panic": rec,
			})
			ok = false
		}
	}()

	switch err := c.push(info); err {
	case nil:
		r.metrics.Delivered()
		return true
	case ErrConsumerClosed:
		// Unsubscribed between snapshot and push.
		return false
	default:
		r.metrics.DeliveryDropped()
		r.log.Warn("dropping update", logging.Fields{
			"user": c.userID, "consumer": c.id, "error": err,
		})
		return false
	}
}

// Count returns the number of live consumers registered under userID.
func (r *Registry) Count(userID string) int {
	v, ok := r.buckets.Load(userID)
	if !ok {
		return 0
	}
	return len(v.(*bucket).snapshot())
}

// Len returns the total number of live consumers.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Close unsubscribes every consumer and rejects new subscriptions.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.buckets.Range(func(_, v any) bool {
		for _, c := range v.(*bucket).snapshot() {
			r.Unsubscribe(c)
		}
		return true
	})
	return nil
}
