package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool
}

type memorySub struct {
	subject string
	bus     *MemoryBus

	mu      sync.RWMutex // guards ch against close during send
	ch      chan *Message
	closed  bool
	dropped atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	// Subscribers must not observe later mutation of the caller's slice.
	payload := make([]byte, len(data))
	copy(payload, data)

	b.mu.RLock()
	subs := b.subs[subject]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.offer(&Message{Subject: subject, Data: payload})
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		bus:     b,
		ch:      make(chan *Message, b.config.BufferSize),
	}

	b.mu.Lock()
	old := b.subs[subject]
	next := make([]*memorySub, len(old), len(old)+1)
	copy(next, old)
	b.subs[subject] = append(next, sub)
	b.mu.Unlock()

	return sub, nil
}

// Close shuts down the bus and closes every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.shut()
		}
	}
	return nil
}

func (s *memorySub) offer(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *memorySub) shut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Dropped returns the overflow count.
func (s *memorySub) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if !s.shut() {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	old := s.bus.subs[s.subject]
	next := make([]*memorySub, 0, len(old))
	for _, sub := range old {
		if sub != s {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(s.bus.subs, s.subject)
	} else {
		s.bus.subs[s.subject] = next
	}
	return nil
}
