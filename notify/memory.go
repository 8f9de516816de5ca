package notify

import (
	"context"
	"sync"
)

// MemorySubmitter records requests in memory.
type MemorySubmitter struct {
	mu       sync.Mutex
	requests []Request
	failKind map[Kind]error
}

// NewMemorySubmitter creates an empty submitter.
func NewMemorySubmitter() *MemorySubmitter {
	return &MemorySubmitter{failKind: make(map[Kind]error)}
}

// FailKind makes submissions of kind return err. Pass nil to recover.
func (s *MemorySubmitter) FailKind(kind Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failKind, kind)
		return
	}
	s.failKind[kind] = err
}

// Submit validates and records req.
func (s *MemorySubmitter) Submit(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failKind[req.Kind]; err != nil {
		return err
	}
	s.requests = append(s.requests, req)
	return nil
}

// Requests returns a copy of everything submitted so far.
func (s *MemorySubmitter) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// OfKind returns submitted requests of one kind.
func (s *MemorySubmitter) OfKind(kind Kind) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets every recorded request.
func (s *MemorySubmitter) Reset() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}
