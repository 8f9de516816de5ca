package records

import (
	"context"
	"sync"
	"time"
)

// minSweep is the map size below which Claim never sweeps.
const minSweep = 64

// MemorySuppressionStore implements SuppressionStore in memory.
// Expired records are swept by Claim whenever the map has doubled since
// the last sweep, so the store stays bounded by roughly twice its live set.
type MemorySuppressionStore struct {
	mu        sync.Mutex
	records   map[string]SuppressionRecord
	nextSweep int
	err       error
}

// NewMemorySuppressionStore creates an empty store.
func NewMemorySuppressionStore() *MemorySuppressionStore {
	return &MemorySuppressionStore{
		records:   make(map[string]SuppressionRecord),
		nextSweep: minSweep,
	}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *MemorySuppressionStore) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Claim creates a record unless an unexpired one exists.
func (s *MemorySuppressionStore) Claim(ctx context.Context, userID string, expiresAt, now time.Time) (bool, error) {
	if err := validateClaim(userID, expiresAt, now); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if rec, ok := s.records[userID]; ok && rec.ActiveAt(now) {
		return false, nil
	}
	s.records[userID] = SuppressionRecord{UserID: userID, ExpiresAt: expiresAt}
	if len(s.records) >= s.nextSweep {
		s.pruneLocked(now)
		s.nextSweep = max(2*len(s.records), minSweep)
	}
	return true, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemorySuppressionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Active reports whether an unexpired record exists.
func (s *MemorySuppressionStore) Active(ctx context.Context, userID string, now time.Time) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	rec, ok := s.records[userID]
	return ok && rec.ActiveAt(now), nil
}

// Prune drops records that expired before now and returns how many went.
func (s *MemorySuppressionStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now)
}

func (s *MemorySuppressionStore) pruneLocked(now time.Time) int {
	n := 0
	for id, rec := range s.records {
		if !rec.ActiveAt(now) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

type pairKey struct{ user, with string }

// MemoryMatchStore implements MatchStore in memory.
type MemoryMatchStore struct {
	mu      sync.RWMutex
	records map[pairKey]MatchRecord
	err     error
}

// NewMemoryMatchStore creates an empty store.
func NewMemoryMatchStore() *MemoryMatchStore {
	return &MemoryMatchStore{records: make(map[pairKey]MatchRecord)}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *MemoryMatchStore) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Add stores records, keeping the newest per direction.
func (s *MemoryMatchStore) Add(ctx context.Context, recs ...MatchRecord) error {
	for _, r := range recs {
		if err := validateRecord(r); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, r := range recs {
		k := pairKey{r.UserID, r.MatchWithUserID}
		if old, ok := s.records[k]; ok && old.CreatedAt.After(r.CreatedAt) {
			continue
		}
		s.records[k] = r
	}
	return nil
}

// Recent returns records between a and b created at or after since.
func (s *MemoryMatchStore) Recent(ctx context.Context, a, b string, since time.Time) ([]MatchRecord, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidUser
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []MatchRecord
	for _, k := range []pairKey{{a, b}, {b, a}} {
		if r, ok := s.records[k]; ok && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every stored record. Order is unspecified.
func (s *MemoryMatchStore) All() []MatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MatchRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}
