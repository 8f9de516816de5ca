package heartrate

import (
	"context"
	"errors"
	"math"
	"time"
)

// Common errors.
var (
	ErrEmptyUser    = errors.New("user id is empty")
	ErrInvalidValue = errors.New("heart rate is not a finite number")
)

// Sample is one heart-rate reading. Samples are transient and never
// persisted by the core.
type Sample struct {
	OwnerUserID string
	Value       float64
	ObservedAt  time.Time
}

// Validate checks that a sample can enter the pipeline.
func (s Sample) Validate() error {
	if s.OwnerUserID == "" {
		return ErrEmptyUser
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return ErrInvalidValue
	}
	return nil
}

// Rounded returns the value rounded to the nearest integer, the unit used
// when comparing readings between users.
func (s Sample) Rounded() int64 {
	return Round(s.Value)
}

// Round rounds a reading to the nearest integer (halves away from zero).
func Round(v float64) int64 {
	return int64(math.Round(v))
}

// Info is what a stream consumer receives. SubscriptionID is empty for the
// viewer's own readings and set when the reading belongs to a user the
// viewer subscribes to.
type Info struct {
	SubscriptionID string  `json:"subscriptionId,omitempty"`
	HeartRate      float64 `json:"heartRate"`
	IsOwn          bool    `json:"isOwn"`
}

// Edge is one direction of a subscription: SubscriberUserID watches
// OwnerUserID. Edges are owned by the subscription-graph collaborator.
type Edge struct {
	SubscriptionID     string
	OwnerUserID        string
	SubscriberUserID   string
	NotifyOnMatch      bool
	LockedByOwner      bool
	LockedBySubscriber bool
}

// Locked reports whether either party has locked the edge.
func (e Edge) Locked() bool {
	return e.LockedByOwner || e.LockedBySubscriber
}

// MutualPair is two reciprocal edges between users A and B.
// Forward is A→B (owner A, subscriber B); Reverse is B→A (owner B, subscriber A).
type MutualPair struct {
	Forward Edge
	Reverse Edge
}

// Other returns the user on the far side of the pair from userID.
func (p MutualPair) Other(userID string) string {
	if p.Forward.OwnerUserID == userID {
		return p.Forward.SubscriberUserID
	}
	return p.Forward.OwnerUserID
}

// Locked reports whether either direction is locked.
func (p MutualPair) Locked() bool {
	return p.Forward.Locked() || p.Reverse.Locked()
}

// AnyOptIn reports whether at least one direction opted into match notifications.
func (p MutualPair) AnyOptIn() bool {
	return p.Forward.NotifyOnMatch || p.Reverse.NotifyOnMatch
}

// ReceivingEdge returns the edge through which receiver hears about the
// other user: the edge on which receiver is the subscriber.
func (p MutualPair) ReceivingEdge(receiver string) Edge {
	if p.Forward.SubscriberUserID == receiver {
		return p.Forward
	}
	return p.Reverse
}

// Tier is a subscription plan level.
type Tier string

const (
	TierNone    Tier = "none"
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Plan is a user's plan code and its expiry. A zero ExpiresAt never expires.
type Plan struct {
	Tier      Tier
	ExpiresAt time.Time
}

// ActiveAt resolves the tier in effect at now. Expired plans resolve to TierNone.
func (p Plan) ActiveAt(now time.Time) Tier {
	if p.Tier == "" {
		return TierNone
	}
	if !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt) {
		return TierNone
	}
	return p.Tier
}

// HistoryPoint is one historical reading from the time-series store.
type HistoryPoint struct {
	Value float64
	At    time.Time
}

// SubscriptionGraph resolves subscription edges.
type SubscriptionGraph interface {
	// FindSubscribers returns every edge whose owner is userID.
	FindSubscribers(ctx context.Context, userID string) ([]Edge, error)

	// FindMutualSubscriptions returns the pairs in which userID and another
	// user subscribe to each other. Forward always has userID as owner.
	FindMutualSubscriptions(ctx context.Context, userID string) ([]MutualPair, error)
}

// UserDirectory answers profile and plan questions and records liveness.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	ActivePlan(ctx context.Context, userID string) (Plan, error)
	RecordLastHeartRateReceivedAt(ctx context.Context, userID string, at time.Time) error
}

// HistoryStore reads recent readings for a user.
type HistoryStore interface {
	// RecentSamples returns readings of userID observed at or after since.
	RecentSamples(ctx context.Context, userID string, since time.Time) ([]HistoryPoint, error)
}
