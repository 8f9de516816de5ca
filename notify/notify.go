// Package notify describes push-notification requests produced by the
// detectors and the submitters that hand them to the delivery service.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrNoRecipients = errors.New("notification has no recipients")
	ErrEmptyPayload = errors.New("notification has no payload")
	ErrClosed       = errors.New("submitter closed")
)

// Kind identifies what a request is about.
type Kind string

const (
	// KindAbnormalSubscribers tells subscribers an owner's reading is abnormal.
	KindAbnormalSubscribers Kind = "abnormal_subscribers"
	// KindAbnormalOwner tells the owner their own reading is abnormal.
	KindAbnormalOwner Kind = "abnormal_owner"
	// KindMatch tells users their heart rates matched.
	KindMatch Kind = "match"
)

// Direction is which side of the normal range a reading fell on.
type Direction string

const (
	DirectionHigh Direction = "high"
	DirectionLow  Direction = "low"
)

// Abnormal is the payload of both abnormal-reading kinds.
type Abnormal struct {
	OwnerUserID      string    `json:"ownerUserId"`
	OwnerDisplayName string    `json:"ownerDisplayName,omitempty"`
	HeartRate        float64   `json:"heartRate"`
	Direction        Direction `json:"direction"`
}

// Match is one generated match notification.
type Match struct {
	HeartRate                float64 `json:"heartRate"`
	UserID                   string  `json:"userId"`
	MatchWithUserID          string  `json:"matchWithUserId"`
	MatchWithUserDisplayName string  `json:"matchWithUserDisplayName"`
}

// Request is one submission to the push-notification service.
type Request struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Recipients []string  `json:"recipients"`
	CreatedAt  time.Time `json:"createdAt"`
	Abnormal   *Abnormal `json:"abnormal,omitempty"`
	Matches    []Match   `json:"matches,omitempty"`
}

// Validate checks that the request is deliverable.
func (r Request) Validate() error {
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	switch r.Kind {
	case KindAbnormalSubscribers, KindAbnormalOwner:
		if r.Abnormal == nil {
			return ErrEmptyPayload
		}
	case KindMatch:
		if len(r.Matches) == 0 {
			return ErrEmptyPayload
		}
	default:
		return errors.New("unknown notification kind: " + string(r.Kind))
	}
	return nil
}

// NewAbnormal builds an abnormal-reading request.
func NewAbnormal(kind Kind, recipients []string, a Abnormal, now time.Time) Request {
	return Request{
		ID:         uuid.NewString(),
		Kind:       kind,
		Recipients: recipients,
		CreatedAt:  now,
		Abnormal:   &a,
	}
}

// NewMatch builds one request carrying a batch of match notifications.
// Recipients are the receivers of the batch, in order.
func NewMatch(matches []Match, now time.Time) Request {
	recipients := make([]string, 0, len(matches))
	for _, m := range matches {
		recipients = append(recipients, m.UserID)
	}
	return Request{
		ID:         uuid.NewString(),
		Kind:       KindMatch,
		Recipients: recipients,
		CreatedAt:  now,
		Matches:    matches,
	}
}

// Submitter hands requests to the push-notification service. Submit returns
// once the request is accepted, not delivered.
type Submitter interface {
	Submit(ctx context.Context, req Request) error
}
