package records

import (
	"context"
	"encoding/base64"
	"errors"
	"time"
)

// Common errors.
var (
	ErrInvalidUser   = errors.New("invalid user id")
	ErrInvalidExpiry = errors.New("expiry must be after now")
)

// SuppressionRecord marks a user whose abnormal-reading alerts are muted
// until ExpiresAt.
type SuppressionRecord struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ActiveAt reports whether the record still suppresses at now.
func (r SuppressionRecord) ActiveAt(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// SuppressionStore keeps one suppression record per user.
type SuppressionStore interface {
	// Claim creates a record for userID expiring at expiresAt unless an
	// unexpired one already exists. It returns true when this call created
	// the record. Check and create happen as one step.
	Claim(ctx context.Context, userID string, expiresAt, now time.Time) (bool, error)

	// Active reports whether an unexpired record exists for userID.
	Active(ctx context.Context, userID string, now time.Time) (bool, error)
}

// MatchRecord notes that UserID was told about a match with MatchWithUserID.
type MatchRecord struct {
	UserID          string    `json:"userId"`
	MatchWithUserID string    `json:"matchWithUserId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// MatchStore keeps match notification history. Only the latest record per
// (receiver, other) direction is retained, which is all a cooldown check
// needs.
type MatchStore interface {
	// Add stores records, replacing older ones for the same direction.
	Add(ctx context.Context, recs ...MatchRecord) error

	// Recent returns the records between a and b, in either direction,
	// created at or after since.
	Recent(ctx context.Context, a, b string, since time.Time) ([]MatchRecord, error)
}

// Notified splits recent records into whether a and b were each notified.
func Notified(recs []MatchRecord, a, b string) (aNotified, bNotified bool) {
	for _, r := range recs {
		switch {
		case r.UserID == a && r.MatchWithUserID == b:
			aNotified = true
		case r.UserID == b && r.MatchWithUserID == a:
			bNotified = true
		}
	}
	return aNotified, bNotified
}

func validateClaim(userID string, expiresAt, now time.Time) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if !expiresAt.After(now) {
		return ErrInvalidExpiry
	}
	return nil
}

func validateRecord(r MatchRecord) error {
	if r.UserID == "" || r.MatchWithUserID == "" {
		return ErrInvalidUser
	}
	return nil
}

// keyToken encodes a user id into characters legal in a KV key token.
func keyToken(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func suppressionKey(userID string) string {
	return "suppress." + keyToken(userID)
}

func matchKey(userID, withUserID string) string {
	return "match." + keyToken(userID) + "." + keyToken(withUserID)
}
