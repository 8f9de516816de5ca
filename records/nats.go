package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	hrerrors "github.com/vinayprograms/pulsekit/errors"
)

// NATSConfig holds JetStream KV store configuration.
type NATSConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name. Each store has its own default.
	Bucket string

	// TTL bounds how long any entry lives in the bucket (0 = forever).
	// It must exceed the longest suppression or cooldown window.
	TTL time.Duration

	// Timeout bounds a single KV call when the caller's context has no
	// earlier deadline.
	// Default: 5s
	Timeout time.Duration
}

// Default bucket names.
const (
	DefaultSuppressionBucket = "pulsekit-suppression"
	DefaultMatchBucket       = "pulsekit-matches"
)

func openBucket(cfg NATSConfig, defaultBucket string) (jetstream.KeyValue, NATSConfig, error) {
	if cfg.Conn == nil {
		return nil, cfg, fmt.Errorf("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucket
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, cfg, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		TTL:     cfg.TTL,
		History: 1,
	})
	if err != nil {
		return nil, cfg, fmt.Errorf("create kv bucket: %w", err)
	}
	return kv, cfg, nil
}

func unavailable(err error, op string) error {
	return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, op)
}

// NATSSuppressionStore implements SuppressionStore on a JetStream KV bucket.
// Claims use create-if-absent and revision-checked updates, so two instances
// racing on the same user cannot both win.
type NATSSuppressionStore struct {
	kv     jetstream.KeyValue
	config NATSConfig
}

// NewNATSSuppressionStore opens (or creates) the suppression bucket.
func NewNATSSuppressionStore(cfg NATSConfig) (*NATSSuppressionStore, error) {
	kv, cfg, err := openBucket(cfg, DefaultSuppressionBucket)
	if err != nil {
		return nil, err
	}
	return &NATSSuppressionStore{kv: kv, config: cfg}, nil
}

// Claim creates a record unless an unexpired one exists.
func (s *NATSSuppressionStore) Claim(ctx context.Context, userID string, expiresAt, now time.Time) (bool, error) {
	if err := validateClaim(userID, expiresAt, now); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	key := suppressionKey(userID)
	data, err := json.Marshal(SuppressionRecord{UserID: userID, ExpiresAt: expiresAt})
	if err != nil {
		return false, err
	}

	_, err = s.kv.Create(ctx, key, data)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, unavailable(err, "suppression create")
	}

	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		// Deleted between Create and Get: whoever recreates it first wins.
		if _, err := s.kv.Create(ctx, key, data); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return false, nil
			}
			return false, unavailable(err, "suppression create")
		}
		return true, nil
	}
	if err != nil {
		return false, unavailable(err, "suppression get")
	}

	var current SuppressionRecord
	if err := json.Unmarshal(entry.Value(), &current); err == nil && current.ActiveAt(now) {
		return false, nil
	}
	// Expired or unreadable: take it over only if nobody else did first.
	if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, unavailable(err, "suppression update")
	}
	return true, nil
}

// Active reports whether an unexpired record exists.
func (s *NATSSuppressionStore) Active(ctx context.Context, userID string, now time.Time) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, suppressionKey(userID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err, "suppression get")
	}
	var rec SuppressionRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return false, hrerrors.WrapWithCode(err, hrerrors.ErrCodeCorruption, "suppression decode")
	}
	return rec.ActiveAt(now), nil
}

// NATSMatchStore implements MatchStore on a JetStream KV bucket. Each
// direction has one key holding its latest record.
type NATSMatchStore struct {
	kv     jetstream.KeyValue
	config NATSConfig
}

// NewNATSMatchStore opens (or creates) the match bucket.
func NewNATSMatchStore(cfg NATSConfig) (*NATSMatchStore, error) {
	kv, cfg, err := openBucket(cfg, DefaultMatchBucket)
	if err != nil {
		return nil, err
	}
	return &NATSMatchStore{kv: kv, config: cfg}, nil
}

// Add stores records, replacing the previous record for each direction.
func (s *NATSMatchStore) Add(ctx context.Context, recs ...MatchRecord) error {
	for _, r := range recs {
		if err := validateRecord(r); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var errs []error
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.kv.Put(ctx, matchKey(r.UserID, r.MatchWithUserID), data); err != nil {
			errs = append(errs, unavailable(err, "match put"))
		}
	}
	return hrerrors.Join(errs...)
}

// Recent returns records between a and b created at or after since.
func (s *NATSMatchStore) Recent(ctx context.Context, a, b string, since time.Time) ([]MatchRecord, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidUser
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var out []MatchRecord
	for _, key := range []string{matchKey(a, b), matchKey(b, a)} {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable(err, "match get")
		}
		var r MatchRecord
		if err := json.Unmarshal(entry.Value(), &r); err != nil {
			return nil, hrerrors.WrapWithCode(err, hrerrors.ErrCodeCorruption, "match decode")
		}
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}
