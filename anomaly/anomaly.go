// Package anomaly alerts users and their subscribers when a reading falls
// outside the normal range.
//
// Alerts are debounced per user: the first abnormal reading claims a
// suppression window and later abnormal readings inside that window are
// ignored. The claim is a single check-and-create on the suppression store,
// so concurrent samples for the same user produce at most one alert pair.
package anomaly

import (
	"context"
	"errors"
	"sort"
	"time"

	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/notify"
	"github.com/vinayprograms/pulsekit/records"
)

// Name is the handler name.
const Name = "anomaly"

// Configuration errors.
var (
	ErrInvalidRange       = errors.New("anomaly range min must not exceed max")
	ErrInvalidSuppression = errors.New("suppression window must be positive")
)

// Config configures the detector.
type Config struct {
	// Min and Max bound the normal range, inclusive.
	// Default: 40 and 180
	Min float64
	Max float64

	// Suppression is how long alerts for a user stay muted after one fires.
	// Default: 10m
	Suppression time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Min:         40,
		Max:         180,
		Suppression: 10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Min > c.Max {
		return ErrInvalidRange
	}
	if c.Suppression <= 0 {
		return ErrInvalidSuppression
	}
	return nil
}

// SubscriberLoader resolves an owner's subscribers.
type SubscriberLoader interface {
	Load(ctx context.Context, ownerUserID string) map[string]string
}

// Detector is the abnormal-reading pipeline handler.
type Detector struct {
	config   Config
	suppress records.SuppressionStore
	graph    SubscriberLoader
	users    heartrate.UserDirectory
	notifier notify.Submitter
	log      *logging.Logger
	now      func() time.Time
}

// New creates a detector.
func New(cfg Config, suppress records.SuppressionStore, graph SubscriberLoader, users heartrate.UserDirectory, notifier notify.Submitter, log *logging.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Detector{
		config:   cfg,
		suppress: suppress,
		graph:    graph,
		users:    users,
		notifier: notifier,
		log:      log.WithComponent(Name),
		now:      time.Now,
	}, nil
}

// Name returns the handler name.
func (d *Detector) Name() string { return Name }

// Filter reports whether the reading is strictly outside [Min, Max].
func (d *Detector) Filter(s heartrate.Sample) bool {
	return s.Value < d.config.Min || s.Value > d.config.Max
}

// Direction classifies an abnormal value.
func (d *Detector) Direction(value float64) notify.Direction {
	if value > d.config.Max {
		return notify.DirectionHigh
	}
	return notify.DirectionLow
}

// Handle sends the alert pair for the first abnormal reading in a window.
func (d *Detector) Handle(ctx context.Context, s heartrate.Sample) error {
	now := d.now()
	owner := s.OwnerUserID
	log := d.log.WithUser(owner)

	claimed, err := d.suppress.Claim(ctx, owner, now.Add(d.config.Suppression), now)
	if err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "claim suppression",
			hrerrors.WithUserID(owner))
	}
	if !claimed {
		log.Debug("alert suppressed", logging.Fields{"value": s.Value})
		return nil
	}

	// A missing name should not cost the user their alert.
	name, err := d.users.DisplayName(ctx, owner)
	if err != nil {
		log.Warn("display name lookup failed", logging.Fields{"error": err.Error()})
		name = ""
	}

	abnormal := notify.Abnormal{
		OwnerUserID:      owner,
		OwnerDisplayName: name,
		HeartRate:        s.Value,
		Direction:        d.Direction(s.Value),
	}

	var errs []error
	if subscribers := recipients(d.graph.Load(ctx, owner), owner); len(subscribers) > 0 {
		req := notify.NewAbnormal(notify.KindAbnormalSubscribers, subscribers, abnormal, now)
		if err := d.notifier.Submit(ctx, req); err != nil {
			errs = append(errs, hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "submit subscriber alert",
				hrerrors.WithUserID(owner)))
		}
	}

	req := notify.NewAbnormal(notify.KindAbnormalOwner, []string{owner}, abnormal, now)
	if err := d.notifier.Submit(ctx, req); err != nil {
		errs = append(errs, hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "submit owner alert",
			hrerrors.WithUserID(owner)))
	}

	log.Info("abnormal reading", logging.Fields{
		"value":     s.Value,
		"direction": string(abnormal.Direction),
		"failed":    len(errs),
	})
	return hrerrors.Join(errs...)
}

// recipients returns the distinct subscriber user ids, sorted, without the
// owner.
func recipients(subscribers map[string]string, owner string) []string {
	seen := make(map[string]struct{}, len(subscribers))
	out := make([]string, 0, len(subscribers))
	for _, userID := range subscribers {
		if userID == "" || userID == owner {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}
