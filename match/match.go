// Package match notifies mutually subscribed users whose heart rates line up.
//
// For each locally ingested reading from A, every mutual subscription A↔B
// that is unlocked and has at least one opted-in direction becomes a
// candidate. A candidate matches when B reported the same rounded value
// within the recency window. Each side is then judged on its own receiving
// edge, its plan, and the cooldown history before it is notified. All
// notifications for one reading go out in a single request.
package match

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/notify"
	"github.com/vinayprograms/pulsekit/pipeline"
	"github.com/vinayprograms/pulsekit/records"
)

// Name is the handler name.
const Name = "match"

// ErrInvalidConfig is returned for non-positive windows or worker counts.
var ErrInvalidConfig = errors.New("match windows and workers must be positive")

// Config configures the detector.
type Config struct {
	// RecencyWindow is how far back the other user's readings are searched.
	// Default: 60s
	RecencyWindow time.Duration

	// Cooldown is how long a notified side is not notified again about the
	// same pair.
	// Default: 1h
	Cooldown time.Duration

	// Workers bounds concurrent candidate evaluations per reading.
	// Default: 8
	Workers int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecencyWindow: 60 * time.Second,
		Cooldown:      time.Hour,
		Workers:       8,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RecencyWindow <= 0 || c.Cooldown <= 0 || c.Workers <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Detector is the match pipeline handler.
type Detector struct {
	pipeline.AcceptAll

	config   Config
	graph    heartrate.SubscriptionGraph
	history  heartrate.HistoryStore
	users    heartrate.UserDirectory
	matches  records.MatchStore
	notifier notify.Submitter
	log      *logging.Logger
	now      func() time.Time
}

// New creates a detector.
func New(cfg Config, graph heartrate.SubscriptionGraph, history heartrate.HistoryStore, users heartrate.UserDirectory, matches records.MatchStore, notifier notify.Submitter, log *logging.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Detector{
		config:   cfg,
		graph:    graph,
		history:  history,
		users:    users,
		matches:  matches,
		notifier: notifier,
		log:      log.WithComponent(Name),
		now:      time.Now,
	}, nil
}

// Name returns the handler name.
func (d *Detector) Name() string { return Name }

// Handle evaluates every candidate pair for the reading and submits the
// resulting batch.
func (d *Detector) Handle(ctx context.Context, s heartrate.Sample) error {
	now := d.now()
	a := s.OwnerUserID
	log := d.log.WithUser(a)

	pairs, err := d.graph.FindMutualSubscriptions(ctx, a)
	if err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "find mutual subscriptions",
			hrerrors.WithUserID(a))
	}
	candidates := pairs[:0:0]
	for _, p := range pairs {
		if !p.Locked() && p.AnyOptIn() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var (
		mu    sync.Mutex
		batch []notify.Match
		recs  []records.MatchRecord
		g     errgroup.Group
	)
	g.SetLimit(d.config.Workers)
	for _, p := range candidates {
		g.Go(func() error {
			ms, err := d.evaluate(ctx, s, p, now)
			if err != nil {
				log.Warn("match candidate failed", logging.Fields{
					"with":  p.Other(a),
					"error": err.Error(),
				})
				return nil
			}
			if len(ms) == 0 {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range ms {
				batch = append(batch, m)
				recs = append(recs, records.MatchRecord{
					UserID:          m.UserID,
					MatchWithUserID: m.MatchWithUserID,
					CreatedAt:       now,
				})
			}
			return nil
		})
	}
	g.Wait()

	if len(batch) == 0 {
		return nil
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].UserID != batch[j].UserID {
			return batch[i].UserID < batch[j].UserID
		}
		return batch[i].MatchWithUserID < batch[j].MatchWithUserID
	})

	if err := d.matches.Add(ctx, recs...); err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "record matches",
			hrerrors.WithUserID(a))
	}
	if err := d.notifier.Submit(ctx, notify.NewMatch(batch, now)); err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "submit matches",
			hrerrors.WithUserID(a))
	}
	log.Info("match notifications sent", logging.Fields{"count": len(batch)})
	return nil
}

// evaluate returns the notifications one candidate pair produces.
func (d *Detector) evaluate(ctx context.Context, s heartrate.Sample, p heartrate.MutualPair, now time.Time) ([]notify.Match, error) {
	a := s.OwnerUserID
	b := p.Other(a)

	matched, err := d.recentlyAt(ctx, b, s.Rounded(), now)
	if err != nil || !matched {
		return nil, err
	}

	recent, err := d.matches.Recent(ctx, a, b, now.Add(-d.config.Cooldown))
	if err != nil {
		return nil, hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "match history")
	}
	aNotified, bNotified := records.Notified(recent, a, b)
	if aNotified && bNotified {
		return nil, nil
	}

	var out []notify.Match
	sides := []struct {
		receiver, other string
		notified        bool
	}{
		{a, b, aNotified},
		{b, a, bNotified},
	}
	for _, side := range sides {
		if side.notified {
			continue
		}
		ok, err := d.eligible(ctx, p, side.receiver, now)
		if err != nil {
			d.log.WithUser(side.receiver).Warn("match eligibility check failed", logging.Fields{
				"error": err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		name, err := d.users.DisplayName(ctx, side.other)
		if err != nil {
			d.log.WithUser(side.receiver).Warn("display name lookup failed", logging.Fields{
				"with":  side.other,
				"error": err.Error(),
			})
			name = ""
		}
		out = append(out, notify.Match{
			HeartRate:                s.Value,
			UserID:                   side.receiver,
			MatchWithUserID:          side.other,
			MatchWithUserDisplayName: name,
		})
	}
	return out, nil
}

// recentlyAt reports whether userID reported a reading rounding to v within
// the recency window ending at now.
func (d *Detector) recentlyAt(ctx context.Context, userID string, v int64, now time.Time) (bool, error) {
	points, err := d.history.RecentSamples(ctx, userID, now.Add(-d.config.RecencyWindow))
	if err != nil {
		return false, hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "recent samples",
			hrerrors.WithUserID(userID))
	}
	since := now.Add(-d.config.RecencyWindow)
	for _, pt := range points {
		if pt.At.Before(since) || pt.At.After(now) {
			continue
		}
		if heartrate.Round(pt.Value) == v {
			return true, nil
		}
	}
	return false, nil
}

// eligible applies the per-receiver rules: the receiver's own edge must be
// opted in and unlocked, and the receiver must hold an active premium plan.
func (d *Detector) eligible(ctx context.Context, p heartrate.MutualPair, receiver string, now time.Time) (bool, error) {
	edge := p.ReceivingEdge(receiver)
	if !edge.NotifyOnMatch || edge.Locked() {
		return false, nil
	}
	plan, err := d.users.ActivePlan(ctx, receiver)
	if err != nil {
		return false, hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "active plan",
			hrerrors.WithUserID(receiver))
	}
	return plan.ActiveAt(now) == heartrate.TierPremium, nil
}
