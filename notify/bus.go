package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/vinayprograms/pulsekit/bus"
	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/metrics"
)

// BusSubmitterConfig configures the bus-backed submitter.
type BusSubmitterConfig struct {
	// Subject is where requests are published.
	// Default: "notifications.push"
	Subject string
}

// DefaultBusSubmitterConfig returns configuration with sensible defaults.
func DefaultBusSubmitterConfig() BusSubmitterConfig {
	return BusSubmitterConfig{Subject: "notifications.push"}
}

// BusSubmitter publishes requests as JSON for the delivery service to pick
// up from the bus.
type BusSubmitter struct {
	bus     bus.MessageBus
	config  BusSubmitterConfig
	metrics *metrics.Metrics
	closed  atomic.Bool
}

// NewBusSubmitter creates a submitter on mb.
func NewBusSubmitter(mb bus.MessageBus, cfg BusSubmitterConfig, m *metrics.Metrics) (*BusSubmitter, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultBusSubmitterConfig().Subject
	}
	if err := bus.ValidateSubject(cfg.Subject); err != nil {
		return nil, err
	}
	return &BusSubmitter{bus: mb, config: cfg, metrics: m}, nil
}

// Submit validates and publishes req.
func (s *BusSubmitter) Submit(ctx context.Context, req Request) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeInvalidInput, "notification")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeInternal, "marshal notification")
	}
	if err := s.bus.Publish(s.config.Subject, data); err != nil {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "publish notification")
	}
	s.metrics.NotificationSubmitted(string(req.Kind))
	return nil
}

// Close stops accepting requests. The bus is not closed.
func (s *BusSubmitter) Close() error {
	s.closed.Store(true)
	return nil
}
