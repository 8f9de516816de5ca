package pipeline

import (
	"context"
	"errors"

	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/heartrate"
)

// Handler names.
const (
	NamePublish = "publish"
	NameDeliver = "deliver"
	NameStatus  = "status"
)

// Publisher sends a local sample to the other instances.
type Publisher interface {
	Publish(ctx context.Context, s heartrate.Sample) error
}

// SubscriberLoader resolves an owner's subscribers.
type SubscriberLoader interface {
	Load(ctx context.Context, ownerUserID string) map[string]string
}

// Deliverer pushes a reading to local consumers.
type Deliverer interface {
	Deliver(ownerUserID string, value float64, subscribers map[string]string) int
}

// PublishHandler forwards samples to the bus bridge.
type PublishHandler struct {
	AcceptAll
	publisher Publisher
}

// NewPublishHandler creates a publish handler.
func NewPublishHandler(p Publisher) *PublishHandler {
	return &PublishHandler{publisher: p}
}

func (h *PublishHandler) Name() string { return NamePublish }

func (h *PublishHandler) Handle(ctx context.Context, s heartrate.Sample) error {
	return h.publisher.Publish(ctx, s)
}

// DeliverHandler pushes samples to this instance's consumers of the owner
// and of every subscriber.
type DeliverHandler struct {
	AcceptAll
	graph    SubscriberLoader
	registry Deliverer
}

// NewDeliverHandler creates a local delivery handler.
func NewDeliverHandler(g SubscriberLoader, r Deliverer) *DeliverHandler {
	return &DeliverHandler{graph: g, registry: r}
}

func (h *DeliverHandler) Name() string { return NameDeliver }

func (h *DeliverHandler) Handle(ctx context.Context, s heartrate.Sample) error {
	h.registry.Deliver(s.OwnerUserID, s.Value, h.graph.Load(ctx, s.OwnerUserID))
	return nil
}

// StatusHandler records when each user last reported a reading.
type StatusHandler struct {
	AcceptAll
	users heartrate.UserDirectory
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(users heartrate.UserDirectory) *StatusHandler {
	return &StatusHandler{users: users}
}

func (h *StatusHandler) Name() string { return NameStatus }

func (h *StatusHandler) Handle(ctx context.Context, s heartrate.Sample) error {
	err := h.users.RecordLastHeartRateReceivedAt(ctx, s.OwnerUserID, s.ObservedAt)
	if err != nil && !errors.Is(err, context.Canceled) {
		return hrerrors.WrapWithCode(err, hrerrors.ErrCodeUnavailable, "record last reading",
			hrerrors.WithUserID(s.OwnerUserID))
	}
	return err
}
