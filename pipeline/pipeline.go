// Package pipeline runs every locally ingested sample through a fixed,
// ordered list of handlers.
//
// Handlers for one sample run strictly one after another so side effects
// keep a deterministic order: bus publish, local delivery, status update,
// then the detectors. A handler that fails or panics is logged and counted
// and the next handler still runs. Different samples run their pipelines
// concurrently.
package pipeline

import (
	"context"

	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/metrics"
	"github.com/vinayprograms/pulsekit/telemetry"
)

// Handler reacts to a locally ingested sample.
type Handler interface {
	// Name identifies the handler in logs, metrics and spans.
	Name() string

	// Filter reports whether Handle should run for s.
	Filter(s heartrate.Sample) bool

	// Handle performs the handler's effect.
	Handle(ctx context.Context, s heartrate.Sample) error
}

// AcceptAll can be embedded by handlers that want every sample.
type AcceptAll struct{}

// Filter always returns true.
func (AcceptAll) Filter(heartrate.Sample) bool { return true }

// Pipeline is an immutable ordered list of handlers.
type Pipeline struct {
	handlers []Handler
	log      *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
}

// New builds a pipeline running handlers in the given order.
func New(log *logging.Logger, m *metrics.Metrics, tracer *telemetry.Tracer, handlers ...Handler) *Pipeline {
	if log == nil {
		log = logging.Discard()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	hs := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return &Pipeline{
		handlers: hs,
		log:      log.WithComponent("pipeline"),
		metrics:  m,
		tracer:   tracer,
	}
}

// Names returns the handler names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.handlers))
	for i, h := range p.handlers {
		names[i] = h.Name()
	}
	return names
}

// Run passes s through every handler in order. It returns the joined
// handler failures for callers that want them; they have already been
// logged.
func (p *Pipeline) Run(ctx context.Context, s heartrate.Sample) error {
	ctx, root := p.tracer.StartSampleSpan(ctx, s.OwnerUserID, s.Value)
	defer root.End()

	var errs []error
	for _, h := range p.handlers {
		if err := p.runOne(ctx, h, s); err != nil {
			errs = append(errs, err)
		}
	}
	return hrerrors.Join(errs...)
}

func (p *Pipeline) runOne(ctx context.Context, h Handler, s heartrate.Sample) (err error) {
	name := h.Name()
	ctx, span := p.tracer.StartHandlerSpan(ctx, name)
	skipped := false

	defer func() {
		if r := recover(); r != nil {
			err = hrerrors.RecoverPanic(r)
		}
		if err != nil {
			err = hrerrors.Wrap(err, "handler "+name, hrerrors.WithUserID(s.OwnerUserID))
			p.metrics.HandlerError(name)
			p.log.WithUser(s.OwnerUserID).Error("handler failed", logging.Fields{
				"handler":   name,
				"code":      hrerrors.Code(err).String(),
				"retryable": hrerrors.IsRetryable(err),
				"error":     err.Error(),
			})
		}
		p.tracer.EndSpan(span, skipped, err)
	}()

	if !h.Filter(s) {
		skipped = true
		return nil
	}
	return h.Handle(ctx, s)
}
