package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	hrerrors "github.com/vinayprograms/pulsekit/errors"
	"github.com/vinayprograms/pulsekit/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	err      error
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
	started  time.Time
}

// NewCoordinator creates a coordinator. Zero fields take their defaults.
func NewCoordinator(config Config) *Coordinator {
	d := DefaultConfig()
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = d.DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = d.DefaultPhase
	}
	log := config.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Coordinator{
		config:  config,
		log:     log.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler. Lower phases stop first.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers fn in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, Func(fn))
}

// RegisterFuncWithPhase registers fn in the given phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs every handler. Later calls wait for the first to finish and
// return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.started = time.Now()
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout runs Shutdown under a deadline. Zero uses
// DefaultTimeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts a shutdown on the first SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-c.signals
		signal.Stop(c.signals)
		c.log.Info("signal received", logging.Fields{"signal": sig.String()})
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Trigger simulates a SIGTERM for code that called HandleSignals.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the per-handler outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(c.started)
		c.result = result
		if err != nil {
			c.log.Error("shutdown incomplete", logging.Fields{
				"failed":   result.FailedHandlers(),
				"duration": result.TotalDuration.String(),
				"error":    err.Error(),
			})
		} else {
			c.log.Info("shutdown complete", logging.Fields{"duration": result.TotalDuration.String()})
		}
		return err
	}

	var failures []error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(hrerrors.Join(append(failures, ErrTimeout)...))
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err != nil {
				failures = append(failures, hrerrors.Wrap(hr.Err, hr.Name))
			}
		}
		if len(failures) > 0 && !c.config.ContinueOnError {
			return finish(hrerrors.Join(append([]error{ErrHandlerFailed}, failures...)...))
		}
	}

	if len(failures) > 0 {
		return finish(hrerrors.Join(append([]error{ErrHandlerFailed}, failures...)...))
	}
	return finish(nil)
}

func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := callHandler(ctx, r.handler)
			hr := HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			results[idx] = hr

			fields := logging.Fields{"handler": r.name, "phase": r.phase, "duration": hr.Duration.String()}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Warn("handler failed", fields)
			} else {
				c.log.Debug("handler stopped", fields)
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

func callHandler(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = hrerrors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase splits handlers sorted by phase into one slice per phase.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var current []registration
	phase := handlers[0].phase

	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}
	return append(groups, current)
}
