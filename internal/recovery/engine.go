// Package recovery escalates responses to repeated transport failures.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/supervisor"
)

// Options configures an Engine.
type Options struct {
	// QueueSize bounds pending recovery actions. Actions beyond it are dropped.
	QueueSize int
	// EscalationSteps are the three waits of an escalated recovery: before
	// clearing state, before the restart, and for stabilization.
	EscalationSteps [3]time.Duration
	// Delay overrides DelayFor; used by tests.
	Delay func(consecutiveErrors int) time.Duration
	// Now overrides time.Now.
	Now func() time.Time
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		QueueSize:       8,
		EscalationSteps: [3]time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		Delay:           DelayFor,
		Now:             time.Now,
	}
}

// Context is the engine's mutable failure state.
type Context struct {
	ConsecutiveErrors int
	LastErrorAt       time.Time
	CurrentStrategy   Strategy
}

type action struct {
	id         uuid.UUID
	name       string
	generation uint64
	run        func(ctx context.Context, a action)
}

// Engine selects and executes recovery strategies. Actions run one at a time
// on a single worker started by Run.
type Engine struct {
	supervisor.BaseListener

	restarter Restarter
	probe     ReadinessProbe
	opts      Options
	log       logger.Logger

	mu    sync.Mutex
	state Context

	// generation advances on every successful connection. Queued actions
	// captured under an older generation do nothing.
	generation atomic.Uint64

	queue chan action
}

// NewEngine returns an Engine. probe may be nil.
func NewEngine(restarter Restarter, probe ReadinessProbe, opts Options, log logger.Logger) *Engine {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Delay == nil {
		opts.Delay = def.Delay
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}

	return &Engine{
		restarter: restarter,
		probe:     probe,
		opts:      opts,
		log:       log.WithComponent("recovery"),
		state:     Context{CurrentStrategy: SimpleRetry},
		queue:     make(chan action, opts.QueueSize),
	}
}

// Run executes queued actions until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-e.queue:
			e.execute(ctx, a)
		}
	}
}

func (e *Engine) execute(ctx context.Context, a action) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("action", a.name).Msg("recovery action panicked")
		}
	}()

	a.run(ctx, a)
}

// HandleError records a failure and executes the selected strategy. It
// never panics and never blocks on recovery work.
func (e *Engine) HandleError(kind ErrorKind, message string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("handle error panicked")
		}
	}()

	e.mu.Lock()
	e.state.ConsecutiveErrors++
	e.state.LastErrorAt = e.opts.Now()
	n := e.state.ConsecutiveErrors
	strategy := SelectStrategy(kind, n)
	e.state.CurrentStrategy = strategy
	e.mu.Unlock()

	e.log.Warn().
		Int("consecutive_errors", n).
		Stringer("kind", kind).
		Str("error", message).
		Stringer("strategy", strategy).
		Msg("handling error")

	switch strategy {
	case SimpleRetry:
		e.simpleRetry()
	case DelayedRetry:
		e.delayedRetry(n)
	case ResetTransport, RestartSupervisor:
		e.enqueue("restart", e.restart)
	case EscalatedRecovery:
		e.enqueue("escalated", e.escalate)
	}
}

// OnSuccessfulConnection resets the failure state and invalidates every
// pending recovery action.
func (e *Engine) OnSuccessfulConnection() {
	e.mu.Lock()
	e.state.ConsecutiveErrors = 0
	e.state.CurrentStrategy = SimpleRetry
	e.mu.Unlock()

	gen := e.generation.Add(1)
	e.log.Debug().Uint64("generation", gen).Msg("connection successful, error count reset")
}

// Context returns a copy of the current failure state.
func (e *Engine) Context() Context {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Generation returns the current recovery generation.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

func (e *Engine) simpleRetry() {
	// Reconnection itself is driven by the transport.
	if e.probe != nil && e.probe.IsReady() {
		e.log.Debug().Msg("simple retry left to transport")
	}
}

func (e *Engine) delayedRetry(n int) {
	delay := e.opts.Delay(n)
	gen := e.generation.Load()

	e.log.Debug().Dur("delay", delay).Msg("scheduling delayed retry")

	time.AfterFunc(delay, func() {
		e.enqueueAt(gen, "delayed-probe", func(_ context.Context, a action) {
			if e.stale(a) {
				return
			}

			ready := e.probe != nil && e.probe.IsReady()
			e.log.Debug().Dur("delay", delay).Bool("ready", ready).Msg("delayed retry probe")
		})
	})
}

func (e *Engine) restart(_ context.Context, a action) {
	if e.stale(a) {
		return
	}

	e.log.Warn().Str("action_id", a.id.String()).Msg("restarting transport")

	if err := e.restarter.RestartService(); err != nil {
		e.log.Warn().Err(err).Msg("restart not performed")
	}
}

func (e *Engine) escalate(ctx context.Context, a action) {
	steps := e.opts.EscalationSteps
	log := e.log.With().Str("action_id", a.id.String()).Logger()

	log.Error().Msg("starting escalated recovery sequence")

	if !sleep(ctx, steps[0]) || e.stale(a) {
		return
	}
	log.Debug().Msg("escalated recovery step 1: clearing cached state")

	if !sleep(ctx, steps[1]) || e.stale(a) {
		return
	}
	log.Debug().Msg("escalated recovery step 2: restarting service")
	if err := e.restarter.RestartService(); err != nil {
		log.Warn().Err(err).Msg("restart not performed")
	}

	if !sleep(ctx, steps[2]) {
		return
	}
	log.Debug().Msg("escalated recovery step 3: waiting for stabilization")

	log.Info().Msg("escalated recovery sequence completed")
}

// stale reports whether a was scheduled before the latest successful
// connection.
func (e *Engine) stale(a action) bool {
	if a.generation == e.generation.Load() {
		return false
	}

	e.log.Debug().Str("action", a.name).Str("action_id", a.id.String()).Msg("skipping stale recovery action")

	return true
}

func (e *Engine) enqueue(name string, run func(context.Context, action)) {
	e.enqueueAt(e.generation.Load(), name, run)
}

func (e *Engine) enqueueAt(gen uint64, name string, run func(context.Context, action)) {
	a := action{id: uuid.New(), name: name, generation: gen, run: run}

	select {
	case e.queue <- a:
	default:
		e.log.Warn().Str("action", name).Msg("recovery queue full, dropping action")
	}
}

// sleep waits d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// OnError classifies message and handles it.
func (e *Engine) OnError(message string) {
	e.HandleError(Classify(message), message)
}

// OnConnectionStateChanged resets the failure state when a peripheral
// connects.
func (e *Engine) OnConnectionStateChanged(connected bool, _ string) {
	if connected {
		e.OnSuccessfulConnection()
	}
}

var _ supervisor.Listener = (*Engine)(nil)
