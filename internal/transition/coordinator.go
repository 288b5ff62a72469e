// Package transition switches the active renderer. It owns the active view
// mode: one transition runs at a time, a newer request retargets it, and the
// outgoing renderer is disposed only after the incoming one is ready.
package transition

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/woozymasta/geoannotate/internal/bus"
	"github.com/woozymasta/geoannotate/internal/flight"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
)

var tracer = otel.Tracer("github.com/woozymasta/geoannotate/internal/transition")

// Settle reasons reported in bus.TransitionSettled.
const (
	SettledReady     = "ready"
	SettledTimeout   = "timeout"
	SettledCancelled = "cancelled"
	SettledFailed    = "failed"
)

var (
	// ErrNotStarted is returned before Start.
	ErrNotStarted = errors.New("transition coordinator not started")
	// ErrNoRenderer is returned, and passed to held flights, once every
	// renderer including the fallback failed to boot.
	ErrNoRenderer = errors.New("no renderer available")
)

// Reconciler is mounted on the active renderer after every settle.
type Reconciler interface {
	Mount(a render.Adapter)
	Unmount()
}

// Recorder receives transition metrics.
type Recorder interface {
	TransitionStarted(from, to model.Mode)
	TransitionFinished(from, to model.Mode, reason string, elapsed time.Duration)
	RendererFailed(mode model.Mode)
}

type nopRecorder struct{}

func (nopRecorder) TransitionStarted(model.Mode, model.Mode)                         {}
func (nopRecorder) TransitionFinished(model.Mode, model.Mode, string, time.Duration) {}
func (nopRecorder) RendererFailed(model.Mode)                                        {}

// Options tunes settling and failure handling. SettleTimeout caps how long
// a transition waits for the incoming renderer to report ready.
// InvalidThreshold is the number of consecutive IsValid()==false
// observations after which the active renderer is considered lost.
type Options struct {
	SettleTimeout    time.Duration `yaml:"settle_timeout"`
	InvalidThreshold int           `yaml:"invalid_threshold"`
	Fallback         model.Mode    `yaml:"fallback"`
}

// DefaultOptions returns a 2 second settle cap, threshold 3 and the tile map
// as fallback.
func DefaultOptions() Options {
	return Options{
		SettleTimeout:    2 * time.Second,
		InvalidThreshold: 3,
		Fallback:         model.TileMap,
	}
}

// Deps are the collaborators of a Coordinator. Bus, Recorder and Reconciler
// may be nil.
type Deps struct {
	Scheduler  loop.Scheduler
	Registry   *render.Registry
	Flights    *flight.Controller
	Reconciler Reconciler
	Bus        *bus.Bus
	Recorder   Recorder
}

type pendingFlight struct {
	onComplete func(error)
	loc        model.Location
}

// Coordinator runs view transitions. It must only be used from the event
// loop that drives the scheduler.
type Coordinator struct {
	sched    loop.Scheduler
	registry *render.Registry
	flights  *flight.Controller
	recon    Reconciler
	bus      *bus.Bus
	rec      Recorder
	log      zerolog.Logger

	active     render.Adapter
	activeC    *render.Container
	incoming   render.Adapter
	incomingC  *render.Container
	settle     loop.Timer
	span       trace.Span
	requested  *model.Mode
	pendingLoc *pendingFlight
	failed     map[model.Mode]error

	state    model.TransitionState
	opts     Options
	gen      int
	invalid  int
	posted   bool
	started  bool
	launches int
}

// New returns a coordinator. Call Start to boot the first renderer.
func New(deps Deps, log zerolog.Logger, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = def.SettleTimeout
	}
	if opts.InvalidThreshold <= 0 {
		opts.InvalidThreshold = def.InvalidThreshold
	}
	if !opts.Fallback.Valid() {
		opts.Fallback = def.Fallback
	}
	rec := deps.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Coordinator{
		sched:    deps.Scheduler,
		registry: deps.Registry,
		flights:  deps.Flights,
		recon:    deps.Reconciler,
		bus:      deps.Bus,
		rec:      rec,
		log:      log.With().Str("component", "transition").Logger(),
		opts:     opts,
		failed:   make(map[model.Mode]error),
	}
}

// SetReconciler sets the reconciler mounted after each settle. It must be
// called before Start.
func (c *Coordinator) SetReconciler(r Reconciler) { c.recon = r }

// Start boots the renderer for mode. The coordinator is transitioning until
// it reports ready or the settle cap elapses.
func (c *Coordinator) Start(mode model.Mode) error {
	if c.started {
		return errors.New("transition coordinator already started")
	}
	if !mode.Valid() {
		return fmt.Errorf("start: invalid view mode %d", int(mode))
	}
	c.started = true
	c.state = model.TransitionState{Current: mode, Target: mode}
	c.begin(mode)
	return nil
}

// RequestModeChange asks for mode to become active. Requests made in the same
// loop turn collapse to the last one. A request during a transition retargets
// it. Requesting the mode that is already active or targeted is a no-op,
// unless no renderer is left, in which case any mode can be retried.
func (c *Coordinator) RequestModeChange(mode model.Mode) error {
	if !c.started {
		return ErrNotStarted
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid view mode %d", int(mode))
	}
	if c.requested == nil && mode == c.state.Target && c.hasRenderer() {
		c.log.Debug().Str("mode", mode.String()).Msg("Mode already selected")
		return nil
	}

	c.requested = &mode
	if !c.posted {
		c.posted = true
		c.sched.Post(c.applyRequested)
	}
	return nil
}

func (c *Coordinator) applyRequested() {
	c.posted = false
	if c.requested == nil {
		return
	}
	target := *c.requested
	c.requested = nil

	switch {
	case target == c.state.Target && c.hasRenderer():
		return
	case !c.state.InProgress:
		c.begin(target)
	default:
		c.retarget(target)
	}
}

// FlyTo flies the active renderer to loc. During a transition the request is
// held and issued against the new renderer once it settles; a later request
// replaces a held one. With no renderer left it returns ErrNoRenderer.
func (c *Coordinator) FlyTo(loc model.Location, onComplete func(error)) error {
	if !c.started {
		return ErrNotStarted
	}
	if !loc.Finite() || !loc.InRange() {
		return c.flights.RequestFlight(loc, c.active, onComplete)
	}
	if !c.hasRenderer() {
		return ErrNoRenderer
	}
	if c.state.InProgress || c.active == nil {
		if c.pendingLoc != nil && c.pendingLoc.loc.ID == loc.ID {
			return nil
		}
		c.pendingLoc = &pendingFlight{loc: loc, onComplete: onComplete}
		c.log.Debug().Str("location", loc.ID).Msg("Flight held until transition settles")
		return nil
	}
	return c.flights.RequestFlight(loc, c.active, onComplete)
}

// PendingLocation returns the location held for the next settle.
func (c *Coordinator) PendingLocation() (model.Location, bool) {
	if c.pendingLoc == nil {
		return model.Location{}, false
	}
	return c.pendingLoc.loc, true
}

// State returns a copy of the transition state.
func (c *Coordinator) State() model.TransitionState {
	s := c.state
	if s.Previous != nil {
		prev := *s.Previous
		s.Previous = &prev
	}
	return s
}

// Active returns the active renderer, which may be nil before the first
// settle or after the fallback failed too.
func (c *Coordinator) Active() render.Adapter { return c.active }

// Incoming returns the renderer being brought up, if any.
func (c *Coordinator) Incoming() render.Adapter { return c.incoming }

// Launches returns how many renderers the coordinator has created.
func (c *Coordinator) Launches() int { return c.launches }

// FailedModes returns the modes whose renderer failed, with the cause. A mode
// stays selectable and is removed from the set once it settles successfully.
func (c *Coordinator) FailedModes() map[model.Mode]error {
	return maps.Clone(c.failed)
}

// Usable returns the active renderer if it is valid. Consecutive invalid
// observations past the threshold treat the renderer as lost and switch to
// the fallback mode.
func (c *Coordinator) Usable() (render.Adapter, bool) {
	if c.active == nil {
		return nil, false
	}
	if c.active.IsValid() {
		c.invalid = 0
		return c.active, true
	}

	c.invalid++
	c.log.Warn().
		Str("mode", c.active.Mode().String()).
		Int("observations", c.invalid).
		Msg("Active renderer is not valid")
	if c.invalid >= c.opts.InvalidThreshold && !c.state.InProgress {
		c.invalid = 0
		c.rendererLost(c.active.Mode(), render.ErrInvalid)
	}
	return nil, false
}

// Close disposes every renderer and unmounts the reconciler.
func (c *Coordinator) Close() {
	c.stopSettle()
	c.requested = nil
	c.failPending(flight.ErrAbandoned)
	if c.recon != nil && c.active != nil {
		c.recon.Unmount()
	}
	c.discardIncoming()
	if c.active != nil {
		if c.flights != nil {
			c.flights.Abandon(c.active)
		}
		c.active.Dispose()
		c.registry.Release(c.activeC)
		c.active, c.activeC = nil, nil
	}
	if c.span != nil {
		c.span.End()
		c.span = nil
	}
	c.state.InProgress = false
}

// begin opens a transition from the current mode to target.
func (c *Coordinator) begin(target model.Mode) {
	from := c.state.Current
	c.state.Previous = &from
	c.state.Target = target
	c.state.InProgress = true
	c.state.StartedAt = c.sched.Now()

	_, c.span = tracer.Start(context.Background(), "transition",
		trace.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", target.String()),
		))

	c.log.Info().Str("from", from.String()).Str("to", target.String()).Msg("Transition started")
	c.rec.TransitionStarted(from, target)
	c.bus.Publish(bus.TransitionStarted{From: from, To: target, At: c.state.StartedAt})
	c.bus.Publish(bus.MapReady{Mode: target, Ready: false})

	c.launch(target)
}

// retarget points the running transition at a new mode.
func (c *Coordinator) retarget(target model.Mode) {
	prev := c.state.Target
	c.log.Info().
		Str("from", c.state.Current.String()).
		Str("previous", prev.String()).
		Str("to", target.String()).
		Msg("Transition retargeted")
	c.bus.Publish(bus.TransitionRetargeted{From: c.state.Current, Previous: prev, To: target})
	if c.span != nil {
		c.span.AddEvent("retarget", trace.WithAttributes(attribute.String("to", target.String())))
	}

	c.discardIncoming()
	c.stopSettle()

	if target == c.state.Current && c.active != nil {
		c.cancel(SettledCancelled)
		return
	}
	c.state.Target = target
	c.launch(target)
}

// launch builds and initializes the renderer for target. It is the only
// place adapters are created.
func (c *Coordinator) launch(target model.Mode) {
	c.gen++
	gen := c.gen

	a, cont, err := c.registry.Build(target)
	if err != nil {
		c.initFailed(target, err)
		return
	}
	c.launches++
	c.incoming, c.incomingC = a, cont

	if err := a.Initialize(cont); err != nil {
		c.initFailed(target, err)
		return
	}

	a.OnReady(func(err error) {
		switch {
		case err == nil && gen == c.gen && c.incoming == a:
			c.finish(SettledReady)
		case err != nil && gen == c.gen && c.incoming == a:
			c.initFailed(target, err)
		case err != nil && c.active == a:
			// settled on the cap, then the boot failed
			c.rendererLost(target, err)
		case err == nil && c.active == a:
			c.bus.Publish(bus.MapReady{Mode: target, Ready: true})
		}
	})
	c.settle = c.sched.AfterFunc(c.opts.SettleTimeout, func() {
		c.settle = nil
		if gen == c.gen && c.incoming == a {
			c.log.Warn().
				Str("mode", target.String()).
				Dur("timeout", c.opts.SettleTimeout).
				Msg("Renderer not ready in time, settling anyway")
			c.finish(SettledTimeout)
		}
	})
}

// finish swaps the incoming renderer in and ends the transition.
func (c *Coordinator) finish(reason string) {
	if !c.state.InProgress || c.incoming == nil {
		return
	}
	c.stopSettle()

	outgoing, outgoingC := c.active, c.activeC
	if outgoing != nil {
		if c.recon != nil {
			c.recon.Unmount()
		}
		if c.flights != nil {
			c.flights.Abandon(outgoing)
		}
	}

	c.active, c.activeC = c.incoming, c.incomingC
	c.incoming, c.incomingC = nil, nil

	// initialize-then-dispose: the outgoing renderer stays on screen until here
	if outgoing != nil {
		outgoing.Dispose()
		c.registry.Release(outgoingC)
	}

	from := c.state.Current
	to := c.state.Target
	elapsed := c.sched.Now().Sub(c.state.StartedAt)
	c.state.Current = to
	c.state.InProgress = false
	c.invalid = 0
	delete(c.failed, to)

	if c.recon != nil {
		c.recon.Mount(c.active)
	}
	c.endSpan(reason, nil)
	c.rec.TransitionFinished(from, to, reason, elapsed)
	c.log.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Dur("elapsed", elapsed).
		Msg("Transition settled")

	c.bus.Publish(bus.TransitionSettled{Mode: to, Reason: reason, Elapsed: elapsed})
	if outgoing != nil && from != to {
		c.bus.Publish(bus.ModeChanged{From: from, To: to})
	}
	c.bus.Publish(bus.MapReady{Mode: to, Ready: c.active.IsReady()})

	c.flyPending()
}

// cancel ends the transition without a swap, keeping the current renderer.
func (c *Coordinator) cancel(reason string) {
	elapsed := c.sched.Now().Sub(c.state.StartedAt)
	c.state.Target = c.state.Current
	c.state.InProgress = false
	c.endSpan(reason, nil)
	c.rec.TransitionFinished(c.state.Current, c.state.Current, reason, elapsed)
	c.log.Info().Str("mode", c.state.Current.String()).Str("reason", reason).Msg("Transition cancelled")

	c.bus.Publish(bus.TransitionSettled{Mode: c.state.Current, Reason: reason, Elapsed: elapsed})
	c.bus.Publish(bus.MapReady{Mode: c.state.Current, Ready: c.active.IsReady()})
	c.flyPending()
}

// initFailed handles a renderer that could not be brought up during a
// transition.
func (c *Coordinator) initFailed(mode model.Mode, err error) {
	c.discardIncoming()
	c.stopSettle()
	c.markFailed(mode, err)

	switch {
	case mode != c.opts.Fallback && c.active != nil && c.state.Current == c.opts.Fallback:
		c.cancel(SettledFailed)
	case mode != c.opts.Fallback:
		c.log.Warn().Str("mode", mode.String()).Str("fallback", c.opts.Fallback.String()).Msg("Falling back")
		c.state.Target = c.opts.Fallback
		c.launch(c.opts.Fallback)
	case c.active != nil:
		c.cancel(SettledFailed)
	default:
		elapsed := c.sched.Now().Sub(c.state.StartedAt)
		c.state.Target = c.state.Current
		c.state.InProgress = false
		c.endSpan(SettledFailed, err)
		c.rec.TransitionFinished(c.state.Current, c.state.Current, SettledFailed, elapsed)
		c.log.Error().Err(err).Msg("No renderer available")
		c.bus.Publish(bus.TransitionSettled{Mode: c.state.Current, Reason: SettledFailed, Elapsed: elapsed})
		c.bus.Publish(bus.MapReady{Mode: mode, Ready: false})
		c.failPending(ErrNoRenderer)
	}
}

// hasRenderer reports whether a renderer is active or being brought up.
func (c *Coordinator) hasRenderer() bool {
	return c.active != nil || c.state.InProgress
}

// failPending completes a held flight with err.
func (c *Coordinator) failPending(err error) {
	p := c.pendingLoc
	if p == nil {
		return
	}
	c.pendingLoc = nil
	c.log.Warn().Err(err).Str("location", p.loc.ID).Msg("Held flight dropped")
	if p.onComplete != nil {
		p.onComplete(err)
	}
}

// rendererLost handles the active renderer becoming unusable while steady.
func (c *Coordinator) rendererLost(mode model.Mode, err error) {
	c.markFailed(mode, err)
	if c.state.InProgress {
		return
	}
	target := c.opts.Fallback
	if _, failed := c.failed[target]; failed && target != mode {
		c.log.Error().Str("mode", mode.String()).Msg("Renderer lost and fallback unavailable")
		return
	}
	c.begin(target)
}

func (c *Coordinator) markFailed(mode model.Mode, err error) {
	c.failed[mode] = err
	c.rec.RendererFailed(mode)
	c.log.Error().Err(err).Str("mode", mode.String()).Msg("Renderer failed")
	c.bus.Publish(bus.RendererFailed{Mode: mode, Err: err})
	c.bus.Publish(bus.Toast{Level: bus.LevelError, Message: mode.String() + " view is unavailable", Err: err})
}

func (c *Coordinator) flyPending() {
	p := c.pendingLoc
	if p == nil || c.active == nil {
		return
	}
	c.pendingLoc = nil
	if err := c.flights.RequestFlight(p.loc, c.active, p.onComplete); err != nil && p.onComplete != nil {
		p.onComplete(err)
	}
}

func (c *Coordinator) discardIncoming() {
	if c.incoming == nil {
		if c.incomingC != nil {
			c.registry.Release(c.incomingC)
			c.incomingC = nil
		}
		return
	}
	c.incoming.Dispose()
	c.registry.Release(c.incomingC)
	c.incoming, c.incomingC = nil, nil
}

func (c *Coordinator) stopSettle() {
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

func (c *Coordinator) endSpan(reason string, err error) {
	if c.span == nil {
		return
	}
	c.span.SetAttributes(attribute.String("reason", reason))
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	c.span = nil
}
