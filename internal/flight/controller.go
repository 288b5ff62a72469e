// Package flight moves the camera of a renderer to a location. It retries
// while the renderer is still booting, collapses duplicate requests, lets a
// newer request supersede an older one and guarantees that every accepted
// request completes, at the latest after the hard timeout.
package flight

import (
	"context"
	"math"
	"time"

	"github.com/paulmach/orb/geo"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/woozymasta/geoannotate/internal/bus"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
)

var tracer = otel.Tracer("github.com/woozymasta/geoannotate/internal/flight")

// State of a flight request.
type State int

const (
	Idle State = iota
	Validating
	WaitingForReady
	Flying
	Complete
	TimedOut
)

var stateNames = [...]string{"idle", "validating", "waiting_for_ready", "flying", "complete", "timeout"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Outcomes reported to the Recorder and in bus.FlightFinished.
const (
	OutcomeComplete   = "complete"
	OutcomeTimeout    = "timeout"
	OutcomeSuperseded = "superseded"
	OutcomeAbandoned  = "abandoned"
)

// Options tunes retry and timeout behaviour.
type Options struct {
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryFactor float64       `yaml:"retry_factor"`
	MaxRetries  int           `yaml:"max_retries"`
	HardTimeout time.Duration `yaml:"hard_timeout"`
}

// DefaultOptions returns 5 retries starting at 500ms growing by 1.5 and an
// 8 second hard timeout.
func DefaultOptions() Options {
	return Options{
		RetryBase:   500 * time.Millisecond,
		RetryFactor: 1.5,
		MaxRetries:  5,
		HardTimeout: 8 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RetryBase <= 0 {
		o.RetryBase = def.RetryBase
	}
	if o.RetryFactor < 1 {
		o.RetryFactor = def.RetryFactor
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.HardTimeout <= 0 {
		o.HardTimeout = def.HardTimeout
	}
	return o
}

// Backoff returns the delay before retry n, counted from zero.
func (o Options) Backoff(n int) time.Duration {
	return time.Duration(float64(o.RetryBase) * math.Pow(o.RetryFactor, float64(n)))
}

// Recorder receives flight metrics.
type Recorder interface {
	FlightStarted(mode model.Mode)
	FlightFinished(mode model.Mode, outcome string, elapsed time.Duration, distance float64)
}

type nopRecorder struct{}

func (nopRecorder) FlightStarted(model.Mode)                                  {}
func (nopRecorder) FlightFinished(model.Mode, string, time.Duration, float64) {}

// Controller tracks at most one flight per adapter. It must only be used from
// the event loop that drives sched.
type Controller struct {
	sched  loop.Scheduler
	bus    *bus.Bus
	rec    Recorder
	active map[render.Adapter]*request
	log    zerolog.Logger
	opts   Options
}

type request struct {
	startedAt  time.Time
	adapter    render.Adapter
	onComplete func(error)
	timer      loop.Timer
	span       trace.Span
	loc        model.Location
	from       render.Camera
	state      State
	retries    int
	fired      bool
	orphaned   bool
}

// NewController returns a controller. b and rec may be nil.
func NewController(sched loop.Scheduler, b *bus.Bus, rec Recorder, log zerolog.Logger, opts Options) *Controller {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Controller{
		sched:  sched,
		bus:    b,
		rec:    rec,
		active: make(map[render.Adapter]*request),
		log:    log.With().Str("component", "flight").Logger(),
		opts:   opts.withDefaults(),
	}
}

// Options returns the effective options.
func (c *Controller) Options() Options { return c.opts }

// RequestFlight flies adapter to loc. onComplete runs exactly once with nil
// on success or a *NavigationTimeoutError, unless a newer request for a
// different location supersedes this one, in which case it never runs.
// A request for the location already in flight on adapter is ignored.
// Invalid coordinates are rejected synchronously and onComplete is not called.
func (c *Controller) RequestFlight(loc model.Location, adapter render.Adapter, onComplete func(error)) error {
	if !loc.Finite() || !loc.InRange() {
		err := &InvalidCoordinateError{Location: loc}
		c.log.Warn().Err(err).Msg("Flight rejected")
		c.bus.Publish(bus.Toast{Level: bus.LevelError, Message: "Invalid coordinates for " + loc.String(), Err: err})
		return err
	}
	if adapter == nil {
		return ErrNoAdapter
	}

	if cur := c.active[adapter]; cur != nil {
		if cur.loc.ID == loc.ID {
			c.log.Debug().Str("location", loc.ID).Str("state", cur.state.String()).Msg("Duplicate flight ignored")
			return nil
		}
		c.orphan(cur, OutcomeSuperseded)
	}

	_, span := tracer.Start(context.Background(), "flight",
		trace.WithAttributes(
			attribute.String("location.id", loc.ID),
			attribute.String("renderer", adapter.Mode().String()),
			attribute.Float64("lon", loc.Longitude),
			attribute.Float64("lat", loc.Latitude),
		))

	req := &request{
		startedAt:  c.sched.Now(),
		adapter:    adapter,
		onComplete: onComplete,
		span:       span,
		loc:        loc,
		from:       adapter.Camera(),
		state:      Validating,
	}
	c.active[adapter] = req
	c.rec.FlightStarted(adapter.Mode())
	c.bus.Publish(bus.FlightStarted{Location: loc, Mode: adapter.Mode()})

	c.attempt(req)
	return nil
}

// InFlight reports whether adapter has an unfinished flight.
func (c *Controller) InFlight(adapter render.Adapter) bool {
	_, ok := c.active[adapter]
	return ok
}

// State returns the state of the flight running on adapter, or Idle.
func (c *Controller) State(adapter render.Adapter) State {
	if req, ok := c.active[adapter]; ok {
		return req.state
	}
	return Idle
}

// Target returns the location adapter is flying to.
func (c *Controller) Target(adapter render.Adapter) (model.Location, bool) {
	if req, ok := c.active[adapter]; ok {
		return req.loc, true
	}
	return model.Location{}, false
}

// Active returns the number of unfinished flights across all adapters.
func (c *Controller) Active() int { return len(c.active) }

// Abandon stops the flight on an adapter that is being torn down. Its
// completion callback runs with ErrAbandoned so callers do not stay blocked.
func (c *Controller) Abandon(adapter render.Adapter) {
	req, ok := c.active[adapter]
	if !ok {
		return
	}
	c.orphan(req, OutcomeAbandoned)
	if req.onComplete != nil {
		req.onComplete(ErrAbandoned)
	}
}

func (c *Controller) attempt(req *request) {
	if req.orphaned || req.fired {
		return
	}
	req.timer = nil

	if !req.adapter.IsReady() {
		if req.retries >= c.opts.MaxRetries {
			c.finish(req, &NavigationTimeoutError{Location: req.loc, Reason: ReasonNotReady, Retries: req.retries})
			return
		}
		delay := c.opts.Backoff(req.retries)
		req.retries++
		req.state = WaitingForReady
		c.log.Debug().
			Str("location", req.loc.ID).
			Int("retry", req.retries).
			Dur("delay", delay).
			Msg("Renderer not ready, retrying flight")
		req.timer = c.sched.AfterFunc(delay, func() { c.attempt(req) })
		return
	}

	req.state = Flying
	req.span.AddEvent("fly_to", trace.WithAttributes(attribute.Int("retries", req.retries)))
	// armed before FlyTo so a synchronous completion disarms it
	req.timer = c.sched.AfterFunc(c.opts.HardTimeout, func() {
		c.log.Warn().
			Str("location", req.loc.ID).
			Str("renderer", req.adapter.Mode().String()).
			Dur("timeout", c.opts.HardTimeout).
			Msg("Flight did not complete, forcing completion")
		req.timer = nil
		c.finish(req, &NavigationTimeoutError{Location: req.loc, Reason: ReasonHardTimeout, Retries: req.retries})
	})
	req.adapter.FlyTo(req.loc.Longitude, req.loc.Latitude, func() { c.finish(req, nil) })
}

// finish completes req once. Later calls, from the engine or the hard
// timeout, are no-ops.
func (c *Controller) finish(req *request, err error) {
	if req.fired || req.orphaned {
		return
	}
	req.fired = true
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
	if c.active[req.adapter] == req {
		delete(c.active, req.adapter)
	}

	outcome := OutcomeComplete
	req.state = Complete
	if err != nil {
		outcome = OutcomeTimeout
		req.state = TimedOut
	}
	elapsed := c.sched.Now().Sub(req.startedAt)
	distance := geo.DistanceHaversine(req.from.Point(), render.Camera{Longitude: req.loc.Longitude, Latitude: req.loc.Latitude}.Point())
	c.end(req, outcome, err, elapsed, distance)

	if err != nil {
		c.log.Warn().Err(err).Str("location", req.loc.ID).Dur("elapsed", elapsed).Msg("Flight timed out")
		c.bus.Publish(bus.Toast{Level: bus.LevelWarn, Message: "Could not navigate to " + req.loc.String(), Err: err})
	} else {
		c.log.Info().
			Str("location", req.loc.ID).
			Str("renderer", req.adapter.Mode().String()).
			Dur("elapsed", elapsed).
			Float64("distance_km", distance/1000).
			Msg("Flight complete")
	}

	if req.onComplete != nil {
		req.onComplete(err)
	}
}

// orphan detaches req without running its completion callback.
func (c *Controller) orphan(req *request, outcome string) {
	if req.fired || req.orphaned {
		return
	}
	req.orphaned = true
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
	if c.active[req.adapter] == req {
		delete(c.active, req.adapter)
	}
	c.log.Debug().Str("location", req.loc.ID).Str("outcome", outcome).Msg("Flight orphaned")
	c.end(req, outcome, nil, c.sched.Now().Sub(req.startedAt), 0)
}

func (c *Controller) end(req *request, outcome string, err error, elapsed time.Duration, distance float64) {
	req.span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("retries", req.retries))
	if err != nil {
		req.span.RecordError(err)
		req.span.SetStatus(codes.Error, err.Error())
	}
	req.span.End()

	c.rec.FlightFinished(req.adapter.Mode(), outcome, elapsed, distance)
	c.bus.Publish(bus.FlightFinished{Location: req.loc, Mode: req.adapter.Mode(), Outcome: outcome, Err: err})
}
