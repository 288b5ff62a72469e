package render

import (
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
)

const frameInterval = 50 * time.Millisecond

// profile is what differs between engines: camera model, animation timing,
// shape representation and tool support.
type profile interface {
	mode() model.Mode
	shapeKind() string
	home() Camera
	target(from Camera, lon, lat float64) Camera
	duration(from, to Camera) time.Duration
	zoom(c Camera, in bool) Camera
	supports(t Tool) bool
	validate(spec ShapeSpec) error
	gpuCost(spec ShapeSpec) int
	repaintsOnView() bool
}

// TileWarmer prefetches map tiles around a flight target. Implementations
// must not block.
type TileWarmer interface {
	Warm(lon, lat float64)
}

// engine implements Adapter on top of a profile. Concrete adapters embed it.
type engine struct {
	bootErr   error
	prof      profile
	sched     loop.Scheduler
	container *Container
	canvas    *Node
	anim      *animation
	warmer    TileWarmer
	timers    map[*trackedTimer]struct{}
	viewSubs  map[int]func(ViewEvent)
	shapes    map[string]*shape
	log       zerolog.Logger
	tool      Tool
	readyCbs  []func(error)
	camera    Camera
	bootDelay time.Duration
	nextSub   int
	gpuBytes  int

	initialized bool
	booted      bool
	ready       bool
	disposed    bool
}

type animation struct {
	onComplete func()
	frame      *trackedTimer
	from, to   Camera
	steps      int
	step       int
}

type trackedTimer struct {
	timer loop.Timer
}

func newEngine(sched loop.Scheduler, log zerolog.Logger, p profile, bootDelay time.Duration) *engine {
	return &engine{
		prof:      p,
		sched:     sched,
		log:       log.With().Str("renderer", p.mode().String()).Logger(),
		bootDelay: bootDelay,
		camera:    p.home(),
		timers:    make(map[*trackedTimer]struct{}),
		viewSubs:  make(map[int]func(ViewEvent)),
		shapes:    make(map[string]*shape),
	}
}

func (e *engine) Mode() model.Mode { return e.prof.mode() }

// SimulateBootFailure makes the engine report err through OnReady when its
// boot completes, as a viewer whose WebGL context cannot be created would.
func (e *engine) SimulateBootFailure(err error) { e.bootErr = err }

func (e *engine) Initialize(c *Container) error {
	switch {
	case e.disposed:
		return &InitializationError{Mode: e.Mode(), Err: ErrDisposed}
	case e.initialized:
		return &InitializationError{Mode: e.Mode(), Err: ErrAlreadyInitialized}
	case !c.Attached():
		return &InitializationError{Mode: e.Mode(), Err: ErrContainerDetached}
	}

	e.initialized = true
	e.container = c
	e.canvas = c.Append("canvas:" + e.Mode().String())

	e.after(e.bootDelay, func() {
		if e.disposed {
			return
		}
		e.booted = true
		err := e.bootErr
		if err != nil {
			err = &InitializationError{Mode: e.Mode(), Err: err}
			e.log.Error().Err(err).Msg("Renderer boot failed")
		} else {
			e.ready = true
			e.log.Debug().Str("container", c.ID()).Msg("Renderer ready")
		}
		e.bootErr = err
		cbs := e.readyCbs
		e.readyCbs = nil
		for _, cb := range cbs {
			cb(err)
		}
	})

	return nil
}

func (e *engine) OnReady(cb func(error)) {
	if e.disposed || cb == nil {
		return
	}
	if e.booted {
		err := e.bootErr
		e.sched.Post(func() {
			if !e.disposed {
				cb(err)
			}
		})
		return
	}
	e.readyCbs = append(e.readyCbs, cb)
}

func (e *engine) Dispose() {
	if e.disposed {
		return
	}
	e.disposed = true
	e.ready = false
	e.anim = nil

	for t := range e.timers {
		t.timer.Stop()
	}
	clear(e.timers)

	for _, s := range e.shapes {
		s.dispose()
	}
	clear(e.shapes)
	clear(e.viewSubs)
	e.readyCbs = nil
	e.gpuBytes = 0

	if e.canvas != nil {
		e.canvas.Remove()
		e.canvas = nil
	}
	e.log.Debug().Msg("Renderer disposed")
}

func (e *engine) IsReady() bool { return e.ready && !e.disposed && e.bootErr == nil }

func (e *engine) IsValid() bool {
	return !e.disposed && e.initialized && e.canvas != nil && !e.canvas.Removed() && e.container.Attached()
}

func (e *engine) Container() *Container { return e.container }

func (e *engine) Camera() Camera { return e.camera }

func (e *engine) Layer() Layer { return e }

func (e *engine) FlyTo(lon, lat float64, onComplete func()) {
	if !e.IsValid() {
		e.log.Warn().Float64("lon", lon).Float64("lat", lat).Msg("FlyTo ignored: renderer not valid")
		return
	}
	if !e.ready {
		e.log.Warn().Msg("FlyTo ignored: renderer not ready")
		return
	}

	if e.anim != nil {
		e.untrack(e.anim.frame)
		e.log.Debug().Msg("Flight superseded")
	}

	from := e.camera
	to := e.prof.target(from, lon, lat)
	d := e.prof.duration(from, to)
	steps := max(1, int(math.Ceil(float64(d)/float64(frameInterval))))

	if e.warmer != nil {
		e.warmer.Warm(lon, lat)
	}

	a := &animation{from: from, to: to, steps: steps, onComplete: onComplete}
	e.anim = a
	e.scheduleFrame(a)

	e.log.Debug().
		Float64("lon", lon).
		Float64("lat", lat).
		Dur("duration", d).
		Msg("Flight started")
}

func (e *engine) scheduleFrame(a *animation) {
	a.frame = e.after(frameInterval, func() {
		if e.anim != a || e.disposed {
			return
		}
		a.step++
		e.camera = lerp(a.from, a.to, float64(a.step)/float64(a.steps))
		if a.step < a.steps {
			e.scheduleFrame(a)
			return
		}

		e.camera = a.to
		e.anim = nil
		e.emitView(ViewMoveEnd)
		if a.onComplete != nil {
			a.onComplete()
		}
	})
}

func (e *engine) ZoomIn()  { e.zoom(true) }
func (e *engine) ZoomOut() { e.zoom(false) }

func (e *engine) zoom(in bool) {
	if !e.IsValid() {
		e.log.Warn().Bool("in", in).Msg("Zoom ignored: renderer not valid")
		return
	}
	e.camera = e.prof.zoom(e.camera, in)
	e.emitView(ViewZoom)
}

func (e *engine) ResetView() {
	if !e.IsValid() {
		e.log.Warn().Msg("ResetView ignored: renderer not valid")
		return
	}
	a := e.anim
	if a != nil {
		e.untrack(a.frame)
		e.anim = nil
	}
	e.camera = e.prof.home()
	e.emitView(ViewMoveEnd)
	// an interrupted flight still completes
	if a != nil && a.onComplete != nil {
		a.onComplete()
	}
}

// Drag simulates a user drag that shifts the camera center.
func (e *engine) Drag(dLon, dLat float64) {
	if !e.IsValid() {
		e.log.Warn().Msg("Drag ignored: renderer not valid")
		return
	}
	e.camera = lerp(e.camera, Camera{
		Longitude: e.camera.Longitude + dLon,
		Latitude:  clamp(e.camera.Latitude+dLat, -85.05112878, 85.05112878),
		Zoom:      e.camera.Zoom,
		Height:    e.camera.Height,
		Heading:   e.camera.Heading,
		Pitch:     e.camera.Pitch,
	}, 1)
	e.emitView(ViewDragEnd)
}

func (e *engine) OnViewChange(fn func(ViewEvent)) func() {
	if e.disposed {
		return func() {}
	}
	e.nextSub++
	id := e.nextSub
	e.viewSubs[id] = fn
	return func() { delete(e.viewSubs, id) }
}

func (e *engine) emitView(kind ViewEventKind) {
	if e.prof.repaintsOnView() && e.container != nil {
		e.container.ResetStyles(e.prof.shapeKind())
	}
	ev := ViewEvent{Kind: kind, Camera: e.camera}
	for id := 1; id <= e.nextSub; id++ {
		if fn, ok := e.viewSubs[id]; ok {
			fn(ev)
		}
	}
}

func (e *engine) SetTool(t Tool) error {
	if !e.IsValid() {
		e.log.Warn().Str("tool", string(t)).Msg("SetTool ignored: renderer not valid")
		return ErrInvalid
	}
	if t != ToolNone && !e.prof.supports(t) {
		return ErrToolUnsupported
	}
	e.tool = t
	return nil
}

// Tool returns the active drawing tool.
func (e *engine) Tool() Tool { return e.tool }

func (e *engine) Stats() Stats {
	s := Stats{
		Timers:    len(e.timers),
		Listeners: len(e.viewSubs) + len(e.readyCbs),
		Shapes:    len(e.shapes),
		GPUBytes:  e.gpuBytes,
	}
	if e.canvas != nil && !e.canvas.Removed() {
		s.Nodes++
	}
	for _, sh := range e.shapes {
		s.Nodes += 1 + len(sh.controls)
	}
	return s
}

func (e *engine) AddShape(spec ShapeSpec) (Shape, error) {
	if !e.IsValid() {
		return nil, ErrInvalid
	}
	if _, exists := e.shapes[spec.ID]; exists {
		return nil, errors.New("shape " + spec.ID + " already exists")
	}
	if err := e.prof.validate(spec); err != nil {
		return nil, err
	}

	s := &shape{
		engine: e,
		spec:   spec,
		node:   e.container.Append(e.prof.shapeKind()),
		cost:   e.prof.gpuCost(spec),
	}
	s.applyAttrs()
	e.gpuBytes += s.cost
	e.shapes[spec.ID] = s
	return s, nil
}

// after arms a timer the engine tracks for disposal.
func (e *engine) after(d time.Duration, fn func()) *trackedTimer {
	t := &trackedTimer{}
	t.timer = e.sched.AfterFunc(d, func() {
		delete(e.timers, t)
		fn()
	})
	e.timers[t] = struct{}{}
	return t
}

func (e *engine) untrack(t *trackedTimer) {
	if t == nil {
		return
	}
	t.timer.Stop()
	delete(e.timers, t)
}
