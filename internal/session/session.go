// Package session is the core the UI talks to. It wires the renderers, the
// flight controller, the transition coordinator and the annotation
// reconciler around one event bus and exposes the observable view state.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/annotate"
	"github.com/woozymasta/geoannotate/internal/bus"
	"github.com/woozymasta/geoannotate/internal/flight"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
	"github.com/woozymasta/geoannotate/internal/store"
	"github.com/woozymasta/geoannotate/internal/transition"
)

// Options configures every core component.
type Options struct {
	Flight     flight.Options     `yaml:"flight"`
	Transition transition.Options `yaml:"transition"`
	Annotate   annotate.Options   `yaml:"annotate"`
}

// Recorders receive metrics from the core components. Nil fields are ignored.
type Recorders struct {
	Flight     flight.Recorder
	Transition transition.Recorder
	Annotate   annotate.Recorder
}

// State is the view state the UI renders spinners and toasts from.
type State struct {
	FailedModes      map[string]string `json:"failed_modes,omitempty"`
	Location         *model.Location   `json:"location,omitempty"`
	Tool             render.Tool       `json:"tool"`
	ActiveMode       model.Mode        `json:"active_mode"`
	TargetMode       model.Mode        `json:"target_mode"`
	Transitioning    bool              `json:"transitioning"`
	FlightInProgress bool              `json:"flight_in_progress"`
	MapReady         bool              `json:"map_ready"`
}

func (s State) equal(o State) bool {
	if (s.Location == nil) != (o.Location == nil) {
		return false
	}
	if s.Location != nil && *s.Location != *o.Location {
		return false
	}
	return s.Tool == o.Tool &&
		s.ActiveMode == o.ActiveMode &&
		s.TargetMode == o.TargetMode &&
		s.Transitioning == o.Transitioning &&
		s.FlightInProgress == o.FlightInProgress &&
		s.MapReady == o.MapReady &&
		maps.Equal(s.FailedModes, o.FailedModes)
}

// Session owns the core components. It must only be used from the event loop.
type Session struct {
	sched    loop.Scheduler
	store    store.Store
	bus      *bus.Bus
	flights  *flight.Controller
	coord    *transition.Coordinator
	recon    *annotate.Reconciler
	location *model.Location
	subs     map[int]func(State)
	unsubBus func()
	log      zerolog.Logger
	last     State
	tool     render.Tool
	viewer   string
	nextSub  int
	mapReady bool
}

// New wires a session. Call Start to boot the first renderer.
func New(sched loop.Scheduler, reg *render.Registry, s store.Store, rec Recorders, log zerolog.Logger, opts Options) *Session {
	b := bus.New()
	flights := flight.NewController(sched, b, rec.Flight, log, opts.Flight)
	recon := annotate.New(s, sched, b, rec.Annotate, log, opts.Annotate)
	coord := transition.New(transition.Deps{
		Scheduler:  sched,
		Registry:   reg,
		Flights:    flights,
		Reconciler: recon,
		Bus:        b,
		Recorder:   rec.Transition,
	}, log, opts.Transition)

	ss := &Session{
		sched:   sched,
		store:   s,
		bus:     b,
		flights: flights,
		coord:   coord,
		recon:   recon,
		viewer:  opts.Annotate.ViewerID,
		subs:    make(map[int]func(State)),
		log:     log.With().Str("component", "session").Logger(),
	}
	ss.unsubBus = b.Subscribe(ss.handle)
	return ss
}

// Start boots the renderer for mode.
func (s *Session) Start(mode model.Mode) error {
	if err := s.coord.Start(mode); err != nil {
		return err
	}
	s.changed()
	return nil
}

// Bus returns the event bus every component publishes to.
func (s *Session) Bus() *bus.Bus { return s.bus }

// Reconciler returns the annotation reconciler.
func (s *Session) Reconciler() *annotate.Reconciler { return s.recon }

// Coordinator returns the transition coordinator.
func (s *Session) Coordinator() *transition.Coordinator { return s.coord }

// OnModeChangeRequested switches the view engine.
func (s *Session) OnModeChangeRequested(mode model.Mode) error {
	return s.coord.RequestModeChange(mode)
}

// OnLocationSelected flies the active renderer to loc. Selecting the
// location that is already being flown to is ignored. Invalid coordinates
// return a *flight.InvalidCoordinateError.
func (s *Session) OnLocationSelected(loc model.Location) error {
	if loc.ID == "" {
		loc.ID = model.LocationID(loc.Label, loc.Longitude, loc.Latitude)
	}
	if s.flying(loc.ID) {
		s.log.Debug().Str("location", loc.ID).Msg("Location already selected")
		return nil
	}

	err := s.coord.FlyTo(loc, func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, flight.ErrAbandoned):
			s.log.Debug().Str("location", loc.ID).Msg("Flight abandoned by view switch")
		default:
			s.log.Warn().Err(err).Str("location", loc.ID).Msg("Flight did not complete")
		}
		s.changed()
	})
	if err != nil {
		return err
	}
	s.location = &loc
	s.changed()
	return nil
}

func (s *Session) flying(id string) bool {
	if a := s.coord.Active(); a != nil {
		if target, ok := s.flights.Target(a); ok && target.ID == id {
			return true
		}
	}
	if held, ok := s.coord.PendingLocation(); ok && held.ID == id {
		return true
	}
	return false
}

// OnToolSelected activates a drawing tool, or clears it for an empty name.
// The tool is re-applied to every renderer that becomes active.
func (s *Session) OnToolSelected(name string) error {
	t, ok := render.ParseTool(name)
	if !ok {
		return fmt.Errorf("unknown drawing tool %q", name)
	}
	s.tool = t
	s.applyTool()
	s.bus.Publish(bus.ToolChanged{Tool: string(t)})
	return nil
}

func (s *Session) applyTool() {
	a, ok := s.coord.Usable()
	if !ok {
		return
	}
	err := a.SetTool(s.tool)
	if errors.Is(err, render.ErrToolUnsupported) {
		s.bus.Publish(bus.Toast{
			Level:   bus.LevelWarn,
			Message: fmt.Sprintf("%s is not available in the %s view", s.tool, a.Mode()),
			Err:     err,
		})
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("tool", string(s.tool)).Msg("Failed to apply drawing tool")
	}
}

// OnClearAllRequested disposes every shape and deletes all annotations.
func (s *Session) OnClearAllRequested(ctx context.Context) error {
	if err := s.recon.ClearAll(ctx); err != nil {
		s.bus.Publish(bus.Toast{Level: bus.LevelError, Message: "Could not clear annotations", Err: err})
		return err
	}
	s.bus.Publish(bus.Toast{Level: bus.LevelInfo, Message: "All annotations cleared"})
	return nil
}

// Zoom steps the active camera in or out.
func (s *Session) Zoom(in bool) error {
	a, ok := s.coord.Usable()
	if !ok {
		return render.ErrInvalid
	}
	if in {
		a.ZoomIn()
	} else {
		a.ZoomOut()
	}
	return nil
}

// ResetView returns the active camera to its home position.
func (s *Session) ResetView() error {
	a, ok := s.coord.Usable()
	if !ok {
		return render.ErrInvalid
	}
	a.ResetView()
	return nil
}

// State returns the current view state.
func (s *Session) State() State {
	ts := s.coord.State()
	st := State{
		ActiveMode:    ts.Current,
		TargetMode:    ts.Target,
		Transitioning: ts.InProgress,
		Tool:          s.tool,
		MapReady:      s.mapReady && !ts.InProgress,
	}
	if a := s.coord.Active(); a != nil {
		st.FlightInProgress = s.flights.InFlight(a)
	}
	if _, held := s.coord.PendingLocation(); held {
		st.FlightInProgress = true
	}
	if s.location != nil {
		loc := *s.location
		st.Location = &loc
	}
	if failed := s.coord.FailedModes(); len(failed) > 0 {
		st.FailedModes = make(map[string]string, len(failed))
		for m, err := range failed {
			st.FailedModes[m.String()] = err.Error()
		}
	}
	return st
}

// Subscribe registers fn to receive every new state.
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() { delete(s.subs, id) }
}

func (s *Session) handle(e bus.Event) {
	switch ev := e.(type) {
	case bus.MapReady:
		s.mapReady = ev.Ready
	case bus.TransitionSettled:
		s.applyTool()
	}
	s.changed()
}

func (s *Session) changed() {
	st := s.State()
	if st.equal(s.last) {
		return
	}
	s.last = st
	for id := 1; id <= s.nextSub; id++ {
		if fn, ok := s.subs[id]; ok {
			fn(st)
		}
	}
}

// Close disposes every renderer and detaches from the bus.
func (s *Session) Close() {
	s.coord.Close()
	if s.unsubBus != nil {
		s.unsubBus()
		s.unsubBus = nil
	}
}
