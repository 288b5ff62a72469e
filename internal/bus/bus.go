// Package bus is the typed event bus the core uses to talk to the UI layer
// and to itself. Events are delivered synchronously on the publisher's
// goroutine, which is always the event loop for core publishers.
package bus

import (
	"sync"
	"time"

	"github.com/woozymasta/geoannotate/internal/model"
)

// Event is implemented by every event variant. The unexported method keeps
// the set closed.
type Event interface {
	Name() string
	event()
}

// ModeChanged is published when a transition settles on a new mode.
type ModeChanged struct {
	From model.Mode
	To   model.Mode
}

// TransitionStarted is published when a renderer switch begins.
type TransitionStarted struct {
	At   time.Time
	From model.Mode
	To   model.Mode
}

// TransitionRetargeted is published when a new mode request replaces the
// target of a running transition.
type TransitionRetargeted struct {
	From     model.Mode
	Previous model.Mode
	To       model.Mode
}

// TransitionSettled is published when the active renderer is interactive.
type TransitionSettled struct {
	Mode    model.Mode
	Reason  string
	Elapsed time.Duration
}

// FlightStarted is published when the camera begins moving to a location.
type FlightStarted struct {
	Location model.Location
	Mode     model.Mode
}

// FlightFinished is published once per flight, whatever the outcome.
type FlightFinished struct {
	Err      error
	Location model.Location
	Outcome  string
	Mode     model.Mode
}

// MapReady reports whether the active renderer accepts input.
type MapReady struct {
	Mode  model.Mode
	Ready bool
}

// RendererFailed reports that a renderer cannot be used; the UI replaces its
// viewport with an error panel.
type RendererFailed struct {
	Err  error
	Mode model.Mode
}

// Level is the severity of a toast.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Toast is a transient user notification.
type Toast struct {
	Err     error
	Level   Level
	Message string
}

// DrawingsReconciled summarises one reconciliation pass.
type DrawingsReconciled struct {
	Mode    model.Mode
	Live    int
	Created int
	Updated int
	Removed int
	Failed  int
}

// ShapeSelected is published when the user clicks a live annotation.
type ShapeSelected struct {
	DrawingID string
	Owned     bool
}

// ToolChanged is published when a drawing tool is activated or cleared.
type ToolChanged struct {
	Tool string
}

func (ModeChanged) Name() string          { return "mode_changed" }
func (TransitionStarted) Name() string    { return "transition_started" }
func (TransitionRetargeted) Name() string { return "transition_retargeted" }
func (TransitionSettled) Name() string    { return "transition_settled" }
func (FlightStarted) Name() string        { return "flight_started" }
func (FlightFinished) Name() string       { return "flight_finished" }
func (MapReady) Name() string             { return "map_ready" }
func (RendererFailed) Name() string       { return "renderer_failed" }
func (Toast) Name() string                { return "toast" }
func (DrawingsReconciled) Name() string   { return "drawings_reconciled" }
func (ShapeSelected) Name() string        { return "shape_selected" }
func (ToolChanged) Name() string          { return "tool_changed" }

func (ModeChanged) event()          {}
func (TransitionStarted) event()    {}
func (TransitionRetargeted) event() {}
func (TransitionSettled) event()    {}
func (FlightStarted) event()        {}
func (FlightFinished) event()       {}
func (MapReady) event()             {}
func (RendererFailed) event()       {}
func (Toast) event()                {}
func (DrawingsReconciled) event()   {}
func (ShapeSelected) event()        {}
func (ToolChanged) event()          {}

// Handler receives events.
type Handler func(Event)

// Bus fans events out to subscribers in registration order.
type Bus struct {
	subs []*subscription
	mu   sync.Mutex
}

type subscription struct {
	fn     Handler
	active bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (b *Bus) Subscribe(fn Handler) func() {
	sub := &subscription{fn: fn, active: true}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !sub.active {
			return
		}
		sub.active = false
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers e to every subscriber. A subscriber removed while an
// event is being delivered does not receive it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.mu.Lock()
		active := s.active
		b.mu.Unlock()
		if active {
			s.fn(e)
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
