// Package render defines the capability interface every view engine exposes
// to the core and implements it for the tile map, the terrain globe and the
// WebGL globe. Adapters are not safe for concurrent use; they are driven from
// the event loop.
package render

import (
	"github.com/paulmach/orb"

	"github.com/woozymasta/geoannotate/internal/model"
)

// Tool is a drawing mode passed through to the active renderer.
type Tool string

const (
	ToolNone      Tool = ""
	ToolMarker    Tool = "marker"
	ToolPolygon   Tool = "polygon"
	ToolRectangle Tool = "rectangle"
	ToolCircle    Tool = "circle"
)

// ParseTool validates a tool name coming from the UI.
func ParseTool(s string) (Tool, bool) {
	switch t := Tool(s); t {
	case ToolNone, ToolMarker, ToolPolygon, ToolRectangle, ToolCircle:
		return t, true
	}
	return ToolNone, false
}

// ViewEventKind classifies camera changes.
type ViewEventKind string

const (
	ViewPan     ViewEventKind = "pan"
	ViewZoom    ViewEventKind = "zoom"
	ViewDragEnd ViewEventKind = "drag_end"
	ViewMoveEnd ViewEventKind = "move_end"
)

// ViewEvent is emitted after the camera settles following a user or
// programmatic move.
type ViewEvent struct {
	Kind   ViewEventKind
	Camera Camera
}

// Stats counts resources an adapter currently holds. After Dispose every
// counter is zero.
type Stats struct {
	Timers    int `json:"timers"`
	Listeners int `json:"listeners"`
	Nodes     int `json:"nodes"`
	Shapes    int `json:"shapes"`
	GPUBytes  int `json:"gpu_bytes"`
}

// Adapter is the uniform wrapper over one rendering engine.
type Adapter interface {
	Mode() model.Mode

	// Initialize allocates the viewer into c. It may be called once.
	// Readiness is reported asynchronously through OnReady.
	Initialize(c *Container) error
	// OnReady registers cb to run once the engine finished booting, with
	// the boot error if any. Callbacks registered after that run on the
	// next loop turn.
	OnReady(cb func(error))
	// Dispose releases timers, listeners, nodes and GPU buffers. Idempotent.
	Dispose()

	// FlyTo animates the camera. onComplete runs once when the animation
	// ends or ResetView interrupts it, and never when a newer FlyTo
	// supersedes it.
	FlyTo(lon, lat float64, onComplete func())
	IsReady() bool
	IsValid() bool

	ZoomIn()
	ZoomOut()
	ResetView()

	Camera() Camera
	Layer() Layer
	// OnViewChange subscribes to pan, zoom and drag-end events.
	OnViewChange(fn func(ViewEvent)) (unsubscribe func())
	SetTool(t Tool) error
	Container() *Container
	Stats() Stats
}

// ShapeSpec is the renderer-neutral description of a shadow object.
type ShapeSpec struct {
	Ring   orb.Ring
	Bound  orb.Bound
	Center orb.Point
	ID     string
	Type   model.DrawingType
	Label  string
	Color  string
	Radius float64
}

// Layer creates renderer-native objects.
type Layer interface {
	AddShape(spec ShapeSpec) (Shape, error)
}

// ControlKind names the UI sub-elements attached to a shape.
type ControlKind string

const (
	ControlEdit         ControlKind = "edit"
	ControlUpload       ControlKind = "upload"
	ControlImageOverlay ControlKind = "image_overlay"
)

// Activation carries the payload of a control interaction, e.g. an uploaded file.
type Activation struct {
	Name        string
	ContentType string
	Data        []byte
	Opacity     float64
}

// Control is a sub-element owned by a shape.
type Control interface {
	Kind() ControlKind
	OnActivate(fn func(Activation))
	// Activate simulates a user interaction and runs the handler.
	Activate(a Activation)
	// Load sets the content the control displays, e.g. an overlay image.
	Load(a Activation)
	Dispose()
	Disposed() bool
}

// Shape is a live renderer-native object for one drawing.
type Shape interface {
	ID() string
	Spec() ShapeSpec
	// Update changes geometry and style in place. Changing the drawing type
	// is not supported and returns an error.
	Update(spec ShapeSpec) error
	// EnsureVisible re-applies the visible style and reports whether it
	// had been lost.
	EnsureVisible() bool
	Visible() bool
	Node() *Node
	OnClick(fn func())
	Click()
	AddControl(kind ControlKind, label string) (Control, error)
	Controls() []Control
	Dispose()
	Disposed() bool
}
