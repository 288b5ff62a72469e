package render

import (
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func bootTileMap(t *testing.T, m *loop.Manual) (*TileMap, *Container) {
	t.Helper()
	tm := NewTileMap(m, zerolog.Nop(), TileMapOptions{BootDelay: 100 * time.Millisecond, MaxZoom: 18})
	c := NewContainer("map")
	c.Attach()
	if err := tm.Initialize(c); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	m.Advance(100 * time.Millisecond)
	if !tm.IsReady() {
		t.Fatal("tile map not ready after boot delay")
	}
	return tm, c
}

func TestInitializeRequiresAttachedContainer(t *testing.T) {
	m := loop.NewManual(epoch)
	tm := NewTileMap(m, zerolog.Nop(), TileMapOptions{})

	err := tm.Initialize(NewContainer("detached"))
	var initErr *InitializationError
	if !errors.As(err, &initErr) || !errors.Is(err, ErrContainerDetached) {
		t.Fatalf("Initialize() = %v, want InitializationError(ErrContainerDetached)", err)
	}
	if initErr.Mode != model.TileMap {
		t.Fatalf("error mode = %s", initErr.Mode)
	}
}

func TestInitializeOnlyOnce(t *testing.T) {
	m := loop.NewManual(epoch)
	tm, c := bootTileMap(t, m)
	if err := tm.Initialize(c); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Initialize() = %v, want ErrAlreadyInitialized", err)
	}
}

func TestOnReady(t *testing.T) {
	m := loop.NewManual(epoch)
	g := NewTerrainGlobe(m, zerolog.Nop(), TerrainOptions{BootDelay: 500 * time.Millisecond})
	c := NewContainer("terrain")
	c.Attach()

	var early []error
	g.OnReady(func(err error) { early = append(early, err) })
	if err := g.Initialize(c); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	m.Advance(499 * time.Millisecond)
	if len(early) != 0 || g.IsReady() {
		t.Fatal("ready before boot delay")
	}
	m.Advance(time.Millisecond)
	if len(early) != 1 || early[0] != nil {
		t.Fatalf("early callbacks = %v", early)
	}

	late := 0
	g.OnReady(func(err error) { late++ })
	if late != 0 {
		t.Fatal("late OnReady ran synchronously")
	}
	m.Flush()
	if late != 1 {
		t.Fatalf("late OnReady ran %d times", late)
	}
}

func TestBootFailure(t *testing.T) {
	m := loop.NewManual(epoch)
	g := NewWebGLGlobe(m, zerolog.Nop(), GlobeOptions{BootDelay: 10 * time.Millisecond})
	g.SimulateBootFailure(errors.New("webgl context lost"))
	c := NewContainer("globe")
	c.Attach()

	var got error
	g.OnReady(func(err error) { got = err })
	if err := g.Initialize(c); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	m.Advance(10 * time.Millisecond)

	var initErr *InitializationError
	if !errors.As(got, &initErr) {
		t.Fatalf("OnReady error = %v, want InitializationError", got)
	}
	if g.IsReady() {
		t.Fatal("failed engine reports ready")
	}
}

func TestFlyToCompletesOnce(t *testing.T) {
	m := loop.NewManual(epoch)
	tm, _ := bootTileMap(t, m)

	calls := 0
	tm.FlyTo(10, 20, func() { calls++ })
	m.Advance(5 * time.Second)

	if calls != 1 {
		t.Fatalf("onComplete ran %d times, want 1", calls)
	}
	cam := tm.Camera()
	if cam.Longitude != 10 || cam.Latitude != 20 {
		t.Fatalf("camera = %+v", cam)
	}
	if cam.Zoom != 12 {
		t.Fatalf("camera zoom = %v, want flight zoom 12", cam.Zoom)
	}
}

func TestFlyToSupersededNeverCompletes(t *testing.T) {
	m := loop.NewManual(epoch)
	tm, _ := bootTileMap(t, m)

	first, second := 0, 0
	tm.FlyTo(10, 20, func() { first++ })
	m.Advance(100 * time.Millisecond)
	tm.FlyTo(-70, 40, func() { second++ })
	m.Advance(5 * time.Second)

	if first != 0 || second != 1 {
		t.Fatalf("first = %d, second = %d; want 0, 1", first, second)
	}
}

func TestResetViewEndsFlight(t *testing.T) {
	m := loop.NewManual(epoch)
	tm, _ := bootTileMap(t, m)
	home := tm.Camera()

	calls := 0
	tm.FlyTo(10, 20, func() { calls++ })
	m.Advance(100 * time.Millisecond)
	tm.ResetView()

	if calls != 1 {
		t.Fatalf("onComplete ran %d times after reset, want 1", calls)
	}
	if tm.Camera() != home {
		t.Fatalf("camera = %+v, want home %+v", tm.Camera(), home)
	}
	m.Advance(5 * time.Second)
	if calls != 1 {
		t.Fatalf("onComplete ran %d times, want 1", calls)
	}
	if tm.Stats().Timers != 0 {
		t.Fatalf("timers left = %d", tm.Stats().Timers)
	}

	// a reset with no flight running completes nothing
	tm.ResetView()
	if calls != 1 {
		t.Fatalf("onComplete ran %d times, want 1", calls)
	}
}

func TestFlyToCrossesAntimeridian(t *testing.T) {
	a := Camera{Longitude: 170, Latitude: 0}
	b := Camera{Longitude: -170, Latitude: 0}
	mid := lerp(a, b, 0.5)
	if mid.Longitude != 180 && mid.Longitude != -180 {
		t.Fatalf("midpoint longitude = %v, want ±180", mid.Longitude)
	}
}

func TestDisposeReleasesEverything(t *testing.T) {
	m := loop.NewManual(epoch)
	g := NewWebGLGlobe(m, zerolog.Nop(), GlobeOptions{BootDelay: 10 * time.Millisecond})
	c := NewContainer("globe")
	c.Attach()
	if err := g.Initialize(c); err != nil {
		t.Fatal(err)
	}
	g.OnReady(func(error) {})
	m.Advance(10 * time.Millisecond)

	g.OnViewChange(func(ViewEvent) {})
	s, err := g.AddShape(ShapeSpec{
		ID:   "p1",
		Type: model.TypePolygon,
		Ring: orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 0}},
	})
	if err != nil {
		t.Fatalf("AddShape() error: %v", err)
	}
	ctrl, err := s.AddControl(ControlImageOverlay, "plan")
	if err != nil {
		t.Fatalf("AddControl() error: %v", err)
	}
	ctrl.Load(Activation{Name: "plan.png", Data: make([]byte, 1000)})
	g.FlyTo(30, 30, func() {})

	before := g.Stats()
	if before.Timers == 0 || before.Listeners == 0 || before.GPUBytes < 1000 || before.Shapes != 1 {
		t.Fatalf("stats before dispose = %+v", before)
	}

	g.Dispose()
	g.Dispose()

	if st := g.Stats(); st != (Stats{}) {
		t.Fatalf("stats after dispose = %+v, want zero", st)
	}
	if m.Pending() != 0 {
		t.Fatalf("scheduler still has %d timers", m.Pending())
	}
	if c.Len() != 0 {
		t.Fatalf("container still has %d nodes", c.Len())
	}
	if !s.Disposed() || !ctrl.Disposed() {
		t.Fatal("shape or control not disposed")
	}
}

func TestMethodsOnInvalidAdapterDoNotPanic(t *testing.T) {
	m := loop.NewManual(epoch)
	tm, c := bootTileMap(t, m)
	c.Detach()

	if tm.IsValid() {
		t.Fatal("adapter valid after container detached")
	}
	tm.ZoomIn()
	tm.ZoomOut()
	tm.ResetView()
	tm.FlyTo(1, 1, func() { t.Fatal("flight ran on invalid adapter") })
	if err := tm.SetTool(ToolPolygon); !errors.Is(err, ErrInvalid) {
		t.Fatalf("SetTool() = %v, want ErrInvalid", err)
	}
	if _, err := tm.AddShape(ShapeSpec{ID: "x", Type: model.TypeMarker}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("AddShape() = %v, want ErrInvalid", err)
	}
	m.Advance(10 * time.Second)
}

func TestTileMapRepaintResetsShapeStyle(t *testing.T) {
	m := loop.NewManual(epoch)
	tm, c := bootTileMap(t, m)

	s, err := tm.AddShape(ShapeSpec{ID: "m1", Type: model.TypeMarker, Center: orb.Point{1, 1}})
	if err != nil {
		t.Fatal(err)
	}
	var resets int
	disconnect := c.Observe(func(mu Mutation) {
		if mu.Type == StyleReset && mu.Node == s.Node() {
			resets++
		}
	})
	defer disconnect()

	var events []ViewEventKind
	tm.OnViewChange(func(ev ViewEvent) { events = append(events, ev.Kind) })

	tm.ZoomIn()
	if s.Visible() {
		t.Fatal("repaint should clear the visible style")
	}
	if resets != 1 {
		t.Fatalf("resets = %d, want 1", resets)
	}
	if !s.EnsureVisible() || !s.Visible() {
		t.Fatal("EnsureVisible did not restore style")
	}
	if s.EnsureVisible() {
		t.Fatal("EnsureVisible reported a change on a visible shape")
	}

	tm.Drag(1, 1)
	if len(events) != 2 || events[0] != ViewZoom || events[1] != ViewDragEnd {
		t.Fatalf("events = %v", events)
	}
}

func TestShapeUpdateInPlace(t *testing.T) {
	m := loop.NewManual(epoch)
	g := NewWebGLGlobe(m, zerolog.Nop(), GlobeOptions{})
	c := NewContainer("globe")
	c.Attach()
	_ = g.Initialize(c)
	m.Advance(time.Millisecond)

	s, err := g.AddShape(ShapeSpec{ID: "p", Type: model.TypePolygon, Ring: orb.Ring{{0, 0}, {1, 0}, {1, 1}}})
	if err != nil {
		t.Fatal(err)
	}
	before := g.Stats().GPUBytes

	err = s.Update(ShapeSpec{ID: "p", Type: model.TypePolygon, Ring: orb.Ring{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}, Color: "#f00"})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if g.Stats().GPUBytes <= before {
		t.Fatalf("GPU bytes %d did not grow from %d", g.Stats().GPUBytes, before)
	}
	if s.Node().Attr("color") != "#f00" {
		t.Fatalf("color = %q", s.Node().Attr("color"))
	}
	if err := s.Update(ShapeSpec{ID: "p", Type: model.TypeCircle, Radius: 10}); err == nil {
		t.Fatal("type change in place should fail")
	}
}

func TestGlobeToolSupport(t *testing.T) {
	m := loop.NewManual(epoch)
	g := NewWebGLGlobe(m, zerolog.Nop(), GlobeOptions{})
	c := NewContainer("globe")
	c.Attach()
	_ = g.Initialize(c)
	m.Advance(time.Millisecond)

	if err := g.SetTool(ToolCircle); !errors.Is(err, ErrToolUnsupported) {
		t.Fatalf("SetTool(circle) = %v, want ErrToolUnsupported", err)
	}
	if err := g.SetTool(ToolMarker); err != nil {
		t.Fatalf("SetTool(marker) = %v", err)
	}
	if g.Tool() != ToolMarker {
		t.Fatalf("Tool() = %q", g.Tool())
	}
}

func TestZoomClamps(t *testing.T) {
	tests := []struct {
		name string
		prof profile
		cam  Camera
		in   bool
		want Camera
	}{
		{"tile max", tileProfile{opts: TileMapOptions{MaxZoom: 18}}, Camera{Zoom: 18}, true, Camera{Zoom: 18}},
		{"tile out", tileProfile{opts: TileMapOptions{MaxZoom: 18}}, Camera{Zoom: 5}, false, Camera{Zoom: 4}},
		{"terrain min", terrainProfile{}, Camera{Height: 150}, true, Camera{Height: minTerrainHeight}},
		{"globe max", globeProfile{}, Camera{Zoom: 9}, false, Camera{Zoom: maxGlobeDistance}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.prof.zoom(tt.cam, tt.in); got != tt.want {
				t.Fatalf("zoom() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRegistryTracksContainers(t *testing.T) {
	m := loop.NewManual(epoch)
	r := DefaultRegistry(m, zerolog.Nop(), Options{})

	a, c, err := r.Build(model.WebGLGlobe)
	if err != nil {
		t.Fatal(err)
	}
	if a.Mode() != model.WebGLGlobe || !c.Attached() || r.Live() != 1 {
		t.Fatalf("mode = %s attached = %v live = %d", a.Mode(), c.Attached(), r.Live())
	}
	r.Release(c)
	r.Release(c)
	if c.Attached() || r.Live() != 0 {
		t.Fatalf("attached = %v live = %d", c.Attached(), r.Live())
	}
}
