package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/bus"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
	"github.com/woozymasta/geoannotate/internal/store"
)

var epoch = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

const viewer = "me"

type harness struct {
	t      *testing.T
	m      *loop.Manual
	store  *store.Memory
	recon  *Reconciler
	tiles  *render.TileMap
	events []bus.Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{t: t, m: loop.NewManual(epoch), store: store.NewMemory()}
	b := bus.New()
	b.Subscribe(func(e bus.Event) { h.events = append(h.events, e) })

	h.tiles = render.NewTileMap(h.m, zerolog.Nop(), render.TileMapOptions{BootDelay: 10 * time.Millisecond})
	c := render.NewContainer("map")
	c.Attach()
	if err := h.tiles.Initialize(c); err != nil {
		t.Fatal(err)
	}
	h.m.Advance(10 * time.Millisecond)

	opts.ViewerID = viewer
	h.recon = New(h.store, h.m, b, nil, zerolog.Nop(), opts)
	return h
}

// settle delivers queued store notifications and lets the debounce window close.
func (h *harness) settle() {
	h.m.Flush()
	h.m.Advance(h.recon.Options().Debounce)
}

func (h *harness) passes() []bus.DrawingsReconciled {
	var out []bus.DrawingsReconciled
	for _, e := range h.events {
		if p, ok := e.(bus.DrawingsReconciled); ok {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) save(d model.Drawing) {
	h.t.Helper()
	if err := store.SaveDrawing(context.Background(), h.store, d); err != nil {
		h.t.Fatal(err)
	}
}

func square(id, owner string, size float64) model.Drawing {
	return model.Drawing{
		ID:   id,
		Type: model.TypePolygon,
		Geometry: geojson.NewGeometry(orb.Polygon{
			{{0, 0}, {size, 0}, {size, size}, {0, size}, {0, 0}},
		}),
		Properties: model.DrawingProperties{Name: id, OwnerID: owner},
	}
}

func circle(id, owner string) model.Drawing {
	return model.Drawing{
		ID:         id,
		Type:       model.TypeCircle,
		Geometry:   geojson.NewGeometry(orb.Point{5, 5}),
		Radius:     250,
		Properties: model.DrawingProperties{Name: id, OwnerID: owner},
	}
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := range 40 {
		img.Set(x, 10, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func control(s render.Shape, kind render.ControlKind) render.Control {
	for _, c := range s.Controls() {
		if c.Kind() == kind {
			return c
		}
	}
	return nil
}

func TestReconcileCreatesUpdatesRemoves(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("a", viewer, 1))
	h.save(circle("b", "other"))
	if err := store.SaveMarker(context.Background(), h.store, model.Marker{ID: "m", Longitude: 3, Latitude: 4}); err != nil {
		t.Fatal(err)
	}

	h.recon.Mount(h.tiles)
	if h.recon.Len() != 3 {
		t.Fatalf("live shapes = %v, want a, b, m", h.recon.IDs())
	}
	if got := h.tiles.Container().Count("path"); got != 3 {
		t.Fatalf("container paths = %d, want 3", got)
	}

	before, _ := h.recon.Shape("a")
	h.save(square("a", viewer, 2))
	h.settle()
	after, ok := h.recon.Shape("a")
	if !ok || after != before {
		t.Fatal("update replaced the shape instead of changing it in place")
	}
	if got := after.Spec().Ring[2]; got != (orb.Point{2, 2}) {
		t.Fatalf("updated ring vertex = %v", got)
	}

	if err := h.store.Delete(context.Background(), store.KindDrawings, "b"); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if _, ok := h.recon.Shape("b"); ok {
		t.Fatal("deleted drawing still rendered")
	}
	if h.recon.Len() != 2 || h.tiles.Stats().Shapes != 2 {
		t.Fatalf("live = %d, adapter shapes = %d", h.recon.Len(), h.tiles.Stats().Shapes)
	}

	passes := h.passes()
	last := passes[len(passes)-1]
	if last.Removed != 1 || last.Live != 2 {
		t.Fatalf("last pass = %+v", last)
	}
}

func TestUnchangedDrawingsAreNotTouched(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("a", viewer, 1))
	h.recon.Mount(h.tiles)
	h.m.Advance(time.Second)

	stats, err := h.recon.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{Live: 1}) {
		t.Fatalf("idle pass = %+v", stats)
	}
}

func TestDebounceCollapsesBursts(t *testing.T) {
	h := newHarness(t, Options{Debounce: 100 * time.Millisecond})
	h.recon.Mount(h.tiles)
	h.m.Advance(time.Second)
	start := h.recon.Passes()

	for range 10 {
		h.recon.Trigger()
		h.m.Advance(5 * time.Millisecond)
	}
	if got := h.recon.Passes() - start; got != 1 {
		t.Fatalf("passes inside the window = %d, want the leading one", got)
	}
	h.m.Advance(100 * time.Millisecond)
	if got := h.recon.Passes() - start; got != 2 {
		t.Fatalf("passes after the window = %d, want leading + trailing", got)
	}
	h.m.Advance(time.Second)
	if got := h.recon.Passes() - start; got != 2 {
		t.Fatalf("passes after quiet period = %d, want 2", got)
	}
}

func TestMalformedDrawingsAreIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("good", viewer, 1))
	ctx := context.Background()
	raw := map[string]string{
		"short":  `{"id":"short","type":"polygon","geometry":{"type":"Polygon","coordinates":[[[0,0],[1,1]]]},"properties":{}}`,
		"broken": `{"id":"broken","type":"circle","geometry":{"type":"Point","coordinates":"nowhere"},"properties":{}}`,
		"wrong":  `{"id":"wrong","type":"rectangle","geometry":{"type":"Point","coordinates":[1,1]},"properties":{}}`,
	}
	for id, data := range raw {
		if err := h.store.Save(ctx, store.KindDrawings, store.Record{ID: id, Data: json.RawMessage(data)}); err != nil {
			t.Fatal(err)
		}
	}

	h.recon.Mount(h.tiles)
	if h.recon.Len() != 1 {
		t.Fatalf("live = %v, want only the valid drawing", h.recon.IDs())
	}
	passes := h.passes()
	if len(passes) != 1 || passes[0].Failed != 3 || passes[0].Created != 1 {
		t.Fatalf("passes = %+v", passes)
	}

	var toast bus.Toast
	for _, e := range h.events {
		if tt, ok := e.(bus.Toast); ok {
			toast = tt
		}
	}
	if toast.Level != bus.LevelWarn {
		t.Fatalf("toast = %+v, want a warning", toast)
	}
	var rerr *ReconciliationError
	if !errors.As(toast.Err, &rerr) || rerr.DrawingID != "broken" {
		t.Fatalf("toast error = %v, want the first failure in id order", toast.Err)
	}
}

func TestMarkerIDCollisionIsReported(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("shared", viewer, 1))
	if err := store.SaveMarker(context.Background(), h.store, model.Marker{ID: "shared", OwnerID: viewer, Longitude: 3, Latitude: 4}); err != nil {
		t.Fatal(err)
	}

	h.recon.Mount(h.tiles)
	sh, ok := h.recon.Shape("shared")
	if !ok || sh.Spec().Type != model.TypePolygon {
		t.Fatal("drawing not shown for the shared id")
	}
	passes := h.passes()
	if len(passes) != 1 || passes[0].Failed != 1 || passes[0].Live != 1 {
		t.Fatalf("passes = %+v", passes)
	}

	var toast bus.Toast
	for _, e := range h.events {
		if tt, ok := e.(bus.Toast); ok {
			toast = tt
		}
	}
	if !errors.Is(toast.Err, ErrIDConflict) {
		t.Fatalf("toast = %+v, want an id conflict", toast)
	}
}

func TestFailingDrawingKeepsPreviousShape(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("a", viewer, 1))
	h.recon.Mount(h.tiles)
	before, _ := h.recon.Shape("a")

	bad := `{"id":"a","type":"polygon","geometry":{"type":"Polygon","coordinates":[[[0,0]]]},"properties":{}}`
	if err := h.store.Save(context.Background(), store.KindDrawings, store.Record{ID: "a", Data: json.RawMessage(bad)}); err != nil {
		t.Fatal(err)
	}
	h.settle()

	after, ok := h.recon.Shape("a")
	if !ok || after != before || after.Disposed() {
		t.Fatal("a broken update removed the last good shape")
	}
}

func TestTypeChangeRebuildsShape(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("a", viewer, 1))
	h.recon.Mount(h.tiles)
	before, _ := h.recon.Shape("a")

	h.save(circle("a", viewer))
	h.settle()
	after, _ := h.recon.Shape("a")
	if after == before || !before.Disposed() || after.Spec().Type != model.TypeCircle {
		t.Fatal("type change was not rebuilt")
	}
	last := h.passes()[len(h.passes())-1]
	if last.Updated != 1 || last.Created != 0 || last.Live != 1 {
		t.Fatalf("pass = %+v", last)
	}
}

func TestOwnerGuard(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("mine", viewer, 1))
	h.save(square("theirs", "other", 1))
	h.recon.Mount(h.tiles)

	mine, _ := h.recon.Shape("mine")
	theirs, _ := h.recon.Shape("theirs")
	if len(mine.Controls()) != 2 || len(theirs.Controls()) != 0 {
		t.Fatalf("controls: mine %d, theirs %d", len(mine.Controls()), len(theirs.Controls()))
	}

	theirs.Click()
	sel, ok := h.events[len(h.events)-1].(bus.ShapeSelected)
	if !ok || sel.DrawingID != "theirs" || sel.Owned {
		t.Fatalf("last event = %#v", h.events[len(h.events)-1])
	}

	_, err := h.recon.UploadFloorPlan(context.Background(), "theirs", render.Activation{Name: "x.png", Data: pngImage(t)})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("UploadFloorPlan(theirs) = %v, want ErrNotOwner", err)
	}
	if plans, _ := store.FloorPlans(context.Background(), h.store); len(plans) != 0 {
		t.Fatalf("floor plan saved for a foreign drawing")
	}
}

func TestUploadAttachesOverlay(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("mine", viewer, 1))
	h.recon.Mount(h.tiles)
	shape, _ := h.recon.Shape("mine")

	control(shape, render.ControlUpload).Activate(render.Activation{Name: "plan.png", ContentType: "image/png", Data: pngImage(t)})
	h.settle()

	d, err := store.Drawing(context.Background(), h.store, "mine")
	if err != nil || d.Properties.FloorPlanID == "" {
		t.Fatalf("drawing not linked: %+v, %v", d.Properties, err)
	}
	overlay := control(shape, render.ControlImageOverlay)
	if overlay == nil {
		t.Fatal("overlay not attached after upload")
	}
	if got := h.tiles.Container().Nodes("control:image_overlay")[0].Attr("content-type"); got != "image/webp" {
		t.Fatalf("overlay content type = %q", got)
	}

	// a second upload replaces the first plan
	control(shape, render.ControlUpload).Activate(render.Activation{Name: "v2.png", Data: pngImage(t)})
	h.settle()
	plans, _ := store.FloorPlans(context.Background(), h.store)
	if len(plans) != 1 || plans[0].Name != "v2.png" {
		t.Fatalf("floor plans = %d", len(plans))
	}
	if h.tiles.Container().Count("control:image_overlay") != 1 {
		t.Fatal("overlay duplicated")
	}

	if err := h.store.Delete(context.Background(), store.KindFloorPlans, plans[0].ID); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if control(shape, render.ControlImageOverlay) != nil {
		t.Fatal("overlay kept after its floor plan was deleted")
	}
}

func TestHandlerAfterDeleteDoesNotResurrect(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("mine", viewer, 1))
	h.recon.Mount(h.tiles)
	shape, _ := h.recon.Shape("mine")
	upload := control(shape, render.ControlUpload)

	// deleted elsewhere; the debounced pass has not run yet
	if err := h.store.Delete(context.Background(), store.KindDrawings, "mine"); err != nil {
		t.Fatal(err)
	}
	upload.Activate(render.Activation{Name: "late.png", Data: pngImage(t)})

	if plans, _ := store.FloorPlans(context.Background(), h.store); len(plans) != 0 {
		t.Fatal("floor plan saved for a deleted drawing")
	}
	toast, ok := h.events[len(h.events)-1].(bus.Toast)
	if !ok || !errors.Is(toast.Err, store.ErrNotFound) {
		t.Fatalf("last event = %#v", h.events[len(h.events)-1])
	}

	h.settle()
	if h.recon.Len() != 0 || !shape.Disposed() {
		t.Fatal("deleted drawing still live")
	}
	// handlers of disposed shapes are inert
	n := len(h.events)
	shape.Click()
	upload.Activate(render.Activation{Name: "later.png", Data: pngImage(t)})
	if len(h.events) != n {
		t.Fatal("disposed shape still publishes")
	}
}

func TestRenameThroughEditControl(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("mine", viewer, 1))
	h.recon.Mount(h.tiles)
	shape, _ := h.recon.Shape("mine")

	control(shape, render.ControlEdit).Activate(render.Activation{Name: "garage"})
	h.settle()
	if got := shape.Spec().Label; got != "garage" {
		t.Fatalf("label = %q", got)
	}
}

func TestVisibilityRestoredOnRepaint(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("a", viewer, 1))
	h.save(circle("b", viewer))
	h.recon.Mount(h.tiles)

	h.tiles.ZoomIn()
	h.tiles.Drag(1, 1)
	for _, id := range h.recon.IDs() {
		if s, _ := h.recon.Shape(id); !s.Visible() {
			t.Fatalf("shape %s invisible after repaint", id)
		}
	}
	if h.recon.Restored() < 4 {
		t.Fatalf("restored = %d, want every shape on both repaints", h.recon.Restored())
	}

	h.recon.Unmount()
	if h.tiles.Container().Observers() != 0 {
		t.Fatal("container observer leaked")
	}
	if h.store.Subscribers() != 0 {
		t.Fatalf("store subscribers = %d", h.store.Subscribers())
	}
	if h.tiles.Stats().Shapes != 0 || h.tiles.Stats().Listeners != 0 {
		t.Fatalf("adapter stats after unmount = %+v", h.tiles.Stats())
	}
}

func TestVisibilitySweep(t *testing.T) {
	h := newHarness(t, Options{VisibilitySweep: time.Second})
	h.save(square("a", viewer, 1))
	pending := h.m.Pending()
	h.recon.Mount(h.tiles)

	s, _ := h.recon.Shape("a")
	s.Node().SetVisible(false)
	h.m.Advance(time.Second)
	if !s.Visible() {
		t.Fatal("sweep did not restore visibility")
	}

	h.recon.Unmount()
	if h.m.Pending() != pending {
		t.Fatalf("timers after unmount = %d, want %d", h.m.Pending(), pending)
	}
}

func TestRemountMovesShapes(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("a", viewer, 1))
	h.recon.Mount(h.tiles)

	globe := render.NewWebGLGlobe(h.m, zerolog.Nop(), render.GlobeOptions{})
	c := render.NewContainer("globe")
	c.Attach()
	if err := globe.Initialize(c); err != nil {
		t.Fatal(err)
	}
	h.recon.Mount(globe)

	if h.tiles.Stats().Shapes != 0 {
		t.Fatal("shapes left on the previous renderer")
	}
	if globe.Stats().Shapes != 1 || globe.Stats().GPUBytes == 0 {
		t.Fatalf("globe stats = %+v", globe.Stats())
	}
}

func TestClearAll(t *testing.T) {
	h := newHarness(t, Options{})
	h.save(square("a", viewer, 1))
	_ = store.SaveMarker(context.Background(), h.store, model.Marker{ID: "m", Longitude: 1, Latitude: 1})
	h.recon.Mount(h.tiles)

	if err := h.recon.ClearAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if h.recon.Len() != 0 || h.tiles.Stats().Shapes != 0 {
		t.Fatal("shapes left after ClearAll")
	}
	for _, k := range store.Kinds {
		if recs, _ := h.store.LoadAll(context.Background(), k); len(recs) != 0 {
			t.Fatalf("%s not cleared", k)
		}
	}
}

func TestReconcileWithoutRenderer(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.recon.Reconcile(context.Background()); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("Reconcile() = %v, want ErrNotMounted", err)
	}
	h.recon.Trigger()
	if h.recon.Passes() != 0 {
		t.Fatal("unmounted trigger ran a pass")
	}
}
