// Package annotate keeps the shapes drawn on the active renderer in sync
// with the persisted markers, drawings and floor plans.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/bus"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
	"github.com/woozymasta/geoannotate/internal/store"
	"github.com/woozymasta/geoannotate/internal/tiles"
)

const floorPlanQuality = 85

// Options tunes the reconciler. VisibilitySweep re-asserts shape visibility
// periodically; zero disables it since view events and style-reset
// mutations already cover every repaint the renderers perform.
type Options struct {
	ViewerID         string        `yaml:"viewer_id"`
	Debounce         time.Duration `yaml:"debounce"`
	VisibilitySweep  time.Duration `yaml:"visibility_sweep"`
	LoadTimeout      time.Duration `yaml:"load_timeout"`
	FloorPlanMaxSide int           `yaml:"floor_plan_max_side"`
	FloorPlanOpacity float64       `yaml:"floor_plan_opacity"`
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Debounce:         100 * time.Millisecond,
		LoadTimeout:      5 * time.Second,
		FloorPlanMaxSide: 2048,
		FloorPlanOpacity: 0.6,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = def.Debounce
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = def.LoadTimeout
	}
	if o.FloorPlanMaxSide <= 0 {
		o.FloorPlanMaxSide = def.FloorPlanMaxSide
	}
	if o.FloorPlanOpacity <= 0 || o.FloorPlanOpacity > 1 {
		o.FloorPlanOpacity = def.FloorPlanOpacity
	}
	return o
}

// Stats summarises one reconciliation pass.
type Stats struct {
	Created int
	Updated int
	Removed int
	Failed  int
	Live    int
}

// Recorder receives reconciliation metrics.
type Recorder interface {
	ReconcilePass(mode model.Mode, stats Stats, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ReconcilePass(model.Mode, Stats, time.Duration) {}

// shadow is the live shape for one drawing plus what it was built from.
type shadow struct {
	shape   render.Shape
	overlay render.Control
	plan    model.FloorPlan
	drawing model.Drawing
	owned   bool
}

// Reconciler maintains one shape per stored drawing and marker on the
// mounted renderer. All methods must be called from the event loop.
type Reconciler struct {
	store    store.Store
	sched    loop.Scheduler
	adapter  render.Adapter
	sweep    loop.Timer
	rec      Recorder
	bus      *bus.Bus
	debounce *loop.Debouncer
	shadows  map[string]*shadow
	byNode   map[*render.Node]*shadow
	log      zerolog.Logger
	unsubs   []func()
	opts     Options
	passes   int
	restored int
}

// New returns an unmounted reconciler. b and rec may be nil.
func New(s store.Store, sched loop.Scheduler, b *bus.Bus, rec Recorder, log zerolog.Logger, opts Options) *Reconciler {
	if rec == nil {
		rec = nopRecorder{}
	}
	r := &Reconciler{
		store:   s,
		sched:   sched,
		bus:     b,
		rec:     rec,
		opts:    opts.withDefaults(),
		shadows: make(map[string]*shadow),
		byNode:  make(map[*render.Node]*shadow),
		log:     log.With().Str("component", "annotate").Logger(),
	}
	r.debounce = loop.NewDebouncer(sched, r.opts.Debounce, r.run)
	return r
}

// Options returns the effective options.
func (r *Reconciler) Options() Options { return r.opts }

// Mount binds the reconciler to a renderer: it subscribes to store changes,
// view changes and container repaints, then reconciles immediately.
func (r *Reconciler) Mount(a render.Adapter) {
	if a == nil || r.adapter == a {
		return
	}
	if r.adapter != nil {
		r.Unmount()
	}
	r.adapter = a

	for _, k := range store.Kinds {
		r.unsubs = append(r.unsubs, r.store.Subscribe(k, r.changed))
	}
	r.unsubs = append(r.unsubs, a.OnViewChange(func(render.ViewEvent) { r.RestoreVisibility() }))
	if c := a.Container(); c != nil {
		r.unsubs = append(r.unsubs, c.Observe(r.observe))
	}
	if r.opts.VisibilitySweep > 0 {
		r.armSweep()
	}

	r.log.Debug().Str("mode", a.Mode().String()).Msg("Reconciler mounted")
	r.Trigger()
}

// Unmount disposes every shape and drops all subscriptions.
func (r *Reconciler) Unmount() {
	if r.adapter == nil {
		return
	}
	r.debounce.Cancel()
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.sweep != nil {
		r.sweep.Stop()
		r.sweep = nil
	}
	for id, sh := range r.shadows {
		r.remove(id, sh)
	}

	r.log.Debug().Str("mode", r.adapter.Mode().String()).Msg("Reconciler unmounted")
	r.adapter = nil
}

// Mounted reports whether a renderer is mounted.
func (r *Reconciler) Mounted() bool { return r.adapter != nil }

// Trigger requests a debounced reconciliation pass.
func (r *Reconciler) Trigger() {
	if r.adapter == nil {
		return
	}
	r.debounce.Trigger()
}

// store subscribers may run on any goroutine
func (r *Reconciler) changed() { r.sched.Post(r.Trigger) }

func (r *Reconciler) run() {
	if r.adapter == nil {
		return
	}
	stats, err := r.Reconcile(context.Background())
	if err == nil {
		return
	}

	var rerr *ReconciliationError
	if errors.As(err, &rerr) {
		r.log.Warn().Err(err).Int("failed", stats.Failed).Msg("Some annotations could not be displayed")
		r.publish(bus.Toast{
			Level:   bus.LevelWarn,
			Message: fmt.Sprintf("%d annotation(s) could not be displayed", stats.Failed),
			Err:     err,
		})
		return
	}
	r.log.Error().Err(err).Msg("Failed to load annotations")
	r.publish(bus.Toast{Level: bus.LevelError, Message: "Could not load annotations", Err: err})
}

// Reconcile brings the shadow map in line with the store. Drawings that fail
// to decode, validate or render are reported as ReconciliationErrors and
// keep whatever shape they had; all others are created, updated in place or
// removed.
func (r *Reconciler) Reconcile(ctx context.Context) (Stats, error) {
	if r.adapter == nil {
		return Stats{}, ErrNotMounted
	}
	start := r.sched.Now()
	r.passes++

	desired, plans, failed, err := r.load(ctx)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for id, sh := range r.shadows {
		if _, keep := desired[id]; keep {
			continue
		}
		if _, broken := failed[id]; broken {
			continue
		}
		r.remove(id, sh)
		stats.Removed++
	}

	for _, id := range slices.Sorted(maps.Keys(desired)) {
		var plan *model.FloorPlan
		if fp, ok := plans[id]; ok {
			plan = &fp
		}
		created, updated, err := r.apply(desired[id], plan)
		switch {
		case err != nil:
			failed[id] = err
		case created:
			stats.Created++
		case updated:
			stats.Updated++
		}
	}

	errs := make([]error, 0, len(failed))
	for _, id := range slices.Sorted(maps.Keys(failed)) {
		errs = append(errs, &ReconciliationError{DrawingID: id, Err: failed[id]})
	}
	stats.Failed = len(errs)
	stats.Live = len(r.shadows)

	elapsed := r.sched.Now().Sub(start)
	mode := r.adapter.Mode()
	r.rec.ReconcilePass(mode, stats, elapsed)
	r.publish(bus.DrawingsReconciled{
		Mode:    mode,
		Live:    stats.Live,
		Created: stats.Created,
		Updated: stats.Updated,
		Removed: stats.Removed,
		Failed:  stats.Failed,
	})

	r.log.Debug().
		Str("mode", mode.String()).
		Int("live", stats.Live).
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("removed", stats.Removed).
		Int("failed", stats.Failed).
		Msg("Annotations reconciled")

	return stats, errors.Join(errs...)
}

// load decodes every record into the desired drawing set. Undecodable or
// invalid records land in failed instead of aborting the pass.
func (r *Reconciler) load(ctx context.Context) (map[string]model.Drawing, map[string]model.FloorPlan, map[string]error, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()

	drawings, err := r.store.LoadAll(ctx, store.KindDrawings)
	if err != nil {
		return nil, nil, nil, err
	}
	markers, err := r.store.LoadAll(ctx, store.KindMarkers)
	if err != nil {
		return nil, nil, nil, err
	}
	floorPlans, err := r.store.LoadAll(ctx, store.KindFloorPlans)
	if err != nil {
		return nil, nil, nil, err
	}

	desired := make(map[string]model.Drawing, len(drawings)+len(markers))
	failed := make(map[string]error)

	for _, rec := range drawings {
		var d model.Drawing
		if err := store.Decode(store.KindDrawings, rec, &d); err != nil {
			failed[rec.ID] = err
			continue
		}
		if d.ID == "" {
			d.ID = rec.ID
		}
		if err := d.Validate(); err != nil {
			failed[d.ID] = err
			continue
		}
		desired[d.ID] = d
	}

	for _, rec := range markers {
		var m model.Marker
		if err := store.Decode(store.KindMarkers, rec, &m); err != nil {
			failed[rec.ID] = err
			continue
		}
		if m.ID == "" {
			m.ID = rec.ID
		}
		d := m.AsDrawing()
		if err := d.Validate(); err != nil {
			failed[d.ID] = err
			continue
		}
		if _, dup := desired[d.ID]; dup {
			failed[d.ID] = fmt.Errorf("marker shadowed by drawing: %w", ErrIDConflict)
			continue
		}
		desired[d.ID] = d
	}

	plans := make(map[string]model.FloorPlan)
	for _, rec := range floorPlans {
		var fp model.FloorPlan
		if err := store.Decode(store.KindFloorPlans, rec, &fp); err != nil {
			r.log.Warn().Err(err).Msg("Skipping floor plan")
			continue
		}
		d, ok := desired[fp.DrawingID]
		if !ok || d.Type == model.TypeMarker {
			continue
		}
		prev, seen := plans[fp.DrawingID]
		switch {
		case !seen:
		case prev.ID == d.Properties.FloorPlanID:
			continue
		case fp.ID != d.Properties.FloorPlanID && !fp.UpdatedAt.After(prev.UpdatedAt):
			continue
		}
		plans[fp.DrawingID] = fp
	}

	return desired, plans, failed, nil
}

// apply creates or updates the shape for d. A change of type or ownership
// rebuilds the shape, since both change what the renderer draws and which
// controls it carries.
func (r *Reconciler) apply(d model.Drawing, plan *model.FloorPlan) (created, updated bool, err error) {
	spec := SpecFor(d)
	owned := r.owns(d)

	sh, exists := r.shadows[d.ID]
	rebuilt := exists && (sh.drawing.Type != d.Type || sh.owned != owned)
	if rebuilt {
		r.remove(d.ID, sh)
	}

	if !exists || rebuilt {
		shape, err := r.adapter.Layer().AddShape(spec)
		if err != nil {
			return false, false, err
		}
		sh = &shadow{shape: shape, drawing: d, owned: owned}
		r.shadows[d.ID] = sh
		r.byNode[shape.Node()] = sh
		r.bind(sh)
		r.syncOverlay(sh, plan)
		return !rebuilt, rebuilt, nil
	}

	if !sh.drawing.Equal(d) {
		if err := sh.shape.Update(spec); err != nil {
			return false, false, err
		}
		sh.drawing = d
		updated = true
	}
	if r.syncOverlay(sh, plan) {
		updated = true
	}
	return false, updated, nil
}

func (r *Reconciler) bind(sh *shadow) {
	id := sh.drawing.ID
	sh.shape.OnClick(func() { r.clicked(id, sh) })

	if !sh.owned || sh.drawing.Type == model.TypeMarker {
		return
	}
	if c, err := sh.shape.AddControl(render.ControlEdit, "Rename"); err == nil {
		c.OnActivate(func(a render.Activation) { r.renamed(id, sh, a) })
	}
	if c, err := sh.shape.AddControl(render.ControlUpload, "Upload floor plan"); err == nil {
		c.OnActivate(func(a render.Activation) { r.uploaded(id, sh, a) })
	}
}

// syncOverlay attaches, refreshes or drops the floor plan overlay and
// reports whether anything changed.
func (r *Reconciler) syncOverlay(sh *shadow, plan *model.FloorPlan) bool {
	switch {
	case plan == nil && sh.overlay == nil:
		return false
	case plan == nil:
		sh.overlay.Dispose()
		sh.overlay = nil
		sh.plan = model.FloorPlan{}
		return true
	case sh.overlay != nil && sh.plan.ID == plan.ID && sh.plan.UpdatedAt.Equal(plan.UpdatedAt):
		return false
	}

	if sh.overlay == nil {
		c, err := sh.shape.AddControl(render.ControlImageOverlay, plan.Name)
		if err != nil {
			r.log.Warn().Err(err).Str("drawing", sh.drawing.ID).Msg("Failed to attach floor plan")
			return false
		}
		sh.overlay = c
	}
	sh.overlay.Load(render.Activation{
		Name:        plan.Name,
		ContentType: plan.ContentType,
		Data:        plan.Data,
		Opacity:     plan.Opacity,
	})
	sh.plan = *plan
	return true
}

func (r *Reconciler) remove(id string, sh *shadow) {
	delete(r.byNode, sh.shape.Node())
	delete(r.shadows, id)
	sh.shape.Dispose()
}

// live reports whether sh is still the mounted shape for id. Handlers bound
// to shapes that were replaced or unmounted are ignored.
func (r *Reconciler) live(id string, sh *shadow) bool {
	return r.adapter != nil && r.shadows[id] == sh && !sh.shape.Disposed()
}

func (r *Reconciler) owns(d model.Drawing) bool {
	return r.opts.ViewerID != "" && d.Properties.OwnerID == r.opts.ViewerID
}

func (r *Reconciler) clicked(id string, sh *shadow) {
	if !r.live(id, sh) {
		r.log.Debug().Str("drawing", id).Msg("Click on stale shape ignored")
		return
	}
	r.publish(bus.ShapeSelected{DrawingID: id, Owned: sh.owned})
}

func (r *Reconciler) renamed(id string, sh *shadow, a render.Activation) {
	if !r.live(id, sh) || a.Name == "" {
		return
	}
	if !r.owns(sh.drawing) {
		r.publish(bus.Toast{Level: bus.LevelError, Message: "Only the owner can edit this drawing", Err: ErrNotOwner})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
	defer cancel()
	d := sh.drawing
	d.Properties.Name = a.Name
	d.UpdatedAt = r.sched.Now().UTC()
	if err := store.SaveDrawing(ctx, r.store, d); err != nil {
		r.log.Error().Err(err).Str("drawing", id).Msg("Failed to rename drawing")
		r.publish(bus.Toast{Level: bus.LevelError, Message: "Could not save drawing", Err: err})
	}
}

func (r *Reconciler) uploaded(id string, sh *shadow, a render.Activation) {
	if !r.live(id, sh) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
	defer cancel()
	if _, err := r.UploadFloorPlan(ctx, id, a); err != nil {
		r.log.Error().Err(err).Str("drawing", id).Msg("Floor plan upload failed")
		r.publish(bus.Toast{Level: bus.LevelError, Message: "Floor plan upload failed", Err: err})
		return
	}
	r.publish(bus.Toast{Level: bus.LevelInfo, Message: "Floor plan uploaded"})
}

// UploadFloorPlan transcodes an uploaded image to WebP, stores it as the
// floor plan of drawingID and links it from the drawing. Only the owner of
// the drawing may upload.
func (r *Reconciler) UploadFloorPlan(ctx context.Context, drawingID string, a render.Activation) (model.FloorPlan, error) {
	d, err := store.Drawing(ctx, r.store, drawingID)
	if err != nil {
		return model.FloorPlan{}, err
	}
	if !r.owns(d) {
		return model.FloorPlan{}, fmt.Errorf("drawing %s: %w", drawingID, ErrNotOwner)
	}
	if d.Type == model.TypeMarker {
		return model.FloorPlan{}, fmt.Errorf("drawing %s: markers cannot carry floor plans", drawingID)
	}

	data, err := tiles.ToWebP(a.Data, r.opts.FloorPlanMaxSide, floorPlanQuality)
	if err != nil {
		return model.FloorPlan{}, fmt.Errorf("floor plan %q: %w", a.Name, err)
	}
	opacity := a.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = r.opts.FloorPlanOpacity
	}

	fp := model.FloorPlan{
		ID:          model.NewID(),
		DrawingID:   d.ID,
		Name:        a.Name,
		ContentType: "image/webp",
		Data:        data,
		Opacity:     opacity,
		UpdatedAt:   r.sched.Now().UTC(),
	}
	if err := store.SaveFloorPlan(ctx, r.store, fp); err != nil {
		return model.FloorPlan{}, err
	}

	prev := d.Properties.FloorPlanID
	d.Properties.FloorPlanID = fp.ID
	d.UpdatedAt = fp.UpdatedAt
	if err := store.SaveDrawing(ctx, r.store, d); err != nil {
		return model.FloorPlan{}, err
	}
	if prev != "" && prev != fp.ID {
		if err := r.store.Delete(ctx, store.KindFloorPlans, prev); err != nil {
			r.log.Warn().Err(err).Str("floor_plan", prev).Msg("Failed to delete replaced floor plan")
		}
	}

	r.log.Info().
		Str("drawing", d.ID).
		Str("floor_plan", fp.ID).
		Int("bytes", len(fp.Data)).
		Msg("Floor plan uploaded")
	return fp, nil
}

// ClearAll disposes every shape and deletes all markers, drawings and floor
// plans from the store.
func (r *Reconciler) ClearAll(ctx context.Context) error {
	for id, sh := range r.shadows {
		r.remove(id, sh)
	}
	if err := store.DeleteAll(ctx, r.store); err != nil {
		return fmt.Errorf("clear annotations: %w", err)
	}
	r.log.Info().Msg("All annotations cleared")
	return nil
}

// RestoreVisibility re-applies the visible style to every shape a repaint
// cleared and returns how many were restored.
func (r *Reconciler) RestoreVisibility() int {
	n := 0
	for _, sh := range r.shadows {
		if sh.shape.EnsureVisible() {
			n++
		}
	}
	r.restored += n
	return n
}

func (r *Reconciler) observe(m render.Mutation) {
	if m.Type != render.StyleReset {
		return
	}
	if sh, ok := r.byNode[m.Node]; ok && sh.shape.EnsureVisible() {
		r.restored++
	}
}

func (r *Reconciler) armSweep() {
	r.sweep = r.sched.AfterFunc(r.opts.VisibilitySweep, func() {
		r.sweep = nil
		if r.adapter == nil {
			return
		}
		r.RestoreVisibility()
		r.armSweep()
	})
}

// Shape returns the live shape for a drawing or marker id.
func (r *Reconciler) Shape(id string) (render.Shape, bool) {
	sh, ok := r.shadows[id]
	if !ok {
		return nil, false
	}
	return sh.shape, true
}

// Len returns the number of live shapes.
func (r *Reconciler) Len() int { return len(r.shadows) }

// IDs returns the ids of live shapes in order.
func (r *Reconciler) IDs() []string { return slices.Sorted(maps.Keys(r.shadows)) }

// Passes returns the number of reconciliation passes run so far.
func (r *Reconciler) Passes() int { return r.passes }

// Restored returns how many times a lost visible style was re-applied.
func (r *Reconciler) Restored() int { return r.restored }

func (r *Reconciler) publish(e bus.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
