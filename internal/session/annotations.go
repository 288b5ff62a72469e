package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/woozymasta/geoannotate/internal/annotate"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
	"github.com/woozymasta/geoannotate/internal/store"
)

func (s *Session) owns(owner string) bool {
	return s.viewer != "" && owner == s.viewer
}

// Drawings returns every stored drawing.
func (s *Session) Drawings(ctx context.Context) ([]model.Drawing, error) {
	return store.Drawings(ctx, s.store)
}

// Markers returns every stored marker.
func (s *Session) Markers(ctx context.Context) ([]model.Marker, error) {
	return store.Markers(ctx, s.store)
}

// SaveDrawing creates or updates a drawing. New drawings get an id and the
// viewer as owner; existing ones may only be changed by their owner and keep
// their owner and floor plan link.
func (s *Session) SaveDrawing(ctx context.Context, d model.Drawing) (model.Drawing, error) {
	if d.ID == "" {
		d.ID = model.NewID()
	}
	existing, err := store.Drawing(ctx, s.store, d.ID)
	switch {
	case err == nil:
		if !s.owns(existing.Properties.OwnerID) {
			return model.Drawing{}, fmt.Errorf("drawing %s: %w", d.ID, annotate.ErrNotOwner)
		}
		d.Properties.OwnerID = existing.Properties.OwnerID
		if d.Properties.FloorPlanID == "" {
			d.Properties.FloorPlanID = existing.Properties.FloorPlanID
		}
	case errors.Is(err, store.ErrNotFound):
		_, isMarker, err := s.marker(ctx, d.ID)
		if err != nil {
			return model.Drawing{}, err
		}
		if isMarker {
			return model.Drawing{}, fmt.Errorf("drawing %s: %w", d.ID, annotate.ErrIDConflict)
		}
		d.Properties.OwnerID = s.viewer
	default:
		return model.Drawing{}, err
	}

	d.UpdatedAt = s.sched.Now().UTC()
	if err := store.SaveDrawing(ctx, s.store, d); err != nil {
		return model.Drawing{}, err
	}
	s.log.Debug().Str("drawing", d.ID).Str("type", string(d.Type)).Msg("Drawing saved")
	return d, nil
}

// DeleteDrawing removes a drawing owned by the viewer together with its
// floor plans. Deleting a missing drawing is not an error.
func (s *Session) DeleteDrawing(ctx context.Context, id string) error {
	existing, err := store.Drawing(ctx, s.store, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !s.owns(existing.Properties.OwnerID) {
		return fmt.Errorf("drawing %s: %w", id, annotate.ErrNotOwner)
	}
	return store.DeleteDrawing(ctx, s.store, id)
}

func (s *Session) marker(ctx context.Context, id string) (model.Marker, bool, error) {
	all, err := store.Markers(ctx, s.store)
	if err != nil {
		return model.Marker{}, false, err
	}
	for _, m := range all {
		if m.ID == id {
			return m, true, nil
		}
	}
	return model.Marker{}, false, nil
}

// SaveMarker creates or updates a marker with the same ownership rules as
// SaveDrawing.
func (s *Session) SaveMarker(ctx context.Context, m model.Marker) (model.Marker, error) {
	if m.ID == "" {
		m.ID = model.NewID()
	}
	existing, found, err := s.marker(ctx, m.ID)
	if err != nil {
		return model.Marker{}, err
	}
	if found {
		if !s.owns(existing.OwnerID) {
			return model.Marker{}, fmt.Errorf("marker %s: %w", m.ID, annotate.ErrNotOwner)
		}
		m.OwnerID = existing.OwnerID
		m.CreatedAt = existing.CreatedAt
	} else {
		_, err := store.Drawing(ctx, s.store, m.ID)
		switch {
		case err == nil:
			return model.Marker{}, fmt.Errorf("marker %s: %w", m.ID, annotate.ErrIDConflict)
		case !errors.Is(err, store.ErrNotFound):
			return model.Marker{}, err
		}
		m.OwnerID = s.viewer
		m.CreatedAt = s.sched.Now().UTC()
	}

	if err := store.SaveMarker(ctx, s.store, m); err != nil {
		return model.Marker{}, err
	}
	return m, nil
}

// DeleteMarker removes a marker owned by the viewer.
func (s *Session) DeleteMarker(ctx context.Context, id string) error {
	existing, found, err := s.marker(ctx, id)
	if err != nil || !found {
		return err
	}
	if !s.owns(existing.OwnerID) {
		return fmt.Errorf("marker %s: %w", id, annotate.ErrNotOwner)
	}
	return s.store.Delete(ctx, store.KindMarkers, id)
}

// UploadFloorPlan attaches an image to a drawing owned by the viewer.
func (s *Session) UploadFloorPlan(ctx context.Context, drawingID string, a render.Activation) (model.FloorPlan, error) {
	return s.recon.UploadFloorPlan(ctx, drawingID, a)
}
