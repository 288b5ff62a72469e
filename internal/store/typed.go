package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/woozymasta/geoannotate/internal/model"
)

// Decode unmarshals one record of kind into v.
func Decode(kind Kind, rec Record, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", kind, rec.ID, err)
	}
	return nil
}

func loadAll[T any](ctx context.Context, s Store, kind Kind) ([]T, error) {
	recs, err := s.LoadAll(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := Decode(kind, r, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func save(ctx context.Context, s Store, kind Kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", kind, id, err)
	}
	return s.Save(ctx, kind, Record{ID: id, Data: data})
}

// Drawings returns every drawing.
func Drawings(ctx context.Context, s Store) ([]model.Drawing, error) {
	return loadAll[model.Drawing](ctx, s, KindDrawings)
}

// Markers returns every marker.
func Markers(ctx context.Context, s Store) ([]model.Marker, error) {
	return loadAll[model.Marker](ctx, s, KindMarkers)
}

// FloorPlans returns every floor plan.
func FloorPlans(ctx context.Context, s Store) ([]model.FloorPlan, error) {
	return loadAll[model.FloorPlan](ctx, s, KindFloorPlans)
}

// Drawing returns one drawing or ErrNotFound.
func Drawing(ctx context.Context, s Store, id string) (model.Drawing, error) {
	all, err := Drawings(ctx, s)
	if err != nil {
		return model.Drawing{}, err
	}
	for _, d := range all {
		if d.ID == id {
			return d, nil
		}
	}
	return model.Drawing{}, fmt.Errorf("drawing %s: %w", id, ErrNotFound)
}

// SaveDrawing validates and upserts d.
func SaveDrawing(ctx context.Context, s Store, d model.Drawing) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return save(ctx, s, KindDrawings, d.ID, d)
}

// SaveMarker upserts m.
func SaveMarker(ctx context.Context, s Store, m model.Marker) error {
	if m.ID == "" {
		return errors.New("marker has no id")
	}
	loc := model.Location{ID: m.ID, Longitude: m.Longitude, Latitude: m.Latitude}
	if !loc.Finite() || !loc.InRange() {
		return fmt.Errorf("marker %s: coordinates out of range", m.ID)
	}
	return save(ctx, s, KindMarkers, m.ID, m)
}

// SaveFloorPlan upserts fp.
func SaveFloorPlan(ctx context.Context, s Store, fp model.FloorPlan) error {
	if fp.ID == "" || fp.DrawingID == "" {
		return errors.New("floor plan needs an id and a drawing id")
	}
	return save(ctx, s, KindFloorPlans, fp.ID, fp)
}

// DeleteDrawing removes a drawing and the floor plans attached to it.
func DeleteDrawing(ctx context.Context, s Store, id string) error {
	plans, err := FloorPlans(ctx, s)
	if err != nil {
		return err
	}
	for _, fp := range plans {
		if fp.DrawingID == id {
			if err := s.Delete(ctx, KindFloorPlans, fp.ID); err != nil {
				return err
			}
		}
	}
	return s.Delete(ctx, KindDrawings, id)
}

// DeleteAll removes every record of the given kinds, or of all kinds when
// none are given.
func DeleteAll(ctx context.Context, s Store, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	var errs []error
	for _, k := range kinds {
		recs, err := s.LoadAll(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range recs {
			if err := s.Delete(ctx, k, r.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
