package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/woozymasta/geoannotate/internal/model"
)

type entry struct {
	loc  model.Location
	key  string
	kind string
}

// Gazetteer searches a local collection of named places.
type Gazetteer struct {
	entries []entry
}

// NewGazetteer indexes every feature that has a name and a usable position.
// Points are used as is, other geometries by the center of their bound.
func NewGazetteer(fc *geojson.FeatureCollection) *Gazetteer {
	g := &Gazetteer{}
	if fc == nil {
		return g
	}
	for _, f := range fc.Features {
		name := firstString(f.Properties, "name", "label", "title")
		if name == "" || f.Geometry == nil {
			continue
		}

		var p orb.Point
		switch geom := f.Geometry.(type) {
		case orb.Point:
			p = geom
		default:
			p = geom.Bound().Center()
		}
		loc := model.Location{Label: name, Longitude: p[0], Latitude: p[1]}
		if !loc.Finite() || !loc.InRange() {
			continue
		}

		switch id := f.ID.(type) {
		case string:
			loc.ID = "gazetteer:" + id
		case float64:
			loc.ID = fmt.Sprintf("gazetteer:%g", id)
		default:
			loc.ID = model.LocationID(name, p[0], p[1])
		}

		g.entries = append(g.entries, entry{
			loc:  loc,
			key:  strings.ToLower(name),
			kind: f.Properties.MustString("type", ""),
		})
	}
	return g
}

func firstString(props geojson.Properties, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(props.MustString(k, "")); s != "" {
			return s
		}
	}
	return ""
}

// LoadGazetteer reads a GeoJSON feature collection from path.
func LoadGazetteer(path string) (*Gazetteer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse gazetteer %s: %w", path, err)
	}
	return NewGazetteer(fc), nil
}

type izurviveLocation struct {
	NameEN string  `json:"nameEN"`
	Type   string  `json:"type"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// FetchIzurvive downloads a location list in iZurvive format and converts it
// to a feature collection.
func FetchIzurvive(ctx context.Context, client *http.Client, url string) (*geojson.FeatureCollection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var locs []izurviveLocation
	if err := json.NewDecoder(resp.Body).Decode(&locs); err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, l := range locs {
		f := geojson.NewFeature(orb.Point{l.Lng, l.Lat})
		f.Properties["name"] = l.NameEN
		f.Properties["type"] = strings.ToLower(l.Type)
		fc.Append(f)
	}
	return fc, nil
}

// Len returns the number of indexed places.
func (g *Gazetteer) Len() int { return len(g.entries) }

func (g *Gazetteer) Name() string { return "gazetteer" }

// Search matches query case-insensitively against place names. Prefix
// matches rank before other matches; ties are ordered by name.
func (g *Gazetteer) Search(ctx context.Context, query string, limit int) ([]model.Location, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	type hit struct {
		e      entry
		prefix bool
	}
	var hits []hit
	for _, e := range g.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.Contains(e.key, q) {
			hits = append(hits, hit{e: e, prefix: strings.HasPrefix(e.key, q)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].prefix != hits[j].prefix {
			return hits[i].prefix
		}
		return hits[i].e.key < hits[j].e.key
	})

	out := make([]model.Location, 0, min(limit, len(hits)))
	for _, h := range hits[:min(limit, len(hits))] {
		out = append(out, h.e.loc)
	}
	return out, nil
}
