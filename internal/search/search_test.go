package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"

	"github.com/woozymasta/geoannotate/internal/model"
)

func collection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	add := func(name string, g orb.Geometry, id any) {
		f := geojson.NewFeature(g)
		f.ID = id
		f.Properties["name"] = name
		fc.Append(f)
	}
	add("Old Harbour", orb.Point{10, 50}, "harbour")
	add("Harbour View", orb.Point{11, 51}, nil)
	add("North Field", orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}, 7.0)
	add("", orb.Point{1, 1}, nil)
	add("Nowhere", orb.Point{500, 1}, nil)
	return fc
}

func TestGazetteer(t *testing.T) {
	g := NewGazetteer(collection())
	if g.Len() != 3 {
		t.Fatalf("indexed %d places, want 3", g.Len())
	}

	got, err := g.Search(context.Background(), "harbour", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Label != "Harbour View" || got[1].ID != "gazetteer:harbour" {
		t.Fatalf("Search(harbour) = %+v", got)
	}

	field, _ := g.Search(context.Background(), "FIELD", 1)
	if len(field) != 1 || field[0].Longitude != 1 || field[0].Latitude != 1 || field[0].ID != "gazetteer:7" {
		t.Fatalf("Search(FIELD) = %+v", field)
	}
	if none, _ := g.Search(context.Background(), "  ", 5); none != nil {
		t.Fatalf("blank query = %+v", none)
	}
}

func TestLoadGazetteer(t *testing.T) {
	data, err := collection().MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "places.geojson")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := LoadGazetteer(path)
	if err != nil || g.Len() != 3 {
		t.Fatalf("LoadGazetteer() = %d, %v", g.Len(), err)
	}
}

func TestFetchIzurvive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"nameEN":"Green Mountain","type":"Hill","lat":45.1,"lng":12.5}]`))
	}))
	defer srv.Close()

	fc, err := FetchIzurvive(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) != 1 || fc.Features[0].Properties["type"] != "hill" {
		t.Fatalf("features = %+v", fc.Features)
	}
	if p := fc.Features[0].Geometry.(orb.Point); p != (orb.Point{12.5, 45.1}) {
		t.Fatalf("point = %v, want lon/lat order", p)
	}
}

type stubProvider struct {
	err  error
	name string
	locs []model.Location
}

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Search(context.Context, string, int) ([]model.Location, error) {
	return s.locs, s.err
}

func TestMulti(t *testing.T) {
	a := stubProvider{name: "a", locs: []model.Location{{ID: "1"}, {ID: "2"}}}
	b := stubProvider{name: "b", locs: []model.Location{{ID: "2"}, {ID: "3"}}}
	broken := stubProvider{name: "broken", err: errors.New("down")}

	m := NewMulti(zerolog.Nop(), broken, a, b)
	if m.Name() != "broken+a+b" {
		t.Fatalf("Name() = %q", m.Name())
	}
	got, err := m.Search(context.Background(), "x", 10)
	if err != nil || len(got) != 3 {
		t.Fatalf("Search() = %+v, %v", got, err)
	}
	if got, _ := m.Search(context.Background(), "x", 2); len(got) != 2 {
		t.Fatalf("limit not applied: %+v", got)
	}
	if _, err := NewMulti(zerolog.Nop(), broken).Search(context.Background(), "x", 1); err == nil {
		t.Fatal("all providers failed without an error")
	}
}

func TestGoogle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/textsearch/json") || r.URL.Query().Get("query") != "tower" {
			http.Error(w, "unexpected request "+r.URL.String(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","results":[
			{"name":"Tower","formatted_address":"1 Main St","place_id":"p1","geometry":{"location":{"lat":48.85,"lng":2.29}}},
			{"name":"Broken","place_id":"p2","geometry":{"location":{"lat":123,"lng":0}}}
		]}`))
	}))
	defer srv.Close()

	g, err := NewGoogle("AIzaTestKey", "en", "", maps.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	got, err := g.Search(context.Background(), "tower", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "google:p1" || got[0].Label != "Tower, 1 Main St" || got[0].Longitude != 2.29 {
		t.Fatalf("Search() = %+v", got)
	}
}
