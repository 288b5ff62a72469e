package tiles

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		tpl  string
		want string
		tile maptile.Tile
	}{
		{tpl: "http://h/{z}/{x}/{y}.png", tile: maptile.New(1, 2, 3), want: "http://h/3/1/2.png"},
		{tpl: "http://h/{z}/{x}/{tms_y}.png", tile: maptile.New(1, 1, 2), want: "http://h/2/1/2.png"},
		{tpl: "http://h/{z}/{x}/{tms_y}.png", tile: maptile.New(0, 0, 0), want: "http://h/0/0/0.png"},
	}
	for _, tt := range tests {
		if got := BuildURL(tt.tpl, tt.tile); got != tt.want {
			t.Errorf("BuildURL(%q, %v) = %q, want %q", tt.tpl, tt.tile, got, tt.want)
		}
	}
}

func TestParseTile(t *testing.T) {
	tile, err := ParseTile("3", "4", "5.webp")
	if err != nil || tile != maptile.New(4, 5, 3) {
		t.Fatalf("ParseTile() = %v, %v", tile, err)
	}
	for _, bad := range [][3]string{{"a", "0", "0"}, {"1", "2", "0"}, {"-1", "0", "0"}, {"30", "0", "0"}} {
		if _, err := ParseTile(bad[0], bad[1], bad[2]); err == nil {
			t.Errorf("ParseTile(%v) accepted", bad)
		}
	}
}

func TestAround(t *testing.T) {
	if got := Around(orb.Point{10, 10}, 0, 1); len(got) != 1 {
		t.Fatalf("zoom 0 = %v, want a single tile", got)
	}
	if got := Around(orb.Point{0, 0}, 2, 1); len(got) != 9 {
		t.Fatalf("equator = %d tiles, want 9", len(got))
	}
	if got := Around(orb.Point{0, 85}, 2, 1); len(got) != 6 {
		t.Fatalf("top row = %d tiles, want 6", len(got))
	}

	wrapped := false
	for _, tile := range Around(orb.Point{179.9, 0}, 2, 1) {
		if tile.X == 0 {
			wrapped = true
		}
	}
	if !wrapped {
		t.Fatal("columns did not wrap across the antimeridian")
	}
}

func TestFitAndToWebP(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	if b := Fit(img, 100).Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("Fit() = %v", b)
	}
	if got := Fit(img, 1000); got != image.Image(img) {
		t.Fatal("Fit upscaled a small image")
	}

	out, err := ToWebP(pngBytes(t, 64, 32), 32, 80)
	if err != nil {
		t.Fatalf("ToWebP() error: %v", err)
	}
	dec, format, err := Decode(out)
	if err != nil || format != "webp" {
		t.Fatalf("decoded %q, %v", format, err)
	}
	if b := dec.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Fatalf("transcoded size = %v", b)
	}
	if _, err := ToWebP([]byte("not an image"), 0, 80); err == nil {
		t.Fatal("ToWebP accepted garbage")
	}
}

type tileServer struct {
	*httptest.Server
	hits atomic.Int32
}

// newTileServer serves 256px tiles up to maxZoom and 404 beyond it.
func newTileServer(t *testing.T, maxZoom int) *tileServer {
	t.Helper()
	tile := pngBytes(t, 256, 256)
	dot := pngBytes(t, 1, 1)
	ts := &tileServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 3 {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		switch parts[0] {
		case "fail":
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		case "dot":
			_, _ = w.Write(dot)
			return
		case "junk":
			_, _ = w.Write([]byte("<html>"))
			return
		}
		if z, err := strconv.Atoi(parts[1]); err != nil || z > maxZoom {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(tile)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetcher(t *testing.T) {
	ts := newTileServer(t, 3)
	dir := t.TempDir()
	f := NewFetcher(ts.Client(), dir, zerolog.Nop())
	ctx := context.Background()
	tile := maptile.New(1, 1, 2)

	layer := Layer{Name: "sat", URL: ts.URL + "/ok/{z}/{x}/{y}"}
	ok, err := f.Fetch(ctx, layer, tile, false)
	if err != nil || !ok {
		t.Fatalf("Fetch() = %v, %v", ok, err)
	}
	if _, err := os.Stat(Path(dir, "sat", tile)); err != nil {
		t.Fatalf("tile not cached: %v", err)
	}
	hits := ts.hits.Load()
	if ok, _ := f.Fetch(ctx, layer, tile, false); !ok || ts.hits.Load() != hits {
		t.Fatal("cached tile fetched again")
	}
	if ok, _ := f.Fetch(ctx, layer, tile, true); !ok || ts.hits.Load() != hits+1 {
		t.Fatal("force did not refetch")
	}

	if ok, err := f.Fetch(ctx, layer, maptile.New(0, 0, 5), false); ok || err != nil {
		t.Fatalf("404 = %v, %v", ok, err)
	}
	for _, prefix := range []string{"dot", "junk"} {
		l := Layer{Name: prefix, URL: ts.URL + "/" + prefix + "/{z}/{x}/{y}"}
		if ok, err := f.Fetch(ctx, l, tile, false); ok || err != nil {
			t.Errorf("%s tile = %v, %v", prefix, ok, err)
		}
	}
	failing := Layer{Name: "fail", URL: ts.URL + "/fail/{z}/{x}/{y}"}
	if _, err := f.Fetch(ctx, failing, tile, false); err == nil {
		t.Fatal("500 did not return an error")
	}
}

func TestPyramid(t *testing.T) {
	ts := newTileServer(t, 1)
	f := NewFetcher(ts.Client(), t.TempDir(), zerolog.Nop())
	layer := Layer{Name: "topo", URL: ts.URL + "/ok/{z}/{x}/{y}"}

	if n := f.Pyramid(context.Background(), layer, 6, 4, false); n != 5 {
		t.Fatalf("Pyramid() cached %d tiles, want 1+4", n)
	}
}

func TestWarmer(t *testing.T) {
	ts := newTileServer(t, 9)
	f := NewFetcher(ts.Client(), t.TempDir(), zerolog.Nop())
	layer := Layer{Name: "topo", URL: ts.URL + "/ok/{z}/{x}/{y}"}

	w := NewWarmer(f, layer, WarmerOptions{Zooms: []int{2, 3}, Radius: 1, Queue: 1}, zerolog.Nop())
	if n := w.Prefetch(context.Background(), 0, 0); n != 18 {
		t.Fatalf("Prefetch() = %d, want 18", n)
	}
	if w.Warmed() != 18 {
		t.Fatalf("Warmed() = %d", w.Warmed())
	}

	// not started: the second request overflows the queue
	w.Warm(1, 1)
	w.Warm(2, 2)
	if w.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", w.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()
	<-done
}

func TestLayerValid(t *testing.T) {
	if !(Layer{Name: "sat", URL: "http://h/{z}/{x}/{y}"}).Valid() {
		t.Fatal("valid layer rejected")
	}
	for _, l := range []Layer{{URL: "http://h/{z}"}, {Name: "../x", URL: "http://h/{z}"}, {Name: "a", URL: "http://h/static.png"}} {
		if l.Valid() {
			t.Errorf("%+v accepted", l)
		}
	}
}
