package observability

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/woozymasta/geoannotate/internal/annotate"
	"github.com/woozymasta/geoannotate/internal/flight"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/transition"
)

var (
	_ flight.Recorder     = (*Collector)(nil)
	_ transition.Recorder = (*Collector)(nil)
	_ annotate.Recorder   = (*Collector)(nil)
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.TransitionFinished(model.TileMap, model.WebGLGlobe, "ready", 300*time.Millisecond)
	c.RendererFailed(model.TerrainGlobe)
	c.FlightStarted(model.TileMap)
	c.FlightStarted(model.TileMap)
	c.FlightFinished(model.TileMap, flight.OutcomeComplete, time.Second, 1500)
	c.ReconcilePass(model.TileMap, annotate.Stats{Created: 3, Failed: 1, Live: 3}, time.Millisecond)

	if got := testutil.ToFloat64(c.Transitions.WithLabelValues("tile_map", "webgl_globe", "ready")); got != 1 {
		t.Fatalf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.RendererFailures.WithLabelValues(model.TerrainGlobe.String())); got != 1 {
		t.Fatalf("renderer failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.FlightsInFlight); got != 1 {
		t.Fatalf("flights in progress = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Flights.WithLabelValues(model.TileMap.String(), flight.OutcomeComplete)); got != 1 {
		t.Fatalf("flights = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ReconcileShapes.WithLabelValues("created")); got != 3 {
		t.Fatalf("created shapes = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.LiveShapes); got != 3 {
		t.Fatalf("live shapes = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(c.ReconcileShapes); n != 2 {
		t.Fatalf("reconcile shape series = %d, want 2", n)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "geoannotate_flight_distance_meters_count 1") {
		t.Fatalf("metrics output missing flight distance:\n%s", rec.Body.String())
	}
}

func TestCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	second.RendererFailed(model.WebGLGlobe)
	if got := testutil.ToFloat64(first.RendererFailures.WithLabelValues(model.WebGLGlobe.String())); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.FlightStarted(model.TileMap)
	c.ReconcilePass(model.TileMap, annotate.Stats{}, 0)
}

func TestInitTracing(t *testing.T) {
	defer otel.SetTracerProvider(otel.GetTracerProvider())

	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Writer: &buf}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	span.End()
	ShutdownWithTimeout(shutdown, zerolog.Nop())
	if !strings.Contains(buf.String(), `"Name":"probe"`) {
		t.Fatalf("span not exported: %s", buf.String())
	}

	shutdown, err = InitTracing(context.Background(), TracingConfig{Writer: io.Discard}, zerolog.Nop())
	if err != nil || shutdown(context.Background()) != nil {
		t.Fatalf("disabled tracing: %v", err)
	}
}
