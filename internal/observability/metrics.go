// Package observability exposes Prometheus metrics and OpenTelemetry tracing
// for the session core.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/woozymasta/geoannotate/internal/annotate"
	"github.com/woozymasta/geoannotate/internal/model"
)

// Collector bundles the core metrics. It satisfies the flight, transition and
// annotate recorder interfaces so it can be handed straight to the session.
type Collector struct {
	gatherer prometheus.Gatherer

	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	RendererFailures   *prometheus.CounterVec

	Flights         *prometheus.CounterVec
	FlightDuration  *prometheus.HistogramVec
	FlightDistance  prometheus.Histogram
	FlightsInFlight prometheus.Gauge

	ReconcilePasses   *prometheus.CounterVec
	ReconcileShapes   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	LiveShapes        prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice on the same registry reuses the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	var (
		c   = &Collector{gatherer: gatherer}
		err error
	)

	if c.Transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoannotate_transitions_total",
		Help: "Completed view transitions, labeled by source mode, target mode and settle reason.",
	}, []string{"from", "to", "reason"})); err != nil {
		return nil, err
	}
	if c.TransitionDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoannotate_transition_duration_seconds",
		Help:    "Time from transition start until the target renderer settled.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"to"})); err != nil {
		return nil, err
	}
	if c.RendererFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoannotate_renderer_failures_total",
		Help: "Renderer initialization failures by mode.",
	}, []string{"mode"})); err != nil {
		return nil, err
	}

	if c.Flights, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoannotate_flights_total",
		Help: "Finished camera flights by renderer mode and outcome.",
	}, []string{"mode", "outcome"})); err != nil {
		return nil, err
	}
	if c.FlightDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoannotate_flight_duration_seconds",
		Help:    "Time from flight request until it finished.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	}, []string{"mode"})); err != nil {
		return nil, err
	}
	if c.FlightDistance, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoannotate_flight_distance_meters",
		Help:    "Great-circle distance covered by completed flights.",
		Buckets: prometheus.ExponentialBuckets(100, 10, 6),
	})); err != nil {
		return nil, err
	}
	if c.FlightsInFlight, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoannotate_flights_in_progress",
		Help: "Camera flights currently in progress.",
	})); err != nil {
		return nil, err
	}

	if c.ReconcilePasses, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoannotate_reconcile_passes_total",
		Help: "Annotation reconciliation passes by renderer mode.",
	}, []string{"mode"})); err != nil {
		return nil, err
	}
	if c.ReconcileShapes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoannotate_reconcile_shapes_total",
		Help: "Shapes touched by reconciliation, labeled by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if c.ReconcileDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoannotate_reconcile_duration_seconds",
		Help:    "Wall time of a reconciliation pass.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})); err != nil {
		return nil, err
	}
	if c.LiveShapes, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoannotate_live_shapes",
		Help: "Shapes currently materialised on the active renderer.",
	})); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) TransitionStarted(from, to model.Mode) {}

func (c *Collector) TransitionFinished(from, to model.Mode, reason string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(from.String(), to.String(), reason).Inc()
	c.TransitionDuration.WithLabelValues(to.String()).Observe(elapsed.Seconds())
}

func (c *Collector) RendererFailed(mode model.Mode) {
	if c == nil {
		return
	}
	c.RendererFailures.WithLabelValues(mode.String()).Inc()
}

func (c *Collector) FlightStarted(mode model.Mode) {
	if c == nil {
		return
	}
	c.FlightsInFlight.Inc()
}

func (c *Collector) FlightFinished(mode model.Mode, outcome string, elapsed time.Duration, distance float64) {
	if c == nil {
		return
	}
	c.FlightsInFlight.Dec()
	c.Flights.WithLabelValues(mode.String(), outcome).Inc()
	c.FlightDuration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
	if distance > 0 {
		c.FlightDistance.Observe(distance)
	}
}

func (c *Collector) ReconcilePass(mode model.Mode, stats annotate.Stats, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.ReconcilePasses.WithLabelValues(mode.String()).Inc()
	for result, n := range map[string]int{
		"created": stats.Created,
		"updated": stats.Updated,
		"removed": stats.Removed,
		"failed":  stats.Failed,
	} {
		if n > 0 {
			c.ReconcileShapes.WithLabelValues(result).Add(float64(n))
		}
	}
	c.ReconcileDuration.Observe(elapsed.Seconds())
	c.LiveShapes.Set(float64(stats.Live))
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
