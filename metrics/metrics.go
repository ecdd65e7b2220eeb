package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds scanner and pool metrics on a private registry.
type Metrics struct {
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64
	TickErrors      atomic.Uint64
	ReadErrors      atomic.Uint64
	Detections      atomic.Uint64
	Starts          atomic.Uint64
	StartFailures   atomic.Uint64
	OneShotRequests atomic.Uint64

	state atomic.Int64

	inference *prometheus.HistogramVec
	tick      prometheus.Histogram

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanner_stage_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		tick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_tick_seconds",
			Help:    "Duration of a full capture-to-render tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}
	counter("scanner_frames_processed_total", "Frames that completed a tick", &m.FramesProcessed)
	counter("scanner_frames_dropped_total", "Frames skipped because a tick failed", &m.FramesDropped)
	counter("scanner_tick_errors_total", "Per-frame errors recovered by the loop", &m.TickErrors)
	counter("scanner_read_errors_total", "Camera frame read errors", &m.ReadErrors)
	counter("scanner_detections_total", "Detections kept after suppression", &m.Detections)
	counter("scanner_starts_total", "Successful scanner starts", &m.Starts)
	counter("scanner_start_failures_total", "Scanner starts that failed", &m.StartFailures)
	counter("scanner_oneshot_requests_total", "Single-image detection requests", &m.OneShotRequests)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "scanner_state",
			Help: "Scanner state (0 idle, 1 starting, 2 running)",
		},
		func() float64 { return float64(m.state.Load()) },
	))

	m.registry.MustRegister(m.inference, m.tick)
}

// PoolStats is what the session pool exposes to metrics.
type PoolStats interface {
	Size() int
	InUse() int
	AcquireFailures() int64
}

func (m *Metrics) RegisterPool(p PoolStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scanner_pool_size",
			Help: "Model sessions in the pool",
		}, func() float64 { return float64(p.Size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scanner_pool_in_use",
			Help: "Model sessions currently acquired",
		}, func() float64 { return float64(p.InUse()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "scanner_pool_acquire_failures_total",
			Help: "Session acquisitions that timed out",
		}, func() float64 { return float64(p.AcquireFailures()) }),
	)
}

func (m *Metrics) SetState(state int) {
	m.state.Store(int64(state))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.inference.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveTick(d time.Duration) {
	m.tick.Observe(d.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
