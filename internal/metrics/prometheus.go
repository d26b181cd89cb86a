// Package metrics provides Prometheus metrics for the viewing-distance service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ayusman/viewdistance/internal/model"
)

// Rejection kinds.
const (
	RejectRepeatability = "repeatability"
	RejectTolerance     = "tolerance"
)

// Manager owns the service's Prometheus metrics.
type Manager struct {
	namespace      string
	subsystem      string
	latencyBuckets []float64
	enabled        bool
	registry       *prometheus.Registry

	// Tracking
	estimates        prometheus.Counter
	distance         prometheus.Gauge
	estimateLatency  prometheus.Histogram
	ticksSkipped     prometheus.Counter
	framesWithout    prometheus.Counter
	sampleErrors     prometheus.Counter
	corrections      *prometheus.CounterVec
	trackerRunning   prometheus.Gauge

	// Calibration
	calibrations *prometheus.CounterVec
	rejections   *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewManager creates a metrics manager. Without WithPrometheusRegistry it registers on a fresh registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "viewdistance",
		subsystem:      "",
		latencyBuckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600},
		enabled:        true,
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.estimates = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "estimates_total",
		Help:      "Total number of distance estimates produced",
	})

	m.distance = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "distance_cm",
		Help:      "Most recent viewing distance estimate in centimetres",
	})

	m.estimateLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "estimate_latency_milliseconds",
		Help:      "Delay between frame capture and estimate delivery in milliseconds",
		Buckets:   m.latencyBuckets,
	})

	m.ticksSkipped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "tracker_ticks_skipped_total",
		Help:      "Scheduling ticks skipped because the previous sample was still pending",
	})

	m.framesWithout = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "frames_without_face_total",
		Help:      "Frames in which no face was detected",
	})

	m.sampleErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "sample_errors_total",
		Help:      "Failed camera reads or detector calls",
	})

	m.corrections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "corrections_total",
		Help:      "Desired-distance correction signals by direction",
	}, []string{"direction"})

	m.trackerRunning = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "tracker_running",
		Help:      "1 while the distance tracker loop is running",
	})

	m.calibrations = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "calibrations_total",
		Help:      "Accepted calibrations by method",
	}, []string{"method"})

	m.rejections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "calibration_rejections_total",
		Help:      "Rejected calibration measurements by kind",
	}, []string{"kind"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
}

// Registry returns the registry the metrics are registered on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EstimateProduced records a delivered estimate.
func (m *Manager) EstimateProduced(e model.DistanceEstimate) {
	if !m.enabled {
		return
	}
	m.estimates.Inc()
	m.distance.Set(e.DistanceCm)
	m.estimateLatency.Observe(float64(e.LatencyMs))
}

// TickSkipped records a tick dropped while a sample was pending.
func (m *Manager) TickSkipped() {
	if m.enabled {
		m.ticksSkipped.Inc()
	}
}

// FrameWithoutFace records a frame in which no face was found.
func (m *Manager) FrameWithoutFace() {
	if m.enabled {
		m.framesWithout.Inc()
	}
}

// SourceError records a failed sample.
func (m *Manager) SourceError() {
	if m.enabled {
		m.sampleErrors.Inc()
	}
}

// Correction records a desired-distance signal.
func (m *Manager) Correction(direction string) {
	if m.enabled {
		m.corrections.WithLabelValues(direction).Inc()
	}
}

// SetTrackerRunning flags whether the tracker loop is running.
func (m *Manager) SetTrackerRunning(running bool) {
	if !m.enabled {
		return
	}
	if running {
		m.trackerRunning.Set(1)
		return
	}
	m.trackerRunning.Set(0)
}

// CalibrationAccepted records an accepted calibration.
func (m *Manager) CalibrationAccepted(method model.Method) {
	if m.enabled {
		m.calibrations.WithLabelValues(string(method)).Inc()
	}
}

// CalibrationRejected records a rejected measurement of the given kind.
func (m *Manager) CalibrationRejected(kind string) {
	if m.enabled {
		m.rejections.WithLabelValues(kind).Inc()
	}
}

// HTTPRequest records one served request.
func (m *Manager) HTTPRequest(route, method string, status int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
