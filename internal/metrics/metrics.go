// Package metrics exposes overlay server counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Playback counters
	Ticks            atomic.Uint64
	FramesSynced     atomic.Uint64
	FramesMissed     atomic.Uint64 // index outside the result
	FramesMisaligned atomic.Uint64 // frame_index does not match position
	StaleTicks       atomic.Uint64 // ticks delivered after the session closed
	DroppedNotices   atomic.Uint64 // callback clock notifications superseded

	// Reconciler counters
	DetectionsAdded   atomic.Uint64
	DetectionsUpdated atomic.Uint64
	DetectionsRemoved atomic.Uint64
	DisplayedCount    atomic.Uint64

	// Latency tracking
	ReconcileLatencyUs atomic.Uint64 // Last reconcile pass in microseconds

	// Session tracking
	ActiveSessions atomic.Uint64
	TotalSessions  atomic.Uint64

	// Client tracking
	SSEClients       atomic.Uint64
	WebSocketClients atomic.Uint64
	WebRTCClients    atomic.Uint64
	EventsDropped    atomic.Uint64 // slow client skipped an event

	// Inference and cache
	InferenceRequests atomic.Uint64
	InferenceErrors   atomic.Uint64
	CacheHits         atomic.Uint64
	CacheMisses       atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Playback metrics
	m.gauge("overlay_ticks_total", "Total frame clock notifications handled", &m.Ticks)
	m.gauge("overlay_frames_synced_total", "Total ticks that matched a frame record", &m.FramesSynced)
	m.gauge("overlay_frames_missed_total", "Total ticks whose frame index was outside the result", &m.FramesMissed)
	m.gauge("overlay_frames_misaligned_total", "Total ticks whose frame record carried another frame_index", &m.FramesMisaligned)
	m.gauge("overlay_stale_ticks_total", "Total ticks ignored because the session was closed", &m.StaleTicks)
	m.gauge("overlay_dropped_notifications_total", "Total frame notifications superseded before being consumed", &m.DroppedNotices)

	// Reconciler metrics
	m.gauge("overlay_detections_added_total", "Total detections added to the display", &m.DetectionsAdded)
	m.gauge("overlay_detections_updated_total", "Total displayed detections updated in place", &m.DetectionsUpdated)
	m.gauge("overlay_detections_removed_total", "Total detections removed from the display", &m.DetectionsRemoved)
	m.gauge("overlay_detections_displayed", "Number of detections currently displayed", &m.DisplayedCount)
	m.gauge("overlay_reconcile_latency_us", "Duration of the last reconcile pass in microseconds", &m.ReconcileLatencyUs)

	// Session metrics
	m.gauge("overlay_active_sessions", "Number of active playback sessions", &m.ActiveSessions)
	m.gauge("overlay_sessions_total", "Total playback sessions created", &m.TotalSessions)

	// Client metrics
	m.gauge("overlay_sse_clients", "Number of connected SSE clients", &m.SSEClients)
	m.gauge("overlay_websocket_clients", "Number of connected websocket clients", &m.WebSocketClients)
	m.gauge("overlay_webrtc_clients", "Number of connected WebRTC clients", &m.WebRTCClients)
	m.gauge("overlay_events_dropped_total", "Total overlay events skipped for slow clients", &m.EventsDropped)

	// Inference metrics
	m.gauge("overlay_inference_requests_total", "Total requests sent to the inference service", &m.InferenceRequests)
	m.gauge("overlay_inference_errors_total", "Total failed inference requests", &m.InferenceErrors)
	m.gauge("overlay_cache_hits_total", "Total recognition results served from the cache", &m.CacheHits)
	m.gauge("overlay_cache_misses_total", "Total recognition results not found in the cache", &m.CacheMisses)
}

// UpdateReconcileLatency records the duration of the last reconcile pass
func (m *Metrics) UpdateReconcileLatency(duration time.Duration) {
	m.ReconcileLatencyUs.Store(uint64(duration.Microseconds()))
}

// RecordReconcile adds the result of one reconcile pass
func (m *Metrics) RecordReconcile(added, updated, removed, displayed int) {
	m.DetectionsAdded.Add(uint64(added))
	m.DetectionsUpdated.Add(uint64(updated))
	m.DetectionsRemoved.Add(uint64(removed))
	m.DisplayedCount.Store(uint64(displayed))
}

// Dec decrements a gauge-style counter without wrapping below zero
func Dec(v *atomic.Uint64) {
	for {
		cur := v.Load()
		if cur == 0 || v.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for additional collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer starts a dedicated metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
