package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the player. It also
// receives per-session playback measurements.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	errorsTotal          prometheus.Counter
	activeSessions       prometheus.Gauge
	sessionsEndedTotal   prometheus.Counter
	segmentsFetched      prometheus.Counter
	fetchFailures        prometheus.Counter
	announcementsDropped *prometheus.CounterVec
	bandwidthEstimate    prometheus.Gauge
	selectedLevel        prometheus.Gauge
	levelSwitches        prometheus.Counter
	flushes              prometheus.Counter
}

// New creates and registers Prometheus metrics for the player.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "player_requests_total",
			Help: "Total number of HTTP requests received, by route",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "player_request_duration_seconds",
			Help:    "HTTP request latency, by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "player_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "player_active_sessions",
			Help: "Number of playback sessions that have not ended",
		}),
		sessionsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "player_sessions_ended_total",
			Help: "Total number of playback sessions ended",
		}),
		segmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "player_segments_fetched_total",
			Help: "Total number of completed content store fetches",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "player_fetch_failures_total",
			Help: "Total number of content store fetches that failed",
		}),
		announcementsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "player_announcements_dropped_total",
			Help: "Live announcements dropped, by reason",
		}, []string{"reason"}),
		bandwidthEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "player_bandwidth_estimate_bps",
			Help: "Most recent throughput estimate in bits per second",
		}),
		selectedLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "player_selected_level",
			Help: "Most recently selected video level",
		}),
		levelSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "player_level_switches_total",
			Help: "Total number of video level switches",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "player_flushes_total",
			Help: "Total number of buffer evictions",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.activeSessions,
		m.sessionsEndedTotal,
		m.segmentsFetched,
		m.fetchFailures,
		m.announcementsDropped,
		m.bandwidthEstimate,
		m.selectedLevel,
		m.levelSwitches,
		m.flushes,
	)

	return m
}

// ObserveRequest counts a request on route and records its latency.
func (m *Metrics) ObserveRequest(route string, d time.Duration) {
	m.requestsTotal.WithLabelValues(route).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncSessionsEnded increments the sessions ended counter.
func (m *Metrics) IncSessionsEnded() {
	m.sessionsEndedTotal.Inc()
}

// SegmentFetched counts a completed content store fetch.
func (m *Metrics) SegmentFetched() { m.segmentsFetched.Inc() }

// FetchFailed counts a content store fetch that returned an error.
func (m *Metrics) FetchFailed() { m.fetchFailures.Inc() }

// BandwidthEstimated records the latest throughput estimate in bits per second.
func (m *Metrics) BandwidthEstimated(bps float64) { m.bandwidthEstimate.Set(bps) }

// LevelSelected records the video level a session is playing.
func (m *Metrics) LevelSelected(level int) { m.selectedLevel.Set(float64(level)) }

// LevelSwitched counts a change of video level.
func (m *Metrics) LevelSwitched() { m.levelSwitches.Inc() }

// Flushed counts a buffer removal.
func (m *Metrics) Flushed() { m.flushes.Inc() }

// AnnouncementDropped counts a live announcement discarded for reason.
func (m *Metrics) AnnouncementDropped(reason string) {
	m.announcementsDropped.WithLabelValues(reason).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
