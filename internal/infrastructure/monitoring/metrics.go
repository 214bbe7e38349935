package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Orchestrator metrics
	CommandsTotal  *prometheus.CounterVec
	SessionsTotal  prometheus.Counter
	SessionActive  prometheus.Gauge
	FramesTotal    *prometheus.CounterVec
	ArchivedTotal  prometheus.Counter

	// Provider metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	// Transport metrics
	StreamClients prometheus.Gauge
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewdesk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewdesk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewdesk_commands_total",
				Help: "Commands submitted to the orchestrator, by outcome",
			},
			[]string{"outcome"},
		),
		SessionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crewdesk_browser_sessions_total",
				Help: "Total number of remote browser sessions started",
			},
		),
		SessionActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewdesk_browser_session_active",
				Help: "Whether a remote browser session is currently live",
			},
		),
		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewdesk_stream_frames_total",
				Help: "Update stream frames processed, by kind",
			},
			[]string{"kind"},
		),
		ArchivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crewdesk_sessions_archived_total",
				Help: "Session transcripts archived to history",
			},
		),

		ProviderCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewdesk_provider_calls_total",
				Help: "Remote session provider calls, by operation and status",
			},
			[]string{"operation", "status"},
		),
		ProviderDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewdesk_provider_call_duration_seconds",
				Help:    "Remote session provider call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),

		StreamClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewdesk_sse_clients",
				Help: "Connected dashboard SSE clients",
			},
		),
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewdesk_ws_connections",
				Help: "Connected dashboard WebSocket clients",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewdesk_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCommand records a command submission outcome
func (m *Metrics) RecordCommand(outcome string) {
	m.CommandsTotal.WithLabelValues(outcome).Inc()
}

// RecordFrame records one processed update stream frame
func (m *Metrics) RecordFrame(kind string) {
	m.FramesTotal.WithLabelValues(kind).Inc()
}

// RecordProviderCall records a provider call with its duration
func (m *Metrics) RecordProviderCall(operation, status string, duration time.Duration) {
	m.ProviderCalls.WithLabelValues(operation, status).Inc()
	m.ProviderDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SessionStarted marks a new remote session
func (m *Metrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.SessionActive.Set(1)
}

// SessionCleared marks the remote session as discarded
func (m *Metrics) SessionCleared() {
	m.SessionActive.Set(0)
}

// IncArchived records an archived session transcript
func (m *Metrics) IncArchived() {
	m.ArchivedTotal.Inc()
}

// IncStreamClients increments connected SSE client count
func (m *Metrics) IncStreamClients() {
	m.StreamClients.Inc()
}

// DecStreamClients decrements connected SSE client count
func (m *Metrics) DecStreamClients() {
	m.StreamClients.Dec()
}

// IncWSConnections increments WebSocket connection count
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connection count
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
