// Package metrics holds the Prometheus collectors shared by the api server and the report worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "varda_reporting"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	Jobs              *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	UploadAttempts    *prometheus.CounterVec
	AuthzCache        *prometheus.CounterVec
	FeedRows          *prometheus.CounterVec
	TelemetryDropped  prometheus.Counter
	QualityViolations *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Completed HTTP requests by method, route template and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route template.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "jobs_total",
			Help:      "Export jobs that reached a terminal state, by report type and status.",
		}, []string{"report_type", "status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "job_duration_seconds",
			Help:      "Wall time of export jobs by report type.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"report_type"}),
		UploadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "upload_attempts_total",
			Help:      "Object store upload attempts by outcome.",
		}, []string{"outcome"}),
		AuthzCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "cache_lookups_total",
			Help:      "Permitted-id cache lookups by result.",
		}, []string{"result"}),
		FeedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changefeed",
			Name:      "rows_total",
			Help:      "Rows emitted by the change feeds, by feed and version.",
		}, []string{"feed", "version"}),
		TelemetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "dropped_total",
			Help:      "Request telemetry records dropped because the sink buffer was full.",
		}),
		QualityViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataquality",
			Name:      "violations_total",
			Help:      "Violations returned by the data quality scanner, by error code.",
		}, []string{"code"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.AuthzCache.WithLabelValues(result).Inc()
}

func (m *Metrics) JobFinished(reportType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(reportType, status).Inc()
	m.JobDuration.WithLabelValues(reportType).Observe(seconds)
}

func (m *Metrics) UploadAttempt(ok bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.UploadAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FeedRowsEmitted(feed, version string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FeedRows.WithLabelValues(feed, version).Add(float64(n))
}

func (m *Metrics) TelemetryDrop() {
	if m == nil {
		return
	}
	m.TelemetryDropped.Inc()
}

func (m *Metrics) Violations(code string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.QualityViolations.WithLabelValues(code).Add(float64(n))
}

func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}
