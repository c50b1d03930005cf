// Package metrics holds the Prometheus collectors exported on /metrics.
// All methods are safe on a nil *Metrics so callers that do not care about
// metrics (tests, -once mode) can pass nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "confbot"

// Refresh results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics is the set of collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	refreshTotal     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	dispatchErrors   *prometheus.CounterVec
	notifiedSessions prometheus.Gauge
	scanDuration     prometheus.Histogram
	lastScan         prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Source refreshes by source and result.",
		}, []string{"source", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Messages posted, by channel kind (room or main).",
		}, []string{"channel"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Failed topic updates and posts, by operation.",
		}, []string{"op"}),
		notifiedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notified_sessions",
			Help:      "Sessions currently held in the notified record.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of due-session scan ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time of the last completed scan tick.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshTotal,
		m.notifications,
		m.dispatchErrors,
		m.notifiedSessions,
		m.scanDuration,
		m.lastScan,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Refresh(source string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.refreshTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Notified(channel string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel).Inc()
}

func (m *Metrics) DispatchError(op string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordSize(n int) {
	if m == nil {
		return
	}
	m.notifiedSessions.Set(float64(n))
}

func (m *Metrics) ScanDone(started, finished time.Time) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(finished.Sub(started).Seconds())
	m.lastScan.Set(float64(finished.Unix()))
}
