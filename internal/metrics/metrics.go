// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetry_core"

// Metrics holds every collector the service reports. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests          *prometheus.CounterVec
	PointsStored          *prometheus.CounterVec
	NormalizationFailures prometheus.Counter
	StoreFailures         prometheus.Counter
	UnknownDevices        *prometheus.CounterVec
	IngestDuration        prometheus.Histogram
	AlarmTransitions      *prometheus.CounterVec
	ActiveAlarms          prometheus.Gauge
	DispatchDropped       prometheus.Counter
	DispatchFailures      *prometheus.CounterVec
	NoDataSweeps          *prometheus.CounterVec
	ResolverLookups       *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total requests by endpoint, method, and status.",
			},
			[]string{"endpoint", "method", "status"},
		),
		PointsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "points_stored_total",
				Help:      "Telemetry points durably written, by source.",
			},
			[]string{"source"},
		),
		NormalizationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalization_failures_total",
			Help:      "Datapoint values dropped because they could not be normalized.",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Telemetry writes rejected by the store.",
		}),
		UnknownDevices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unknown_device_total",
				Help:      "Ingest calls whose identity did not resolve, by source.",
			},
			[]string{"source"},
		),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent processing one ingest call.",
			Buckets:   prometheus.DefBuckets,
		}),
		AlarmTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarm_transitions_total",
				Help:      "Alarm state transitions by type and severity.",
			},
			[]string{"type", "severity"},
		),
		ActiveAlarms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alarms",
			Help:      "Alarms currently triggered or acknowledged.",
		}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarm_dispatch_dropped_total",
			Help:      "Alarm events dropped because the dispatch queue was full.",
		}),
		DispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarm_dispatch_failures_total",
				Help:      "Alarm events a sink failed to deliver.",
			},
			[]string{"sink"},
		),
		NoDataSweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "no_data_sweeps_total",
				Help:      "No-data sweeps by outcome.",
			},
			[]string{"outcome"},
		),
		ResolverLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_edge_lookups_total",
				Help:      "Gateway edge-key resolutions by cache result.",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.PointsStored,
		m.NormalizationFailures,
		m.StoreFailures,
		m.UnknownDevices,
		m.IngestDuration,
		m.AlarmTransitions,
		m.ActiveAlarms,
		m.DispatchDropped,
		m.DispatchFailures,
		m.NoDataSweeps,
		m.ResolverLookups,
	)

	return m
}

// Registry returns the registry backing these collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts HTTP requests by route template
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" || endpoint == "/metrics" {
			return
		}
		m.HTTPRequests.WithLabelValues(endpoint, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
