// Package metrics holds the Prometheus instruments of the monitor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Read results recorded in ReadsTotal.
const (
	ResultOK          = "ok"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// Metrics holds all instruments. A nil *Metrics records nothing.
type Metrics struct {
	FifosMonitored     prometheus.Gauge
	ValidationFailures *prometheus.CounterVec
	ReadsTotal         *prometheus.CounterVec
	ResolverLockWait   prometheus.Histogram

	registry *prometheus.Registry
}

// New registers the instruments on a fresh registry, together with the
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the instruments on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FifosMonitored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fifomon_fifos_monitored",
			Help: "Number of FIFOs currently exposed",
		}),
		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fifomon_validation_failures_total",
				Help: "FIFO paths rejected at startup, by reason",
			},
			[]string{"reason"},
		),
		ReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fifomon_reads_total",
				Help: "Accessor file reads, by property and result",
			},
			[]string{"property", "result"},
		),
		ResolverLockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fifomon_resolver_lock_wait_seconds",
			Help:    "Time spent waiting for the pipe resolver lock",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
}

// Registry returns the registry the instruments live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetMonitored records the number of exposed FIFOs.
func (m *Metrics) SetMonitored(n int) {
	if m == nil {
		return
	}
	m.FifosMonitored.Set(float64(n))
}

// RecordValidationFailure counts a rejected path.
func (m *Metrics) RecordValidationFailure(reason string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(reason).Inc()
}

// RecordRead counts one accessor read.
func (m *Metrics) RecordRead(property, result string) {
	if m == nil {
		return
	}
	m.ReadsTotal.WithLabelValues(property, result).Inc()
}

// ObserveLockWait records a resolver lock wait.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ResolverLockWait.Observe(d.Seconds())
}
