package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for a harvest run. It satisfies
// transport.Observer so every worker client reports into the same registry.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RecordsTotal    prometheus.Counter
	RejectsTotal    *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	InFlight        prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_requests_total",
			Help: "Total HTTP attempts issued by the harvester.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvest_request_duration_seconds",
			Help:    "HTTP attempt latency for product pages.",
			Buckets: prometheus.DefBuckets,
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Total number of product records accepted by the aggregator.",
		},
	)
	rejects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_rejects_total",
			Help: "Total number of addresses that produced no record, by reason.",
		},
		[]string{"reason"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_errors_total",
			Help: "Total number of failed attempts by type.",
		},
		[]string{"error_type"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_in_flight_addresses",
			Help: "Addresses currently held by a worker.",
		},
	)

	registry.MustRegister(requests, requestDuration, records, rejects, retries, errorsTotal, inFlight)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RecordsTotal:    records,
		RejectsTotal:    rejects,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		InFlight:        inFlight,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRecords increments the accepted records counter.
func (m *Metrics) IncRecords() {
	if m == nil {
		return
	}
	m.RecordsTotal.Inc()
}

// IncReject counts an address that ended without a record.
func (m *Metrics) IncReject(reason string) {
	if m == nil {
		return
	}
	m.RejectsTotal.WithLabelValues(reason).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
