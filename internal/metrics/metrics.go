package metrics

import (
	"net/http"

	"github.com/faucet-claimer/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	// Claim task metrics
	claimsTotal   *prometheus.CounterVec
	attemptsTotal *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	inFlight      prometheus.Gauge

	// Proxy metrics
	connectivityFailures *prometheus.CounterVec
	connectivityDuration prometheus.Histogram

	// Sink metrics
	sinkErrors prometheus.Counter

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on a private registry so several
// collectors can coexist in one process.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		claimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Terminal claim outcomes by status",
			},
			[]string{"status"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_attempts_total",
				Help:      "Individual claim attempts by classified status",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall-clock duration of one address task",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180, 300},
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_in_flight",
				Help:      "Currently open sessions",
			},
		),
		connectivityFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_connectivity_failures_total",
				Help:      "Failed egress probes per proxy endpoint",
			},
			[]string{"proxy"},
		),
		connectivityDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_connectivity_duration_seconds",
				Help:      "Egress probe duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
		),
		sinkErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Records that could not be appended to the result sink",
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// Handler exposes this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordClaim(status types.Status, seconds float64) {
	c.claimsTotal.WithLabelValues(string(status)).Inc()
	c.taskDuration.Observe(seconds)
}

func (c *Collector) RecordAttempt(status types.Status) {
	c.attemptsTotal.WithLabelValues(string(status)).Inc()
}

func (c *Collector) SessionOpened() {
	c.inFlight.Inc()
}

func (c *Collector) SessionClosed() {
	c.inFlight.Dec()
}

func (c *Collector) RecordConnectivity(proxy string, ok bool, seconds float64) {
	c.connectivityDuration.Observe(seconds)
	if !ok {
		c.connectivityFailures.WithLabelValues(proxy).Inc()
	}
}

func (c *Collector) RecordSinkError() {
	c.sinkErrors.Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
