package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter bridges the atomic-counter Metrics snapshot into real
// client_golang collectors so /admin/metrics/prometheus can be scraped by a
// standard Prometheus server instead of emitting hand-rolled text.
type PrometheusExporter struct {
	metrics *Metrics
	reg     *prometheus.Registry

	requestsTotal   *prometheus.Desc
	completedTotal  *prometheus.Desc
	rejectedTotal   *prometheus.Desc
	timeoutTotal    *prometheus.Desc
	errorTotal      *prometheus.Desc
	queueDepth      *prometheus.Desc
	activeConns     *prometheus.Desc
	avgResponseMs   *prometheus.Desc
	backendRequests *prometheus.Desc
	backendErrors   *prometheus.Desc
	backendLatency  *prometheus.Desc
	batchSize       *prometheus.Desc
}

// NewPrometheusExporter wraps metrics in a prometheus.Collector and registers
// it in a dedicated registry.
func NewPrometheusExporter(m *Metrics) *PrometheusExporter {
	e := &PrometheusExporter{
		metrics: m,
		reg:     prometheus.NewRegistry(),
		requestsTotal: prometheus.NewDesc(
			"imagegate_requests_total", "Total generate requests received", nil, nil),
		completedTotal: prometheus.NewDesc(
			"imagegate_requests_completed_total", "Generate requests completed successfully", nil, nil),
		rejectedTotal: prometheus.NewDesc(
			"imagegate_requests_rejected_total", "Generate requests rejected (queue full)", nil, nil),
		timeoutTotal: prometheus.NewDesc(
			"imagegate_requests_timeout_total", "Generate requests that timed out", nil, nil),
		errorTotal: prometheus.NewDesc(
			"imagegate_requests_error_total", "Generate requests that failed with a backend error", nil, nil),
		queueDepth: prometheus.NewDesc(
			"imagegate_queue_depth", "Current pending request count", nil, nil),
		activeConns: prometheus.NewDesc(
			"imagegate_active_connections", "Current accepted HTTP socket count", nil, nil),
		avgResponseMs: prometheus.NewDesc(
			"imagegate_response_time_ms_avg", "Average end-to-end response time in milliseconds", nil, nil),
		backendRequests: prometheus.NewDesc(
			"imagegate_backend_requests_total", "Requests sent to a backend", []string{"backend"}, nil),
		backendErrors: prometheus.NewDesc(
			"imagegate_backend_errors_total", "Backend call errors", []string{"backend"}, nil),
		backendLatency: prometheus.NewDesc(
			"imagegate_backend_latency_ms_avg", "Average backend call latency in milliseconds", []string{"backend"}, nil),
		batchSize: prometheus.NewDesc(
			"imagegate_batch_size_total", "Batches dispatched, by size", []string{"size"}, nil),
	}
	e.reg.MustRegister(e)
	return e
}

// Describe implements prometheus.Collector.
func (e *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.requestsTotal
	ch <- e.completedTotal
	ch <- e.rejectedTotal
	ch <- e.timeoutTotal
	ch <- e.errorTotal
	ch <- e.queueDepth
	ch <- e.activeConns
	ch <- e.avgResponseMs
	ch <- e.backendRequests
	ch <- e.backendErrors
	ch <- e.backendLatency
	ch <- e.batchSize
}

// Collect implements prometheus.Collector.
func (e *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.metrics.GetSnapshot()

	ch <- prometheus.MustNewConstMetric(e.requestsTotal, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(e.completedTotal, prometheus.CounterValue, float64(snap.CompletedRequests))
	ch <- prometheus.MustNewConstMetric(e.rejectedTotal, prometheus.CounterValue, float64(snap.RejectedRequests))
	ch <- prometheus.MustNewConstMetric(e.timeoutTotal, prometheus.CounterValue, float64(snap.TimeoutRequests))
	ch <- prometheus.MustNewConstMetric(e.errorTotal, prometheus.CounterValue, float64(snap.ErrorRequests))
	ch <- prometheus.MustNewConstMetric(e.queueDepth, prometheus.GaugeValue, float64(snap.QueueDepth))
	ch <- prometheus.MustNewConstMetric(e.activeConns, prometheus.GaugeValue, float64(snap.ActiveConns))
	ch <- prometheus.MustNewConstMetric(e.avgResponseMs, prometheus.GaugeValue, snap.AvgResponseMs)

	for backend, stats := range snap.BackendStats {
		ch <- prometheus.MustNewConstMetric(e.backendRequests, prometheus.CounterValue, float64(stats.Requests), backend)
		ch <- prometheus.MustNewConstMetric(e.backendErrors, prometheus.CounterValue, float64(stats.Errors), backend)
		ch <- prometheus.MustNewConstMetric(e.backendLatency, prometheus.GaugeValue, stats.AvgLatencyMs, backend)
	}

	for size, count := range snap.BatchSizes {
		ch <- prometheus.MustNewConstMetric(e.batchSize, prometheus.CounterValue, float64(count), strconv.Itoa(size))
	}
}

// Handler returns an http.Handler serving the Prometheus text exposition format.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}
