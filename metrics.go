package ezproxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "ezproxy"

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	recordsPersisted *prometheus.CounterVec
	recordWriteErrs  *prometheus.CounterVec
	wsFrames         *prometheus.CounterVec
	testResults      *prometheus.CounterVec
	ruleErrors       *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter
	socketPoolSize   prometheus.Gauge
	configReloads    prometheus.Counter
	configReloadErrs prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "scheme"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Upstream round trip duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of open CONNECT sessions.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		recordsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_persisted_total",
			Help:      "Number of record writes, one per filter pass.",
		}, []string{"op"}),

		recordWriteErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "record_write_errors_total",
			Help:      "Number of failed record, body and frame writes.",
		}, []string{"op"}),

		wsFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_frames_total",
			Help:      "Number of recorded websocket frames.",
		}, []string{"direction"}),

		testResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "test_results_total",
			Help:      "Number of test executions by outcome.",
		}, []string{"state"}),

		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rule_errors_total",
			Help:      "Number of rules that panicked.",
		}, []string{"chain"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		socketPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "socket_pool_size",
			Help:      "Number of tracked client sockets.",
		}),

		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "config_reloads_total",
			Help:      "Number of successful config reloads.",
		}),

		configReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "config_reload_errors_total",
			Help:      "Number of failed config reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.recordsPersisted,
		m.recordWriteErrs,
		m.wsFrames,
		m.testResults,
		m.ruleErrors,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.socketPoolSize,
		m.configReloads,
		m.configReloadErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a proxied request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRequestDuration records the upstream round trip of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordPersisted counts one successful record write.
func (m *Metrics) RecordPersisted(op string) {
	m.recordsPersisted.WithLabelValues(op).Inc()
}

// RecordWriteError counts one failed write.
func (m *Metrics) RecordWriteError(op string) {
	m.recordWriteErrs.WithLabelValues(op).Inc()
}

// RecordWsFrame counts one websocket frame.
func (m *Metrics) RecordWsFrame(toServer bool) {
	dir := "to_client"
	if toServer {
		dir = "to_server"
	}
	m.wsFrames.WithLabelValues(dir).Inc()
}

// RecordTestResult counts one test execution.
func (m *Metrics) RecordTestResult(state string) {
	m.testResults.WithLabelValues(state).Inc()
}

// RecordRuleError counts a rule failure in the named chain.
func (m *Metrics) RecordRuleError(chain string) {
	m.ruleErrors.WithLabelValues(chain).Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// SetSocketPoolSize sets the tracked socket gauge.
func (m *Metrics) SetSocketPoolSize(n int) {
	m.socketPoolSize.Set(float64(n))
}

// RecordConfigReload records a successful config reload.
func (m *Metrics) RecordConfigReload() {
	m.configReloads.Inc()
}

// RecordConfigReloadError records a failed config reload.
func (m *Metrics) RecordConfigReloadError() {
	m.configReloadErrs.Inc()
}
