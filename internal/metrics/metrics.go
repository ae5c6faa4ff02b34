package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Tollgate gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gateway pipeline metrics.
	GatewayRequestsTotal *prometheus.CounterVec
	UpstreamDuration     *prometheus.HistogramVec
	UpstreamErrorsTotal  *prometheus.CounterVec

	// Cache metrics.
	CacheLookupsTotal *prometheus.CounterVec
	CacheDegraded     prometheus.Gauge

	// Circuit breaker metrics.
	BreakerState            *prometheus.GaugeVec
	BreakerTransitionsTotal *prometheus.CounterVec
	BreakerRejectionsTotal  *prometheus.CounterVec

	// Payment gate metrics.
	PaymentChallengesTotal    prometheus.Counter
	PaymentVerificationsTotal *prometheus.CounterVec

	// Admission metrics.
	AdmissionRejectionsTotal prometheus.Counter

	// Ledger collector metrics.
	LedgerRecordsTotal prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_gateway_requests_total",
			Help: "Total number of gateway requests by endpoint and status.",
		}, []string{"endpoint", "status_code"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_upstream_duration_seconds",
			Help:    "Upstream fetch duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_upstream_errors_total",
			Help: "Total number of upstream fetch errors by error type.",
		}, []string{"error_type", "endpoint"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_cache_lookups_total",
			Help: "Total number of cache lookups by namespace and outcome.",
		}, []string{"namespace", "outcome"}),

		CacheDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_cache_degraded",
			Help: "1 when the persistent cache backend is unavailable.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),

		BreakerTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions.",
		}, []string{"name", "to_state"}),

		BreakerRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit.",
		}, []string{"name"}),

		PaymentChallengesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_payment_challenges_total",
			Help: "Total number of 402 payment challenges issued.",
		}),

		PaymentVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_payment_verifications_total",
			Help: "Total number of payment proof verifications by outcome.",
		}, []string{"outcome"}),

		AdmissionRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_admission_rejections_total",
			Help: "Total number of requests rejected by the admission controller.",
		}),

		LedgerRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_ledger_records_total",
			Help: "Total number of ledger records recorded.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GatewayRequestsTotal,
		m.UpstreamDuration,
		m.UpstreamErrorsTotal,
		m.CacheLookupsTotal,
		m.CacheDegraded,
		m.BreakerState,
		m.BreakerTransitionsTotal,
		m.BreakerRejectionsTotal,
		m.PaymentChallengesTotal,
		m.PaymentVerificationsTotal,
		m.AdmissionRejectionsTotal,
		m.LedgerRecordsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncGatewayRequest increments the gateway request counter.
func (m *Metrics) IncGatewayRequest(endpoint string, statusCode int) {
	m.GatewayRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", statusCode)).Inc()
}

// ObserveUpstreamDuration records an upstream fetch duration.
func (m *Metrics) ObserveUpstreamDuration(endpoint string, seconds float64) {
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(seconds)
}

// IncUpstreamError increments the upstream error counter.
func (m *Metrics) IncUpstreamError(errorType, endpoint string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// IncCacheHit increments the cache hit counter for a namespace.
func (m *Metrics) IncCacheHit(namespace string) {
	m.CacheLookupsTotal.WithLabelValues(namespace, "hit").Inc()
}

// IncCacheMiss increments the cache miss counter for a namespace.
func (m *Metrics) IncCacheMiss(namespace string) {
	m.CacheLookupsTotal.WithLabelValues(namespace, "miss").Inc()
}

// SetCacheDegraded records whether the persistent cache tier is available.
func (m *Metrics) SetCacheDegraded(degraded bool) {
	if degraded {
		m.CacheDegraded.Set(1)
	} else {
		m.CacheDegraded.Set(0)
	}
}

// SetBreakerState records a breaker's current state as a numeric gauge.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.BreakerState.WithLabelValues(name).Set(state)
}

// IncBreakerTransition increments the breaker transition counter.
func (m *Metrics) IncBreakerTransition(name, toState string) {
	m.BreakerTransitionsTotal.WithLabelValues(name, toState).Inc()
}

// IncBreakerRejection increments the open-circuit rejection counter.
func (m *Metrics) IncBreakerRejection(name string) {
	m.BreakerRejectionsTotal.WithLabelValues(name).Inc()
}

// IncPaymentChallenge increments the 402 challenge counter.
func (m *Metrics) IncPaymentChallenge() {
	m.PaymentChallengesTotal.Inc()
}

// IncPaymentVerification increments the verification counter with an outcome
// of "accepted" or a rejection reason.
func (m *Metrics) IncPaymentVerification(outcome string) {
	m.PaymentVerificationsTotal.WithLabelValues(outcome).Inc()
}

// IncAdmissionRejection increments the admission rejection counter.
func (m *Metrics) IncAdmissionRejection() {
	m.AdmissionRejectionsTotal.Inc()
}

// IncLedgerRecord increments the ledger record counter.
func (m *Metrics) IncLedgerRecord() {
	m.LedgerRecordsTotal.Inc()
}
