package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for drwave.
// A nil or disabled *Metrics is valid; every recorder becomes a no-op.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsCreated  *prometheus.CounterVec
	executionsTerminal *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec

	// Wave metrics
	wavesStarted     *prometheus.CounterVec
	wavePolls        *prometheus.CounterVec
	wavePollDuration prometheus.Histogram

	// Upstream API metrics
	upstreamCalls    *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	// Claim metrics
	claimConflicts prometheus.Counter
	claimsSwept    prometheus.Counter

	// Cache and capacity metrics
	cacheRequests       *prometheus.CounterVec
	capacityUtilization *prometheus.GaugeVec

	// Notification metrics
	notificationsSent   prometheus.Counter
	notificationsFailed prometheus.Counter

	// Invocation metrics
	invocations  *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_created_total",
				Help:      "Total number of executions created",
			},
			[]string{"kind"},
		),
		executionsTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_terminal_total",
				Help:      "Total number of executions that reached a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration from creation to terminal status",
				Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
			},
			[]string{"status"},
		),

		wavesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waves_started_total",
				Help:      "Total number of waves whose recovery job was requested",
			},
			[]string{"kind"},
		),
		wavePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wave_polls_total",
				Help:      "Total number of wave polls by outcome",
			},
			[]string{"outcome"},
		),
		wavePollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wave_poll_duration_seconds",
				Help:      "Duration of a single wave poll including enrichment",
				Buckets:   buckets,
			},
		),

		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_calls_total",
				Help:      "Total number of upstream API calls",
			},
			[]string{"api", "operation"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream API errors by classified code",
			},
			[]string{"api", "code"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_call_duration_seconds",
				Help:      "Duration of upstream API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"api", "operation"},
		),

		claimConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_conflicts_total",
				Help:      "Total number of rejected server claims",
			},
		),
		claimsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_swept_total",
				Help:      "Total number of claims released by the sweep",
			},
		),

		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "region_cache_requests_total",
				Help:      "Region cache lookups by result (hit, miss, fallback)",
			},
			[]string{"result"},
		),
		capacityUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capacity_utilization_percent",
				Help:      "Last computed recovery capacity utilization per account",
			},
			[]string{"account_id"},
		),

		notificationsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications delivered",
			},
		),
		notificationsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_failed_total",
				Help:      "Total number of notifications that could not be delivered",
			},
		),

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of transport invocations by operation and result code",
			},
			[]string{"operation", "code"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.executionsCreated,
		m.executionsTerminal,
		m.executionDuration,
		m.wavesStarted,
		m.wavePolls,
		m.wavePollDuration,
		m.upstreamCalls,
		m.upstreamErrors,
		m.upstreamDuration,
		m.claimConflicts,
		m.claimsSwept,
		m.cacheRequests,
		m.capacityUtilization,
		m.notificationsSent,
		m.notificationsFailed,
		m.invocations,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Execution Metrics

// RecordExecutionCreated increments the counter for created executions.
func (m *Metrics) RecordExecutionCreated(kind string) {
	if !m.enabled() {
		return
	}
	m.executionsCreated.WithLabelValues(kind).Inc()
}

// RecordExecutionTerminal records an execution reaching a terminal status.
func (m *Metrics) RecordExecutionTerminal(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.executionsTerminal.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Wave Metrics

// RecordWaveStarted records a recovery job request for a wave.
func (m *Metrics) RecordWaveStarted(kind string) {
	if !m.enabled() {
		return
	}
	m.wavesStarted.WithLabelValues(kind).Inc()
}

// RecordWavePoll records one wave poll and its outcome.
func (m *Metrics) RecordWavePoll(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.wavePolls.WithLabelValues(outcome).Inc()
	m.wavePollDuration.Observe(duration.Seconds())
}

// Upstream Metrics

// RecordUpstreamCall records an upstream API call with its duration.
func (m *Metrics) RecordUpstreamCall(api, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.upstreamCalls.WithLabelValues(api, operation).Inc()
	m.upstreamDuration.WithLabelValues(api, operation).Observe(duration.Seconds())
}

// RecordUpstreamError records a classified upstream API error.
func (m *Metrics) RecordUpstreamError(api, code string) {
	if !m.enabled() {
		return
	}
	m.upstreamErrors.WithLabelValues(api, code).Inc()
}

// Claim Metrics

// RecordClaimConflict records a rejected claim.
func (m *Metrics) RecordClaimConflict() {
	if !m.enabled() {
		return
	}
	m.claimConflicts.Inc()
}

// RecordClaimsSwept records claims released by a sweep.
func (m *Metrics) RecordClaimsSwept(count int) {
	if !m.enabled() {
		return
	}
	m.claimsSwept.Add(float64(count))
}

// Cache and Capacity Metrics

// RecordCacheRequest records a region cache lookup result.
func (m *Metrics) RecordCacheRequest(result string) {
	if !m.enabled() {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// SetCapacityUtilization sets the last computed utilization for an account.
func (m *Metrics) SetCapacityUtilization(accountID string, percent float64) {
	if !m.enabled() {
		return
	}
	m.capacityUtilization.WithLabelValues(accountID).Set(percent)
}

// Notification Metrics

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(err error) {
	if !m.enabled() {
		return
	}
	if err != nil {
		m.notificationsFailed.Inc()
		return
	}
	m.notificationsSent.Inc()
}

// Invocation Metrics

// RecordInvocation records a transport invocation by operation and result code.
// An empty code means success.
func (m *Metrics) RecordInvocation(operation, code string) {
	if !m.enabled() {
		return
	}
	if code == "" {
		code = "OK"
	} else {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
	m.invocations.WithLabelValues(operation, code).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}
