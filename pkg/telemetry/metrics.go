package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/netconverge/netconverge/pkg/engine"
)

// Metrics provides Prometheus metrics for netconverge. It satisfies the
// recorder interfaces of the gateway, the inspector and the plan executor.
// A Metrics built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Gateway metrics
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	// Operation metrics
	operations        *prometheus.CounterVec
	operationAttempts *prometheus.HistogramVec
	operationDuration *prometheus.HistogramVec
	retries           *prometheus.CounterVec

	// Apply metrics
	applies       *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec

	// Snapshot metrics
	snapshotDuration prometheus.Histogram
	unknownEntities  prometheus.Gauge

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

		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Total number of backend invocations by verb and outcome",
			},
			[]string{"verb", "outcome"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Duration of backend invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"verb"},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of attempted change operations by verb and outcome",
			},
			[]string{"verb", "outcome"},
		),
		operationAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_attempts",
				Help:      "Number of backend attempts per change operation",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"verb"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of change operations including retries in seconds",
				Buckets:   buckets,
			},
			[]string{"verb"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total number of retries after transient failures",
			},
			[]string{"verb"},
		),

		applies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_total",
				Help:      "Total number of plan applies by status",
			},
			[]string{"status"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of plan applies in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		snapshotDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_duration_seconds",
				Help:      "Duration of system state snapshots in seconds",
				Buckets:   buckets,
			},
		),
		unknownEntities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_unknown_entities",
				Help:      "Number of entities or sections the last snapshot could not read",
			},
		),
	}

	registry.MustRegister(
		m.gatewayCalls,
		m.gatewayDuration,
		m.operations,
		m.operationAttempts,
		m.operationDuration,
		m.retries,
		m.applies,
		m.applyDuration,
		m.snapshotDuration,
		m.unknownEntities,
	)

	return m, nil
}

// RecordGatewayCall records one backend invocation.
func (m *Metrics) RecordGatewayCall(verb, outcome string, d time.Duration) {
	if m.gatewayCalls == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(verb, outcome).Inc()
	m.gatewayDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// RecordOperation records the final outcome of one change operation.
func (m *Metrics) RecordOperation(verb string, outcome engine.Outcome, attempts int, d time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(verb, string(outcome)).Inc()
	m.operationAttempts.WithLabelValues(verb).Observe(float64(attempts))
	m.operationDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// RecordRetry records a retry after a transient failure.
func (m *Metrics) RecordRetry(verb string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(verb).Inc()
}

// RecordApply records a finished apply.
func (m *Metrics) RecordApply(status engine.ApplyStatus, d time.Duration) {
	if m.applies == nil {
		return
	}
	m.applies.WithLabelValues(string(status)).Inc()
	m.applyDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// RecordSnapshot records a finished snapshot and how much of it was unreadable.
func (m *Metrics) RecordSnapshot(d time.Duration, unknown int) {
	if m.snapshotDuration == nil {
		return
	}
	m.snapshotDuration.Observe(d.Seconds())
	m.unknownEntities.Set(float64(unknown))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
