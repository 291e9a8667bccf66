package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the resilience layer.
// All recording methods are safe on a disabled or nil instance.
type Metrics struct {
	config MetricsConfig

	// State manager metrics
	stateOperations    *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	transitionFailures prometheus.Counter
	cacheRequests      *prometheus.CounterVec
	backendErrors      *prometheus.CounterVec
	resourceCount      prometheus.Gauge
	cleanupRemoved     prometheus.Counter

	// Circuit breaker metrics
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	circuitCalls       *prometheus.CounterVec
	circuitDuration    *prometheus.HistogramVec

	// Memory metrics
	memoryTracked *prometheus.GaugeVec
	memorySystem  prometheus.Gauge
	memoryAlerts  *prometheus.CounterVec

	// Health metrics
	componentHealth *prometheus.GaugeVec
	systemHealth    prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
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

		stateOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "operations_total",
				Help:      "Total number of state manager calls by operation",
			},
			[]string{"operation"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "transitions_total",
				Help:      "Total number of accepted state transitions",
			},
			[]string{"resource_type", "state"},
		),
		transitionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "transition_failures_total",
				Help:      "Total number of rejected state transitions",
			},
		),
		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "cache_requests_total",
				Help:      "State cache lookups by result",
			},
			[]string{"result"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "backend_errors_total",
				Help:      "Total number of storage backend failures",
			},
			[]string{"operation"},
		),
		resourceCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "resources",
				Help:      "Current number of persisted resources",
			},
		),
		cleanupRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "cleanup_removed_total",
				Help:      "Total number of records removed by cleanup",
			},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "state",
				Help:      "Circuit state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"circuit"},
		),
		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "transitions_total",
				Help:      "Total number of circuit state transitions",
			},
			[]string{"circuit", "from", "to"},
		),
		circuitCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "calls_total",
				Help:      "Calls through circuits by result",
			},
			[]string{"circuit", "result"},
		),
		circuitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "call_duration_seconds",
				Help:      "Duration of calls executed through circuits",
				Buckets:   buckets,
			},
			[]string{"circuit"},
		),

		memoryTracked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "memory",
				Name:      "tracked_megabytes",
				Help:      "Tracked resource memory per component",
			},
			[]string{"component"},
		),
		memorySystem: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "memory",
				Name:      "system_used_ratio",
				Help:      "Fraction of system memory in use",
			},
		),
		memoryAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "memory",
				Name:      "alerts_total",
				Help:      "Memory alerts by type and level",
			},
			[]string{"alert_type", "level"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "component_severity",
				Help:      "Component health severity (0=healthy .. 3=critical, -1=unknown)",
			},
			[]string{"component"},
		),
		systemHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "system_severity",
				Help:      "Overall system health severity",
			},
		),
	}

	registry.MustRegister(
		m.stateOperations,
		m.stateTransitions,
		m.transitionFailures,
		m.cacheRequests,
		m.backendErrors,
		m.resourceCount,
		m.cleanupRemoved,
		m.circuitState,
		m.circuitTransitions,
		m.circuitCalls,
		m.circuitDuration,
		m.memoryTracked,
		m.memorySystem,
		m.memoryAlerts,
		m.componentHealth,
		m.systemHealth,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// State Metrics

// RecordStateOperation counts a state manager call (set, get, history).
func (m *Metrics) RecordStateOperation(operation string) {
	if !m.enabled() {
		return
	}
	m.stateOperations.WithLabelValues(operation).Inc()
}

// RecordStateTransition counts an accepted transition into state.
func (m *Metrics) RecordStateTransition(resourceType, state string) {
	if !m.enabled() {
		return
	}
	m.stateTransitions.WithLabelValues(resourceType, state).Inc()
}

// RecordTransitionFailure counts a rejected transition.
func (m *Metrics) RecordTransitionFailure() {
	if !m.enabled() {
		return
	}
	m.transitionFailures.Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// RecordBackendError counts a storage failure for an operation.
func (m *Metrics) RecordBackendError(operation string) {
	if !m.enabled() {
		return
	}
	m.backendErrors.WithLabelValues(operation).Inc()
}

// SetResourceCount sets the current number of persisted resources.
func (m *Metrics) SetResourceCount(count int) {
	if !m.enabled() {
		return
	}
	m.resourceCount.Set(float64(count))
}

// RecordCleanup adds to the cleanup removal counter.
func (m *Metrics) RecordCleanup(removed int) {
	if !m.enabled() {
		return
	}
	m.cleanupRemoved.Add(float64(removed))
}

// Circuit Metrics

// SetCircuitState records the current circuit state as 0, 1 or 2.
func (m *Metrics) SetCircuitState(circuit string, value float64) {
	if !m.enabled() {
		return
	}
	m.circuitState.WithLabelValues(circuit).Set(value)
}

// RecordCircuitTransition counts a circuit state change.
func (m *Metrics) RecordCircuitTransition(circuit, from, to string) {
	if !m.enabled() {
		return
	}
	m.circuitTransitions.WithLabelValues(circuit, from, to).Inc()
}

// RecordCircuitCall records the outcome and duration of a protected call.
// Rejected calls are recorded without a duration.
func (m *Metrics) RecordCircuitCall(circuit, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.circuitCalls.WithLabelValues(circuit, result).Inc()
	if result != "rejected" {
		m.circuitDuration.WithLabelValues(circuit).Observe(duration.Seconds())
	}
}

// Memory Metrics

// SetTrackedMemory sets the tracked memory for a component in megabytes.
func (m *Metrics) SetTrackedMemory(component string, megabytes float64) {
	if !m.enabled() {
		return
	}
	m.memoryTracked.WithLabelValues(component).Set(megabytes)
}

// SetSystemMemoryRatio sets the fraction of system memory in use.
func (m *Metrics) SetSystemMemoryRatio(ratio float64) {
	if !m.enabled() {
		return
	}
	m.memorySystem.Set(ratio)
}

// RecordMemoryAlert counts a memory alert.
func (m *Metrics) RecordMemoryAlert(alertType, level string) {
	if !m.enabled() {
		return
	}
	m.memoryAlerts.WithLabelValues(alertType, level).Inc()
}

// Health Metrics

// SetComponentHealth records a component's health severity.
func (m *Metrics) SetComponentHealth(component string, severity float64) {
	if !m.enabled() {
		return
	}
	m.componentHealth.WithLabelValues(component).Set(severity)
}

// SetSystemHealth records the overall health severity.
func (m *Metrics) SetSystemHealth(severity float64) {
	if !m.enabled() {
		return
	}
	m.systemHealth.Set(severity)
}

// Gatherer exposes the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.enabled() {
		return nil
	}
	return m.registry
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

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are reported through onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
