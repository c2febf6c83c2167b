// Package metrics provides Prometheus metrics for the capture kernel.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KernelMetrics contains Prometheus metrics for every kernel subsystem
type KernelMetrics struct {
	registry *prometheus.Registry

	// Resource pool metrics
	poolAllocations *prometheus.CounterVec
	poolReleases    *prometheus.CounterVec
	poolInUse       *prometheus.GaugeVec
	poolCreated     *prometheus.GaugeVec

	// Buffer manager metrics
	queueDepth      *prometheus.GaugeVec
	queueOperations *prometheus.CounterVec
	queueDrained    *prometheus.CounterVec

	// Component coordinator metrics
	componentTransitions *prometheus.CounterVec
	threadFailures       *prometheus.CounterVec

	// Recovery and cleanup metrics
	recoveryTransitions *prometheus.CounterVec
	recoveryDuration    *prometheus.HistogramVec
	recoveryState       *prometheus.GaugeVec
	cleanupSteps        *prometheus.CounterVec
	cleanupDuration     *prometheus.HistogramVec

	// Monitoring coordinator metrics
	errorsTotal    *prometheus.CounterVec
	alertsTotal    *prometheus.CounterVec
	lockTimeouts   *prometheus.CounterVec
	operations     *prometheus.CounterVec
	operationTimes *prometheus.HistogramVec
	gauges         *prometheus.GaugeVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewKernelMetrics creates and registers kernel metrics
func NewKernelMetrics(registry *prometheus.Registry) (*KernelMetrics, error) {
	m := &KernelMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *KernelMetrics) initMetrics() {
	m.poolAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_pool_allocations_total",
			Help: "Buffer allocation attempts by tier and result",
		},
		[]string{"tier", "result"},
	)
	m.poolReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_pool_releases_total",
			Help: "Buffer release attempts by tier and result",
		},
		[]string{"tier", "result"},
	)
	m.poolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_pool_buffers_in_use",
			Help: "Buffers currently allocated or pending release",
		},
		[]string{"tier"},
	)
	m.poolCreated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_pool_buffers_created",
			Help: "Buffers created by the pool, in use or free",
		},
		[]string{"tier"},
	)

	m.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_queue_depth",
			Help: "Current number of buffers waiting in a queue",
		},
		[]string{"queue"},
	)
	m.queueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_queue_operations_total",
			Help: "Queue put/get operations by result",
		},
		[]string{"queue", "operation", "result"},
	)
	m.queueDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_queue_drained_total",
			Help: "Buffers discarded by queue drains",
		},
		[]string{"queue"},
	)

	m.componentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_component_transitions_total",
			Help: "Component lifecycle transitions",
		},
		[]string{"component", "to", "result"},
	)
	m.threadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_thread_failures_total",
			Help: "Worker liveness failures detected by the sweep",
		},
		[]string{"reason"},
	)

	m.recoveryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_recovery_transitions_total",
			Help: "Recovery state machine transition attempts",
		},
		[]string{"from", "to", "result"},
	)
	m.recoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernel_recovery_transition_duration_seconds",
			Help:    "Time spent validating and committing a recovery transition",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		},
		[]string{"to"},
	)
	m.recoveryState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_recovery_state",
			Help: "1 for the current recovery state, 0 otherwise",
		},
		[]string{"state"},
	)
	m.cleanupSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_cleanup_steps_total",
			Help: "Cleanup step outcomes",
		},
		[]string{"step", "result"},
	)
	m.cleanupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernel_cleanup_step_duration_seconds",
			Help:    "Cleanup step execution time including verification",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"step"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_errors_total",
			Help: "Errors reported to the monitoring coordinator",
		},
		[]string{"component", "kind"},
	)
	m.alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_alerts_total",
			Help: "Alerts by severity and delivery result",
		},
		[]string{"severity", "result"},
	)
	m.lockTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_lock_timeouts_total",
			Help: "Lock hierarchy acquisitions that timed out",
		},
		[]string{"level"},
	)
	m.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_operations_total",
			Help: "Generic kernel operations by status",
		},
		[]string{"operation", "status"},
	)
	m.operationTimes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernel_operation_duration_seconds",
			Help:    "Generic kernel operation durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	m.gauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_monitor_value",
			Help: "Named values published through the monitoring coordinator",
		},
		[]string{"name"},
	)

	m.collectors = []prometheus.Collector{
		m.poolAllocations,
		m.poolReleases,
		m.poolInUse,
		m.poolCreated,
		m.queueDepth,
		m.queueOperations,
		m.queueDrained,
		m.componentTransitions,
		m.threadFailures,
		m.recoveryTransitions,
		m.recoveryDuration,
		m.recoveryState,
		m.cleanupSteps,
		m.cleanupDuration,
		m.errorsTotal,
		m.alertsTotal,
		m.lockTimeouts,
		m.operations,
		m.operationTimes,
		m.gauges,
	}
}

// Describe implements the Collector interface
func (m *KernelMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *KernelMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordPoolAllocation records an allocation attempt
func (m *KernelMetrics) RecordPoolAllocation(tier, result string) {
	m.poolAllocations.WithLabelValues(tier, result).Inc()
}

// RecordPoolRelease records a release attempt
func (m *KernelMetrics) RecordPoolRelease(tier, result string) {
	m.poolReleases.WithLabelValues(tier, result).Inc()
}

// SetPoolUsage updates the in-use and created gauges for a tier
func (m *KernelMetrics) SetPoolUsage(tier string, inUse, created int) {
	m.poolInUse.WithLabelValues(tier).Set(float64(inUse))
	m.poolCreated.WithLabelValues(tier).Set(float64(created))
}

// SetQueueDepth updates the depth gauge for a queue
func (m *KernelMetrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueOperation records a put or get
func (m *KernelMetrics) RecordQueueOperation(queue, operation, result string) {
	m.queueOperations.WithLabelValues(queue, operation, result).Inc()
}

// RecordQueueDrained records buffers discarded by a drain
func (m *KernelMetrics) RecordQueueDrained(queue string, count int) {
	if count > 0 {
		m.queueDrained.WithLabelValues(queue).Add(float64(count))
	}
}

// RecordComponentTransition records a component lifecycle transition attempt
func (m *KernelMetrics) RecordComponentTransition(component, to string, ok bool) {
	m.componentTransitions.WithLabelValues(component, to, resultLabel(ok)).Inc()
}

// RecordThreadFailure records a liveness failure
func (m *KernelMetrics) RecordThreadFailure(reason string) {
	m.threadFailures.WithLabelValues(reason).Inc()
}

// RecordRecoveryTransition records a recovery transition attempt
func (m *KernelMetrics) RecordRecoveryTransition(from, to string, ok bool, duration time.Duration) {
	m.recoveryTransitions.WithLabelValues(from, to, resultLabel(ok)).Inc()
	m.recoveryDuration.WithLabelValues(to).Observe(duration.Seconds())
}

// SetRecoveryState marks state as current and resets the previous state
func (m *KernelMetrics) SetRecoveryState(previous, current string) {
	if previous != "" && previous != current {
		m.recoveryState.WithLabelValues(previous).Set(0)
	}
	m.recoveryState.WithLabelValues(current).Set(1)
}

// RecordCleanupStep records a cleanup step outcome
func (m *KernelMetrics) RecordCleanupStep(step, result string, duration time.Duration) {
	m.cleanupSteps.WithLabelValues(step, result).Inc()
	m.cleanupDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordKernelError records an error reported to the coordinator
func (m *KernelMetrics) RecordKernelError(component, kind string) {
	m.errorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordAlert records an alert delivery
func (m *KernelMetrics) RecordAlert(severity, result string) {
	m.alertsTotal.WithLabelValues(severity, result).Inc()
}

// RecordLockTimeout records a lock hierarchy timeout
func (m *KernelMetrics) RecordLockTimeout(level string) {
	m.lockTimeouts.WithLabelValues(level).Inc()
}

// SetValue publishes a named monitor value
func (m *KernelMetrics) SetValue(name string, value float64) {
	m.gauges.WithLabelValues(name).Set(value)
}

// RecordOperation implements Recorder
func (m *KernelMetrics) RecordOperation(operation, status string) {
	m.operations.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder
func (m *KernelMetrics) RecordDuration(operation string, seconds float64) {
	m.operationTimes.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder
func (m *KernelMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
