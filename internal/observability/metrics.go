package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors emitted across the kernel's
// components. Construct one instance at startup and thread it into each
// component's constructor; collectors register once at process start.
type Metrics struct {
	LoopIterations        prometheus.Histogram
	ToolCallDuration      *prometheus.HistogramVec
	ToolCallErrors        *prometheus.CounterVec
	SessionLockWaitSecs   prometheus.Histogram
	SessionBusyRejections prometheus.Counter
	SchedulerTicks        prometheus.Counter
	SchedulerDroppedTicks *prometheus.CounterVec
	SchedulerExecutions   *prometheus.CounterVec
	IndexerQueueDepth     prometheus.Gauge
	RegistrySymbolsTotal  *prometheus.GaugeVec
}

// NewMetrics registers all collectors against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers collectors against the given registerer, so
// tests can use a scratch registry instead of the global one.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kernel_toolloop_iterations",
			Help:    "Number of model<->tool round trips per turn.",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_tool_call_duration_seconds",
			Help:    "Tool execution latency by tool name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ToolCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_tool_call_errors_total",
			Help: "Tool execution errors by tool name and error type.",
		}, []string{"tool", "type"}),
		SessionLockWaitSecs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kernel_session_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a session's active-message lock.",
			Buckets: prometheus.DefBuckets,
		}),
		SessionBusyRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "kernel_session_busy_rejections_total",
			Help: "setActiveMessage calls that failed because a lock was already held.",
		}),
		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "kernel_scheduler_ticks_total",
			Help: "Scheduler loop ticks.",
		}),
		SchedulerDroppedTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_scheduler_dropped_ticks_total",
			Help: "Ticks dropped because the agent was already running.",
		}, []string{"agent_id"}),
		SchedulerExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_scheduler_executions_total",
			Help: "Agent executions by terminal status.",
		}, []string{"status"}),
		IndexerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_vectorindex_reindex_pending",
			Help: "Pending symbols in the current reindex rebuild, 0 when idle.",
		}),
		RegistrySymbolsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kernel_registry_symbols_total",
			Help: "Live symbol count per domain.",
		}, []string{"domain"}),
	}
}
