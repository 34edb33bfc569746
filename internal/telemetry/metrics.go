package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "celerywatch"

var (
	// EventsReceived: события, принятые источниками, по источнику.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Celery events received by the engine",
	}, []string{"source"})

	// EventsDropped: отброшенные события по причине
	// (no_subscribers, queue_full, decode_error).
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Celery events dropped before evaluation",
	}, []string{"reason"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_queue_depth",
		Help:      "Events waiting in the engine queue",
	})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Workflow executions by final status",
	}, []string{"status"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Workflow executions rejected by admission, by reason",
	}, []string{"reason"})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "action_duration_seconds",
		Help:      "Action execution latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action_type", "status"})

	LedgerWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_write_failures_total",
		Help:      "Execution ledger writes that failed after retries",
	})

	// Degraded: 1, пока запись в ledger не восстановилась.
	Degraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_degraded",
		Help:      "1 while the execution ledger is unavailable",
	})

	RuleGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rule_generation",
		Help:      "Generation of the active workflow snapshot",
	})

	WorkflowsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workflows_enabled",
		Help:      "Enabled workflows in the active snapshot",
	})

	BreakerBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_buckets",
		Help:      "Live circuit breaker buckets",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests handled by the management API",
	}, []string{"method", "code"})

	BrokerConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 while the event source connection is up",
	}, []string{"source"})
)
