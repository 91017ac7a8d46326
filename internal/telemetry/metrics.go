package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, registered on the default registry and served at /metrics.
var (
	// ProviderAttempts counts calls per credential attempt.
	// Labels: outcome (success|error)
	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydesk",
		Name:      "provider_attempts_total",
		Help:      "LLM provider attempts, one per candidate credential tried.",
	}, []string{"outcome"})

	// Completions counts finished completion requests.
	// Labels: outcome (success|no_credentials|all_failed|error)
	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydesk",
		Name:      "completions_total",
		Help:      "Completion requests by final outcome.",
	}, []string{"outcome"})

	// CompletionDuration measures end-to-end completion latency in seconds.
	CompletionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relaydesk",
		Name:      "completion_duration_seconds",
		Help:      "End-to-end completion latency.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"outcome"})

	// ToolCalls counts synthesized tool results.
	// Labels: tool
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydesk",
		Name:      "tool_calls_total",
		Help:      "Tool calls requested by the model.",
	}, []string{"tool"})

	// WebhookMessages counts inbound webhook deliveries.
	// Labels: platform, result (message|ignored|rejected)
	WebhookMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydesk",
		Name:      "webhook_messages_total",
		Help:      "Inbound webhook deliveries by platform and result.",
	}, []string{"platform", "result"})

	// OutboundMessages counts replies sent to platforms.
	// Labels: platform, outcome (success|error)
	OutboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydesk",
		Name:      "outbound_messages_total",
		Help:      "Replies sent to chat platforms.",
	}, []string{"platform", "outcome"})

	// InflightTasks is the number of background message tasks running.
	InflightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaydesk",
		Name:      "inflight_tasks",
		Help:      "Background message-handling tasks in flight.",
	})

	// AuditPurged counts audit entries removed by retention.
	AuditPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relaydesk",
		Name:      "audit_entries_purged_total",
		Help:      "Audit log entries removed by the retention janitor.",
	})

	// HTTPRequests counts API requests.
	// Labels: method, route, status_code
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydesk",
		Name:      "http_requests_total",
		Help:      "HTTP requests handled by the API.",
	}, []string{"method", "route", "status_code"})
)
