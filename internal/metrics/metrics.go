// Package metrics provides Prometheus metrics for the researchd service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "succeeded", "partial", "failed", "cancelled"
	)

	// RunsActive tracks currently active runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "researchd",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Number of currently running runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodesTotal counts total nodes executed by status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "orchestrator",
			Name:      "nodes_total",
			Help:      "Total number of nodes executed by status",
		},
		[]string{"status"}, // "succeeded", "failed", "skipped", "cancelled"
	)

	// NodeDuration tracks node execution duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "orchestrator",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// AgentIterations tracks reasoning iterations per completed node.
	AgentIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Number of reasoning iterations per node",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
		[]string{"status"},
	)

	// ToolInvocationsTotal counts tool attempts by tool and result.
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Total number of tool invocation attempts",
		},
		[]string{"tool", "result"}, // result: success, transient, permanent, timeout
	)

	// ToolDuration tracks tool attempt latency.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool invocation attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// SubscribersLaggedTotal counts subscriber buffer overflows.
	SubscribersLaggedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "events",
			Name:      "subscribers_lagged_total",
			Help:      "Total number of lag markers delivered to slow subscribers",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event stream connections.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "researchd",
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)

	// SchedulerReadyNodes tracks nodes waiting for a worker slot.
	SchedulerReadyNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "researchd",
			Subsystem: "orchestrator",
			Name:      "scheduler_ready_nodes",
			Help:      "Number of nodes ready and waiting for execution",
		},
	)
)
