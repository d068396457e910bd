package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the pairing and signaling service.
//
// Naming convention: namespace_subsystem_name
// - namespace: driftcall (application-level grouping)
// - subsystem: websocket, queue, room, relay, analytics, redis
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, queue depth, rooms)
// - Counter: Cumulative events (frames relayed, drops, errors)
// - Histogram: Latency distributions (processing time, wait time)

var (
	// ActiveWebSocketConnections tracks the current number of open signaling connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "driftcall",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// QueueSize mirrors the waiting-queue depth as seen by this instance's
	// most recent queue operation.
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "driftcall",
		Subsystem: "queue",
		Name:      "size",
		Help:      "Clients currently waiting for a partner",
	})

	// ActiveRooms tracks the current number of paired conversations.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "driftcall",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomsCreatedTotal counts every successful pairing.
	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "room",
		Name:      "created_total",
		Help:      "Total rooms created",
	})

	// MatchWaitSeconds measures time between entering the queue and being
	// paired.
	MatchWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "driftcall",
		Subsystem: "queue",
		Name:      "match_wait_seconds",
		Help:      "Time spent in the waiting queue before a match",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// WebsocketEvents tracks the total number of WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent handling inbound frames.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "driftcall",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SignalsForwarded counts relayed offer/answer/ice-candidate frames.
	SignalsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "relay",
		Name:      "forwarded_total",
		Help:      "Signaling frames forwarded between peers",
	}, []string{"event_type"})

	// DroppedFrames counts outbound frames discarded by backpressure or
	// because the recipient was gone.
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "websocket",
		Name:      "dropped_frames_total",
		Help:      "Outbound frames dropped instead of delivered",
	}, []string{"reason"})

	// AnalyticsEvents tracks the analytics pipeline by outcome
	// (queued, dropped, written, failed).
	AnalyticsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "analytics",
		Name:      "events_total",
		Help:      "Analytics events by pipeline outcome",
	}, []string{"status"})

	// CircuitBreakerState exposes breaker position per backend
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "driftcall",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected while the circuit breaker was open",
	}, []string{"name"})

	// RedisOperationsTotal counts state-store commands by operation and outcome.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "State store operations by result",
	}, []string{"operation", "status"})

	// RedisOperationDuration measures state-store command latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "driftcall",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "State store operation latency",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"operation"})

	// RateLimitRequests counts rate-limit checks per endpoint.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests evaluated by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests refused by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftcall",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
