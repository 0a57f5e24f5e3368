package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the sequencer engine.
//
// Naming convention: namespace_subsystem_name
// - namespace: sequencer (application-level grouping)
// - subsystem: engine, room, chain, pool, rpc, circuit_breaker, rate_limit, redis
// - name: specific metric (rooms_active, dispatch_total, etc.)
//
// Metric Types:
// - Gauge: current state (rooms, peers online, breaker state)
// - Counter: cumulative events (dispatches, chain events, tx attempts)
// - Histogram: distributions (engine loop time, task run time, gas used, Redis operation time)

var (
	// ActiveWebSocketConnections tracks the current number of active RPC websocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer",
		Subsystem: "rpc",
		Name:      "connections_active",
		Help:      "Current number of active RPC websocket connections",
	})

	// ActiveRooms tracks the number of started rooms the engine holds, with or without tasks.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// PendingRooms tracks rooms created on-chain but not yet started.
	PendingRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer",
		Subsystem: "room",
		Name:      "rooms_pending",
		Help:      "Current number of pending (not yet started) rooms",
	})

	// RoomViewers tracks the number of online viewers per room.
	RoomViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sequencer",
		Subsystem: "room",
		Name:      "viewers_online",
		Help:      "Number of online viewers in each room",
	}, []string{"room_id"})

	// DispatchTotal tracks result-dispatcher sends, by routing kind and outcome.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "engine",
		Name:      "dispatch_total",
		Help:      "Total handler results dispatched, by kind and status",
	}, []string{"kind", "status"})

	// EventLoopDuration tracks time spent processing one engine loop iteration.
	EventLoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sequencer",
		Subsystem: "engine",
		Name:      "loop_duration_seconds",
		Help:      "Time spent processing one engine event-loop iteration",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"source"})

	// TaskRuns tracks task-driver tick executions, by outcome.
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "task",
		Name:      "runs_total",
		Help:      "Total task driver ticks executed",
	}, []string{"status"})

	// TaskRunDuration tracks the wall time of a single task.run call.
	TaskRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sequencer",
		Subsystem: "task",
		Name:      "run_duration_seconds",
		Help:      "Duration of a single task driver run",
		Buckets:   prometheus.DefBuckets,
	}, []string{"room_id"})

	// ChainEventsTotal tracks on-chain events observed by the scanner.
	ChainEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "chain",
		Name:      "events_total",
		Help:      "Total chain events observed by the scanner",
	}, []string{"event_type"})

	// ChainScanErrors tracks scanner RPC failures, by provider.
	ChainScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "chain",
		Name:      "scan_errors_total",
		Help:      "Total chain scan RPC errors, by provider",
	}, []string{"provider"})

	// ChainScanLag tracks how many blocks behind chain tip the scanner sits.
	ChainScanLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer",
		Subsystem: "chain",
		Name:      "scan_lag_blocks",
		Help:      "Blocks between the scanner cursor and chain tip",
	})

	// PoolSubmissions tracks submission pool transactions, by method and outcome.
	PoolSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "pool",
		Name:      "submissions_total",
		Help:      "Total submission pool transactions, by method and status",
	}, []string{"method", "status"})

	// PoolGasUsed tracks gas used per confirmed transaction.
	PoolGasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sequencer",
		Subsystem: "pool",
		Name:      "gas_used",
		Help:      "Gas used by confirmed submission pool transactions",
		Buckets:   []float64{21000, 50000, 100000, 200000, 400000, 800000, 1600000},
	}, []string{"method"})

	// ReproveAttempts tracks retry attempts of the bounded Reprove queue.
	ReproveAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "pool",
		Name:      "reprove_attempts_total",
		Help:      "Total Reprove retry attempts, by outcome",
	}, []string{"status"})

	// CircuitBreakerState tracks circuit breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sequencer",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations. The Reprove queue does not record to it.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sequencer",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// RPCEvents tracks RPC ingress events processed, by method and status.
	RPCEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer",
		Subsystem: "rpc",
		Name:      "events_total",
		Help:      "Total RPC events processed",
	}, []string{"method", "status"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
