package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel Layer Metrics
var (
	// RegistryConnections tracks connections currently bound in the channel registry
	RegistryConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "channel_registry_connections",
			Help: "Number of connections currently registered in the channel registry",
		},
	)

	// GroupsActive tracks non-empty groups
	GroupsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "channel_groups_active",
			Help: "Number of groups with at least one member",
		},
	)

	// GroupMembershipChanges tracks joins and leaves
	GroupMembershipChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_group_membership_changes_total",
			Help: "Group membership changes by operation (join/leave/discard)",
		},
		[]string{"operation"},
	)

	// BroadcastsTotal tracks group broadcasts by origin
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_broadcasts_total",
			Help: "Total group broadcasts by origin (local/remote)",
		},
		[]string{"origin"},
	)

	// BroadcastDeliveries tracks per-member delivery outcomes
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_broadcast_deliveries_total",
			Help: "Per-member broadcast delivery outcomes (delivered/unknown_connection/slow_consumer)",
		},
		[]string{"result"},
	)

	// BroadcastDuration tracks time to enqueue an event for every member of a group
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "channel_broadcast_duration_seconds",
			Help:    "Time to fan an event out to all group members",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)

	// MailboxOverflowsTotal tracks sessions disconnected because their mailbox filled up
	MailboxOverflowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "channel_mailbox_overflows_total",
			Help: "Total connections disconnected as slow consumers",
		},
	)

	// MailboxStaleDropped tracks events dropped because the session left the group before handling
	MailboxStaleDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "channel_mailbox_stale_dropped_total",
			Help: "Group events dropped after the receiving session left the group",
		},
	)

	// HandlerFailuresTotal tracks group event handler failures
	HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_handler_failures_total",
			Help: "Group event handler failures by kind (error/panic/unknown_type)",
		},
		[]string{"kind"},
	)
)

// Session Metrics
var (
	// SessionsOpen tracks sessions in the Open state
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_open_current",
			Help: "Current number of open sessions",
		},
	)

	// SessionsTotal tracks connect outcomes
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_connects_total",
			Help: "Session connect attempts by result (accepted/rejected/error)",
		},
		[]string{"result"},
	)

	// SessionDuration tracks the lifetime of open sessions
	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_duration_seconds",
			Help:    "Session lifetime from accept to disconnect",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// InboundEventsTotal tracks client events by routing result
	InboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_inbound_events_total",
			Help: "Inbound client events by result (handled/unknown_type/invalid/error)",
		},
		[]string{"result"},
	)
)

// Worker Pool Metrics
var (
	WorkerPoolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_in_flight",
			Help: "Blocking tasks currently running on the worker pool",
		},
	)

	WorkerPoolTaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_pool_task_duration_seconds",
			Help:    "Worker pool task run time",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	WorkerPoolTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_pool_tasks_total",
			Help: "Worker pool tasks by result (ok/error/rejected)",
		},
		[]string{"result"},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsCurrent tracks current active WebSocket connections
	WebSocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// WebSocketMessageSendDuration tracks WebSocket frame write duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketConnectionDuration tracks WebSocket connection duration
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/ip_limit/global_limit/unauthorized/forbidden)",
		},
		[]string{"reason"},
	)

	// WebSocketConnectionCapacity tracks current connection capacity utilization as percentage
	WebSocketConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connection_capacity_percent",
			Help: "Current WebSocket connection capacity utilization (0-100%)",
		},
	)

	// WebSocketUniqueIPs tracks number of unique IP addresses with active connections
	WebSocketUniqueIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_unique_ips",
			Help: "Number of unique IP addresses with active WebSocket connections",
		},
	)
)

// Redis Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// RelayMessagesTotal tracks cross-instance relay traffic
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Cross-instance relay messages by direction and result",
		},
		[]string{"direction", "result"},
	)

	// PubSubMessageLatency tracks time from relay receive to local fan-out
	PubSubMessageLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_message_latency_seconds",
			Help:    "Latency from pub/sub message receive to local group fan-out",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// PubSubSubscriptionActive tracks whether the relay subscription is active (1) or disconnected (0)
	PubSubSubscriptionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_subscription_active",
			Help: "1 if pub/sub subscription is active, 0 if disconnected",
		},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks database query duration by query name
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks database errors by query name
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query",
		},
		[]string{"query"},
	)
)

// Chat Metrics
var (
	// ChatMessagesTotal tracks persisted chat messages by sender type
	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages persisted by sender type (user/admin)",
		},
		[]string{"sender"},
	)

	// ChatHistoryLoads tracks history loads, split into leader fetches and shared waits
	ChatHistoryLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_history_loads_total",
			Help: "Conversation history loads by mode (fetched/shared/error)",
		},
		[]string{"mode"},
	)

	// AuthAttemptsTotal tracks token issuance and verification
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Authentication attempts by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// HTTP Metrics
var (
	// HTTPErrorsTotal tracks HTTP errors by type
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total HTTP errors by error type",
		},
		[]string{"type"},
	)

	// HTTPRequestDuration tracks REST request latency by route and status
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
