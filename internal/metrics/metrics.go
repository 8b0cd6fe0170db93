package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trajectory_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Метрики конвейера синхронизации
	PointsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_points_processed_total",
			Help: "Track points by pipeline outcome",
		},
		[]string{"outcome"}, // accepted, stale, future, low_accuracy, speed_violation
	)

	FilterRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_filter_rejections_total",
			Help: "Points dropped or flagged by anti-cheat filters",
		},
		[]string{"filter", "source"},
	)

	SyncBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trajectory_sync_batch_size",
			Help:    "Number of points per sync request",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	DistanceAddedMeters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trajectory_distance_added_meters_total",
			Help: "Total distance accumulated across all sessions in meters",
		},
	)

	SegmentsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_segments_total",
			Help: "Classified segments by verdict and gap flag",
		},
		[]string{"verdict", "gap"},
	)

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_sessions_created_total",
			Help: "Run sessions created",
		},
		[]string{"trigger"}, // lazy, explicit
	)

	FinalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_finalize_total",
			Help: "Finalize requests by outcome",
		},
		[]string{"outcome"}, // committed, replayed, no_session, error
	)

	PresenceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_presence_updates_total",
			Help: "Presence pings by outcome",
		},
		[]string{"outcome"}, // stored, low_accuracy, teleport
	)

	// Отчеты античита
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_suspicious_reports_total",
			Help: "Suspicious activity reports by kind and delivery outcome",
		},
		[]string{"kind", "outcome"}, // outcome: delivered, failed, dropped
	)

	ReportsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trajectory_suspicious_reports_in_flight",
			Help: "Report deliveries currently in progress",
		},
	)

	// Внешние вызовы
	RewardCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_reward_calls_total",
			Help: "Reward collaborator invocations by outcome",
		},
		[]string{"outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trajectory_circuit_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"name"},
	)

	// Хранилище
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trajectory_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)

	StoreOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_store_operation_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"backend", "operation"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_store_retries_total",
			Help: "Optimistic transaction retries",
		},
		[]string{"backend", "operation"},
	)

	// Аутентификация
	AuthCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trajectory_auth_cache_lookups_total",
			Help: "Token cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	// MQTT
	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trajectory_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Общие метрики приложения
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trajectory_app_info",
			Help: "Application information",
		},
		[]string{"version"},
	)
)

// SetAppInfo устанавливает информацию о приложении
func SetAppInfo(version string) {
	AppInfo.WithLabelValues(version).Set(1)
}
