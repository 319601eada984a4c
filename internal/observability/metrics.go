package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Device core metrics
	DeviceOperationsTotal  *prometheus.CounterVec
	DeviceOperationLatency *prometheus.HistogramVec

	// Crypto metrics
	CryptoOperationsTotal  *prometheus.CounterVec
	CryptoOperationLatency *prometheus.HistogramVec
	SignatureVerifications *prometheus.CounterVec

	// Chain metrics
	ChainUpdatesIngested  *prometheus.CounterVec
	ChainVerificationTime *prometheus.HistogramVec
	ChainPendingDepth     *prometheus.GaugeVec
	ChainInvalidTotal     *prometheus.CounterVec

	// Topic metrics
	TopicsCreated *prometheus.CounterVec
	TopicMembers  *prometheus.GaugeVec

	// Push delivery metrics
	PushMessagesDelivered *prometheus.CounterVec
	PushConnectionsActive *prometheus.GaugeVec

	// File metrics
	FilesUploaded        *prometheus.CounterVec
	FilesDownloaded      *prometheus.CounterVec
	FileTransferBytes    *prometheus.CounterVec
	FileTransferDuration *prometheus.HistogramVec

	// Registration metrics
	RegistrationAttempts *prometheus.CounterVec
	PinIssued            *prometheus.CounterVec
	PinRetriesExhausted  *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBConnections   *prometheus.GaugeVec
	DBErrors        *prometheus.CounterVec

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec

	// HTTP metrics (for server mode)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
// All metrics follow naming conventions: rendezvous_<subsystem>_<metric>_<unit>
// Complexity: O(1)
func NewMetrics() *Metrics {
	m := &Metrics{
		DeviceOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_device_operations_total",
				Help: "Total number of device core operations invoked",
			},
			[]string{"operation", "status"}, // status: ok, error
		),

		DeviceOperationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendezvous_device_operation_latency_milliseconds",
				Help:    "Device core operation latency in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"operation"},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_crypto_operations_total",
				Help: "Total number of cryptographic primitive operations performed",
			},
			[]string{"operation"}, // seal, open, sign, verify, ecdh, hkdf
		),

		CryptoOperationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendezvous_crypto_operation_latency_microseconds",
				Help:    "Cryptographic primitive operation latency in microseconds",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"operation"},
		),

		SignatureVerifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_signature_verifications_total",
				Help: "Total number of signature verifications by outcome",
			},
			[]string{"context", "result"}, // context: topic, member, update, user_info; result: valid, invalid
		),

		ChainUpdatesIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_chain_updates_ingested_total",
				Help: "Total number of topic chain updates ingested",
			},
			[]string{"result"}, // verified, pending, invalid
		),

		ChainVerificationTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendezvous_chain_verification_milliseconds",
				Help:    "Time spent verifying a chain update's hash fold",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
			[]string{},
		),

		ChainPendingDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rendezvous_chain_pending_depth",
				Help: "Number of unverified updates queued per topic",
			},
			[]string{"topic_id"},
		),

		ChainInvalidTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_chain_invalid_total",
				Help: "Total number of updates rejected for failing chain verification",
			},
			[]string{"reason"}, // bad_signature, bad_fold, duplicate_index
		),

		TopicsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_topics_created_total",
				Help: "Total number of topics created",
			},
			[]string{},
		),

		TopicMembers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rendezvous_topic_members",
				Help: "Number of members in each known topic",
			},
			[]string{"topic_id"},
		),

		PushMessagesDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_push_messages_delivered_total",
				Help: "Total number of envelopes delivered over the push channel",
			},
			[]string{"type"},
		),

		PushConnectionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rendezvous_push_connections_active",
				Help: "Number of active push websocket connections",
			},
			[]string{},
		),

		FilesUploaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_files_uploaded_total",
				Help: "Total number of files uploaded",
			},
			[]string{"topic_id"},
		),

		FilesDownloaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_files_downloaded_total",
				Help: "Total number of files downloaded",
			},
			[]string{"topic_id"},
		),

		FileTransferBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_file_transfer_bytes_total",
				Help: "Total bytes transferred for files",
			},
			[]string{"direction"}, // upload, download
		),

		FileTransferDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendezvous_file_transfer_duration_seconds",
				Help:    "File transfer duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"direction"},
		),

		RegistrationAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_registration_attempts_total",
				Help: "Total number of user/register attempts by outcome",
			},
			[]string{"result"}, // success, bad_pin, bad_signature, already_exists
		),

		PinIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_pin_issued_total",
				Help: "Total number of registration pins issued via user/allow",
			},
			[]string{},
		),

		PinRetriesExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_pin_retries_exhausted_total",
				Help: "Total number of pins that were exhausted by repeated failed attempts",
			},
			[]string{},
		),

		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendezvous_db_query_duration_milliseconds",
				Help:    "Database query duration in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"operation", "table"},
		),

		DBConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rendezvous_db_connections",
				Help: "Number of database connections",
			},
			[]string{"state"}, // idle, in_use, open
		),

		DBErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_db_errors_total",
				Help: "Total number of database errors",
			},
			[]string{"operation", "error_type"},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"}, // pin_store
		),

		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		CacheEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"cache_type", "reason"}, // reason: ttl, exhausted
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendezvous_http_request_duration_milliseconds",
				Help:    "HTTP request duration in milliseconds",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"method", "path"},
		),

		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendezvous_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
	}

	return m
}
