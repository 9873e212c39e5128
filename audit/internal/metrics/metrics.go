package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event processing metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_events_total",
			Help: "Total number of audit events processed",
		},
		[]string{"path", "event_type", "status"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_audit_processing_duration_seconds",
			Help:    "Duration of audit event processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_decode_errors_total",
			Help: "Total number of inbound payloads that could not be decoded",
		},
		[]string{"source"},
	)

	// Storage metrics
	StoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_store_errors_total",
			Help: "Total number of failed saves",
		},
	)

	MirrorWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_mirror_writes_total",
			Help: "Total number of file mirror appends",
		},
		[]string{"status"},
	)

	// Notification metrics
	NotificationsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_notifications_published_total",
			Help: "Total number of notifications published to the broadcaster",
		},
	)

	MalformedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_malformed_notifications_total",
			Help: "Total number of notify events whose body lacked the notification shape",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_audit_stream_subscribers",
			Help: "Current number of live notification stream subscribers",
		},
	)

	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_relay_published_total",
			Help: "Total number of notifications relayed to NATS",
		},
		[]string{"status"},
	)

	// Forwarding metrics
	ForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_forwarded_total",
			Help: "Total number of events re-emitted by forwarding rules",
		},
		[]string{"subject", "status"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "status"},
	)
)
