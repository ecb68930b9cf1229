package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState is 1 when the RPC transport is connected to the Central System, else 0.
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_connection_state",
		Help: "1 if connected to the Central System, 0 otherwise.",
	})

	// ReconnectsTotal counts successful transport (re)connections.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_reconnects_total",
		Help: "Total number of successful WebSocket (re)connections.",
	})

	// MessagesSent counts outbound CALL messages, labeled by action.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_messages_sent_total",
		Help: "Total number of OCPP CALL messages sent.",
	}, []string{"action"})

	// MessagesReceived counts inbound CALL messages from the Central System, labeled by action.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_messages_received_total",
		Help: "Total number of OCPP CALL messages received from the Central System.",
	}, []string{"action"})

	// CallErrors counts CALLERROR responses, labeled by action and error code.
	CallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_call_errors_total",
		Help: "Total number of CALLERROR responses received, labeled by action and error code.",
	}, []string{"action", "error_code"})

	// CallDuration observes round-trip latency of RPC.Call, labeled by action.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_call_duration_seconds",
		Help:    "Round-trip latency of outbound OCPP calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// FifoDepth tracks the number of entries currently queued in the request FIFO.
	FifoDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_fifo_depth",
		Help: "Number of pending entries in the persistent request FIFO.",
	})

	// FifoRetries counts FIFO entry delivery retries, labeled by action.
	FifoRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_fifo_retries_total",
		Help: "Total number of FIFO delivery retries.",
	}, []string{"action"})

	// EventsPublished counts telemetry events published to the event bus, labeled by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_events_published_total",
		Help: "Total number of telemetry events published to the event bus.",
	}, []string{"event_type"})

	// WorkerPoolSaturation tracks the number of busy workers in the shared worker pool.
	WorkerPoolSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_worker_pool_busy",
		Help: "Number of worker pool goroutines currently executing a job.",
	})

	// RegistrationStatus counts BootNotification outcomes, labeled by status.
	RegistrationStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_registration_status_total",
		Help: "Total number of BootNotification responses, labeled by registration status.",
	}, []string{"status"})
)
