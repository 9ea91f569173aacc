// Package metrics defines the prometheus collectors exported by sensorhub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every sensorhub collector and is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// BrokerConnectivityStatus is 1 while the MQTT connection is up.
	BrokerConnectivityStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorhub_broker_connectivity_status",
			Help: "The connectivity status to the MQTT broker (1=Connected, 0=Disconnected).",
		},
	)

	// MessagesSentTotal counts delivery attempts per transport.
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_messages_sent_total",
			Help: "Total number of device message delivery attempts.",
		},
		[]string{"transport", "result"}, // result: success/failure
	)

	// MessagesQueuedTotal counts messages persisted for later delivery.
	MessagesQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_messages_queued_total",
			Help: "Total number of device messages queued for redelivery.",
		},
	)

	// RedeliveriesTotal counts queue sweep outcomes.
	RedeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_queue_redeliveries_total",
			Help: "Total number of queued message redelivery outcomes.",
		},
		[]string{"result"}, // result: sent/retry/failed/expired
	)

	// UpdateSessionsActive is the number of update sessions currently driven by this process.
	UpdateSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorhub_update_sessions_active",
			Help: "Number of update sessions in a non-terminal state.",
		},
	)

	// UpdateTransitionsTotal counts session state changes.
	UpdateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_update_transitions_total",
			Help: "Total number of update session state transitions.",
		},
		[]string{"type", "status"},
	)

	// UpdateChunksSentTotal counts chunks handed to the router.
	UpdateChunksSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_update_chunks_sent_total",
			Help: "Total number of update chunks sent to devices.",
		},
	)

	// UpdateDuration observes how long sessions took to reach a terminal state.
	UpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorhub_update_duration_seconds",
			Help:    "Duration of update sessions from start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
		[]string{"type", "status"},
	)

	// DeviceInfoLookupsTotal counts device profile lookups.
	DeviceInfoLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_device_info_lookups_total",
			Help: "Total number of device profile lookups.",
		},
		[]string{"result"}, // result: cached/fetched/fallback
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		BrokerConnectivityStatus,
		MessagesSentTotal,
		MessagesQueuedTotal,
		RedeliveriesTotal,
		UpdateSessionsActive,
		UpdateTransitionsTotal,
		UpdateChunksSentTotal,
		UpdateDuration,
		DeviceInfoLookupsTotal,
	)
}
