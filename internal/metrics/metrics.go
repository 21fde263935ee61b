// Package metrics declares the Prometheus instruments shared across the
// collector. Every subsystem imports this package rather than creating
// its own registry, so a single Register call wires everything exported
// by the HTTP metrics endpoint.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_sessions_active",
			Help: "Sessions currently in each FSM state.",
		},
		[]string{"state"},
	)

	SessionStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_session_state_transitions_total",
			Help: "FSM state transitions by (old, new) state pair.",
		},
		[]string{"old_state", "new_state"},
	)

	SessionsDownTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_sessions_down_total",
			Help: "Transitions out of Established/OpenConfirm/OpenSent toward Idle.",
		},
		[]string{"reason"},
	)

	UpdatesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_updates_received_total",
			Help: "BGP UPDATE messages received by session.",
		},
		[]string{"session_id"},
	)

	LabelsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_labels_applied_total",
			Help: "Classification labels applied to prefixes by the labeling engine.",
		},
		[]string{"label"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_queue_depth",
			Help: "Current number of unretired items in a queue.",
		},
		[]string{"queue"},
	)

	QueueWritesBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_queue_writes_blocked_total",
			Help: "Writes that found the queue full and had to wait for a reader to release a slot.",
		},
		[]string{"queue"},
	)

	MRTMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_mrt_messages_total",
			Help: "MRT messages decoded by feed and subtype.",
		},
		[]string{"feed", "subtype"},
	)

	MRTCorruptionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_mrt_corruption_events_total",
			Help: "Times the MRT reader had to fast_forward past corrupt framing, by reason.",
		},
		[]string{"feed", "reason"},
	)

	MRTBacklogDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_mrt_backlog_dropped_total",
			Help: "Messages discarded because a feed's backlog stayed full after growth.",
		},
		[]string{"feed"},
	)

	ChainCacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_chain_cache_size",
			Help: "Live entries in the chain-owner loop-detection cache.",
		},
		nil,
	)

	ChainLoopsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_chain_loops_detected_total",
			Help: "Messages dropped because their (bgpmon_id, sequence) was already seen.",
		},
		nil,
	)

	ClientSubscribersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_client_subscribers_active",
			Help: "Connected client-writer subscribers.",
		},
		nil,
	)

	ClientBytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_client_bytes_written_total",
			Help: "Bytes written to client subscribers.",
		},
		[]string{"subscriber"},
	)

	KafkaProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_kafka_produced_total",
			Help: "BMF records produced to the Kafka fan-out sink.",
		},
		[]string{"topic"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpmon_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"component", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"component", "table", "op"},
	)

	SnapshotBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_snapshot_bytes_total",
			Help: "Compressed bytes written for RIB/table-transfer snapshots.",
		},
		[]string{"peer_key"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	SchedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_scheduler_ticks_total",
			Help: "Periodic scheduler ticks by sweep kind.",
		},
		[]string{"sweep"},
	)

	BMPMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_bmp_messages_total",
			Help: "BMP messages decoded by feed and message type.",
		},
		[]string{"feed", "msg_type"},
	)

	BMPCorruptionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_bmp_corruption_events_total",
			Help: "Times the BMP reader had to resynchronise past corrupt OpenBMP framing, by reason.",
		},
		[]string{"feed", "reason"},
	)

	BMPBacklogDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_bmp_backlog_dropped_total",
			Help: "Frames discarded because a BMP feed's backlog stayed full after growth.",
		},
		[]string{"feed"},
	)
)

var registerOnce sync.Once

// Register attaches every instrument in this package to the default
// Prometheus registry. Safe to call more than once; only the first call
// registers anything.
func Register() {
	registerOnce.Do(registerAll)
}

func registerAll() {
	prometheus.MustRegister(
		SessionsActive,
		SessionStateTransitionsTotal,
		SessionsDownTotal,
		UpdatesReceivedTotal,
		LabelsAppliedTotal,
		QueueDepth,
		QueueWritesBlockedTotal,
		MRTMessagesTotal,
		MRTCorruptionEventsTotal,
		MRTBacklogDroppedTotal,
		ChainCacheSize,
		ChainLoopsDetectedTotal,
		ClientSubscribersActive,
		ClientBytesWrittenTotal,
		KafkaProducedTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		SnapshotBytesTotal,
		ParseErrorsTotal,
		SchedulerTicksTotal,
		BMPMessagesTotal,
		BMPCorruptionEventsTotal,
		BMPBacklogDroppedTotal,
	)
}
