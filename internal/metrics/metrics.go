package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "avlbroker_connections_active",
			Help: "Open tracker TCP connections.",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avlbroker_connections_total",
			Help: "Tracker TCP connections by outcome (accepted, rejected_handshake).",
		},
		[]string{"outcome"},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avlbroker_frames_total",
			Help: "AVL frames received by codec.",
		},
		[]string{"codec"},
	)

	RecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avlbroker_records_total",
			Help: "AVL records successfully parsed.",
		},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avlbroker_parse_errors_total",
			Help: "Parse failures by stage (handshake, frame, record, crc).",
		},
		[]string{"stage"},
	)

	SightingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avlbroker_beacon_sightings_total",
			Help: "Beacon sightings by source element.",
		},
		[]string{"source"},
	)

	UnmatchedMACsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avlbroker_unmatched_macs_total",
			Help: "Sightings whose MAC resolved to no known beacon.",
		},
	)

	NearMissTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avlbroker_near_miss_total",
			Help: "Unmatched MACs sharing a fragment with a known beacon.",
		},
	)

	PositionUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avlbroker_position_updates_total",
			Help: "Beacon position updates by reason (first, stop, gap_jump, towing, scanner, manual, home).",
		},
		[]string{"reason"},
	)

	DriftSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avlbroker_drift_suppressed_total",
			Help: "Position deltas discarded as GPS drift.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avlbroker_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"table"},
	)

	DBErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avlbroker_db_errors_total",
			Help: "DB write or load failures by operation.",
		},
		[]string{"op"},
	)

	KafkaPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avlbroker_kafka_publish_total",
			Help: "Scan events published to Kafka by result.",
		},
		[]string{"result"},
	)

	ScannerReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avlbroker_scanner_reports_total",
			Help: "Fixed-scanner webhook reports processed.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		FramesTotal,
		RecordsTotal,
		ParseErrorsTotal,
		SightingsTotal,
		UnmatchedMACsTotal,
		NearMissTotal,
		PositionUpdatesTotal,
		DriftSuppressedTotal,
		DBWriteDuration,
		DBErrorsTotal,
		KafkaPublishTotal,
		ScannerReportsTotal,
	)
}
