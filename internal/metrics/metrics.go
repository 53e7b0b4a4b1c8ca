package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TensorsLoggedTotal counts tensor observations accepted by a probe
	TensorsLoggedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_tensors_logged_total",
			Help: "Total number of tensor observations accepted, by streaming mode",
		},
		[]string{"mode"},
	)

	// TensorsDroppedTotal counts observations rejected before processing
	TensorsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_tensors_dropped_total",
			Help: "Total number of tensor observations dropped, by reason",
		},
		[]string{"reason"},
	)

	// MetricPointsTotal counts scalar metric datapoints recorded
	MetricPointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tensorlens_metric_points_total",
			Help: "Total number of scalar metric datapoints recorded",
		},
	)

	// DiffComputationsTotal counts diff computations by resulting kind
	DiffComputationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_diff_computations_total",
			Help: "Total number of diff computations, by resulting kind",
		},
		[]string{"kind"},
	)

	// DiffDurationSeconds measures the latency of diff computation
	DiffDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tensorlens_diff_duration_seconds",
			Help:    "Duration of snapshot diff computations",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DiffBytesSavedTotal tracks bytes avoided by sending diffs instead of full state
	DiffBytesSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tensorlens_diff_bytes_saved_total",
			Help: "Estimated bytes saved by diff compression versus full retransmission",
		},
	)

	// StoreEntries tracks live entries per store
	StoreEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tensorlens_store_entries",
			Help: "Current number of entries per store",
		},
		[]string{"store"},
	)

	// StoreBytes tracks estimated resident bytes per store
	StoreBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tensorlens_store_bytes",
			Help: "Estimated resident bytes per store",
		},
		[]string{"store"},
	)

	// StoreEvictionsTotal counts retention-based evictions per store
	StoreEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_store_evictions_total",
			Help: "Total number of entries evicted after exceeding retention",
		},
		[]string{"store"},
	)

	// ActiveConnections tracks currently registered observer connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tensorlens_active_connections",
			Help: "Number of currently registered observer connections",
		},
	)

	// ConnectionsTotal counts observer connections over process lifetime
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tensorlens_connections_total",
			Help: "Total number of observer connections accepted",
		},
	)

	// BroadcastQueueDepth tracks the pending envelope backlog.
	// The queue is unbounded, so a sustained climb here means
	// observers cannot keep up with the producer.
	BroadcastQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tensorlens_broadcast_queue_depth",
			Help: "Envelopes waiting in the broadcast queue",
		},
	)

	// EnvelopesEnqueuedTotal counts envelopes accepted into the queue
	EnvelopesEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_envelopes_enqueued_total",
			Help: "Total envelopes accepted into the broadcast queue, by source",
		},
		[]string{"source"},
	)

	// EnvelopesDeliveredTotal counts per-connection envelope deliveries
	EnvelopesDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tensorlens_envelopes_delivered_total",
			Help: "Total envelope deliveries to individual connections",
		},
	)

	// DeliveryFailuresTotal counts sends that dropped a connection
	DeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tensorlens_delivery_failures_total",
			Help: "Total envelope deliveries that failed and dropped the connection",
		},
	)

	// BridgeRejectionsTotal counts producer enqueues refused before loop start
	BridgeRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tensorlens_bridge_rejections_total",
			Help: "Total producer broadcasts rejected because the loop was not running",
		},
	)

	// ActionRequestsTotal counts observer action round-trips by outcome
	ActionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_action_requests_total",
			Help: "Total action requests sent to observers, by outcome",
		},
		[]string{"outcome"},
	)

	// BreakpointHitsTotal counts breakpoint firings by name
	BreakpointHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_breakpoint_hits_total",
			Help: "Total breakpoint hits, by breakpoint name",
		},
		[]string{"name"},
	)

	// BreakpointWaitsTotal counts producer blocks released, by outcome
	BreakpointWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorlens_breakpoint_waits_total",
			Help: "Total producer waits released, by outcome (resumed or timeout)",
		},
		[]string{"outcome"},
	)

	// BreakpointEvalErrorsTotal counts predicate evaluations that failed
	BreakpointEvalErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tensorlens_breakpoint_eval_errors_total",
			Help: "Total breakpoint predicate evaluations that returned an error or panicked",
		},
	)

	// BreakpointWaitDurationSeconds measures how long producers stay blocked
	BreakpointWaitDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tensorlens_breakpoint_wait_duration_seconds",
			Help:    "Time producers spend blocked on a breakpoint",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)
)
