package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality (no camera_id/space_id labels).

var (
	// FramesProcessedTotal counts pipeline ticks by outcome
	FramesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "park_frames_processed_total",
			Help: "Total frames processed by result",
		},
		[]string{"result"},
	)

	// FrameProcessingSeconds tracks full tick latency (fetch to publish)
	FrameProcessingSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "park_frame_processing_seconds",
			Help:    "End-to-end frame processing time in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// ViewerConnections is the current number of WebSocket viewers
	ViewerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "park_viewer_connections",
			Help: "Currently connected WebSocket viewers",
		},
	)

	// OccupancyTransitionsTotal counts space transitions by type
	OccupancyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "park_occupancy_transitions_total",
			Help: "Occupancy transitions by type (new_occupation, vacated)",
		},
		[]string{"type"},
	)

	// PlateAssignmentsTotal counts plates claimed from barrier queues
	PlateAssignmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "park_plate_assignments_total",
			Help: "Plates assigned to newly occupied spaces",
		},
	)

	// FramesDroppedTotal counts broadcast frames replaced before a viewer read them
	FramesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "park_broadcast_frames_dropped_total",
			Help: "Broadcast frames dropped for slow viewers",
		},
	)

	// ConfigRefreshesTotal counts camera config reconcile runs
	ConfigRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "park_config_refreshes_total",
			Help: "Camera config refreshes by result",
		},
		[]string{"result"},
	)

	// WorkersRunning is the current number of camera workers
	WorkersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "park_workers_running",
			Help: "Currently running camera workers",
		},
	)
)

func RecordFrame(result string, seconds float64) {
	FramesProcessedTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		FrameProcessingSeconds.Observe(seconds)
	}
}

func RecordTransition(kind string, plateAssigned bool) {
	OccupancyTransitionsTotal.WithLabelValues(kind).Inc()
	if plateAssigned {
		PlateAssignmentsTotal.Inc()
	}
}

func RecordConfigRefresh(ok bool) {
	if ok {
		ConfigRefreshesTotal.WithLabelValues("ok").Inc()
	} else {
		ConfigRefreshesTotal.WithLabelValues("error").Inc()
	}
}
