// Package metrics tracks Prometheus metrics for the sync fabric: queue
// depth, session/device counts, conflicts, and dispatched updates.
//
// All metrics use the bifrost_ prefix. Metrics methods handle a nil
// receiver gracefully so callers that don't wire a registry (tests, demo
// mode) can pass a nil *Metrics without guarding every call site.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector this server exposes.
type Metrics struct {
	QueueDepth          prometheus.Gauge
	ActiveSessions      prometheus.Gauge
	ConnectedDevices    prometheus.Gauge
	ConflictsDetected   *prometheus.CounterVec
	ConflictsResolved   *prometheus.CounterVec
	UpdatesDispatched   *prometheus.CounterVec
	FileEventsProcessed *prometheus.CounterVec
	ConversionDuration  *prometheus.HistogramVec
}

// New creates and registers the metrics against reg, typically
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bifrost_queue_depth",
			Help: "Current number of pending change events in the sync queue",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bifrost_active_sessions",
			Help: "Current number of live sync sessions",
		}),
		ConnectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bifrost_connected_devices",
			Help: "Current number of connected device streams across all sessions",
		}),
		ConflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bifrost_conflicts_detected_total",
			Help: "Total conflicts detected, by type",
		}, []string{"type"}),
		ConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bifrost_conflicts_resolved_total",
			Help: "Total conflicts resolved, by choice",
		}, []string{"choice"}),
		UpdatesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bifrost_updates_dispatched_total",
			Help: "Total updates dispatched to devices, by shape",
		}, []string{"kind"}),
		FileEventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bifrost_file_events_processed_total",
			Help: "Total file change events processed, by outcome",
		}, []string{"outcome"}),
		ConversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bifrost_conversion_duration_seconds",
			Help:    "Source<->IR conversion duration in seconds, by direction",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.ActiveSessions,
		m.ConnectedDevices,
		m.ConflictsDetected,
		m.ConflictsResolved,
		m.UpdatesDispatched,
		m.FileEventsProcessed,
		m.ConversionDuration,
	)
	return m
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetSessionCounts updates the session and device gauges.
func (m *Metrics) SetSessionCounts(sessions, devices int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(sessions))
	m.ConnectedDevices.Set(float64(devices))
}

// RecordConflictDetected increments the conflicts-detected counter for a
// conflict type ("timestamp", "version", "both").
func (m *Metrics) RecordConflictDetected(conflictType string) {
	if m == nil {
		return
	}
	m.ConflictsDetected.WithLabelValues(conflictType).Inc()
}

// RecordConflictResolved increments the conflicts-resolved counter for a
// resolution choice ("use-A", "use-B", "manual-merge", "skip").
func (m *Metrics) RecordConflictResolved(choice string) {
	if m == nil {
		return
	}
	m.ConflictsResolved.WithLabelValues(choice).Inc()
}

// RecordUpdateDispatched increments the updates-dispatched counter for a
// wire shape ("full", "incremental").
func (m *Metrics) RecordUpdateDispatched(kind string) {
	if m == nil {
		return
	}
	m.UpdatesDispatched.WithLabelValues(kind).Inc()
}

// RecordFileEvent increments the file-events-processed counter for an
// outcome ("success", "conflict", "skipped", "error").
func (m *Metrics) RecordFileEvent(outcome string) {
	if m == nil {
		return
	}
	m.FileEventsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveConversion records a conversion's duration for a direction
// ("sourceToIR", "irToSource").
func (m *Metrics) ObserveConversion(direction string, seconds float64) {
	if m == nil {
		return
	}
	m.ConversionDuration.WithLabelValues(direction).Observe(seconds)
}
