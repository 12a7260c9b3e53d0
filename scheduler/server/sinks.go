package server

import (
	log "github.com/sirupsen/logrus"

	"github.com/filmgrid/renderfarm/common/stats"
)

// Audit event kinds emitted by the scheduling core.
const (
	EventJobSubmitted            = "job_submitted"
	EventJobScheduled            = "job_scheduled"
	EventJobCompleted            = "job_completed"
	EventJobFailed               = "job_failed"
	EventJobCancelled            = "job_cancelled"
	EventDependencyCycleDetected = "dependency_cycle_detected"
	EventUnknownDependency       = "unknown_dependency"
	EventDependencyResolved      = "dependency_resolved"
	EventNodeFailure             = "node_failure"
	EventClientAdded             = "client_added"
	EventClientTierUpdated       = "client_tier_updated"
	EventClientRemoved           = "client_removed"
	EventNodeAdded               = "node_added"
	EventNodeRemoved             = "node_removed"
	EventResourcesAllocated      = "resources_allocated"
	EventSchedulingCycle         = "scheduling_cycle_completed"
)

// EventSink receives audit events from the scheduler and partitioner.
// Implementations must not block; events are fire and forget and sink
// failures never affect scheduling outcomes.
type EventSink interface {
	LogEvent(kind string, details map[string]interface{})
}

// ClientResourceSnapshot is the per-client allocation state published to a
// MetricsSink after every allocation pass.
type ClientResourceSnapshot struct {
	AllocatedPercentage float64
	BorrowedPercentage  float64
	LentPercentage      float64
}

// MetricsSink receives per-client resource metrics after each allocation.
type MetricsSink interface {
	UpdateClientResourceMetrics(clientID string, snapshot ClientResourceSnapshot)
}

type logrusEventSink struct{}

// NewLogrusEventSink returns an EventSink that writes each event as a
// structured log line at Info level.
func NewLogrusEventSink() EventSink {
	return &logrusEventSink{}
}

func (s *logrusEventSink) LogEvent(kind string, details map[string]interface{}) {
	log.WithFields(log.Fields(details)).Info(kind)
}

type statsMetricsSink struct {
	stat stats.StatsReceiver
}

// NewStatsMetricsSink returns a MetricsSink that publishes allocation
// percentages as per-client gauges on the given receiver.
func NewStatsMetricsSink(stat stats.StatsReceiver) MetricsSink {
	return &statsMetricsSink{stat: stat}
}

func (s *statsMetricsSink) UpdateClientResourceMetrics(clientID string, snapshot ClientResourceSnapshot) {
	scoped := s.stat.Scope("client").Scope(clientID)
	scoped.GaugeFloat(stats.AllocAllocatedPctGauge).Update(snapshot.AllocatedPercentage)
	scoped.GaugeFloat(stats.AllocBorrowedPctGauge).Update(snapshot.BorrowedPercentage)
	scoped.GaugeFloat(stats.AllocLentPctGauge).Update(snapshot.LentPercentage)
}

type nopEventSink struct{}

func (nopEventSink) LogEvent(string, map[string]interface{}) {}

type nopMetricsSink struct{}

func (nopMetricsSink) UpdateClientResourceMetrics(string, ClientResourceSnapshot) {}
