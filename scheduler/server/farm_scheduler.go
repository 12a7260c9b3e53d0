package server

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/nu7hatch/gouuid"
	log "github.com/sirupsen/logrus"

	"github.com/filmgrid/renderfarm/common/log/hooks"
	"github.com/filmgrid/renderfarm/common/stats"
	"github.com/filmgrid/renderfarm/scheduler/domain"
)

const (
	// DefaultDeadlineSafetyMargin is the slack required between a job's
	// estimated finish and its deadline before the job counts as on track.
	DefaultDeadlineSafetyMargin = 2 * time.Hour

	// DefaultJobDuration estimates jobs with no estimate and no history.
	DefaultJobDuration = 1 * time.Hour

	// DefaultMaxJobDurations bounds the observed duration cache.
	DefaultMaxJobDurations = 1000

	// deadlineOverrunBoost raises jobs whose estimated finish already
	// misses the deadline; deadlineNearBoost raises jobs whose deadline is
	// inside deadlineNearWindow.
	deadlineOverrunBoost = 25
	deadlineNearBoost    = 10
	deadlineNearWindow   = 24 * time.Hour
)

// SchedulerConfiguration tunes a FarmScheduler. The zero value selects the
// documented defaults with borrowing enabled.
type SchedulerConfiguration struct {
	AllowBorrowing       bool
	BorrowingLimitPct    float64
	DeadlineSafetyMargin time.Duration
	DefaultJobDuration   time.Duration
	MaxJobDurations      int
}

// DefaultSchedulerConfiguration returns the configuration used when none is
// supplied.
func DefaultSchedulerConfiguration() SchedulerConfiguration {
	return SchedulerConfiguration{
		AllowBorrowing:       true,
		BorrowingLimitPct:    DefaultBorrowingLimitPct,
		DeadlineSafetyMargin: DefaultDeadlineSafetyMargin,
		DefaultJobDuration:   DefaultJobDuration,
		MaxJobDurations:      DefaultMaxJobDurations,
	}
}

// averageDuration tracks a running average of observed durations per job
// type.
type averageDuration struct {
	count    int64
	duration time.Duration
}

func (ad *averageDuration) update(d time.Duration) {
	ad.count++
	ad.duration = ad.duration + time.Duration(int64(d-ad.duration)/ad.count)
}

type farmScheduler struct {
	// mu serializes all public operations so a whole scheduling cycle is
	// the unit of atomicity and no reader observes a half-bound job.
	mu sync.Mutex

	config      SchedulerConfiguration
	jobs        *jobGraph
	nodes       *nodeRegistry
	clients     *clientRegistry
	partitioner *ResourcePartitioner

	// durations caches observed completion times keyed by job type, used
	// to estimate jobs submitted without an EstimatedDuration.
	durations *lru.Cache

	eventSink EventSink
	stat      stats.StatsReceiver
}

func init() {
	if level := os.Getenv("FARM_LOGLEVEL"); level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(parsed)
	}
	log.AddHook(hooks.NewContextHook())
}

// NewFarmScheduler creates a scheduler with the given configuration and
// sinks. Nil sinks are replaced with no-ops, a nil stat with the nil
// receiver.
func NewFarmScheduler(
	config SchedulerConfiguration,
	eventSink EventSink,
	metrics MetricsSink,
	stat stats.StatsReceiver,
) *farmScheduler {
	if config.BorrowingLimitPct <= 0 {
		config.BorrowingLimitPct = DefaultBorrowingLimitPct
	}
	if config.DeadlineSafetyMargin <= 0 {
		config.DeadlineSafetyMargin = DefaultDeadlineSafetyMargin
	}
	if config.DefaultJobDuration <= 0 {
		config.DefaultJobDuration = DefaultJobDuration
	}
	if config.MaxJobDurations <= 0 {
		config.MaxJobDurations = DefaultMaxJobDurations
	}
	if eventSink == nil {
		eventSink = nopEventSink{}
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	clients := newClientRegistry()
	durations, err := lru.New(config.MaxJobDurations)
	if err != nil {
		// Only reachable with a non-positive size, which the defaulting
		// above rules out.
		panic(err)
	}

	s := &farmScheduler{
		config:    config,
		jobs:      newJobGraph(),
		nodes:     newNodeRegistry(stat.Scope("cluster")),
		clients:   clients,
		durations: durations,
		eventSink: eventSink,
		stat:      stat,
	}
	s.partitioner = NewResourcePartitioner(
		clients, eventSink, metrics, stat.Scope("alloc"),
		config.AllowBorrowing, config.BorrowingLimitPct)

	log.WithFields(log.Fields{
		"allowBorrowing":       config.AllowBorrowing,
		"borrowingLimitPct":    config.BorrowingLimitPct,
		"deadlineSafetyMargin": config.DeadlineSafetyMargin,
	}).Info("Created farm scheduler")
	return s
}

func (s *farmScheduler) AddClient(client *domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.clients.AddClient(client); err != nil {
		return err
	}
	s.eventSink.LogEvent(EventClientAdded, map[string]interface{}{
		"clientID":   client.ID,
		"tier":       string(client.Tier),
		"guaranteed": client.GuaranteedResources,
		"max":        client.MaxResources,
	})
	return nil
}

func (s *farmScheduler) UpdateClientTier(clientID string, tier domain.SLATier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.clients.UpdateClientTier(clientID, tier); err != nil {
		return err
	}
	s.eventSink.LogEvent(EventClientTierUpdated, map[string]interface{}{
		"clientID": clientID,
		"tier":     string(tier),
	})
	return nil
}

func (s *farmScheduler) UpdateClientDemand(clientID string, demandPct float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitioner.UpdateClientDemand(clientID, demandPct)
}

func (s *farmScheduler) RemoveClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients.Get(clientID); !ok {
		return fmt.Errorf("unknown client %q", clientID)
	}
	if s.jobs.HasActiveJobs(clientID) {
		return fmt.Errorf("client %q still has active jobs", clientID)
	}
	if err := s.clients.RemoveClient(clientID); err != nil {
		return err
	}
	s.partitioner.ForgetClient(clientID)
	s.eventSink.LogEvent(EventClientRemoved, map[string]interface{}{
		"clientID": clientID,
	})
	log.WithField("clientID", clientID).Info("Removed client")
	return nil
}

func (s *farmScheduler) AddNode(node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nodes.AddNode(node); err != nil {
		return err
	}
	s.eventSink.LogEvent(EventNodeAdded, map[string]interface{}{
		"nodeID": node.ID,
		"cpu":    node.Capabilities.CPUCores,
		"memGB":  node.Capabilities.MemoryGB,
		"gpu":    node.Capabilities.GPUCount,
	})
	return nil
}

func (s *farmScheduler) RemoveNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes.Get(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if jobID := node.CurrentJobID; jobID != "" {
		if js, ok := s.jobs.Get(jobID); ok && js.Job.Status == domain.Running {
			if err := s.failJobLocked(js, fmt.Sprintf("node %s removed", nodeID)); err != nil {
				return err
			}
		}
	}
	if err := s.nodes.RemoveNode(nodeID); err != nil {
		return err
	}
	s.eventSink.LogEvent(EventNodeRemoved, map[string]interface{}{
		"nodeID": nodeID,
	})
	log.WithField("nodeID", nodeID).Info("Removed node")
	return nil
}

func (s *farmScheduler) SetNodeStatus(nodeID string, status domain.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == domain.NodeOffline {
		return s.failNodeLocked(nodeID, "node taken offline")
	}
	return s.nodes.SetNodeStatus(nodeID, status)
}

func (s *farmScheduler) SubmitJob(job *domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients.Get(job.ClientID); !ok {
		return "", fmt.Errorf("unknown client %q", job.ClientID)
	}
	if err := domain.ValidateJob(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return "", fmt.Errorf("could not create job id: %v", err)
		}
		job.ID = id.String()
	}
	if job.SubmissionTime.IsZero() {
		job.SubmissionTime = time.Now()
	}
	job.Status = domain.Pending
	job.AssignedNodeID = ""
	job.Progress = 0

	resolved, err := s.jobs.Submit(job)
	if err != nil {
		switch e := err.(type) {
		case *domain.CycleError:
			s.stat.Counter(stats.SchedDependencyCycleCounter).Inc(1)
			s.eventSink.LogEvent(EventDependencyCycleDetected, map[string]interface{}{
				"jobID": job.ID,
				"cycle": e.Cycle,
			})
		case *domain.UnknownDependencyError:
			s.stat.Counter(stats.SchedForwardRefCounter).Inc(1)
			s.eventSink.LogEvent(EventUnknownDependency, map[string]interface{}{
				"jobID":   job.ID,
				"missing": e.Missing,
			})
		default:
			return "", err
		}
	}
	for _, waiter := range resolved {
		s.eventSink.LogEvent(EventDependencyResolved, map[string]interface{}{
			"jobID":      waiter,
			"dependency": job.ID,
		})
	}
	s.eventSink.LogEvent(EventJobSubmitted, map[string]interface{}{
		"jobID":    job.ID,
		"clientID": job.ClientID,
		"priority": job.Priority,
	})
	s.stat.Gauge(stats.SchedJobsGauge).Update(int64(s.jobs.NumJobs()))

	log.WithFields(log.Fields{
		"jobID":    job.ID,
		"clientID": job.ClientID,
		"jobType":  job.JobType,
		"deps":     len(job.Dependencies),
	}).Info("Job submitted")
	return job.ID, err
}

func (s *farmScheduler) CancelJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.jobs.MarkCancelled(jobID); err != nil {
		return err
	}
	s.eventSink.LogEvent(EventJobCancelled, map[string]interface{}{"jobID": jobID})
	log.WithField("jobID", jobID).Info("Job cancelled")
	return nil
}

func (s *farmScheduler) CompleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("unknown job %q", jobID)
	}
	dependents, err := s.jobs.MarkCompleted(jobID)
	if err != nil {
		return err
	}
	s.nodes.JobReleased(js.Job.AssignedNodeID)
	s.recordDuration(js)

	s.eventSink.LogEvent(EventJobCompleted, map[string]interface{}{
		"jobID":      jobID,
		"nodeID":     js.Job.AssignedNodeID,
		"dependents": len(dependents),
	})
	log.WithFields(log.Fields{
		"jobID":  jobID,
		"nodeID": js.Job.AssignedNodeID,
	}).Info("Job completed")
	return nil
}

func (s *farmScheduler) FailJob(jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("unknown job %q", jobID)
	}
	return s.failJobLocked(js, reason)
}

func (s *farmScheduler) failJobLocked(js *jobState, reason string) error {
	if err := s.jobs.MarkFailed(js.Job.ID); err != nil {
		return err
	}
	s.nodes.JobReleased(js.Job.AssignedNodeID)
	s.eventSink.LogEvent(EventJobFailed, map[string]interface{}{
		"jobID":  js.Job.ID,
		"nodeID": js.Job.AssignedNodeID,
		"reason": reason,
	})
	log.WithFields(log.Fields{
		"jobID":  js.Job.ID,
		"reason": reason,
	}).Warn("Job failed")
	return nil
}

func (s *farmScheduler) UpdateJobProgress(jobID string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("unknown job %q", jobID)
	}
	if js.Job.Status != domain.Running {
		return fmt.Errorf("cannot update progress of job %q in status %s", jobID, js.Job.Status)
	}
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	js.Job.Progress = progress
	return nil
}

func (s *farmScheduler) HandleNodeFailure(nodeID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failNodeLocked(nodeID, reason)
}

// failNodeLocked takes a node offline and fails its running job, if any.
// The failed job is not requeued; restarting lost work is an explicit
// resubmission by the client.
func (s *farmScheduler) failNodeLocked(nodeID string, reason string) error {
	node, ok := s.nodes.Get(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}

	jobID := node.CurrentJobID
	if err := s.nodes.SetNodeStatus(nodeID, domain.NodeOffline); err != nil {
		return err
	}
	s.eventSink.LogEvent(EventNodeFailure, map[string]interface{}{
		"nodeID": nodeID,
		"jobID":  jobID,
		"reason": reason,
	})
	log.WithFields(log.Fields{
		"nodeID": nodeID,
		"jobID":  jobID,
		"reason": reason,
	}).Warn("Node failure")

	if jobID != "" {
		if js, ok := s.jobs.Get(jobID); ok && js.Job.Status == domain.Running {
			if err := s.failJobLocked(js, fmt.Sprintf("node %s failed: %s", nodeID, reason)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunSchedulingCycle allocates capacity, recomputes effective priorities and
// binds as many ready jobs as entitlements and node capabilities allow.
func (s *farmScheduler) RunSchedulingCycle() (CycleStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer s.stat.Latency(stats.SchedCycleLatency_ms).Time().Stop()
	now := time.Now()

	allocs, err := s.partitioner.AllocateResources()
	if err != nil {
		return CycleStats{}, err
	}

	s.computeEffectivePriorities(now)

	ready := s.jobs.ReadyJobs()
	s.stat.Gauge(stats.SchedReadyJobsGauge).Update(int64(len(ready)))
	sortReadyJobs(ready)

	totalOnline := s.nodes.NumOnline()
	entitled := make(map[string]int, len(allocs))
	for id, alloc := range allocs {
		entitled[id] = int(math.Floor(alloc.AllocatedPercentage / 100.0 * float64(totalOnline)))
	}
	running := s.jobs.RunningCountByClient()

	result := CycleStats{ReadyJobs: len(ready)}
	for _, js := range ready {
		job := js.Job
		if running[job.ClientID] >= entitled[job.ClientID] {
			result.JobsThrottled++
			s.stat.Counter(stats.SchedThrottledJobsCounter).Inc(1)
			continue
		}
		node := s.nodes.FindNodeFor(job)
		if node == nil {
			result.JobsUnmatched++
			s.stat.Counter(stats.SchedUnmatchedJobsCounter).Inc(1)
			continue
		}

		job.Status = domain.Queued
		if err := s.nodes.JobAssigned(node.ID, job.ID); err != nil {
			// The node was idle a moment ago under the same lock, so this
			// only guards registry misuse.
			job.Status = domain.Pending
			return result, err
		}
		job.Status = domain.Running
		job.AssignedNodeID = node.ID
		js.TimeStarted = now
		running[job.ClientID]++
		result.JobsScheduled++
		s.stat.Counter(stats.SchedScheduledJobsCounter).Inc(1)

		s.eventSink.LogEvent(EventJobScheduled, map[string]interface{}{
			"jobID":             job.ID,
			"clientID":          job.ClientID,
			"nodeID":            node.ID,
			"effectivePriority": js.EffectivePriority,
		})
		log.WithFields(log.Fields{
			"jobID":    job.ID,
			"clientID": job.ClientID,
			"nodeID":   node.ID,
			"effPrio":  js.EffectivePriority,
		}).Info("Job scheduled")
	}

	if totalOnline > 0 {
		result.UtilizationPct = float64(s.nodes.NumRunning()) / float64(totalOnline) * 100.0
	}
	s.stat.Gauge(stats.SchedUtilizationGauge).Update(int64(result.UtilizationPct))
	s.eventSink.LogEvent(EventSchedulingCycle, map[string]interface{}{
		"ready":       result.ReadyJobs,
		"scheduled":   result.JobsScheduled,
		"throttled":   result.JobsThrottled,
		"unmatched":   result.JobsUnmatched,
		"utilization": result.UtilizationPct,
	})
	return result, nil
}

// sortReadyJobs orders jobs by effective priority, then earliest deadline
// with zero deadlines last, then submission time, then id.
func sortReadyJobs(ready []*jobState) {
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.EffectivePriority != b.EffectivePriority {
			return a.EffectivePriority > b.EffectivePriority
		}
		ad, bd := a.Job.Deadline, b.Job.Deadline
		if !ad.Equal(bd) {
			if ad.IsZero() {
				return false
			}
			if bd.IsZero() {
				return true
			}
			return ad.Before(bd)
		}
		if !a.Job.SubmissionTime.Equal(b.Job.SubmissionTime) {
			return a.Job.SubmissionTime.Before(b.Job.SubmissionTime)
		}
		return a.Job.ID < b.Job.ID
	})
}

// computeEffectivePriorities assigns each non-terminal job its own priority
// plus deadline boost, raised to the highest effective priority among the
// jobs blocked behind it. Propagation follows dependents edges, so a
// prerequisite is always at least as urgent as anything waiting on it.
func (s *farmScheduler) computeEffectivePriorities(now time.Time) {
	all := s.jobs.All()
	states := make(map[string]*jobState, len(all))
	for _, js := range all {
		states[js.Job.ID] = js
	}

	memo := make(map[string]int, len(all))
	var eff func(js *jobState) int
	eff = func(js *jobState) int {
		if v, ok := memo[js.Job.ID]; ok {
			return v
		}
		p := s.basePriority(js, now)
		// Breaks self-reference while dependents are walked. Cycle members
		// are skipped below, so recursion terminates on a DAG.
		memo[js.Job.ID] = p
		for _, depID := range js.Dependents {
			ds := states[depID]
			if ds == nil || ds.InCycle || ds.Job.Status.Terminal() {
				continue
			}
			if dp := eff(ds); dp > p {
				p = dp
			}
		}
		memo[js.Job.ID] = p
		return p
	}

	for _, js := range all {
		if js.Job.Status.Terminal() || js.InCycle {
			js.EffectivePriority = js.Job.Priority
			continue
		}
		js.EffectivePriority = eff(js)
	}
}

// basePriority is the job's own priority plus its deadline boost.
func (s *farmScheduler) basePriority(js *jobState, now time.Time) int {
	p := js.Job.Priority
	deadline := js.Job.Deadline
	if deadline.IsZero() {
		return p
	}
	remaining := s.estimatedRemaining(js)
	if now.Add(remaining + s.config.DeadlineSafetyMargin).After(deadline) {
		return p + deadlineOverrunBoost
	}
	if deadline.Sub(now) < deadlineNearWindow {
		return p + deadlineNearBoost
	}
	return p
}

// estimatedRemaining estimates how much wall time a job still needs, scaling
// the base estimate by reported progress. With no explicit estimate the
// observed average for the job type is used, then the configured default.
func (s *farmScheduler) estimatedRemaining(js *jobState) time.Duration {
	base := js.Job.EstimatedDuration
	if base <= 0 {
		if avg, ok := s.durations.Get(durationKey(js.Job)); ok {
			base = avg.(*averageDuration).duration
		}
	}
	if base <= 0 {
		base = s.config.DefaultJobDuration
	}
	return time.Duration(float64(base) * (100.0 - js.Job.Progress) / 100.0)
}

func (s *farmScheduler) recordDuration(js *jobState) {
	if js.TimeStarted.IsZero() {
		return
	}
	observed := time.Since(js.TimeStarted)
	key := durationKey(js.Job)
	if avg, ok := s.durations.Get(key); ok {
		avg.(*averageDuration).update(observed)
	} else {
		s.durations.Add(key, &averageDuration{count: 1, duration: observed})
	}
}

func durationKey(job *domain.Job) string {
	if job.JobType != "" {
		return job.JobType
	}
	return "default"
}

// CanMeetDeadline reports whether the job is still expected to finish before
// its deadline with the safety margin applied, and whether any online node
// could run it at all. Jobs without a deadline always meet it.
func (s *farmScheduler) CanMeetDeadline(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs.Get(jobID)
	if !ok {
		return false, fmt.Errorf("unknown job %q", jobID)
	}
	switch js.Job.Status {
	case domain.Completed:
		return true, nil
	case domain.Failed, domain.Cancelled:
		return false, nil
	}
	if js.Job.Deadline.IsZero() {
		return true, nil
	}
	if !s.nodes.HasCapableNode(js.Job) {
		return false, nil
	}
	remaining := s.estimatedRemaining(js)
	finish := time.Now().Add(remaining + s.config.DeadlineSafetyMargin)
	return finish.Before(js.Job.Deadline), nil
}

func (s *farmScheduler) GetJob(jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("unknown job %q", jobID)
	}
	// Callers get a snapshot, never the graph's live job. Later cycles
	// mutate the original under the scheduler lock and a shared pointer
	// would let a reader observe a half-bound job.
	job := *js.Job
	job.Dependencies = append([]string{}, js.Job.Dependencies...)
	return &job, nil
}

func (s *farmScheduler) Status() FarmStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	online := s.nodes.NumOnline()
	runningNodes := s.nodes.NumRunning()
	status := FarmStatus{
		JobCounts:       s.jobs.CountByStatus(),
		TotalNodes:      len(s.nodes.All()),
		OnlineNodes:     online,
		IdleNodes:       online - runningNodes,
		RunningByClient: s.jobs.RunningCountByClient(),
	}
	if online > 0 {
		status.UtilizationPct = float64(runningNodes) / float64(online) * 100.0
	}
	return status
}

func (s *farmScheduler) AllocateResources() (map[string]*domain.ResourceAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitioner.AllocateResources()
}

func (s *farmScheduler) GetBorrowedFrom(clientID string) map[string]float64 {
	return s.partitioner.GetBorrowedFrom(clientID)
}

func (s *farmScheduler) GetLentTo(clientID string) map[string]float64 {
	return s.partitioner.GetLentTo(clientID)
}

func (s *farmScheduler) GetBorrowedPercentage(clientID string) float64 {
	return s.partitioner.GetBorrowedPercentage(clientID)
}

func (s *farmScheduler) GetLentPercentage(clientID string) float64 {
	return s.partitioner.GetLentPercentage(clientID)
}

func (s *farmScheduler) Partitioner() *ResourcePartitioner {
	return s.partitioner
}
