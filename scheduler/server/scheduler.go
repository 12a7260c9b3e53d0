package server

import (
	"github.com/filmgrid/renderfarm/scheduler/domain"
)

// Scheduler is the complete render farm control surface: tenant and node
// registration, job lifecycle, resource partitioning and the scheduling
// cycle itself. The caller drives cycles; implementations never schedule in
// the background.
type Scheduler interface {
	// AddClient registers a tenant. Zero SLA values take tier defaults.
	AddClient(client *domain.Client) error

	// UpdateClientTier moves a client to a new tier, resetting its
	// guaranteed and max percentages to the tier defaults.
	UpdateClientTier(clientID string, tier domain.SLATier) error

	// UpdateClientDemand records a client's live demand as a percentage of
	// farm capacity, clamped to [0, 100].
	UpdateClientDemand(clientID string, demandPct float64) error

	// RemoveClient drops a tenant and its recorded demand. Removal is
	// rejected while the client still has jobs in a non-terminal state.
	RemoveClient(clientID string) error

	// AddNode registers a render node, online by default.
	AddNode(node *domain.Node) error

	// RemoveNode drops a node from the farm. A job running on the node is
	// failed first, same as HandleNodeFailure.
	RemoveNode(nodeID string) error

	// SetNodeStatus flips a node online or offline. Taking down a node
	// that is running a job fails the job, same as HandleNodeFailure.
	SetNodeStatus(nodeID string, status domain.NodeStatus) error

	// SubmitJob validates and retains a job, returning its id. The job is
	// retained even when the error is a *domain.CycleError or
	// *domain.UnknownDependencyError; those report flagged graph state,
	// not rejection.
	SubmitJob(job *domain.Job) (string, error)

	// CancelJob cancels a Pending or Queued job. Running and terminal
	// jobs cannot be cancelled.
	CancelJob(jobID string) error

	// CompleteJob marks a Running job Completed, freeing its node and
	// unblocking dependents for the next cycle.
	CompleteJob(jobID string) error

	// FailJob marks a Running job Failed, freeing its node. Dependents
	// stay Pending; there is no automatic retry.
	FailJob(jobID string, reason string) error

	// UpdateJobProgress records completion progress for a Running job.
	UpdateJobProgress(jobID string, progress float64) error

	// HandleNodeFailure takes a node offline and fails any job it was
	// running. The job is not requeued.
	HandleNodeFailure(nodeID string, reason string) error

	// AllocateResources runs one allocation pass outside a scheduling
	// cycle, returning the per-client result.
	AllocateResources() (map[string]*domain.ResourceAllocation, error)

	// GetBorrowedFrom returns lender id to borrowed points for a client,
	// from the latest allocation.
	GetBorrowedFrom(clientID string) map[string]float64

	// GetLentTo returns borrower id to lent points for a client, from the
	// latest allocation.
	GetLentTo(clientID string) map[string]float64

	// GetBorrowedPercentage and GetLentPercentage return the client's loan
	// totals from the latest allocation.
	GetBorrowedPercentage(clientID string) float64
	GetLentPercentage(clientID string) float64

	// RunSchedulingCycle performs one full pass: allocate capacity,
	// recompute effective priorities and bind ready jobs to nodes. It
	// fails only on invalid configuration such as over-committed
	// guarantees; resource contention is reflected in the stats, not an
	// error.
	RunSchedulingCycle() (CycleStats, error)

	// CanMeetDeadline estimates whether a job can still finish before its
	// deadline with the safety margin applied, assuming a capable node.
	CanMeetDeadline(jobID string) (bool, error)

	// GetJob returns a snapshot copy of the job for an id. The copy is
	// safe to read while later cycles run.
	GetJob(jobID string) (*domain.Job, error)

	// Status reports a snapshot of farm-wide state.
	Status() FarmStatus

	// Partitioner exposes the resource partitioner for allocation queries.
	Partitioner() *ResourcePartitioner
}

// CycleStats summarizes one scheduling cycle.
type CycleStats struct {
	ReadyJobs      int
	JobsScheduled  int
	JobsThrottled  int
	JobsUnmatched  int
	UtilizationPct float64
}

// FarmStatus is a point-in-time snapshot of the farm.
type FarmStatus struct {
	JobCounts       map[domain.JobStatus]int
	TotalNodes      int
	OnlineNodes     int
	IdleNodes       int
	UtilizationPct  float64
	RunningByClient map[string]int
}
