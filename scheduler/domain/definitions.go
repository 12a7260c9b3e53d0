// Package domain provides definitions for render farm Jobs, Nodes and Clients
package domain

import (
	"fmt"
	"time"
)

// Job is a unit of render work the farm can schedule. A job occupies exactly
// one whole node while running; there is no partial allocation in this model.
type Job struct {
	ID       string
	Name     string
	ClientID string
	JobType  string

	// Priority is the client-assigned urgency, higher is more urgent.
	// The scheduler derives an effective priority from it each cycle;
	// Priority itself is never mutated by scheduling.
	Priority int

	Status JobStatus

	CPURequirements      int
	MemoryRequirementsGB int
	GPURequirements      int

	EstimatedDuration time.Duration
	Deadline          time.Time
	SubmissionTime    time.Time

	// Dependencies holds ids of jobs that must be COMPLETED before this job
	// may start. Ids referencing jobs unknown at submission time are accepted
	// but flagged, since dependencies may legitimately arrive out of order.
	Dependencies []string

	// AssignedNodeID is empty until the scheduler binds the job to a node.
	AssignedNodeID string

	// Progress is 0-100, reported by the executing node.
	Progress float64
}

func (j *Job) String() string {
	return fmt.Sprintf("job:%s client:%s prio:%d status:%s deps:%d cpu:%d mem:%dGB gpu:%d",
		j.ID, j.ClientID, j.Priority, j.Status, len(j.Dependencies),
		j.CPURequirements, j.MemoryRequirementsGB, j.GPURequirements)
}

// RequiresGPU reports whether the job needs at least one GPU.
func (j *Job) RequiresGPU() bool {
	return j.GPURequirements > 0
}

// JobStatus is the job state machine:
// Pending -> Queued -> Running -> {Completed, Failed}, with Cancelled
// reachable from Pending and Queued. Terminal statuses are never left.
type JobStatus int

const (
	// Pending, waiting for dependencies and/or capacity.
	Pending JobStatus = iota

	// Queued, selected by the scheduler and awaiting node binding.
	Queued

	// Running, bound to a node and executing.
	Running

	// Completed successfully.
	Completed

	// Failed terminally; dependents stay Pending.
	Failed

	// Cancelled by the client before it started running.
	Cancelled
)

func (s JobStatus) String() string {
	asString := [6]string{"Pending", "Queued", "Running", "Completed", "Failed", "Cancelled"}
	return asString[s]
}

// Terminal reports whether a job in this status can never transition again.
func (s JobStatus) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Canonical priority levels. Priority is an open integer scale, these are the
// values clients typically submit with.
const (
	PriorityLow      = 25
	PriorityMedium   = 50
	PriorityHigh     = 75
	PriorityCritical = 100
)

// NodeCapabilities is a node's fixed hardware profile.
type NodeCapabilities struct {
	CPUCores       int
	MemoryGB       int
	GPUCount       int
	GPUMemoryGB    int
	SpecializedFor []string
}

// NodeStatus is a node's administrative availability.
type NodeStatus int

const (
	NodeOnline NodeStatus = iota
	NodeOffline
)

func (s NodeStatus) String() string {
	asString := [2]string{"online", "offline"}
	return asString[s]
}

// Node is a single-job-at-a-time execution unit.
type Node struct {
	ID           string
	Name         string
	Status       NodeStatus
	Capabilities NodeCapabilities

	// CurrentJobID is empty when the node is idle.
	CurrentJobID string
}

// Idle reports whether the node is online and free to accept a job.
func (n *Node) Idle() bool {
	return n.Status == NodeOnline && n.CurrentJobID == ""
}

// CanRun reports whether the node's capabilities satisfy the job's
// requirements. Exact fit or better; a job is never forced onto an
// unsuitable node.
func (n *Node) CanRun(job *Job) bool {
	if job.CPURequirements > n.Capabilities.CPUCores {
		return false
	}
	if job.MemoryRequirementsGB > n.Capabilities.MemoryGB {
		return false
	}
	if job.GPURequirements > n.Capabilities.GPUCount {
		return false
	}
	return true
}

// SpecializedForType reports whether the node is tuned for the given job
// type. Specialization is a placement preference, not a requirement.
func (n *Node) SpecializedForType(jobType string) bool {
	for _, t := range n.Capabilities.SpecializedFor {
		if t == jobType {
			return true
		}
	}
	return false
}

// SLATier is a client's contracted service level.
type SLATier string

const (
	TierPremium  SLATier = "premium"
	TierStandard SLATier = "standard"
	TierBasic    SLATier = "basic"
)

// rank orders tiers for borrowing precedence, higher is served first.
func (t SLATier) rank() int {
	switch t {
	case TierPremium:
		return 3
	case TierStandard:
		return 2
	case TierBasic:
		return 1
	}
	return 0
}

// HigherTierThan reports whether t outranks other when competing for the
// same lender's spare capacity.
func (t SLATier) HigherTierThan(other SLATier) bool {
	return t.rank() > other.rank()
}

// DefaultTierResources returns the canonical guaranteed/max farm percentages
// for a tier, used when a client doesn't carry explicit values.
func DefaultTierResources(t SLATier) (guaranteed, max float64) {
	switch t {
	case TierPremium:
		return 50, 80
	case TierStandard:
		return 30, 50
	case TierBasic:
		return 10, 30
	}
	return 0, 0
}

// Client is a tenant submitting jobs under an SLA tier.
type Client struct {
	ID   string
	Name string
	Tier SLATier

	// GuaranteedResources and MaxResources are percentages of total farm
	// capacity. Guaranteed is the allocation floor, Max caps what the client
	// can reach through borrowing.
	GuaranteedResources float64
	MaxResources        float64
}

func (c *Client) String() string {
	return fmt.Sprintf("client:%s tier:%s guaranteed:%.1f%% max:%.1f%%",
		c.ID, c.Tier, c.GuaranteedResources, c.MaxResources)
}

// ResourceAllocation is the per-client result of one allocation cycle.
type ResourceAllocation struct {
	ClientID string

	// AllocatedPercentage is the SLA floor adjusted by borrowing. The sum
	// across clients never exceeds 100.
	AllocatedPercentage float64

	BorrowedPercentage float64
	BorrowedFrom       map[string]float64

	LentPercentage float64
	LentTo         map[string]float64
}

// ValidateJob checks a job definition before submission.
func ValidateJob(job *Job) error {
	if job.ClientID == "" {
		return fmt.Errorf("invalid job %q: empty client id", job.ID)
	}
	if job.CPURequirements < 0 || job.MemoryRequirementsGB < 0 || job.GPURequirements < 0 {
		return fmt.Errorf("invalid job %q: negative resource requirements", job.ID)
	}
	if job.Progress < 0 || job.Progress > 100 {
		return fmt.Errorf("invalid job %q: progress %.1f out of range", job.ID, job.Progress)
	}
	for _, dep := range job.Dependencies {
		if dep == job.ID {
			return fmt.Errorf("invalid job %q: depends on itself", job.ID)
		}
		if dep == "" {
			return fmt.Errorf("invalid job %q: empty dependency id", job.ID)
		}
	}
	return nil
}
