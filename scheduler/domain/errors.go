package domain

import (
	"fmt"
	"strings"
)

// CycleError is returned when a submission closes a dependency cycle. The
// submission is retained (jobs in the cycle stay Pending and are never
// scheduled) but the caller is told exactly once.
type CycleError struct {
	JobID string
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("job %q closes dependency cycle: %s", e.JobID, strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError is returned when a submitted job references
// dependency ids not yet known to the graph. The job is accepted Pending and
// flagged; it becomes schedulable once the missing jobs arrive and complete.
type UnknownDependencyError struct {
	JobID   string
	Missing []string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("job %q references unknown dependencies: %s", e.JobID, strings.Join(e.Missing, ", "))
}

// AllocationOverCommitError is a configuration fault: the sum of all clients'
// guaranteed percentages exceeds farm capacity. It is surfaced to the caller,
// never silently clamped.
type AllocationOverCommitError struct {
	TotalGuaranteed float64
}

func (e *AllocationOverCommitError) Error() string {
	return fmt.Sprintf("sum of client resource guarantees is %.1f%%, exceeds 100%%", e.TotalGuaranteed)
}
