package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/filmgrid/renderfarm/scheduler/domain"
)

// jobState wraps a Job with the graph bookkeeping the scheduler needs:
// reverse dependency edges, unresolved forward references and cycle
// membership.
type jobState struct {
	Job *domain.Job

	// Dependents holds the ids of jobs that list this job as a dependency.
	Dependents []string

	// MissingDeps holds dependency ids that have not been submitted yet.
	// A job with missing dependencies is retained but never ready.
	MissingDeps map[string]bool

	// InCycle marks a job flagged as a member of a dependency cycle.
	// Cycle members stay Pending until cancelled.
	InCycle bool

	// TimeStarted is set when the job transitions to Running, used to
	// record observed durations on completion.
	TimeStarted time.Time

	// EffectivePriority is the inherited priority computed during the
	// latest scheduling cycle. Valid only within that cycle.
	EffectivePriority int
}

// jobGraph is the dependency graph over all submitted jobs. It retains
// terminal jobs so late dependents can still resolve against them.
type jobGraph struct {
	mu   sync.Mutex
	jobs map[string]*jobState

	// waitingOn maps a not-yet-submitted job id to the ids of jobs that
	// declared it as a dependency.
	waitingOn map[string][]string
}

func newJobGraph() *jobGraph {
	return &jobGraph{
		jobs:      make(map[string]*jobState),
		waitingOn: make(map[string][]string),
	}
}

// Submit adds a job to the graph and returns the ids of earlier jobs whose
// missing dependency this submission resolved. The job is retained even when
// the returned error is non-nil: a *domain.UnknownDependencyError means the
// job waits on dependencies that do not exist yet, and a *domain.CycleError
// means this submission closed a dependency cycle and all members were
// flagged. Only a duplicate id rejects the job outright.
func (g *jobGraph) Submit(job *domain.Job) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.jobs[job.ID]; ok {
		return nil, fmt.Errorf("job %q already exists", job.ID)
	}

	js := &jobState{
		Job:         job,
		MissingDeps: make(map[string]bool),
	}
	for _, dep := range job.Dependencies {
		if _, ok := g.jobs[dep]; !ok {
			js.MissingDeps[dep] = true
		}
	}
	g.jobs[job.ID] = js

	// Reverse edges from each existing dependency to the new job.
	for _, dep := range job.Dependencies {
		if ds, ok := g.jobs[dep]; ok {
			ds.Dependents = append(ds.Dependents, job.ID)
		}
	}

	// The new job may be the missing dependency of earlier submissions.
	resolved := g.waitingOn[job.ID]
	if len(resolved) > 0 {
		for _, waiter := range resolved {
			delete(g.jobs[waiter].MissingDeps, job.ID)
		}
		js.Dependents = append(js.Dependents, resolved...)
		delete(g.waitingOn, job.ID)
	}
	for dep := range js.MissingDeps {
		g.waitingOn[dep] = append(g.waitingOn[dep], job.ID)
	}

	// Resolving forward references can close a cycle through any edge, so
	// detection runs after the graph is fully wired. One submission can
	// close several cycles at once; flag them all, report the first.
	var firstCycle []string
	for {
		cycle := g.findCycle(job.ID)
		if cycle == nil {
			break
		}
		for _, id := range cycle {
			g.jobs[id].InCycle = true
		}
		if firstCycle == nil {
			firstCycle = cycle
		}
	}
	if firstCycle != nil {
		return resolved, &domain.CycleError{JobID: job.ID, Cycle: firstCycle}
	}

	if len(js.MissingDeps) > 0 {
		missing := make([]string, 0, len(js.MissingDeps))
		for dep := range js.MissingDeps {
			missing = append(missing, dep)
		}
		sort.Strings(missing)
		return resolved, &domain.UnknownDependencyError{JobID: job.ID, Missing: missing}
	}
	return resolved, nil
}

// findCycle runs a depth first search along dependency edges from start and
// returns the cycle path if start is reachable from itself, nil otherwise.
// Missing dependencies are leaves and cannot extend a path.
func (g *jobGraph) findCycle(start string) []string {
	var path []string
	onPath := make(map[string]bool)
	visited := make(map[string]bool)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		path = append(path, id)
		onPath[id] = true
		defer func() {
			path = path[:len(path)-1]
			delete(onPath, id)
		}()

		for _, dep := range g.jobs[id].Job.Dependencies {
			ds, ok := g.jobs[dep]
			if !ok || ds.InCycle {
				// Missing deps are leaves; flagged cycle members were
				// already reported and stay parked.
				continue
			}
			if onPath[dep] {
				// Return the closed loop only; path[0] may predate it.
				for i, p := range path {
					if p == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			}
			if visited[dep] {
				continue
			}
			if cycle := dfs(dep); cycle != nil {
				return cycle
			}
		}
		visited[id] = true
		return nil
	}
	return dfs(start)
}

// MarkCompleted transitions a Running job to Completed and returns its
// dependents so the caller can re-evaluate them.
func (g *jobGraph) MarkCompleted(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	js, ok := g.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", id)
	}
	if js.Job.Status != domain.Running {
		return nil, fmt.Errorf("cannot complete job %q in status %s", id, js.Job.Status)
	}
	js.Job.Status = domain.Completed
	js.Job.Progress = 100
	return append([]string{}, js.Dependents...), nil
}

// MarkFailed transitions a Running job to Failed. Dependents are left
// Pending; a failed dependency blocks them permanently.
func (g *jobGraph) MarkFailed(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	js, ok := g.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	if js.Job.Status != domain.Running {
		return fmt.Errorf("cannot fail job %q in status %s", id, js.Job.Status)
	}
	js.Job.Status = domain.Failed
	return nil
}

// MarkCancelled transitions a Pending or Queued job to Cancelled.
func (g *jobGraph) MarkCancelled(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	js, ok := g.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	switch js.Job.Status {
	case domain.Pending, domain.Queued:
	default:
		return fmt.Errorf("cannot cancel job %q in status %s", id, js.Job.Status)
	}
	js.Job.Status = domain.Cancelled
	return nil
}

// Get returns the state for a job id.
func (g *jobGraph) Get(id string) (*jobState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	js, ok := g.jobs[id]
	return js, ok
}

// ReadyJobs returns every Pending job whose dependencies all exist and are
// Completed, excluding cycle members. Order is not significant; the
// scheduler sorts by effective priority.
func (g *jobGraph) ReadyJobs() []*jobState {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*jobState
	for _, js := range g.jobs {
		if js.Job.Status != domain.Pending || js.InCycle || len(js.MissingDeps) > 0 {
			continue
		}
		ok := true
		for _, dep := range js.Job.Dependencies {
			if g.jobs[dep].Job.Status != domain.Completed {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, js)
		}
	}
	return ready
}

// RunningCountByClient counts Running jobs per client id.
func (g *jobGraph) RunningCountByClient() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	counts := make(map[string]int)
	for _, js := range g.jobs {
		if js.Job.Status == domain.Running {
			counts[js.Job.ClientID]++
		}
	}
	return counts
}

// HasActiveJobs reports whether the client owns any job that has not reached
// a terminal state yet.
func (g *jobGraph) HasActiveJobs(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, js := range g.jobs {
		if js.Job.ClientID == clientID && !js.Job.Status.Terminal() {
			return true
		}
	}
	return false
}

// CountByStatus tallies jobs per status.
func (g *jobGraph) CountByStatus() map[domain.JobStatus]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	counts := make(map[domain.JobStatus]int)
	for _, js := range g.jobs {
		counts[js.Job.Status]++
	}
	return counts
}

// All returns every job state, sorted by job id for deterministic walks.
func (g *jobGraph) All() []*jobState {
	g.mu.Lock()
	defer g.mu.Unlock()

	all := make([]*jobState, 0, len(g.jobs))
	for _, js := range g.jobs {
		all = append(all, js)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Job.ID < all[j].Job.ID })
	return all
}

// NumJobs returns the total number of retained jobs.
func (g *jobGraph) NumJobs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}
