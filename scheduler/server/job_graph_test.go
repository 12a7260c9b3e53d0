package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmgrid/renderfarm/scheduler/domain"
)

func submitOK(t *testing.T, g *jobGraph, job *domain.Job) {
	t.Helper()
	_, err := g.Submit(job)
	require.NoError(t, err)
}

func readyIDs(g *jobGraph) []string {
	var ids []string
	for _, js := range g.ReadyJobs() {
		ids = append(ids, js.Job.ID)
	}
	return ids
}

func completeJob(t *testing.T, g *jobGraph, id string) {
	t.Helper()
	js, ok := g.Get(id)
	require.True(t, ok)
	js.Job.Status = domain.Completed
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	g := newJobGraph()
	submitOK(t, g, testJob("j1", "c1", domain.PriorityMedium))

	_, err := g.Submit(testJob("j1", "c1", domain.PriorityMedium))
	assert.Error(t, err)
	assert.Equal(t, 1, g.NumJobs())
}

func TestDependentsBecomeReadyOnlyAfterCompletion(t *testing.T) {
	g := newJobGraph()
	submitOK(t, g, testJob("p1", "c1", domain.PriorityMedium))
	submitOK(t, g, testJob("p2", "c1", domain.PriorityMedium))
	submitOK(t, g, testJob("child", "c1", domain.PriorityMedium, "p1", "p2"))
	submitOK(t, g, testJob("grandchild", "c1", domain.PriorityMedium, "child"))

	assert.ElementsMatch(t, []string{"p1", "p2"}, readyIDs(g))

	completeJob(t, g, "p1")
	assert.ElementsMatch(t, []string{"p2"}, readyIDs(g))

	completeJob(t, g, "p2")
	assert.ElementsMatch(t, []string{"child"}, readyIDs(g))

	completeJob(t, g, "child")
	assert.ElementsMatch(t, []string{"grandchild"}, readyIDs(g))
}

func TestFailedDependencyBlocksDependentsForever(t *testing.T) {
	g := newJobGraph()
	submitOK(t, g, testJob("parent", "c1", domain.PriorityMedium))
	submitOK(t, g, testJob("child", "c1", domain.PriorityMedium, "parent"))

	js, ok := g.Get("parent")
	require.True(t, ok)
	js.Job.Status = domain.Failed

	assert.Empty(t, readyIDs(g))
}

func TestForwardReferenceFlaggedThenResolved(t *testing.T) {
	g := newJobGraph()

	_, err := g.Submit(testJob("child", "c1", domain.PriorityMedium, "parent"))
	require.Error(t, err)
	unknownErr, ok := err.(*domain.UnknownDependencyError)
	require.True(t, ok, "expected *domain.UnknownDependencyError, got %v", err)
	assert.Equal(t, []string{"parent"}, unknownErr.Missing)

	// The job is retained but not ready.
	_, ok = g.Get("child")
	assert.True(t, ok)
	assert.Empty(t, readyIDs(g))

	// Submitting the missing dependency resolves the flag.
	resolved, err := g.Submit(testJob("parent", "c1", domain.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, resolved)

	assert.ElementsMatch(t, []string{"parent"}, readyIDs(g))
	completeJob(t, g, "parent")
	assert.ElementsMatch(t, []string{"child"}, readyIDs(g))
}

func TestDirectCycleFlagsBothMembers(t *testing.T) {
	g := newJobGraph()

	_, err := g.Submit(testJob("a", "c1", domain.PriorityMedium, "b"))
	require.Error(t, err) // forward reference to b

	_, err = g.Submit(testJob("b", "c1", domain.PriorityMedium, "a"))
	require.Error(t, err)
	cycleErr, ok := err.(*domain.CycleError)
	require.True(t, ok, "expected *domain.CycleError, got %v", err)
	assert.Equal(t, "b", cycleErr.JobID)

	for _, id := range []string{"a", "b"} {
		js, ok := g.Get(id)
		require.True(t, ok)
		assert.True(t, js.InCycle, "job %s should be flagged", id)
		assert.Equal(t, domain.Pending, js.Job.Status)
	}
	assert.Empty(t, readyIDs(g))
}

func TestThreeJobCycleClosedByForwardReference(t *testing.T) {
	// a depends on c before c exists; c's submission resolves the forward
	// reference and closes the loop a -> c -> b -> a.
	g := newJobGraph()

	_, err := g.Submit(testJob("a", "c1", domain.PriorityMedium, "c"))
	require.Error(t, err)

	submitOK(t, g, testJob("b", "c1", domain.PriorityMedium, "a"))

	_, err = g.Submit(testJob("c", "c1", domain.PriorityMedium, "b"))
	require.Error(t, err)
	_, ok := err.(*domain.CycleError)
	require.True(t, ok, "expected *domain.CycleError, got %v", err)

	for _, id := range []string{"a", "b", "c"} {
		js, ok := g.Get(id)
		require.True(t, ok)
		assert.True(t, js.InCycle, "job %s should be flagged", id)
	}
	assert.Empty(t, readyIDs(g))
}

func TestJobsOutsideCycleStaySchedulable(t *testing.T) {
	g := newJobGraph()

	submitOK(t, g, testJob("standalone", "c1", domain.PriorityMedium))
	_, err := g.Submit(testJob("x", "c1", domain.PriorityMedium, "y"))
	require.Error(t, err)
	_, err = g.Submit(testJob("y", "c1", domain.PriorityMedium, "x"))
	require.Error(t, err)

	assert.ElementsMatch(t, []string{"standalone"}, readyIDs(g))
}

func TestDependentOfCycleMemberIsNotReported(t *testing.T) {
	g := newJobGraph()

	_, err := g.Submit(testJob("x", "c1", domain.PriorityMedium, "y"))
	require.Error(t, err)
	_, err = g.Submit(testJob("y", "c1", domain.PriorityMedium, "x"))
	require.Error(t, err)

	// z depends on a flagged member. It is blocked but not itself a cycle.
	_, err = g.Submit(testJob("z", "c1", domain.PriorityMedium, "x"))
	assert.NoError(t, err)

	js, ok := g.Get("z")
	require.True(t, ok)
	assert.False(t, js.InCycle)
	assert.Empty(t, readyIDs(g))
}

func TestRunningCountByClient(t *testing.T) {
	g := newJobGraph()
	submitOK(t, g, testJob("j1", "c1", domain.PriorityMedium))
	submitOK(t, g, testJob("j2", "c1", domain.PriorityMedium))
	submitOK(t, g, testJob("j3", "c2", domain.PriorityMedium))

	for _, id := range []string{"j1", "j3"} {
		js, _ := g.Get(id)
		js.Job.Status = domain.Running
	}

	counts := g.RunningCountByClient()
	assert.Equal(t, 1, counts["c1"])
	assert.Equal(t, 1, counts["c2"])
}
