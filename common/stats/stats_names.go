package stats

/*
This file defines all the metrics being collected.  As new metrics are added please follow this pattern.
*/

const (
	/************************* Scheduler metrics **************************/
	/*
		the number of jobs currently known to the job graph (all statuses)
	*/
	SchedJobsGauge = "schedJobsGauge"

	/*
		the number of jobs ready to be scheduled at the start of a cycle
	*/
	SchedReadyJobsGauge = "schedReadyJobsGauge"

	/*
		the number of jobs bound to nodes during a scheduling cycle
	*/
	SchedScheduledJobsCounter = "schedScheduledJobsCounter"

	/*
		the number of ready jobs that found no capable idle node this cycle
	*/
	SchedUnmatchedJobsCounter = "schedUnmatchedJobsCounter"

	/*
		the number of ready jobs deferred because their client was at capacity
	*/
	SchedThrottledJobsCounter = "schedThrottledJobsCounter"

	/*
		amount of time it takes to run one scheduling cycle
	*/
	SchedCycleLatency_ms = "schedCycleLatency_ms"

	/*
		the number of dependency cycles detected at submission
	*/
	SchedDependencyCycleCounter = "schedDependencyCycleCounter"

	/*
		the number of submissions accepted with unresolved forward references
	*/
	SchedForwardRefCounter = "schedForwardRefCounter"

	/*
		percentage of online nodes running a job at the end of a cycle
	*/
	SchedUtilizationGauge = "schedUtilizationGauge"

	/************************* Partitioner metrics **************************/
	/*
		amount of time it takes to run one allocation pass
	*/
	AllocLatency_ms = "allocLatency_ms"

	/*
		per-client allocated percentage of farm capacity, scoped by client id
	*/
	AllocAllocatedPctGauge = "allocAllocatedPctGauge"

	/*
		per-client borrowed percentage of farm capacity, scoped by client id
	*/
	AllocBorrowedPctGauge = "allocBorrowedPctGauge"

	/*
		per-client lent percentage of farm capacity, scoped by client id
	*/
	AllocLentPctGauge = "allocLentPctGauge"

	/************************* Node registry metrics **************************/
	/*
		the number of online nodes in the registry
	*/
	ClusterAvailableNodesGauge = "availableNodesGauge"

	/*
		the number of online nodes not running a job
	*/
	ClusterFreeNodesGauge = "freeNodesGauge"

	/*
		the number of nodes currently running a job
	*/
	ClusterRunningNodesGauge = "runningNodesGauge"

	/*
		the number of offlined nodes
	*/
	ClusterOfflineNodesGauge = "offlineNodesGauge"
)
