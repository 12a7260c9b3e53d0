/*
Package server provides the render farm scheduling core: a dependency-aware
job graph, SLA-tiered resource partitioning with bounded borrowing, and a
FarmScheduler that binds ready jobs to capable nodes once per cycle.

* Concepts *

Effective priority:

	A job's own priority plus a deadline boost, raised to at least the
	effective priority of every job blocked behind it. Inheritance is
	propagated transitively backwards through the dependency graph each cycle
	so an urgent job is never starved behind a low-priority prerequisite.

Entitlement:

	The number of online nodes a client may occupy this cycle,
	floor(allocatedPct / 100 * onlineNodes). A client at its entitlement starts
	nothing, even if idle nodes exist.

Borrowing:

	Clients demanding more than their SLA guarantee may borrow spare capacity
	from clients demanding less than theirs, capped per borrower by the
	configured borrowing limit. A lender is never drained below its own live
	demand up to its guarantee. Premium outranks standard outranks basic when
	borrowers compete for the same spare capacity.

* Logic *

Scheduling cycle:

	Allocate per-client capacity, recompute effective priorities, sort ready
	jobs by (effective priority desc, deadline asc, submission asc), then bind
	each job whose client has unused entitlement to the tightest-fitting idle
	node. Jobs that can't be placed stay Pending and are retried next cycle;
	contention is never an error.

The caller drives cycles; nothing here spawns goroutines. Each registry
guards its own maps with a mutex and the scheduler serializes whole cycles,
so no reader ever observes a half-bound job.
*/
package server
