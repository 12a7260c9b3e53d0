package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/davecgh/go-spew/spew"

	"github.com/filmgrid/renderfarm/common/stats"
	"github.com/filmgrid/renderfarm/scheduler/domain"
)

// nodeRegistry tracks the render nodes known to the scheduler, their
// online/offline status and the job each busy node is running. A node runs
// at most one job; there is no node sharing.
type nodeRegistry struct {
	mu    sync.Mutex
	nodes map[string]*domain.Node
	stat  stats.StatsReceiver
}

func newNodeRegistry(stat stats.StatsReceiver) *nodeRegistry {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &nodeRegistry{
		nodes: make(map[string]*domain.Node),
		stat:  stat,
	}
}

func (r *nodeRegistry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return spew.Sdump(r.nodes)
}

// AddNode registers a node. Duplicate ids are rejected.
func (r *nodeRegistry) AddNode(node *domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if _, ok := r.nodes[node.ID]; ok {
		return fmt.Errorf("node %q already exists", node.ID)
	}
	r.nodes[node.ID] = node
	r.updateStats()
	return nil
}

// Get returns the node for an id.
func (r *nodeRegistry) Get(id string) (*domain.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	return node, ok
}

// SetNodeStatus flips a node online or offline. Taking a busy node offline
// is allowed, the caller is responsible for failing the running job first.
func (r *nodeRegistry) SetNodeStatus(id string, status domain.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	node.Status = status
	r.updateStats()
	return nil
}

// JobAssigned marks a node as running the given job.
func (r *nodeRegistry) JobAssigned(nodeID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if node.Status != domain.NodeOnline {
		return fmt.Errorf("node %q is offline", nodeID)
	}
	if node.CurrentJobID != "" {
		return fmt.Errorf("node %q is already running job %q", nodeID, node.CurrentJobID)
	}
	node.CurrentJobID = jobID
	r.updateStats()
	return nil
}

// JobReleased frees a node after its job reached a terminal state. Unknown
// nodes are ignored so releasing after node removal is safe.
func (r *nodeRegistry) JobReleased(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.nodes[nodeID]; ok {
		node.CurrentJobID = ""
	}
	r.updateStats()
}

// RemoveNode drops a node from the registry. The caller is responsible for
// failing the node's running job first.
func (r *nodeRegistry) RemoveNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	delete(r.nodes, id)
	r.updateStats()
	return nil
}

// NumOnline returns the number of online nodes, busy or idle.
func (r *nodeRegistry) NumOnline() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numOnlineLocked()
}

func (r *nodeRegistry) numOnlineLocked() int {
	n := 0
	for _, node := range r.nodes {
		if node.Status == domain.NodeOnline {
			n++
		}
	}
	return n
}

// NumRunning returns the number of nodes currently bound to a job.
func (r *nodeRegistry) NumRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numRunningLocked()
}

func (r *nodeRegistry) numRunningLocked() int {
	n := 0
	for _, node := range r.nodes {
		if node.Status == domain.NodeOnline && node.CurrentJobID != "" {
			n++
		}
	}
	return n
}

// FindNodeFor returns the tightest-fitting idle online node able to run the
// job, or nil when none fits. Nodes specialized for the job's type are
// preferred over generic ones. Ties break on node id so repeated cycles over
// the same state bind deterministically.
func (r *nodeRegistry) FindNodeFor(job *domain.Job) *domain.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *domain.Node
	for _, node := range r.nodes {
		if !node.Idle() || !node.CanRun(job) {
			continue
		}
		if best == nil || betterFit(node, best, job) {
			best = node
		}
	}
	return best
}

// HasCapableNode reports whether any online node, busy or idle, could ever
// run the job.
func (r *nodeRegistry) HasCapableNode(job *domain.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range r.nodes {
		if node.Status == domain.NodeOnline && node.CanRun(job) {
			return true
		}
	}
	return false
}

// All returns every node sorted by id.
func (r *nodeRegistry) All() []*domain.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*domain.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		all = append(all, node)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// betterFit reports whether a is a better node than b for the job. A node
// specialized for the job's type beats a generic one; among equals the
// tighter fit wins.
func betterFit(a, b *domain.Node, job *domain.Job) bool {
	aSpec, bSpec := a.SpecializedForType(job.JobType), b.SpecializedForType(job.JobType)
	if aSpec != bSpec {
		return aSpec
	}
	return tighterFit(a, b)
}

// tighterFit reports whether a leaves less spare capacity than b, comparing
// gpu count, then cpu cores, then memory, then id.
func tighterFit(a, b *domain.Node) bool {
	if a.Capabilities.GPUCount != b.Capabilities.GPUCount {
		return a.Capabilities.GPUCount < b.Capabilities.GPUCount
	}
	if a.Capabilities.CPUCores != b.Capabilities.CPUCores {
		return a.Capabilities.CPUCores < b.Capabilities.CPUCores
	}
	if a.Capabilities.MemoryGB != b.Capabilities.MemoryGB {
		return a.Capabilities.MemoryGB < b.Capabilities.MemoryGB
	}
	return a.ID < b.ID
}

func (r *nodeRegistry) updateStats() {
	online := r.numOnlineLocked()
	running := r.numRunningLocked()
	r.stat.Gauge(stats.ClusterAvailableNodesGauge).Update(int64(online))
	r.stat.Gauge(stats.ClusterRunningNodesGauge).Update(int64(running))
	r.stat.Gauge(stats.ClusterFreeNodesGauge).Update(int64(online - running))
	r.stat.Gauge(stats.ClusterOfflineNodesGauge).Update(int64(len(r.nodes) - online))
}
