package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/filmgrid/renderfarm/common/stats"
	"github.com/filmgrid/renderfarm/scheduler/domain"
)

// DefaultBorrowingLimitPct caps how many percentage points any one client
// may hold on loan at once.
const DefaultBorrowingLimitPct = 50.0

const floatTolerance = 1e-9

// ResourcePartitioner divides farm capacity between clients by SLA tier.
// Every client is floored at its guarantee; when borrowing is enabled,
// clients demanding above their guarantee may take the spare capacity of
// clients demanding below theirs, higher tiers first. Borrowed points always
// equal lent points, so the total allocation never exceeds the sum of
// guarantees.
//
// Allocation is a pure function of registered clients, recorded demand and
// the borrowing switch. Re-running it without changing inputs yields the
// same result.
type ResourcePartitioner struct {
	mu      sync.Mutex
	clients *clientRegistry

	// demand is the live percentage of farm capacity each client wants,
	// recorded via UpdateClientDemand and clamped to [0, 100].
	demand map[string]float64

	allowBorrowing  bool
	borrowLimitPct  float64
	lastAllocations map[string]*domain.ResourceAllocation

	eventSink EventSink
	metrics   MetricsSink
	stat      stats.StatsReceiver
}

// NewResourcePartitioner creates a partitioner over the given client
// registry. A zero borrowLimitPct selects DefaultBorrowingLimitPct.
func NewResourcePartitioner(
	clients *clientRegistry,
	eventSink EventSink,
	metrics MetricsSink,
	stat stats.StatsReceiver,
	allowBorrowing bool,
	borrowLimitPct float64,
) *ResourcePartitioner {
	if eventSink == nil {
		eventSink = nopEventSink{}
	}
	if metrics == nil {
		metrics = nopMetricsSink{}
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if borrowLimitPct <= 0 {
		borrowLimitPct = DefaultBorrowingLimitPct
	}
	return &ResourcePartitioner{
		clients:        clients,
		demand:         make(map[string]float64),
		allowBorrowing: allowBorrowing,
		borrowLimitPct: borrowLimitPct,
		eventSink:      eventSink,
		metrics:        metrics,
		stat:           stat,
	}
}

// UpdateClientDemand records a client's live demand as a percentage of
// total farm capacity, clamped to [0, 100]. Demand changes invalidate the
// cached allocations until the next AllocateResources call.
func (p *ResourcePartitioner) UpdateClientDemand(clientID string, demandPct float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.clients.Get(clientID); !ok {
		return fmt.Errorf("unknown client %q", clientID)
	}
	if demandPct < 0 {
		demandPct = 0
	} else if demandPct > 100 {
		demandPct = 100
	}
	p.demand[clientID] = demandPct
	p.lastAllocations = nil
	return nil
}

// ForgetClient drops a removed client's demand so the next allocation only
// considers clients still registered.
func (p *ResourcePartitioner) ForgetClient(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.demand, clientID)
	p.lastAllocations = nil
}

// SetAllowBorrowing toggles borrowing. Disabling it pins every client at its
// guarantee and zeroes all borrow/lend state on the next allocation.
func (p *ResourcePartitioner) SetAllowBorrowing(allow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowBorrowing = allow
	p.lastAllocations = nil
}

// AllocateResources computes the allocation for every registered client and
// returns it keyed by client id. It fails only when the registered
// guarantees over-commit the farm; demand exceeding capacity is resolved by
// the borrowing rules, never an error.
func (p *ResourcePartitioner) AllocateResources() (map[string]*domain.ResourceAllocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	defer p.stat.Latency(stats.AllocLatency_ms).Time().Stop()

	clients := p.clients.All()
	totalGuaranteed := 0.0
	for _, c := range clients {
		totalGuaranteed += c.GuaranteedResources
	}
	if totalGuaranteed > 100+floatTolerance {
		return nil, &domain.AllocationOverCommitError{TotalGuaranteed: totalGuaranteed}
	}

	allocs := make(map[string]*domain.ResourceAllocation, len(clients))
	for _, c := range clients {
		allocs[c.ID] = &domain.ResourceAllocation{
			ClientID:            c.ID,
			AllocatedPercentage: c.GuaranteedResources,
			BorrowedFrom:        make(map[string]float64),
			LentTo:              make(map[string]float64),
		}
	}

	if p.allowBorrowing {
		p.applyBorrowing(clients, allocs)
	}

	p.lastAllocations = allocs
	p.publish(allocs)
	return allocs, nil
}

// applyBorrowing moves spare capacity from under-demand clients to
// over-demand clients. Borrowers are served by tier, then by surplus demand,
// then by id; lenders are drained largest spare first so loans concentrate
// where capacity actually sits idle.
func (p *ResourcePartitioner) applyBorrowing(clients []*domain.Client, allocs map[string]*domain.ResourceAllocation) {
	type borrower struct {
		client *domain.Client
		want   float64
	}
	type lender struct {
		client *domain.Client
		spare  float64
	}

	var borrowers []borrower
	var lenders []lender
	for _, c := range clients {
		demand := p.demand[c.ID]
		if demand > c.GuaranteedResources {
			// A client never borrows past its SLA max or the farm-wide
			// borrowing limit.
			want := minFloat(demand, c.MaxResources) - c.GuaranteedResources
			want = minFloat(want, p.borrowLimitPct)
			if want > floatTolerance {
				borrowers = append(borrowers, borrower{client: c, want: want})
			}
		} else if spare := c.GuaranteedResources - demand; spare > floatTolerance {
			lenders = append(lenders, lender{client: c, spare: spare})
		}
	}

	sort.Slice(borrowers, func(i, j int) bool {
		bi, bj := borrowers[i], borrowers[j]
		if bi.client.Tier != bj.client.Tier {
			return bi.client.Tier.HigherTierThan(bj.client.Tier)
		}
		if bi.want != bj.want {
			return bi.want > bj.want
		}
		return bi.client.ID < bj.client.ID
	})
	sort.Slice(lenders, func(i, j int) bool {
		li, lj := lenders[i], lenders[j]
		if li.spare != lj.spare {
			return li.spare > lj.spare
		}
		return li.client.ID < lj.client.ID
	})

	for _, b := range borrowers {
		remaining := b.want
		for i := range lenders {
			if remaining <= floatTolerance {
				break
			}
			l := &lenders[i]
			if l.spare <= floatTolerance {
				continue
			}
			take := minFloat(remaining, l.spare)
			l.spare -= take
			remaining -= take

			ba := allocs[b.client.ID]
			la := allocs[l.client.ID]
			ba.AllocatedPercentage += take
			ba.BorrowedPercentage += take
			ba.BorrowedFrom[l.client.ID] += take
			la.AllocatedPercentage -= take
			la.LentPercentage += take
			la.LentTo[b.client.ID] += take
		}
	}
}

func (p *ResourcePartitioner) publish(allocs map[string]*domain.ResourceAllocation) {
	details := make(map[string]interface{}, len(allocs)+1)
	details["borrowing_enabled"] = p.allowBorrowing
	for id, alloc := range allocs {
		details[id] = fmt.Sprintf("allocated:%.1f%% borrowed:%.1f%% lent:%.1f%%",
			alloc.AllocatedPercentage, alloc.BorrowedPercentage, alloc.LentPercentage)
		p.metrics.UpdateClientResourceMetrics(id, ClientResourceSnapshot{
			AllocatedPercentage: alloc.AllocatedPercentage,
			BorrowedPercentage:  alloc.BorrowedPercentage,
			LentPercentage:      alloc.LentPercentage,
		})
	}
	p.eventSink.LogEvent(EventResourcesAllocated, details)
}

// GetAllocation returns the latest computed allocation for a client, or nil
// when no allocation pass has run since the last input change.
func (p *ResourcePartitioner) GetAllocation(clientID string) *domain.ResourceAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastAllocations == nil {
		return nil
	}
	return p.lastAllocations[clientID]
}

// GetBorrowedFrom returns lender id to borrowed points for a client.
func (p *ResourcePartitioner) GetBorrowedFrom(clientID string) map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alloc, ok := p.lastAllocationsFor(clientID); ok {
		return copyFloatMap(alloc.BorrowedFrom)
	}
	return map[string]float64{}
}

// GetLentTo returns borrower id to lent points for a client.
func (p *ResourcePartitioner) GetLentTo(clientID string) map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alloc, ok := p.lastAllocationsFor(clientID); ok {
		return copyFloatMap(alloc.LentTo)
	}
	return map[string]float64{}
}

// GetBorrowedPercentage returns the total points a client holds on loan.
func (p *ResourcePartitioner) GetBorrowedPercentage(clientID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alloc, ok := p.lastAllocationsFor(clientID); ok {
		return alloc.BorrowedPercentage
	}
	return 0
}

// GetLentPercentage returns the total points a client has lent out.
func (p *ResourcePartitioner) GetLentPercentage(clientID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alloc, ok := p.lastAllocationsFor(clientID); ok {
		return alloc.LentPercentage
	}
	return 0
}

func (p *ResourcePartitioner) lastAllocationsFor(clientID string) (*domain.ResourceAllocation, bool) {
	if p.lastAllocations == nil {
		return nil, false
	}
	alloc, ok := p.lastAllocations[clientID]
	return alloc, ok
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
