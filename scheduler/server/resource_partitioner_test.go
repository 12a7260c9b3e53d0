package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmgrid/renderfarm/common/stats"
	"github.com/filmgrid/renderfarm/scheduler/domain"
)

// newTestPartitioner builds a partitioner over premium/standard/basic
// clients pA (50/80), sB (30/50) and bC (10/30).
func newTestPartitioner(t *testing.T, allowBorrowing bool, limitPct float64) (*ResourcePartitioner, *capturingMetricsSink, *capturingEventSink) {
	t.Helper()
	clients := newClientRegistry()
	require.NoError(t, clients.AddClient(testClient("pA", domain.TierPremium)))
	require.NoError(t, clients.AddClient(testClient("sB", domain.TierStandard)))
	require.NoError(t, clients.AddClient(testClient("bC", domain.TierBasic)))

	metrics := newCapturingMetricsSink()
	events := &capturingEventSink{}
	p := NewResourcePartitioner(clients, events, metrics, stats.NilStatsReceiver(), allowBorrowing, limitPct)
	return p, metrics, events
}

func TestAllocationWithoutDemandFloorsAtGuarantee(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 0)

	allocs, err := p.AllocateResources()
	require.NoError(t, err)

	assert.Equal(t, 50.0, allocs["pA"].AllocatedPercentage)
	assert.Equal(t, 30.0, allocs["sB"].AllocatedPercentage)
	assert.Equal(t, 10.0, allocs["bC"].AllocatedPercentage)
	for _, alloc := range allocs {
		assert.Equal(t, 0.0, alloc.BorrowedPercentage)
		assert.Equal(t, 0.0, alloc.LentPercentage)
	}
}

func TestBorrowingMovesSpareCapacityToDemand(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 20)
	require.NoError(t, p.UpdateClientDemand("pA", 80))
	require.NoError(t, p.UpdateClientDemand("sB", 15))
	require.NoError(t, p.UpdateClientDemand("bC", 5))

	allocs, err := p.AllocateResources()
	require.NoError(t, err)

	// pA wants 30 over its guarantee but the limit caps it at 20, taken
	// from the largest spare first.
	assert.InDelta(t, 70.0, allocs["pA"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 20.0, allocs["pA"].BorrowedPercentage, floatTolerance)
	assert.InDelta(t, 15.0, allocs["pA"].BorrowedFrom["sB"], floatTolerance)
	assert.InDelta(t, 5.0, allocs["pA"].BorrowedFrom["bC"], floatTolerance)

	assert.InDelta(t, 15.0, allocs["sB"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 15.0, allocs["sB"].LentPercentage, floatTolerance)
	assert.InDelta(t, 15.0, allocs["sB"].LentTo["pA"], floatTolerance)

	assert.InDelta(t, 5.0, allocs["bC"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 5.0, allocs["bC"].LentPercentage, floatTolerance)

	// Getters mirror the allocation.
	assert.InDelta(t, 20.0, p.GetBorrowedPercentage("pA"), floatTolerance)
	assert.InDelta(t, 15.0, p.GetLentPercentage("sB"), floatTolerance)
	assert.Equal(t, map[string]float64{"sB": 15.0, "bC": 5.0}, p.GetBorrowedFrom("pA"))
	assert.Equal(t, map[string]float64{"pA": 15.0}, p.GetLentTo("sB"))
}

func TestBorrowingNeverExceedsClientMax(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 50)
	require.NoError(t, p.UpdateClientDemand("pA", 100))

	allocs, err := p.AllocateResources()
	require.NoError(t, err)

	// Demand of 100 is capped by pA's SLA max of 80.
	assert.InDelta(t, 80.0, allocs["pA"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 30.0, allocs["pA"].BorrowedPercentage, floatTolerance)
}

func TestLenderKeepsCapacityForOwnDemand(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 50)
	require.NoError(t, p.UpdateClientDemand("pA", 80))
	require.NoError(t, p.UpdateClientDemand("sB", 20))
	require.NoError(t, p.UpdateClientDemand("bC", 10))

	allocs, err := p.AllocateResources()
	require.NoError(t, err)

	// sB demands 20 of its 30 guarantee, so only 10 points are lendable.
	// bC's demand covers its whole guarantee, nothing is lendable.
	assert.InDelta(t, 60.0, allocs["pA"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 20.0, allocs["sB"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 10.0, allocs["bC"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 0.0, allocs["bC"].LentPercentage, floatTolerance)
}

func TestHigherTierBorrowerServedFirst(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 50)
	// pA has 20 spare points; sB and bC both want 20 more than their
	// guarantees, so tier decides who is served.
	require.NoError(t, p.UpdateClientDemand("pA", 30))
	require.NoError(t, p.UpdateClientDemand("sB", 50))
	require.NoError(t, p.UpdateClientDemand("bC", 30))

	allocs, err := p.AllocateResources()
	require.NoError(t, err)

	assert.InDelta(t, 50.0, allocs["sB"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 20.0, allocs["sB"].BorrowedPercentage, floatTolerance)
	assert.InDelta(t, 10.0, allocs["bC"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 0.0, allocs["bC"].BorrowedPercentage, floatTolerance)
	assert.InDelta(t, 30.0, allocs["pA"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 20.0, allocs["pA"].LentPercentage, floatTolerance)
}

func TestDisablingBorrowingZeroesLoanState(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 20)
	require.NoError(t, p.UpdateClientDemand("pA", 80))

	allocs, err := p.AllocateResources()
	require.NoError(t, err)
	assert.True(t, allocs["pA"].BorrowedPercentage > 0)

	p.SetAllowBorrowing(false)
	allocs, err = p.AllocateResources()
	require.NoError(t, err)

	assert.Equal(t, 50.0, allocs["pA"].AllocatedPercentage)
	for _, alloc := range allocs {
		assert.Equal(t, 0.0, alloc.BorrowedPercentage)
		assert.Equal(t, 0.0, alloc.LentPercentage)
		assert.Empty(t, alloc.BorrowedFrom)
		assert.Empty(t, alloc.LentTo)
	}
}

func TestAllocationIsIdempotent(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 20)
	require.NoError(t, p.UpdateClientDemand("pA", 80))
	require.NoError(t, p.UpdateClientDemand("sB", 15))

	first, err := p.AllocateResources()
	require.NoError(t, err)
	second, err := p.AllocateResources()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestOverCommittedGuaranteesRejected(t *testing.T) {
	clients := newClientRegistry()
	require.NoError(t, clients.AddClient(testClient("pA", domain.TierPremium)))
	require.NoError(t, clients.AddClient(testClient("pB", domain.TierPremium)))
	require.NoError(t, clients.AddClient(testClient("bC", domain.TierBasic)))

	p := NewResourcePartitioner(clients, nil, nil, nil, true, 0)
	_, err := p.AllocateResources()
	require.Error(t, err)
	overErr, ok := err.(*domain.AllocationOverCommitError)
	require.True(t, ok, "expected *domain.AllocationOverCommitError, got %v", err)
	assert.InDelta(t, 110.0, overErr.TotalGuaranteed, floatTolerance)
}

func TestDemandForUnknownClientRejected(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 0)
	assert.Error(t, p.UpdateClientDemand("ghost", 50))
}

func TestDemandClampedToPercentageRange(t *testing.T) {
	p, _, _ := newTestPartitioner(t, true, 50)
	require.NoError(t, p.UpdateClientDemand("pA", 250))
	require.NoError(t, p.UpdateClientDemand("sB", -10))

	allocs, err := p.AllocateResources()
	require.NoError(t, err)

	// 250 clamps to 100 which the max then caps at 80; -10 clamps to 0.
	assert.InDelta(t, 80.0, allocs["pA"].AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 30.0, allocs["sB"].LentPercentage, floatTolerance)
}

func TestAllocationPublishesMetricsAndAudit(t *testing.T) {
	p, metrics, events := newTestPartitioner(t, true, 20)
	require.NoError(t, p.UpdateClientDemand("pA", 80))

	_, err := p.AllocateResources()
	require.NoError(t, err)

	snap, ok := metrics.get("pA")
	require.True(t, ok)
	assert.InDelta(t, 70.0, snap.AllocatedPercentage, floatTolerance)
	assert.InDelta(t, 20.0, snap.BorrowedPercentage, floatTolerance)
	assert.Equal(t, 1, events.countKind(EventResourcesAllocated))
}
