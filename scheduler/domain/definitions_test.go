package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateJob(t *testing.T) {
	valid := &Job{ID: "j1", ClientID: "c1", CPURequirements: 4}
	assert.NoError(t, ValidateJob(valid))

	tests := []struct {
		name string
		job  *Job
	}{
		{"empty client", &Job{ID: "j1"}},
		{"negative cpu", &Job{ID: "j1", ClientID: "c1", CPURequirements: -1}},
		{"negative memory", &Job{ID: "j1", ClientID: "c1", MemoryRequirementsGB: -1}},
		{"negative gpu", &Job{ID: "j1", ClientID: "c1", GPURequirements: -1}},
		{"progress out of range", &Job{ID: "j1", ClientID: "c1", Progress: 101}},
		{"self dependency", &Job{ID: "j1", ClientID: "c1", Dependencies: []string{"j1"}}},
		{"empty dependency", &Job{ID: "j1", ClientID: "c1", Dependencies: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateJob(tt.job))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, Pending.Terminal())
	assert.False(t, Queued.Terminal())
	assert.False(t, Running.Terminal())
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, Cancelled.Terminal())
}

func TestNodeCanRun(t *testing.T) {
	node := &Node{
		ID:     "n1",
		Status: NodeOnline,
		Capabilities: NodeCapabilities{
			CPUCores: 8,
			MemoryGB: 32,
			GPUCount: 1,
		},
	}

	assert.True(t, node.CanRun(&Job{CPURequirements: 8, MemoryRequirementsGB: 32, GPURequirements: 1}))
	assert.True(t, node.CanRun(&Job{CPURequirements: 2}))
	assert.False(t, node.CanRun(&Job{CPURequirements: 16}))
	assert.False(t, node.CanRun(&Job{MemoryRequirementsGB: 64}))
	assert.False(t, node.CanRun(&Job{GPURequirements: 2}))
}

func TestNodeIdle(t *testing.T) {
	node := &Node{ID: "n1", Status: NodeOnline}
	assert.True(t, node.Idle())

	node.CurrentJobID = "j1"
	assert.False(t, node.Idle())

	node.CurrentJobID = ""
	node.Status = NodeOffline
	assert.False(t, node.Idle())
}

func TestTierOrderingAndDefaults(t *testing.T) {
	assert.True(t, TierPremium.HigherTierThan(TierStandard))
	assert.True(t, TierStandard.HigherTierThan(TierBasic))
	assert.False(t, TierBasic.HigherTierThan(TierPremium))

	guaranteed, max := DefaultTierResources(TierPremium)
	assert.Equal(t, 50.0, guaranteed)
	assert.Equal(t, 80.0, max)

	guaranteed, max = DefaultTierResources(SLATier("gold"))
	assert.Equal(t, 0.0, guaranteed)
	assert.Equal(t, 0.0, max)
}
