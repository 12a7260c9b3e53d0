package server

import (
	"sync"

	"github.com/filmgrid/renderfarm/scheduler/domain"
)

type capturedEvent struct {
	kind    string
	details map[string]interface{}
}

// capturingEventSink records audit events for assertions.
type capturingEventSink struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (s *capturingEventSink) LogEvent(kind string, details map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, capturedEvent{kind: kind, details: details})
}

func (s *capturingEventSink) countKind(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// capturingMetricsSink records the latest snapshot per client.
type capturingMetricsSink struct {
	mu        sync.Mutex
	snapshots map[string]ClientResourceSnapshot
}

func newCapturingMetricsSink() *capturingMetricsSink {
	return &capturingMetricsSink{snapshots: make(map[string]ClientResourceSnapshot)}
}

func (s *capturingMetricsSink) UpdateClientResourceMetrics(clientID string, snapshot ClientResourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[clientID] = snapshot
}

func (s *capturingMetricsSink) get(clientID string) (ClientResourceSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[clientID]
	return snap, ok
}

func testClient(id string, tier domain.SLATier) *domain.Client {
	guaranteed, max := domain.DefaultTierResources(tier)
	return &domain.Client{
		ID:                  id,
		Name:                id,
		Tier:                tier,
		GuaranteedResources: guaranteed,
		MaxResources:        max,
	}
}

func testNode(id string, cpu, memGB, gpu int) *domain.Node {
	return &domain.Node{
		ID:     id,
		Name:   id,
		Status: domain.NodeOnline,
		Capabilities: domain.NodeCapabilities{
			CPUCores: cpu,
			MemoryGB: memGB,
			GPUCount: gpu,
		},
	}
}

func testJob(id, clientID string, priority int, deps ...string) *domain.Job {
	return &domain.Job{
		ID:              id,
		Name:            id,
		ClientID:        clientID,
		JobType:         "render",
		Priority:        priority,
		CPURequirements: 1,
		Dependencies:    deps,
	}
}
