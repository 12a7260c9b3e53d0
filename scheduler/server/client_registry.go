package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/filmgrid/renderfarm/scheduler/domain"
)

// clientRegistry tracks the tenants allowed to submit jobs and their SLA
// terms. Guarantees are validated per client here; the cross-client
// over-commit check belongs to the partitioner since the total only matters
// at allocation time.
type clientRegistry struct {
	mu      sync.Mutex
	clients map[string]*domain.Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]*domain.Client)}
}

// AddClient registers a client. Zero guaranteed/max values are filled from
// the client's tier defaults. Duplicate ids are rejected.
func (r *clientRegistry) AddClient(client *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client.ID == "" {
		return fmt.Errorf("client id must not be empty")
	}
	if _, ok := r.clients[client.ID]; ok {
		return fmt.Errorf("client %q already exists", client.ID)
	}
	if client.GuaranteedResources == 0 && client.MaxResources == 0 {
		client.GuaranteedResources, client.MaxResources = domain.DefaultTierResources(client.Tier)
	}
	if err := validateSLA(client); err != nil {
		return err
	}
	r.clients[client.ID] = client
	return nil
}

// UpdateClientTier moves a client to a new tier and resets its guaranteed
// and max percentages to the tier defaults.
func (r *clientRegistry) UpdateClientTier(id string, tier domain.SLATier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("unknown client %q", id)
	}
	guaranteed, max := domain.DefaultTierResources(tier)
	if guaranteed == 0 && max == 0 {
		return fmt.Errorf("unknown tier %q", tier)
	}
	client.Tier = tier
	client.GuaranteedResources = guaranteed
	client.MaxResources = max
	return nil
}

// RemoveClient drops a client from the registry. Unknown ids are rejected.
func (r *clientRegistry) RemoveClient(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return fmt.Errorf("unknown client %q", id)
	}
	delete(r.clients, id)
	return nil
}

// Get returns the client for an id.
func (r *clientRegistry) Get(id string) (*domain.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[id]
	return client, ok
}

// All returns every client sorted by id.
func (r *clientRegistry) All() []*domain.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*domain.Client, 0, len(r.clients))
	for _, client := range r.clients {
		all = append(all, client)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func validateSLA(client *domain.Client) error {
	if client.GuaranteedResources < 0 || client.GuaranteedResources > 100 {
		return fmt.Errorf("client %q: guaranteed %.1f%% out of range", client.ID, client.GuaranteedResources)
	}
	if client.MaxResources < client.GuaranteedResources || client.MaxResources > 100 {
		return fmt.Errorf("client %q: max %.1f%% must be within [guaranteed, 100]", client.ID, client.MaxResources)
	}
	return nil
}
