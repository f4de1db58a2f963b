// Package team tracks the agents and workers taking part in the relay and
// supervises their liveness.
package team

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
)

// Publisher is the subset of the event bus the team package needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Agent lifecycle event types, published on agent.<name>.<type>.
const (
	AgentRegistered   = "registered"
	AgentUnregistered = "unregistered"
	AgentExpired      = "expired"
)

var agentName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Directory is the in-memory registry of named agents. Workers appear in it
// under their worker id.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
	pub    Publisher
	now    func() time.Time
}

// NewDirectory creates an empty Directory. pub may be nil.
func NewDirectory(pub Publisher) *Directory {
	return &Directory{
		agents: make(map[string]domain.Agent),
		pub:    pub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateName checks that name is usable as an agent name and topic
// segment.
func ValidateName(name string) error {
	if !agentName.MatchString(name) {
		return domain.Errorf(domain.ErrInvalidParams, "invalid agent name %q", name)
	}
	return nil
}

// Register adds or refreshes an agent. Re-registering keeps the original
// registration time.
func (d *Directory) Register(a domain.Agent) (domain.Agent, error) {
	if err := ValidateName(a.Name); err != nil {
		return domain.Agent{}, err
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}

	now := d.now()
	d.mu.Lock()
	a.RegisteredAt = now
	if prev, ok := d.agents[a.Name]; ok {
		a.RegisteredAt = prev.RegisteredAt
	}
	a.LastHeartbeat = now
	d.agents[a.Name] = a
	d.mu.Unlock()

	d.publish(a.Name, AgentRegistered, a)
	return a, nil
}

// Heartbeat refreshes an agent's liveness.
func (d *Directory) Heartbeat(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[name]
	if !ok {
		return domain.Errorf(domain.ErrAgentNotFound, "agent %s not found", name)
	}
	a.LastHeartbeat = d.now()
	d.agents[name] = a
	return nil
}

// Unregister removes an agent.
func (d *Directory) Unregister(name string) error {
	d.mu.Lock()
	a, ok := d.agents[name]
	delete(d.agents, name)
	d.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.ErrAgentNotFound, "agent %s not found", name)
	}
	d.publish(name, AgentUnregistered, a)
	return nil
}

// Get returns one agent.
func (d *Directory) Get(name string) (domain.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[name]
	if !ok {
		return domain.Agent{}, domain.Errorf(domain.ErrAgentNotFound, "agent %s not found", name)
	}
	return a, nil
}

// List returns every agent ordered by name.
func (d *Directory) List() []domain.Agent {
	d.mu.RLock()
	out := make([]domain.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Agent) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Expire removes agents whose last heartbeat is before cutoff and returns
// their names.
func (d *Directory) Expire(cutoff time.Time) []string {
	var expired []domain.Agent
	d.mu.Lock()
	for name, a := range d.agents {
		if a.LastHeartbeat.Before(cutoff) {
			expired = append(expired, a)
			delete(d.agents, name)
		}
	}
	d.mu.Unlock()

	names := make([]string, 0, len(expired))
	for _, a := range expired {
		names = append(names, a.Name)
		d.publish(a.Name, AgentExpired, a)
	}
	slices.Sort(names)
	return names
}

func (d *Directory) publish(name, event string, a domain.Agent) {
	if d.pub == nil {
		return
	}
	_ = d.pub.Publish(bus.AgentEvent(name, event), a)
}
