// ABOUTME: Registry of known agents: identity, last report, runtime state, cookie and connection.
// ABOUTME: Explicitly constructed and owned by the server; never a process-wide singleton.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/gantry/internal/protocol"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentLost indicates the agent was declared lost and must register again.
var ErrAgentLost = errors.New("agent lost")

// ErrDuplicateCookie indicates another agent already holds the cookie.
var ErrDuplicateCookie = errors.New("cookie already assigned to another agent")

// Agent is a snapshot of one registry entry.
type Agent struct {
	UUID         string
	Info         protocol.AgentRuntimeInfo
	State        State
	Cookie       string
	Enabled      bool
	RegisteredAt time.Time
	LastHeard    time.Time
	Connected    bool
}

// RuntimeInfo returns Info with the server's view of status, job and cookie.
func (a Agent) RuntimeInfo() protocol.AgentRuntimeInfo {
	info := a.Info
	info.RuntimeStatus = a.State.Status
	info.BuildingJob = nil
	if job, ok := a.State.HeldJob(); ok {
		info.BuildingJob = &job
	}
	info.Cookie = a.Cookie
	return info
}

type entry struct {
	agent Agent
	conn  *Connection
}

// Registry tracks every agent the server knows about.
type Registry struct {
	agents map[string]*entry
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger,
	}
}

// Register records a fresh registration for info.Identifier.UUID with a new
// cookie. The agent becomes Idle. The previous state is returned so the
// caller can finalize a job the agent held before it was reset.
func (r *Registry) Register(info protocol.AgentRuntimeInfo, cookie string, now time.Time) (Agent, State, error) {
	id := info.Identifier.UUID

	r.mu.Lock()
	defer r.mu.Unlock()

	for otherID, e := range r.agents {
		if otherID != id && cookie != "" && e.agent.Cookie == cookie {
			return Agent{}, State{}, ErrDuplicateCookie
		}
	}

	info.Cookie = ""
	e, exists := r.agents[id]
	prev := State{}
	if exists {
		prev = e.agent.State
		e.agent.Info = info
		e.agent.State = Idle()
		e.agent.Cookie = cookie
		e.agent.LastHeard = now
	} else {
		e = &entry{agent: Agent{
			UUID:         id,
			Info:         info,
			State:        Idle(),
			Cookie:       cookie,
			Enabled:      true,
			RegisteredAt: now,
			LastHeard:    now,
		}}
		r.agents[id] = e
	}

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_uuid", id,
		"hostname", info.Identifier.HostName,
		"ip", info.Identifier.IPAddress,
		"resources", info.Resources,
		"previous_state", prev.String(),
		"total_agents", len(r.agents),
	)
	return e.snapshot(), prev, nil
}

// Restore loads a persisted agent without a cookie or connection. It is
// LostContact until it registers again.
func (r *Registry) Restore(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.UUID]; exists {
		return
	}
	a.Cookie = ""
	a.Connected = false
	a.State = a.State.Lose()
	r.agents[a.UUID] = &entry{agent: a}
}

// Heard records a heartbeat. The agent's self-reported status is kept in
// Info; State is only changed by the coordinator.
func (r *Registry) Heard(info protocol.AgentRuntimeInfo, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[info.Identifier.UUID]
	if !ok {
		return ErrAgentNotFound
	}
	if e.agent.State.Status == protocol.StatusLostContact {
		return ErrAgentLost
	}
	info.Cookie = ""
	e.agent.Info = info
	e.agent.LastHeard = now
	return nil
}

// Lookup returns a snapshot of the agent.
func (r *Registry) Lookup(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return e.snapshot(), true
}

// Update runs fn on the live entry under the registry lock. fn must not
// retain the pointer or block.
func (r *Registry) Update(id string, fn func(*Agent) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	return fn(&e.agent)
}

// Snapshot returns every agent sorted by UUID.
func (r *Registry) Snapshot() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Attach binds a live connection to the agent, replacing any older one.
func (r *Registry) Attach(id string, conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if e.conn != nil && e.conn != conn {
		e.conn.Close()
	}
	e.conn = conn
	return nil
}

// Detach drops conn if it is still the agent's current connection. The
// agent stays registered; only the silence timeout declares it lost.
func (r *Registry) Detach(id string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok || e.conn != conn {
		return
	}
	conn.Close()
	e.conn = nil
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_uuid", id,
		"state", e.agent.State.String(),
	)
}

// Sender returns the agent's live connection.
func (r *Registry) Sender(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// SetEnabled enables or disables an agent. Disabled agents are sent DenyWork.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.Update(id, func(a *Agent) error {
		a.Enabled = enabled
		return nil
	})
}

// Evict forgets the agent entirely.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return
	}
	if e.conn != nil {
		e.conn.Close()
	}
	delete(r.agents, id)
	r.logger.Info("agent evicted", "agent_uuid", id, "total_agents", len(r.agents))
}

// Len returns the number of known agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ConnectedCount returns how many agents have a live connection.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.agents {
		if e.conn != nil {
			n++
		}
	}
	return n
}

func (e *entry) snapshot() Agent {
	a := e.agent
	a.Info.Resources = append([]string(nil), e.agent.Info.Resources...)
	a.Info.Environments = append([]string(nil), e.agent.Info.Environments...)
	a.Connected = e.conn != nil
	return a
}
