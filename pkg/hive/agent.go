package hive

import (
	"fmt"
	"math"
	"time"

	"github.com/galdor/go-hive/pkg/consensus"
	"github.com/galdor/go-hive/pkg/coordination"
	"github.com/galdor/go-hive/pkg/store"
)

const DefaultAgentType = "generic"

type AgentSpec struct {
	Type         string   `json:"type,omitempty" yaml:"type"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
	Capacity     int      `json:"capacity,omitempty" yaml:"capacity"`

	// Defaults to 1.0
	Reputation *float64 `json:"reputation,omitempty" yaml:"reputation"`
}

type Agent struct {
	Id           string    `json:"id"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities"`
	Capacity     int       `json:"capacity"`
	Reputation   float64   `json:"reputation"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// RegisterAgent registers an agent both as a consensus node and as a
// coordination agent, and records it under hive/agents/<id>.
func (h *Hive) RegisterAgent(id string, spec AgentSpec) (*Agent, error) {
	agent := Agent{
		Id:           id,
		Type:         spec.Type,
		Capabilities: spec.Capabilities,
		Capacity:     spec.Capacity,
		Reputation:   1.0,
		Status:       "active",
		RegisteredAt: time.Now(),
	}

	if agent.Type == "" {
		agent.Type = DefaultAgentType
	}

	if agent.Capacity <= 0 {
		agent.Capacity = 1
	}

	if spec.Reputation != nil {
		agent.Reputation = *spec.Reputation
	}

	node, err := h.engine.RegisterNode(consensus.NodeId(id), consensus.NodeCfg{
		Reputation:   agent.Reputation,
		Capabilities: agent.Capabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot register node: %w", err)
	}

	// Registering an agent again updates its metadata; a disconnected agent
	// stays offline until it reconnects.
	if node.Role == consensus.RoleFailed {
		agent.Status = "offline"
	}

	if entry, err := h.store.Get(AgentKeyPrefix+id, nil); err == nil {
		if prevAgent, ok := entry.Value.(*Agent); ok {
			agent.RegisteredAt = prevAgent.RegisteredAt
		}
	}

	_, err = h.coordinator.RegisterAgent(id, coordination.AgentCfg{
		Capabilities: agent.Capabilities,
		Capacity:     agent.Capacity,
		Reputation:   agent.Reputation,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot register coordination agent: %w", err)
	}

	if err := h.storeAgent(&agent); err != nil {
		return nil, err
	}

	h.Log.Info("agent %s registered", id)

	return &agent, nil
}

// DisconnectAgent marks the node of an agent as failed; it stops taking part
// in elections and votes until it reconnects.
func (h *Hive) DisconnectAgent(id string) error {
	return h.setAgentStatus(id, "offline", h.engine.MarkFailed)
}

func (h *Hive) ReconnectAgent(id string) error {
	return h.setAgentStatus(id, "active", h.engine.MarkRecovered)
}

func (h *Hive) setAgentStatus(id, status string, fn func(consensus.NodeId) error) error {
	if err := fn(consensus.NodeId(id)); err != nil {
		return err
	}

	key := AgentKeyPrefix + id

	entry, err := h.store.Get(key, nil)
	if err != nil {
		return fmt.Errorf("cannot load agent: %w", err)
	}

	agent, ok := entry.Value.(*Agent)
	if !ok {
		return fmt.Errorf("invalid agent entry %q", key)
	}

	agent2 := *agent
	agent2.Status = status

	_, err = h.store.CompareAndSwap(key, entry.Version, &agent2)
	if err != nil {
		return fmt.Errorf("cannot update agent: %w", err)
	}

	h.Log.Info("agent %s %s", id, status)

	return nil
}

func (h *Hive) storeAgent(agent *Agent) error {
	opts := store.PutOptions{
		Metadata: map[string]interface{}{"type": agent.Type},
	}

	if _, err := h.store.Put(AgentKeyPrefix+agent.Id, agent, &opts); err != nil {
		return fmt.Errorf("cannot store agent: %w", err)
	}

	return nil
}

func (h *Hive) Agents() []*Agent {
	entries := h.store.FindByPattern(AgentKeyPrefix+"*", math.MaxInt)

	agents := make([]*Agent, 0, len(entries))
	for _, entry := range entries {
		if agent, ok := entry.Value.(*Agent); ok {
			agents = append(agents, agent)
		}
	}

	return agents
}
