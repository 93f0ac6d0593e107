package coordination

import (
	"sync"
	"sync/atomic"
	"time"
)

type AgentCfg struct {
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
	Reputation   float64  `json:"reputation"`
}

// Metrics are running performance figures, each one an exponential moving
// average except for the task counts.
type Metrics struct {
	CompletedTasks int     `json:"completedTasks"`
	FailedTasks    int     `json:"failedTasks"`
	AverageLatency float64 `json:"averageLatency"` // milliseconds
	SuccessRate    float64 `json:"successRate"`
	Reputation     float64 `json:"reputation"`
}

// AgentStatus is a point-in-time copy of an agent.
type AgentStatus struct {
	Id           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	Capacity     int       `json:"capacity"`
	Load         int       `json:"load"`
	Metrics      Metrics   `json:"metrics"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

func (s *AgentStatus) HasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}

	return false
}

// Availability is the free fraction of the capacity of the agent.
func (s *AgentStatus) Availability() float64 {
	if s.Capacity <= 0 {
		return 0
	}

	return 1 - float64(s.Load)/float64(s.Capacity)
}

type agent struct {
	id string

	// The load counter is only modified through compare-and-swap so that
	// concurrent reservations never exceed the capacity.
	load atomic.Int64

	capabilities []string
	capacity     int
	metrics      Metrics
	lastActivity time.Time
	mu           sync.Mutex
}

func newAgent(id string, cfg AgentCfg) *agent {
	return &agent{
		id: id,

		capabilities: copyStrings(cfg.Capabilities),
		capacity:     cfg.Capacity,
		metrics: Metrics{
			SuccessRate: 1.0,
			Reputation:  cfg.Reputation,
		},
	}
}

func (a *agent) update(cfg AgentCfg) {
	a.mu.Lock()
	a.capabilities = copyStrings(cfg.Capabilities)
	a.capacity = cfg.Capacity
	a.metrics.Reputation = cfg.Reputation
	a.mu.Unlock()
}

func (a *agent) capacityValue() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return int64(a.capacity)
}

// tryReserve increments the load if it is below the capacity.
func (a *agent) tryReserve() bool {
	capacity := a.capacityValue()

	for {
		load := a.load.Load()
		if load >= capacity {
			return false
		}

		if a.load.CompareAndSwap(load, load+1) {
			return true
		}
	}
}

// release decrements the load without going below zero.
func (a *agent) release() {
	for {
		load := a.load.Load()
		if load <= 0 {
			return
		}

		if a.load.CompareAndSwap(load, load-1) {
			return
		}
	}
}

func (a *agent) status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AgentStatus{
		Id:           a.id,
		Capabilities: copyStrings(a.capabilities),
		Capacity:     a.capacity,
		Load:         int(a.load.Load()),
		Metrics:      a.metrics,
		LastActivity: a.lastActivity,
	}
}

func copyStrings(ss []string) []string {
	if ss == nil {
		return nil
	}

	ss2 := make([]string, len(ss))
	copy(ss2, ss)

	return ss2
}
