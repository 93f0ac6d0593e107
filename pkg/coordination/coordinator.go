package coordination

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNoEligibleAgents = errors.New("no eligible agents")
)

// Moving average weights
const (
	LatencyWeight     = 0.2
	SuccessRateWeight = 0.1
	ReputationWeight  = 0.1
)

// ReputationSink receives the reputation of agents after each outcome.
type ReputationSink interface {
	SetNodeReputation(id string, reputation float64) error
}

type Task struct {
	Id                   string        `json:"id"`
	RequiredCapabilities []string      `json:"requiredCapabilities,omitempty"`
	AgentCount           int           `json:"agentCount"`
	EstimatedDuration    time.Duration `json:"estimatedDuration,omitempty"`
}

type Assignment struct {
	Task       Task      `json:"task"`
	Agents     []string  `json:"agents"`
	ReservedAt time.Time `json:"reservedAt"`
}

type Status struct {
	Agents         int     `json:"agents"`
	BusyAgents     int     `json:"busyAgents"`
	TotalLoad      int     `json:"totalLoad"`
	TotalCapacity  int     `json:"totalCapacity"`
	CompletedTasks int     `json:"completedTasks"`
	FailedTasks    int     `json:"failedTasks"`
	AvgReputation  float64 `json:"avgReputation"`
}

type CoordinatorCfg struct {
	Logger     Logger
	Reputation ReputationSink
}

type Coordinator struct {
	Cfg CoordinatorCfg
	Log Logger

	agents   map[string]*agent
	agentsMu sync.RWMutex

	nbCompletedTasks int
	nbFailedTasks    int
	tasksMu          sync.Mutex
}

func NewCoordinator(cfg CoordinatorCfg) (*Coordinator, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	c := &Coordinator{
		Cfg: cfg,
		Log: cfg.Logger,

		agents: make(map[string]*agent),
	}

	return c, nil
}

// RegisterAgent creates an agent or updates an existing one; the load and
// the metrics of an existing agent other than its reputation are kept.
func (c *Coordinator) RegisterAgent(id string, cfg AgentCfg) (AgentStatus, error) {
	if id == "" {
		return AgentStatus{}, fmt.Errorf("missing or empty agent id")
	}

	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}

	if cfg.Reputation < 0 || cfg.Reputation > 1 {
		return AgentStatus{}, fmt.Errorf("invalid reputation %v", cfg.Reputation)
	}

	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()

	a, found := c.agents[id]
	if found {
		a.update(cfg)
	} else {
		a = newAgent(id, cfg)
		c.agents[id] = a
		c.Log.Debug(1, "agent %s registered", id)
	}

	return a.status(), nil
}

func (c *Coordinator) agent(id string) (*agent, error) {
	c.agentsMu.RLock()
	a, found := c.agents[id]
	c.agentsMu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: unknown agent %q", ErrNotFound, id)
	}

	return a, nil
}

func (c *Coordinator) Agent(id string) (AgentStatus, error) {
	a, err := c.agent(id)
	if err != nil {
		return AgentStatus{}, err
	}

	return a.status(), nil
}

func (c *Coordinator) Agents() []AgentStatus {
	c.agentsMu.RLock()
	statuses := make([]AgentStatus, 0, len(c.agents))
	for _, a := range c.agents {
		statuses = append(statuses, a.status())
	}
	c.agentsMu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Id < statuses[j].Id
	})

	return statuses
}

// Score is the composite suitability of an agent for a task.
func Score(agent AgentStatus, task Task) float64 {
	return 0.4*agent.Metrics.SuccessRate +
		0.3*agent.Metrics.Reputation +
		0.2*agent.Availability() +
		0.1*CapabilityMatch(agent, task)
}

// CapabilityMatch is the fraction of the required capabilities of the task
// the agent has.
func CapabilityMatch(agent AgentStatus, task Task) float64 {
	if len(task.RequiredCapabilities) == 0 {
		return 1.0
	}

	n := 0
	for _, capability := range task.RequiredCapabilities {
		if agent.HasCapability(capability) {
			n++
		}
	}

	return float64(n) / float64(len(task.RequiredCapabilities))
}

// SelectAgents ranks the agents which have spare capacity and every
// capability required by the task, best first, and returns at most count of
// them. Agents with identical scores are ordered by identifier.
func (c *Coordinator) SelectAgents(task Task, count int) []AgentStatus {
	type candidate struct {
		status AgentStatus
		score  float64
	}

	var candidates []candidate

	for _, status := range c.Agents() {
		if status.Load >= status.Capacity {
			continue
		}

		if CapabilityMatch(status, task) < 1.0 {
			continue
		}

		candidates = append(candidates, candidate{
			status: status,
			score:  Score(status, task),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}

		return candidates[i].status.Id < candidates[j].status.Id
	})

	if count >= 0 && len(candidates) > count {
		candidates = candidates[:count]
	}

	statuses := make([]AgentStatus, len(candidates))
	for i, c := range candidates {
		statuses[i] = c.status
	}

	return statuses
}

// Reserve selects agents for a task and increments their load. An agent
// whose capacity was taken by a concurrent reservation between selection
// and reservation is skipped.
func (c *Coordinator) Reserve(task Task) (*Assignment, error) {
	count := task.AgentCount
	if count <= 0 {
		count = 1
	}

	assignment := Assignment{
		Task:       task,
		ReservedAt: time.Now(),
	}

	for _, status := range c.SelectAgents(task, -1) {
		if len(assignment.Agents) >= count {
			break
		}

		a, err := c.agent(status.Id)
		if err != nil {
			continue
		}

		if a.tryReserve() {
			assignment.Agents = append(assignment.Agents, status.Id)
		}
	}

	if len(assignment.Agents) == 0 {
		return nil, fmt.Errorf("%w for task %q", ErrNoEligibleAgents, task.Id)
	}

	c.Log.Debug(1, "task %s assigned to %v", task.Id, assignment.Agents)

	return &assignment, nil
}

// Release decrements the load of the agents of an assignment without
// recording any outcome.
func (c *Coordinator) Release(assignment *Assignment) {
	for _, id := range assignment.Agents {
		if a, err := c.agent(id); err == nil {
			a.release()
		}
	}
}

// Efficiency scores the duration of a task against its estimate: 1 when
// the task finished in time, decreasing linearly to 0 at twice the
// estimate.
func Efficiency(estimated time.Duration, durationMs float64) float64 {
	if estimated <= 0 {
		return 1.0
	}

	estimatedMs := float64(estimated) / float64(time.Millisecond)

	efficiency := 2 - durationMs/estimatedMs
	return math.Max(0, math.Min(1, efficiency))
}

// RecordOutcome updates the metrics of the agents which worked on a task,
// releases them and forwards their new reputation to the reputation sink.
func (c *Coordinator) RecordOutcome(task Task, agentIds []string, success bool, durationMs float64) error {
	var errs []error

	successValue := 0.0
	if success {
		successValue = 1.0
	}

	efficiency := Efficiency(task.EstimatedDuration, durationMs)
	now := time.Now()

	for _, id := range agentIds {
		a, err := c.agent(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		a.mu.Lock()
		m := &a.metrics
		if success {
			m.CompletedTasks++
		} else {
			m.FailedTasks++
		}
		m.AverageLatency = ema(m.AverageLatency, durationMs, LatencyWeight)
		m.SuccessRate = ema(m.SuccessRate, successValue, SuccessRateWeight)
		m.Reputation = ema(m.Reputation, m.SuccessRate*efficiency,
			ReputationWeight)
		reputation := m.Reputation
		a.lastActivity = now
		a.mu.Unlock()

		a.release()

		c.Log.Debug(1, "agent %s: reputation %.3f after task %s",
			id, reputation, task.Id)

		if c.Cfg.Reputation != nil {
			if err := c.Cfg.Reputation.SetNodeReputation(id, reputation); err != nil {
				errs = append(errs, fmt.Errorf("cannot update reputation of "+
					"node %q: %w", id, err))
			}
		}
	}

	c.tasksMu.Lock()
	if success {
		c.nbCompletedTasks++
	} else {
		c.nbFailedTasks++
	}
	c.tasksMu.Unlock()

	return errors.Join(errs...)
}

func ema(previous, value, weight float64) float64 {
	return previous*(1-weight) + value*weight
}

func (c *Coordinator) Status() Status {
	var status Status

	agents := c.Agents()

	var totalReputation float64

	for _, agent := range agents {
		status.Agents++
		status.TotalLoad += agent.Load
		status.TotalCapacity += agent.Capacity

		if agent.Load > 0 {
			status.BusyAgents++
		}

		totalReputation += agent.Metrics.Reputation
	}

	if len(agents) > 0 {
		status.AvgReputation = totalReputation / float64(len(agents))
	}

	c.tasksMu.Lock()
	status.CompletedTasks = c.nbCompletedTasks
	status.FailedTasks = c.nbFailedTasks
	c.tasksMu.Unlock()

	return status
}
