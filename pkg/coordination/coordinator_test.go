package coordination

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Debug(int, string, ...interface{}) {}
func (testLogger) Info(string, ...interface{})       {}
func (testLogger) Error(string, ...interface{})      {}

type testSink struct {
	reputations map[string]float64
	failing     map[string]bool
	mu          sync.Mutex
}

func (s *testSink) SetNodeReputation(id string, reputation float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing[id] {
		return fmt.Errorf("unknown node")
	}

	s.reputations[id] = reputation
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *testSink) {
	sink := testSink{
		reputations: make(map[string]float64),
		failing:     make(map[string]bool),
	}

	c, err := NewCoordinator(CoordinatorCfg{
		Logger:     testLogger{},
		Reputation: &sink,
	})
	require.NoError(t, err)

	return c, &sink
}

func TestCoordinator_SelectAgentsTieBreak(t *testing.T) {
	c, _ := newTestCoordinator(t)

	for _, id := range []string{"c", "b", "d", "a"} {
		_, err := c.RegisterAgent(id, AgentCfg{
			Capabilities: []string{"compute"},
			Capacity:     2,
			Reputation:   0.8,
		})
		require.NoError(t, err)
	}

	task := Task{Id: "t1", RequiredCapabilities: []string{"compute"}}

	for i := 0; i < 10; i++ {
		agents := c.SelectAgents(task, 2)
		require.Len(t, agents, 2)
		require.Equal(t, "a", agents[0].Id)
		require.Equal(t, "b", agents[1].Id)
	}
}

func TestCoordinator_SelectAgents(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.RegisterAgent("gpu-low", AgentCfg{
		Capabilities: []string{"gpu", "cpu"},
		Capacity:     1,
		Reputation:   0.2,
	})
	require.NoError(t, err)

	_, err = c.RegisterAgent("gpu-high", AgentCfg{
		Capabilities: []string{"gpu"},
		Capacity:     1,
		Reputation:   0.9,
	})
	require.NoError(t, err)

	_, err = c.RegisterAgent("cpu", AgentCfg{
		Capabilities: []string{"cpu"},
		Capacity:     1,
		Reputation:   1.0,
	})
	require.NoError(t, err)

	task := Task{Id: "t1", RequiredCapabilities: []string{"gpu"}}

	agents := c.SelectAgents(task, 5)
	require.Len(t, agents, 2)
	require.Equal(t, "gpu-high", agents[0].Id)
	require.Equal(t, "gpu-low", agents[1].Id)

	// Agents at capacity are not eligible
	assignment, err := c.Reserve(Task{Id: "t2", RequiredCapabilities: []string{"gpu"}})
	require.NoError(t, err)
	require.Equal(t, []string{"gpu-high"}, assignment.Agents)

	agents = c.SelectAgents(task, 5)
	require.Len(t, agents, 1)
	require.Equal(t, "gpu-low", agents[0].Id)

	c.Release(assignment)

	agents = c.SelectAgents(task, 5)
	require.Len(t, agents, 2)
}

func TestCoordinator_Score(t *testing.T) {
	status := AgentStatus{
		Id:           "a",
		Capabilities: []string{"x"},
		Capacity:     4,
		Load:         1,
		Metrics:      Metrics{SuccessRate: 0.5, Reputation: 0.5},
	}

	task := Task{RequiredCapabilities: []string{"x", "y"}}

	expected := 0.4*0.5 + 0.3*0.5 + 0.2*0.75 + 0.1*0.5
	require.InDelta(t, expected, Score(status, task), 1e-9)
}

func TestCoordinator_ConcurrentReservations(t *testing.T) {
	c, _ := newTestCoordinator(t)

	const capacity = 3

	for _, id := range []string{"a", "b"} {
		_, err := c.RegisterAgent(id, AgentCfg{Capacity: capacity, Reputation: 1.0})
		require.NoError(t, err)
	}

	var nbAssigned int64
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			task := Task{Id: fmt.Sprintf("t%d", i), AgentCount: 1}

			assignment, err := c.Reserve(task)
			if err != nil {
				assert.ErrorIs(t, err, ErrNoEligibleAgents)
				return
			}

			atomic.AddInt64(&nbAssigned, int64(len(assignment.Agents)))
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(2*capacity), nbAssigned)

	for _, agent := range c.Agents() {
		require.Equal(t, capacity, agent.Load)
	}

	_, err := c.Reserve(Task{Id: "last"})
	require.ErrorIs(t, err, ErrNoEligibleAgents)
}

func TestCoordinator_RecordOutcome(t *testing.T) {
	c, sink := newTestCoordinator(t)

	_, err := c.RegisterAgent("a", AgentCfg{Capacity: 1, Reputation: 1.0})
	require.NoError(t, err)

	task := Task{Id: "t1", AgentCount: 1, EstimatedDuration: time.Second}

	assignment, err := c.Reserve(task)
	require.NoError(t, err)

	// Failure, in time
	err = c.RecordOutcome(task, assignment.Agents, false, 500)
	require.NoError(t, err)

	agent, err := c.Agent("a")
	require.NoError(t, err)
	require.Equal(t, 0, agent.Load)
	require.Equal(t, 0, agent.Metrics.CompletedTasks)
	require.Equal(t, 1, agent.Metrics.FailedTasks)
	require.InDelta(t, 100.0, agent.Metrics.AverageLatency, 1e-9)
	require.InDelta(t, 0.9, agent.Metrics.SuccessRate, 1e-9)
	require.InDelta(t, 0.99, agent.Metrics.Reputation, 1e-9)
	require.InDelta(t, 0.99, sink.reputations["a"], 1e-9)

	// Success, 1.5 times slower than estimated
	assignment, err = c.Reserve(task)
	require.NoError(t, err)

	err = c.RecordOutcome(task, assignment.Agents, true, 1500)
	require.NoError(t, err)

	agent, err = c.Agent("a")
	require.NoError(t, err)

	successRate := 0.9*0.9 + 0.1
	reputation := 0.99*0.9 + 0.1*successRate*0.5

	require.Equal(t, 1, agent.Metrics.CompletedTasks)
	require.Equal(t, 1, agent.Metrics.FailedTasks)
	require.InDelta(t, 100*0.8+1500*0.2, agent.Metrics.AverageLatency, 1e-9)
	require.InDelta(t, successRate, agent.Metrics.SuccessRate, 1e-9)
	require.InDelta(t, reputation, agent.Metrics.Reputation, 1e-9)

	status := c.Status()
	require.Equal(t, 1, status.CompletedTasks)
	require.Equal(t, 1, status.FailedTasks)
	require.Equal(t, 0, status.TotalLoad)
}

func TestCoordinator_RecordOutcomeErrors(t *testing.T) {
	c, sink := newTestCoordinator(t)

	_, err := c.RegisterAgent("a", AgentCfg{Reputation: 0.5})
	require.NoError(t, err)

	sink.failing["a"] = true

	err = c.RecordOutcome(Task{Id: "t1"}, []string{"a", "ghost"}, true, 10)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "cannot update reputation")

	// The metrics of known agents are still updated
	agent, err := c.Agent("a")
	require.NoError(t, err)
	require.Equal(t, 1, agent.Metrics.CompletedTasks)
}

func TestEfficiency(t *testing.T) {
	require.Equal(t, 1.0, Efficiency(0, 1000))
	require.Equal(t, 1.0, Efficiency(time.Second, 200))
	require.InDelta(t, 0.5, Efficiency(time.Second, 1500), 1e-9)
	require.Equal(t, 0.0, Efficiency(time.Second, 5000))
}
