package hive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/galdor/go-hive/pkg/consensus"
	"github.com/galdor/go-hive/pkg/coordination"
	"github.com/galdor/go-hive/pkg/store"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Debug(int, string, ...interface{}) {}
func (testLogger) Info(string, ...interface{})       {}
func (testLogger) Error(string, ...interface{})      {}

func newTestHive(t *testing.T, protocol consensus.Protocol) *Hive {
	h, err := New(Cfg{
		Logger: testLogger{},
		Engine: consensus.EngineCfg{
			Protocol:          protocol,
			RoundTimeout:      time.Second,
			DisableHeartbeats: true,
		},
		JanitorInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	errorChan := make(chan error, 10)
	require.NoError(t, h.Start(errorChan))

	t.Cleanup(h.Stop)

	return h
}

func reputation(r float64) *float64 {
	return &r
}

func TestHive_RegisterAgent(t *testing.T) {
	h := newTestHive(t, consensus.ProtocolRaft)

	agent, err := h.RegisterAgent("a1", AgentSpec{
		Capabilities: []string{"analysis"},
	})
	require.NoError(t, err)
	require.Equal(t, DefaultAgentType, agent.Type)
	require.Equal(t, 1.0, agent.Reputation)
	require.Equal(t, 1, agent.Capacity)

	node, err := h.Engine().Node("a1")
	require.NoError(t, err)
	require.Equal(t, 1.0, node.Reputation)

	_, err = h.Coordinator().Agent("a1")
	require.NoError(t, err)

	entry, err := h.Store().Get(AgentKeyPrefix+"a1", nil)
	require.NoError(t, err)
	require.Equal(t, "a1", entry.Value.(*Agent).Id)

	require.Len(t, h.Agents(), 1)

	require.NoError(t, h.DisconnectAgent("a1"))

	node, err = h.Engine().Node("a1")
	require.NoError(t, err)
	require.Equal(t, consensus.RoleFailed, node.Role)
	require.Equal(t, "offline", h.Agents()[0].Status)

	require.NoError(t, h.ReconnectAgent("a1"))
	require.Equal(t, "active", h.Agents()[0].Status)
}

func TestHive_RegisterAgentAgain(t *testing.T) {
	h := newTestHive(t, consensus.ProtocolRaft)

	agent, err := h.RegisterAgent("a1", AgentSpec{})
	require.NoError(t, err)
	registeredAt := agent.RegisteredAt

	require.NoError(t, h.DisconnectAgent("a1"))

	agent, err = h.RegisterAgent("a1", AgentSpec{Reputation: reputation(0.7)})
	require.NoError(t, err)
	require.Equal(t, "offline", agent.Status)
	require.Equal(t, 0.7, agent.Reputation)
	require.True(t, registeredAt.Equal(agent.RegisteredAt))

	node, err := h.Engine().Node("a1")
	require.NoError(t, err)
	require.Equal(t, consensus.RoleFailed, node.Role)
	require.Equal(t, 0.7, node.Reputation)

	agents := h.Agents()
	require.Len(t, agents, 1)
	require.Equal(t, "offline", agents[0].Status)

	require.NoError(t, h.ReconnectAgent("a1"))

	node, err = h.Engine().Node("a1")
	require.NoError(t, err)
	require.NotEqual(t, consensus.RoleFailed, node.Role)
	require.Equal(t, "active", h.Agents()[0].Status)
}

func TestHive_ProposeChange(t *testing.T) {
	h := newTestHive(t, consensus.ProtocolPBFT)

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		_, err := h.RegisterAgent(id, AgentSpec{})
		require.NoError(t, err)
	}

	var notified sync.WaitGroup
	notified.Add(1)

	h.Store().Subscribe(consensus.CommittedKeyPrefix+"*",
		[]store.EventType{store.EventStore}, func(store.Event) error {
			notified.Done()
			return nil
		})

	res, err := h.ProposeChange(context.Background(), "a1", consensus.Content{
		Data: map[string]interface{}{"x": 1},
	})
	require.NoError(t, err)
	require.True(t, res.Accepted())

	notified.Wait()

	// Three nodes lose the trust of the hive
	for _, id := range []string{"a2", "a3", "a4"} {
		require.NoError(t, h.Engine().SetReputation(consensus.NodeId(id), 0.1))
	}

	_, err = h.ProposeChange(context.Background(), "a1", consensus.Content{})
	require.ErrorIs(t, err, consensus.ErrQuorumNotReached)

	metrics := h.Metrics()
	require.Equal(t, int64(1), metrics.ProposalsAccepted)
	require.Equal(t, int64(1), metrics.ProposalsRejected)
}

func TestHive_ExecuteTask(t *testing.T) {
	h := newTestHive(t, consensus.ProtocolRaft)

	_, err := h.RegisterAgent("a1", AgentSpec{
		Capabilities: []string{"compute"},
		Capacity:     2,
	})
	require.NoError(t, err)

	task := coordination.Task{
		Id:                   "t1",
		RequiredCapabilities: []string{"compute"},
		AgentCount:           1,
	}

	result, err := h.ExecuteTask(context.Background(), task,
		func(ctx context.Context, agents []string) (interface{}, error) {
			require.Equal(t, []string{"a1"}, agents)
			return 42, nil
		})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 42, result.Output)

	entry, err := h.Store().Get(TaskResultKeyPrefix+"t1", nil)
	require.NoError(t, err)
	require.Equal(t, result, entry.Value.(*TaskResult))

	// Failures lower the reputation of the node
	task.Id = "t2"

	result, err = h.ExecuteTask(context.Background(), task,
		func(ctx context.Context, agents []string) (interface{}, error) {
			panic("out of memory")
		})
	require.Error(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "out of memory")

	node, err := h.Engine().Node("a1")
	require.NoError(t, err)
	require.Less(t, node.Reputation, 1.0)

	agent, err := h.Coordinator().Agent("a1")
	require.NoError(t, err)
	require.Equal(t, 0, agent.Load)
	require.Equal(t, node.Reputation, agent.Metrics.Reputation)

	// No agent has the capability
	_, err = h.ExecuteTask(context.Background(), coordination.Task{
		RequiredCapabilities: []string{"gpu"},
	}, nil)
	require.ErrorIs(t, err, coordination.ErrNoEligibleAgents)

	metrics := h.Metrics()
	require.Equal(t, int64(1), metrics.TasksCompleted)
	require.Equal(t, int64(1), metrics.TasksFailed)
}

func TestHive_ExecuteWorkflow(t *testing.T) {
	h := newTestHive(t, consensus.ProtocolRaft)

	_, err := h.RegisterAgent("a1", AgentSpec{})
	require.NoError(t, err)

	ok := func(context.Context, []string) (interface{}, error) {
		return "ok", nil
	}

	errStep := errors.New("step failure")
	fail := func(context.Context, []string) (interface{}, error) {
		return nil, errStep
	}

	results, err := h.ExecuteWorkflow(context.Background(), []WorkflowStep{
		{Task: coordination.Task{Id: "s1"}, Work: ok},
		{Task: coordination.Task{Id: "s2"}, Work: fail},
		{Task: coordination.Task{Id: "s3"}, Work: ok},
	}, nil)
	require.ErrorIs(t, err, errStep)
	require.Len(t, results, 2)
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)

	_, err = h.Store().Get(TaskResultKeyPrefix+"s3", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHive_ExecuteWorkflowContext(t *testing.T) {
	h := newTestHive(t, consensus.ProtocolRaft)

	_, err := h.RegisterAgent("a1", AgentSpec{})
	require.NoError(t, err)

	analyze := func(ctx context.Context, agents []string) (interface{}, error) {
		wctx := WorkflowContextFrom(ctx)
		return map[string]interface{}{
			"score": wctx["threshold"].(int) + 1,
		}, nil
	}

	report := func(ctx context.Context, agents []string) (interface{}, error) {
		return WorkflowContext{"report": WorkflowContextFrom(ctx)["score"]}, nil
	}

	var nbCalls int
	last := func(ctx context.Context, agents []string) (interface{}, error) {
		nbCalls++
		return "done", nil
	}

	wctx := WorkflowContext{"threshold": 10}

	steps := []WorkflowStep{
		{Task: coordination.Task{Id: "w1"}, Work: analyze},
		{
			Task: coordination.Task{Id: "w2"},
			Work: report,
			Condition: func(wctx WorkflowContext) bool {
				return wctx["score"].(int) > 20
			},
		},
		{Task: coordination.Task{Id: "w3"}, Work: last},
	}

	// The condition of the second step does not hold
	results, err := h.ExecuteWorkflow(context.Background(), steps, wctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 0, nbCalls)
	require.Equal(t, WorkflowContext{
		"threshold": 10,
		"score":     11,
		"report":    11,
	}, wctx)

	_, err = h.Store().Get(TaskResultKeyPrefix+"w3", nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The condition holds
	wctx = WorkflowContext{"threshold": 30}

	for i := range steps {
		steps[i].Task.Id = ""
	}

	results, err = h.ExecuteWorkflow(context.Background(), steps, wctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, 1, nbCalls)
	require.Equal(t, "done", results[2].Output)
	require.Equal(t, 31, wctx["report"])
}

func TestHive_Broadcast(t *testing.T) {
	h := newTestHive(t, consensus.ProtocolGossip)

	msgChan := make(chan *Message, 10)

	id := h.Subscribe("alerts", func(msg *Message) {
		msgChan <- msg
	})

	msg, err := h.Broadcast("a1", "alerts", "disk full")
	require.NoError(t, err)

	select {
	case received := <-msgChan:
		require.Equal(t, msg.Id, received.Id)
		require.Equal(t, "disk full", received.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}

	_, err = h.Broadcast("a1", "metrics", 1)
	require.NoError(t, err)

	require.True(t, h.Unsubscribe(id))

	_, err = h.Broadcast("a1", "", 1)
	require.Error(t, err)

	require.Equal(t, int64(2), h.Metrics().Broadcasts)
	require.Len(t, msgChan, 0)

	status := h.Status()
	require.Equal(t, consensus.ProtocolGossip, status.Consensus.Protocol)
	require.Equal(t, 2, status.Store.Entries)
}
