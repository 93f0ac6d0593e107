package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/galdor/go-hive/pkg/store"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Debug(int, string, ...interface{}) {}
func (testLogger) Info(string, ...interface{})       {}
func (testLogger) Error(string, ...interface{})      {}

type testNode struct {
	id           NodeId
	reputation   float64
	capabilities []string
}

func newTestEngine(t *testing.T, cfg EngineCfg, nodes ...testNode) (*Engine, *ChannelTransport) {
	transport := NewChannelTransport()

	cfg.Logger = testLogger{}
	cfg.Transport = transport

	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = time.Second
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.DisableHeartbeats = true
	}

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	for _, node := range nodes {
		_, err := e.RegisterNode(node.id, NodeCfg{
			Reputation:   node.reputation,
			Capabilities: node.capabilities,
		})
		require.NoError(t, err)
	}

	errorChan := make(chan error, 10)
	require.NoError(t, e.Start(errorChan))

	t.Cleanup(func() {
		e.Stop()

		select {
		case err := <-errorChan:
			t.Errorf("engine error: %v", err)
		default:
		}
	})

	return e, transport
}

func fiveNodes() []testNode {
	return []testNode{
		{id: "n1", reputation: 0.9},
		{id: "n2", reputation: 0.8},
		{id: "n3", reputation: 0.7},
		{id: "n4", reputation: 0.6},
		{id: "n5", reputation: 0.5},
	}
}

func newTestStore(t *testing.T) *store.Store {
	s, err := store.NewStore(store.StoreCfg{Logger: testLogger{}})
	require.NoError(t, err)

	t.Cleanup(s.Wait)

	return s
}

func TestEngine_UnknownProtocol(t *testing.T) {
	require.Panics(t, func() {
		NewEngine(EngineCfg{Protocol: "paxos", Logger: testLogger{}})
	})
}

func TestEngine_RegisterNodeIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		testNode{id: "n1", reputation: 0.5})

	node, err := e.RegisterNode("n1", NodeCfg{
		Reputation:   0.7,
		Capabilities: []string{"compute"},
	})
	require.NoError(t, err)

	require.Len(t, e.Nodes(), 1)
	require.Equal(t, 0.7, node.Reputation)
	require.True(t, node.HasCapability("compute"))

	_, err = e.RegisterNode("n2", NodeCfg{Reputation: 1.5})
	require.Error(t, err)
}

func TestEngine_ElectLeader(t *testing.T) {
	ctx := context.Background()

	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft}, fiveNodes()...)

	leaderId, term, err := e.ElectLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, NodeId("n1"), leaderId)
	require.Equal(t, Term(1), term)

	for _, node := range e.Nodes() {
		require.Equal(t, Term(1), node.Term, node.Id)
		require.Equal(t, NodeId("n1"), node.Leader, node.Id)

		if node.Id == "n1" {
			require.Equal(t, RoleLeader, node.Role)
		} else {
			require.Equal(t, RoleFollower, node.Role, node.Id)
		}
	}

	require.NoError(t, e.MarkFailed("n1"))

	leaderId, term, err = e.ElectLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, NodeId("n2"), leaderId)
	require.Equal(t, Term(2), term)

	node, err := e.Node("n1")
	require.NoError(t, err)
	require.Equal(t, RoleFailed, node.Role)

	require.NoError(t, e.MarkRecovered("n1"))

	leaderId, _, err = e.ElectLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, NodeId("n1"), leaderId)
}

func TestEngine_ElectLeaderTieBreak(t *testing.T) {
	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		testNode{id: "c", reputation: 0.8},
		testNode{id: "b", reputation: 0.8},
		testNode{id: "a", reputation: 0.2})

	for i := 0; i < 5; i++ {
		leaderId, _, err := e.ElectLeader(context.Background())
		require.NoError(t, err)
		require.Equal(t, NodeId("b"), leaderId)
	}
}

func TestEngine_NoLeader(t *testing.T) {
	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		testNode{id: "n1", reputation: 0.9})

	require.NoError(t, e.MarkFailed("n1"))

	_, _, err := e.ElectLeader(context.Background())
	require.ErrorIs(t, err, ErrNoLeader)

	_, err = e.ProposeChange(context.Background(), "n1", Content{Data: 1})
	require.ErrorIs(t, err, ErrNoLeader)
}

func TestEngine_ProposeErrors(t *testing.T) {
	e, err := NewEngine(EngineCfg{Protocol: ProtocolRaft, Logger: testLogger{}})
	require.NoError(t, err)

	_, err = e.RegisterNode("n1", NodeCfg{Reputation: 1.0})
	require.NoError(t, err)

	_, err = e.ProposeChange(context.Background(), "n1", Content{})
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = e.ProposeChange(context.Background(), "n9", Content{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_RaftSingleNode(t *testing.T) {
	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		testNode{id: "n1", reputation: 0.1})

	res, err := e.ProposeChange(context.Background(), "n1", Content{Data: 42})
	require.NoError(t, err)
	require.True(t, res.Accepted())

	entries := e.LogEntries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Committed)
}

func TestEngine_RaftQuorum(t *testing.T) {
	ctx := context.Background()

	e, transport := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		fiveNodes()...)

	_, _, err := e.ElectLeader(ctx)
	require.NoError(t, err)

	// Three acks out of five nodes, leader included
	transport.Isolate("n4", "n5")

	res, err := e.ProposeChange(ctx, "n1", Content{Data: "a"})
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, res.Status)

	// Two acks
	transport.Isolate("n3")

	res, err = e.ProposeChange(ctx, "n1", Content{Data: "b"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrQuorumNotReached)

	var rejectionErr *RejectionError
	require.True(t, errors.As(err, &rejectionErr))
	require.Equal(t, ReasonInsufficientReplications, rejectionErr.Reason)

	require.NotNil(t, res)
	require.Equal(t, ProposalStatusRejected, res.Status)
	require.Equal(t, ReasonInsufficientReplications, res.Reason)

	proposal, err := e.Proposal(res.ProposalId)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusRejected, proposal.Status)
	require.Len(t, proposal.Votes, 2)

	entries := e.LogEntries()
	require.Len(t, entries, 2)
	require.True(t, entries[0].Committed)
	require.False(t, entries[1].Committed)

	// Reconnected nodes receive the missing entries with the next one
	transport.Reconnect("n3", "n4", "n5")

	res, err = e.ProposeChange(ctx, "n1", Content{Data: "c"})
	require.NoError(t, err)
	require.True(t, res.Accepted())

	node, err := e.Node("n5")
	require.NoError(t, err)
	require.Len(t, node.Log, 3)
}

func TestEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t)

	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft, Store: s},
		fiveNodes()...)

	leaderId, _, err := e.ElectLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, NodeId("n1"), leaderId)

	data := map[string]interface{}{"x": 1}

	res, err := e.ProposeChange(ctx, "n1", Content{Data: data})
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, res.Status)

	proposal, err := e.Proposal(res.ProposalId)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, proposal.Status)
	require.Len(t, proposal.Votes, 5)

	entries := e.LogEntries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Committed)
	require.Equal(t, res.ProposalId, entries[0].ProposalId)

	entry, err := s.Get(CommittedKeyPrefix+string(res.ProposalId), nil)
	require.NoError(t, err)

	record, ok := entry.Value.(*CommitRecord)
	require.True(t, ok)
	require.Equal(t, res.ProposalId, record.ProposalId)
	require.Equal(t, ProtocolRaft, record.Protocol)
	require.Equal(t, data, record.Data)
	require.Len(t, record.Participants, 5)

	// Followers learn about the commit asynchronously
	require.Eventually(t, func() bool {
		for _, node := range e.Nodes() {
			if len(node.Log) != 1 || !node.Log[0].Committed {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_RaftNonLeaderProposer(t *testing.T) {
	ctx := context.Background()

	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		fiveNodes()...)

	res, err := e.ProposeChange(ctx, "n3", Content{Data: 1})
	require.NoError(t, err)
	require.True(t, res.Accepted())

	leaderId, term := e.Leader()
	require.Equal(t, NodeId("n1"), leaderId)
	require.Equal(t, Term(1), term)
}

func TestEngine_RaftConcurrentProposals(t *testing.T) {
	ctx := context.Background()

	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		fiveNodes()...)

	_, _, err := e.ElectLeader(ctx)
	require.NoError(t, err)

	const nbProposals = 10

	var wg sync.WaitGroup
	errs := make([]error, nbProposals)

	for i := 0; i < nbProposals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.ProposeChange(ctx, "n1", Content{Data: i})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	entries := e.LogEntries()
	require.Len(t, entries, nbProposals)

	for i, entry := range entries {
		require.Equal(t, LogIndex(i+1), entry.Index)
		require.True(t, entry.Committed)
	}

	require.Equal(t, nbProposals, e.Status().AcceptedProposals)
}

func TestEngine_PBFT(t *testing.T) {
	require.Equal(t, 3, RequiredAgreement(4, 0.33))
	require.Equal(t, 5, RequiredAgreement(7, 0.33))

	ctx := context.Background()

	// Two valid nodes out of four
	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolPBFT},
		testNode{id: "n1", reputation: 0.9},
		testNode{id: "n2", reputation: 0.8},
		testNode{id: "n3", reputation: 0.4},
		testNode{id: "n4", reputation: 0.3})

	res, err := e.ProposeChange(ctx, "n1", Content{Data: "a"})
	require.ErrorIs(t, err, ErrQuorumNotReached)
	require.Equal(t, ReasonInsufficientPrepareVotes, res.Reason)

	proposal, err := e.Proposal(res.ProposalId)
	require.NoError(t, err)
	require.Equal(t, map[NodeId]Vote{"n1": VotePrepare, "n2": VotePrepare},
		proposal.Votes)

	// Three valid nodes out of four
	require.NoError(t, e.SetReputation("n3", 0.7))

	var executed bool
	action := func(context.Context) error {
		executed = true
		return nil
	}

	res, err = e.ProposeChange(ctx, "n1", Content{Data: "b", Action: action})
	require.NoError(t, err)
	require.True(t, res.Accepted())
	require.True(t, executed)

	proposal, err = e.Proposal(res.ProposalId)
	require.NoError(t, err)
	require.Len(t, proposal.Votes, 3)
	require.Equal(t, VoteCommit, proposal.Votes["n3"])

	// Failed nodes do not vote
	require.NoError(t, e.MarkFailed("n2"))

	res, err = e.ProposeChange(ctx, "n1", Content{Data: "c"})
	require.ErrorIs(t, err, ErrQuorumNotReached)
	require.Equal(t, ReasonInsufficientPrepareVotes, res.Reason)
}

type commitFilterTransport struct {
	*ChannelTransport

	unreachable map[NodeId]bool
}

func (t *commitFilterTransport) Send(ctx context.Context, sourceId, recipientId NodeId, msg RPCMsg) (RPCMsg, error) {
	if _, ok := msg.(*RPCCommitRequest); ok && t.unreachable[recipientId] {
		return nil, fmt.Errorf("%w: %q", ErrUnreachable, recipientId)
	}

	return t.ChannelTransport.Send(ctx, sourceId, recipientId, msg)
}

func TestEngine_PBFTCommitPhase(t *testing.T) {
	ctx := context.Background()

	transport := commitFilterTransport{
		ChannelTransport: NewChannelTransport(),
		unreachable:      map[NodeId]bool{"n3": true, "n4": true},
	}

	e, err := NewEngine(EngineCfg{
		Protocol:          ProtocolPBFT,
		Logger:            testLogger{},
		Transport:         &transport,
		RoundTimeout:      time.Second,
		DisableHeartbeats: true,
	})
	require.NoError(t, err)

	for _, node := range fiveNodes()[:4] {
		_, err := e.RegisterNode(node.id, NodeCfg{Reputation: node.reputation})
		require.NoError(t, err)
	}

	require.NoError(t, e.Start(make(chan error, 10)))
	t.Cleanup(e.Stop)

	// Every node prepares, only two of them receive the commit request
	var executed bool
	action := func(context.Context) error {
		executed = true
		return nil
	}

	res, err := e.ProposeChange(ctx, "n1", Content{Data: "a", Action: action})
	require.ErrorIs(t, err, ErrQuorumNotReached)

	var rejectionErr *RejectionError
	require.ErrorAs(t, err, &rejectionErr)
	require.Equal(t, ReasonInsufficientCommitVotes, rejectionErr.Reason)

	require.Equal(t, ReasonInsufficientCommitVotes, res.Reason)
	require.False(t, res.Accepted())
	require.False(t, executed)

	proposal, err := e.Proposal(res.ProposalId)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusRejected, proposal.Status)
	require.Equal(t, map[NodeId]Vote{
		"n1": VoteCommit,
		"n2": VoteCommit,
		"n3": VotePrepare,
		"n4": VotePrepare,
	}, proposal.Votes)

	// Once the commit phase reaches enough nodes, the action runs
	delete(transport.unreachable, "n4")

	res, err = e.ProposeChange(ctx, "n1", Content{Data: "b", Action: action})
	require.NoError(t, err)
	require.True(t, res.Accepted())
	require.True(t, executed)
}

func TestEngine_PBFTThresholds(t *testing.T) {
	ctx := context.Background()

	e, err := NewEngine(EngineCfg{Protocol: ProtocolPBFT, Logger: testLogger{}})
	require.NoError(t, err)
	require.Equal(t, 0.33, e.faultTolerance)
	require.Equal(t, 0.5, e.minReputation)

	invalid := 1.5
	_, err = NewEngine(EngineCfg{
		Protocol:      ProtocolPBFT,
		Logger:        testLogger{},
		MinReputation: &invalid,
	})
	require.Error(t, err)

	// Null thresholds: every node votes and every vote is required
	faultTolerance := 0.0
	minReputation := 0.0

	e, _ = newTestEngine(t, EngineCfg{
		Protocol:       ProtocolPBFT,
		FaultTolerance: &faultTolerance,
		MinReputation:  &minReputation,
	},
		testNode{id: "n1", reputation: 0.9},
		testNode{id: "n2", reputation: 0.8},
		testNode{id: "n3", reputation: 0.4},
		testNode{id: "n4", reputation: 0.3})

	res, err := e.ProposeChange(ctx, "n1", Content{Data: "a"})
	require.NoError(t, err)
	require.True(t, res.Accepted())

	require.NoError(t, e.MarkFailed("n4"))

	res, err = e.ProposeChange(ctx, "n1", Content{Data: "b"})
	require.ErrorIs(t, err, ErrQuorumNotReached)
	require.Equal(t, ReasonInsufficientPrepareVotes, res.Reason)
}

func TestEngine_Gossip(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		supporter NodeId
		accepted  bool
		ratio     float64
	}{
		{"high", true, 0.9},
		{"low", false, 0.1},
	}

	for _, test := range tests {
		t.Run(string(test.supporter), func(t *testing.T) {
			supporter := test.supporter

			policy := func(node Node, proposal ProposalInfo) Vote {
				if node.Id == supporter {
					return VoteSupport
				}
				return VoteReject
			}

			e, _ := newTestEngine(t, EngineCfg{
				Protocol:    ProtocolGossip,
				VotePolicy:  policy,
				GossipDelay: 5 * time.Millisecond,
			},
				testNode{id: "high", reputation: 0.9},
				testNode{id: "low", reputation: 0.1})

			res, err := e.ProposeChange(ctx, "high", Content{Data: "x"})
			require.InDelta(t, test.ratio, res.SupportRatio, 1e-9)

			if test.accepted {
				require.NoError(t, err)
				require.True(t, res.Accepted())
			} else {
				require.ErrorIs(t, err, ErrInsufficientSupport)
				require.Equal(t, ReasonInsufficientSupport, res.Reason)
			}

			proposal, err := e.Proposal(res.ProposalId)
			require.NoError(t, err)
			require.Equal(t, VoteSupport, proposal.Votes[supporter])
		})
	}
}

func TestEngine_GossipDefaultPolicy(t *testing.T) {
	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolGossip},
		testNode{id: "n1", reputation: 0.9, capabilities: []string{"gpu"}},
		testNode{id: "n2", reputation: 0.8, capabilities: []string{"cpu"}},
		testNode{id: "n3", reputation: 0.2, capabilities: []string{"gpu"}})

	res, err := e.ProposeChange(context.Background(), "n1", Content{
		RequiredCapabilities: []string{"gpu"},
	})
	require.ErrorIs(t, err, ErrInsufficientSupport)
	require.InDelta(t, 0.9/1.9, res.SupportRatio, 1e-9)
	require.False(t, res.Accepted())
}

func TestEngine_ExecutionFailure(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t)

	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft, Store: s},
		testNode{id: "n1", reputation: 0.9},
		testNode{id: "n2", reputation: 0.8})

	actions := map[string]ActionFunc{
		"error": func(context.Context) error {
			return fmt.Errorf("disk full")
		},
		"panic": func(context.Context) error {
			panic("boom")
		},
	}

	for name, action := range actions {
		t.Run(name, func(t *testing.T) {
			res, err := e.ProposeChange(ctx, "n1", Content{Action: action})
			require.NoError(t, err)
			require.Equal(t, ProposalStatusAccepted, res.Status)
			require.NotEmpty(t, res.ExecutionError)

			proposal, err := e.Proposal(res.ProposalId)
			require.NoError(t, err)
			require.Equal(t, ProposalStatusAccepted, proposal.Status)
			require.Equal(t, res.ExecutionError, proposal.ExecutionError)

			_, err = s.Get(CommittedKeyPrefix+string(res.ProposalId), nil)
			require.NoError(t, err)
		})
	}
}

func TestEngine_CallerCancellation(t *testing.T) {
	e, transport := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		testNode{id: "n1", reputation: 0.9},
		testNode{id: "n2", reputation: 0.8})

	_, _, err := e.ElectLeader(context.Background())
	require.NoError(t, err)

	transport.SetDelay("n2", 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Millisecond)
	defer cancel()

	_, err = e.ProposeChange(ctx, "n1", Content{Data: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The round still completes
	require.Eventually(t, func() bool {
		proposals := e.Proposals()
		return len(proposals) == 1 &&
			proposals[0].Status == ProposalStatusAccepted
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_RoundTimeout(t *testing.T) {
	e, transport := newTestEngine(t, EngineCfg{
		Protocol:     ProtocolRaft,
		RoundTimeout: 50 * time.Millisecond,
	},
		testNode{id: "n1", reputation: 0.9},
		testNode{id: "n2", reputation: 0.8},
		testNode{id: "n3", reputation: 0.7})

	_, _, err := e.ElectLeader(context.Background())
	require.NoError(t, err)

	transport.SetDelay("n2", time.Second)
	transport.SetDelay("n3", time.Second)

	start := time.Now()

	res, err := e.ProposeChange(context.Background(), "n1", Content{})
	require.ErrorIs(t, err, ErrQuorumNotReached)
	require.Equal(t, ReasonInsufficientReplications, res.Reason)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEngine_HeartbeatLoss(t *testing.T) {
	e, _ := newTestEngine(t, EngineCfg{
		Protocol:           ProtocolRaft,
		HeartbeatInterval:  10 * time.Millisecond,
		MinElectionTimeout: 50 * time.Millisecond,
		MaxElectionTimeout: 100 * time.Millisecond,
	},
		testNode{id: "n1", reputation: 0.9},
		testNode{id: "n2", reputation: 0.8},
		testNode{id: "n3", reputation: 0.7})

	leaderId, term, err := e.ElectLeader(context.Background())
	require.NoError(t, err)
	require.Equal(t, NodeId("n1"), leaderId)

	// Heartbeats keep the leader in place
	time.Sleep(200 * time.Millisecond)

	leaderId, term2 := e.Leader()
	require.Equal(t, NodeId("n1"), leaderId)
	require.Equal(t, term, term2)

	// Once the leader stops sending heartbeats, followers report it
	require.NoError(t, e.MarkFailed("n1"))

	require.Eventually(t, func() bool {
		leaderId, term2 := e.Leader()
		return leaderId == "n2" && term2 > term
	}, 2*time.Second, 10*time.Millisecond)

	node, err := e.Node("n2")
	require.NoError(t, err)
	require.Equal(t, RoleLeader, node.Role)
}

func TestEngine_Status(t *testing.T) {
	e, _ := newTestEngine(t, EngineCfg{Protocol: ProtocolRaft},
		fiveNodes()...)

	require.NoError(t, e.MarkFailed("n5"))

	_, err := e.ProposeChange(context.Background(), "n1", Content{})
	require.NoError(t, err)

	status := e.Status()
	require.Equal(t, ProtocolRaft, status.Protocol)
	require.Equal(t, 5, status.Nodes)
	require.Equal(t, 4, status.LiveNodes)
	require.Equal(t, NodeId("n1"), status.Leader)
	require.Equal(t, 1, status.AcceptedProposals)
	require.Equal(t, 1, status.CommittedEntries)
}
