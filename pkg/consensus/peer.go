package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	ErrNodeFailed  = errors.New("node failed")
	ErrNodeStopped = errors.New("node stopped")
)

type peerCfg struct {
	Id NodeId

	Transport Transport
	Logger    Logger

	MinReputation float64
	VotePolicy    VotePolicy

	Heartbeats         bool
	HeartbeatInterval  time.Duration
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	// Return the identifiers of all other registered nodes
	PeerIds func(NodeId) []NodeId

	// Called on its own goroutine when a follower has not heard from its
	// leader for an election timeout
	OnLeaderLost func(reporterId, leaderId NodeId, term Term)
}

type nodeState struct {
	role          Role
	term          Term
	leader        NodeId
	electionId    string
	reputation    float64
	capabilities  []string
	lastHeartbeat time.Time

	log *LogStore

	// pBFT phase reached for each proposal seen by the node
	phases map[ProposalId]Vote

	// Proposals received through gossip
	rumors map[ProposalId]bool
}

type envelope struct {
	sourceId  NodeId
	msg       RPCMsg
	replyChan chan rpcReply
}

type rpcReply struct {
	msg RPCMsg
	err error
}

// peer is the actor owning the state of a single node. Protocol messages are
// processed one at a time by its main goroutine; the mutex only protects
// state reads and metadata updates made by the engine.
type peer struct {
	Cfg peerCfg
	Log Logger

	Id NodeId

	state nodeState
	mu    sync.Mutex

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer // follower or candidate only

	inbox chan envelope

	errorChan chan<- error
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newPeer(cfg peerCfg, nodeCfg NodeCfg, term Term) *peer {
	randSource := rand.NewSource(time.Now().UnixNano() + int64(len(cfg.Id)))

	return &peer{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		state: nodeState{
			role:         RoleFollower,
			term:         term,
			reputation:   nodeCfg.Reputation,
			capabilities: copyStrings(nodeCfg.Capabilities),

			log: NewLogStore(),

			phases: make(map[ProposalId]Vote),
			rumors: make(map[ProposalId]bool),
		},

		randGenerator: rand.New(randSource),

		inbox: make(chan envelope),

		stopChan: make(chan struct{}),
	}
}

func (p *peer) Start(errorChan chan<- error) {
	p.Log.Debug(1, "starting")

	p.errorChan = errorChan

	if p.Cfg.Heartbeats {
		p.heartbeatTicker = time.NewTicker(p.Cfg.HeartbeatInterval)
	}

	p.wg.Add(1)
	go p.main()
}

func (p *peer) Stop() {
	p.stopOnce.Do(func() {
		p.Log.Debug(1, "stopping")

		close(p.stopChan)
		p.wg.Wait()

		p.Log.Debug(1, "stopped")
	})
}

func (p *peer) main() {
	defer p.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			err := recoverError(p.Log, value)

			select {
			case p.errorChan <- fmt.Errorf("node %s: %w", p.Id, err):
			default:
			}

			p.shutdown()
		}
	}()

	for {
		select {
		case <-p.stopChan:
			p.shutdown()
			return

		case <-p.heartbeatTickerChan():
			p.onHeartbeatTicker()

		case <-p.electionTimerChan():
			p.onElectionTimer()

		case env := <-p.inbox:
			msg, err := p.onRPCMsg(env.sourceId, env.msg)
			env.replyChan <- rpcReply{msg: msg, err: err}
		}
	}
}

func (p *peer) shutdown() {
	p.Log.Debug(1, "shutting down")

	if p.heartbeatTicker != nil {
		p.heartbeatTicker.Stop()
	}

	if p.electionTimer != nil {
		p.electionTimer.Stop()
	}
}

func (p *peer) heartbeatTickerChan() <-chan time.Time {
	if p.heartbeatTicker == nil {
		return nil
	}

	return p.heartbeatTicker.C
}

func (p *peer) electionTimerChan() <-chan time.Time {
	if p.electionTimer == nil {
		return nil
	}

	return p.electionTimer.C
}

func (p *peer) HandleRPC(ctx context.Context, sourceId NodeId, msg RPCMsg) (RPCMsg, error) {
	env := envelope{
		sourceId:  sourceId,
		msg:       msg,
		replyChan: make(chan rpcReply, 1),
	}

	select {
	case p.inbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopChan:
		return nil, ErrNodeStopped
	}

	select {
	case reply := <-env.replyChan:
		return reply.msg, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopChan:
		return nil, ErrNodeStopped
	}
}

func (p *peer) onRPCMsg(sourceId NodeId, msg RPCMsg) (RPCMsg, error) {
	p.Log.Debug(2, "received %v from %s", msg, sourceId)

	p.mu.Lock()
	failed := p.state.role == RoleFailed
	p.mu.Unlock()

	if failed {
		return nil, ErrNodeFailed
	}

	switch msgv := msg.(type) {
	case *RPCAppendEntriesRequest:
		return p.onRPCAppendEntriesRequest(sourceId, msgv), nil
	case *RPCNewTermRequest:
		return p.onRPCNewTermRequest(sourceId, msgv), nil
	case *RPCLogRequest:
		return p.onRPCLogRequest(msgv), nil
	case *RPCPrePrepareRequest:
		p.setPhase(msgv.Proposal.Id, VotePrePrepare)
		return &RPCAck{}, nil
	case *RPCPrepareRequest:
		return p.onPBFTVoteRequest(msgv.ProposalId, VotePrepare), nil
	case *RPCCommitRequest:
		return p.onPBFTVoteRequest(msgv.ProposalId, VoteCommit), nil
	case *RPCGossipRequest:
		p.mu.Lock()
		p.state.rumors[msgv.Proposal.Id] = true
		p.mu.Unlock()
		return &RPCAck{}, nil
	case *RPCVoteRequest:
		return p.onRPCVoteRequest(msgv), nil
	default:
		return nil, fmt.Errorf("unexpected message %v", msg)
	}
}

func (p *peer) onRPCAppendEntriesRequest(sourceId NodeId, req *RPCAppendEntriesRequest) RPCMsg {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := &p.state

	if req.Term < st.term {
		// Stale leader
		p.Log.Debug(1, "ignoring stale message %v (current term: %d)",
			req, st.term)

		return &RPCAppendEntriesResponse{
			Term:      st.term,
			Success:   false,
			LastIndex: st.log.LastIndex(),
		}
	}

	if req.Term == st.term && st.leader != "" && req.LeaderId != st.leader {
		// A term has a single leader
		p.Log.Error("ignoring %v from %s: leader for term %d is %s",
			req, sourceId, st.term, st.leader)

		return &RPCAppendEntriesResponse{
			Term:      st.term,
			Success:   false,
			LastIndex: st.log.LastIndex(),
		}
	}

	if req.LeaderId != st.leader {
		p.Log.Debug(1, "leader is %s", req.LeaderId)
	}

	if req.Term > st.term {
		// The announcement of the term was missed
		st.electionId = ""
	}

	st.term = req.Term
	st.leader = req.LeaderId
	st.lastHeartbeat = time.Now()

	if req.LeaderId == p.Id {
		st.role = RoleLeader
	} else {
		st.role = RoleFollower
		p.resetElectionTimer()
	}

	lastIndex := st.log.LastIndex()

	if req.PrevLogIndex > lastIndex {
		// We are missing entries, the leader will send them again
		return &RPCAppendEntriesResponse{
			Term:      st.term,
			Success:   false,
			LastIndex: lastIndex,
		}
	}

	if !st.log.Matches(req.PrevLogIndex, req.PrevLogTerm, req.PrevProposalId) {
		p.Log.Error("log mismatch at index %d for %v", req.PrevLogIndex, req)

		return &RPCAppendEntriesResponse{
			Term:      st.term,
			Success:   false,
			LastIndex: lastIndex,
			Conflict:  true,
		}
	}

	for _, entry := range req.Entries {
		if err := st.log.AppendEntry(entry); err != nil {
			p.Log.Error("cannot append entry: %v", err)

			return &RPCAppendEntriesResponse{
				Term:      st.term,
				Success:   false,
				LastIndex: st.log.LastIndex(),
				Conflict:  errors.Is(err, ErrLogConflict),
			}
		}
	}

	// Only entries checked by this request can be committed
	checkedIndex := req.PrevLogIndex + LogIndex(len(req.Entries))
	if req.Commit > 0 && req.Commit <= checkedIndex {
		st.log.Commit(req.Commit)
	}

	return &RPCAppendEntriesResponse{
		Term:      st.term,
		Success:   true,
		LastIndex: st.log.LastIndex(),
	}
}

func (p *peer) onRPCNewTermRequest(sourceId NodeId, req *RPCNewTermRequest) RPCMsg {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := &p.state

	if req.Term < st.term {
		return &RPCNewTermResponse{Term: st.term, Accepted: false}
	}

	if req.Term == st.term && st.electionId != "" &&
		req.ElectionId != st.electionId {
		p.Log.Error("ignoring %v from %s: term %d already started by "+
			"election %s", req, sourceId, st.term, st.electionId)

		return &RPCNewTermResponse{Term: st.term, Accepted: false}
	}

	st.term = req.Term
	st.leader = req.LeaderId
	st.electionId = req.ElectionId

	if req.LeaderId == p.Id {
		p.Log.Info("leader for term %d", req.Term)
		st.role = RoleLeader

		if p.electionTimer != nil {
			p.electionTimer.Stop()
		}

		if p.heartbeatTicker != nil {
			p.heartbeatTicker.Reset(p.Cfg.HeartbeatInterval)
		}
	} else {
		st.role = RoleFollower
		st.lastHeartbeat = time.Now()
		p.resetElectionTimer()
	}

	return &RPCNewTermResponse{Term: st.term, Accepted: true}
}

func (p *peer) onRPCLogRequest(req *RPCLogRequest) RPCMsg {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.state.log
	return &RPCLogResponse{Entries: log.EntriesFrom(req.From, log.LastIndex())}
}

func (p *peer) setPhase(id ProposalId, phase Vote) {
	p.mu.Lock()
	p.state.phases[id] = phase
	p.mu.Unlock()
}

func (p *peer) onPBFTVoteRequest(id ProposalId, phase Vote) RPCMsg {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Without message signatures, a node validates a proposal as long as it
	// is trusted enough.
	granted := p.state.reputation > p.Cfg.MinReputation

	if phase == VoteCommit {
		delete(p.state.phases, id)
	} else if granted {
		p.state.phases[id] = phase
	}

	return &RPCVoteResponse{Vote: phase, Granted: granted}
}

func (p *peer) onRPCVoteRequest(req *RPCVoteRequest) RPCMsg {
	node := p.Snapshot()

	vote := p.Cfg.VotePolicy(node, req.Proposal)

	p.mu.Lock()
	delete(p.state.rumors, req.Proposal.Id)
	p.mu.Unlock()

	return &RPCVoteResponse{Vote: vote, Granted: vote == VoteSupport}
}

func (p *peer) onHeartbeatTicker() {
	p.mu.Lock()
	isLeader := p.state.role == RoleLeader
	term := p.state.term
	p.mu.Unlock()

	if !isLeader {
		return
	}

	req := RPCAppendEntriesRequest{
		Term:     term,
		LeaderId: p.Id,
	}

	for _, id := range p.Cfg.PeerIds(p.Id) {
		// Send heartbeats asynchronously to avoid blocking the node
		go p.sendHeartbeat(id, &req)
	}
}

func (p *peer) sendHeartbeat(recipientId NodeId, req *RPCAppendEntriesRequest) {
	defer func() {
		if value := recover(); value != nil {
			recoverError(p.Log, value)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(),
		p.Cfg.HeartbeatInterval)
	defer cancel()

	if _, err := p.Cfg.Transport.Send(ctx, p.Id, recipientId, req); err != nil {
		p.Log.Debug(2, "cannot send heartbeat to %s: %v", recipientId, err)
	}
}

func (p *peer) onElectionTimer() {
	p.mu.Lock()
	role := p.state.role
	leader := p.state.leader
	term := p.state.term

	if role == RoleFollower || role == RoleCandidate {
		p.state.role = RoleCandidate
	}
	p.mu.Unlock()

	switch role {
	case RoleFollower, RoleCandidate:
		p.Log.Info("no heartbeat from leader %q in term %d", leader, term)

		// Keep reporting until a new term is announced
		p.setupElectionTimer()

		if p.Cfg.OnLeaderLost != nil {
			go p.Cfg.OnLeaderLost(p.Id, leader, term)
		}

	case RoleLeader, RoleFailed:
		// The role changed after the timer was armed

	default:
		Panicf("unexpected election timer activation in role %v", role)
	}
}

func (p *peer) setupElectionTimer() {
	if !p.Cfg.Heartbeats {
		return
	}

	timeout := p.electionTimeout()
	p.Log.Debug(2, "election timer will expire in %v", timeout)

	if p.electionTimer != nil {
		p.electionTimer.Stop()
	}

	p.electionTimer = time.NewTimer(timeout)
}

func (p *peer) resetElectionTimer() {
	if !p.Cfg.Heartbeats {
		return
	}

	if p.electionTimer == nil {
		p.setupElectionTimer()
		return
	}

	if !p.electionTimer.Stop() {
		select {
		case <-p.electionTimer.C:
		default:
		}
	}

	p.electionTimer.Reset(p.electionTimeout())
}

func (p *peer) electionTimeout() time.Duration {
	minTimeoutMs := p.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := p.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := p.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

func (p *peer) Snapshot() Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Node{
		Id:            p.Id,
		Role:          p.state.role,
		Term:          p.state.term,
		Leader:        p.state.leader,
		Reputation:    p.state.reputation,
		Capabilities:  copyStrings(p.state.capabilities),
		LastHeartbeat: p.state.lastHeartbeat,
		Log:           p.state.log.Entries(),
	}
}

func (p *peer) update(cfg NodeCfg) {
	p.mu.Lock()
	p.state.reputation = cfg.Reputation
	p.state.capabilities = copyStrings(cfg.Capabilities)
	p.mu.Unlock()
}

func (p *peer) setReputation(reputation float64) {
	p.mu.Lock()
	p.state.reputation = reputation
	p.mu.Unlock()
}

func (p *peer) setFailed(failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if failed {
		p.state.role = RoleFailed
	} else if p.state.role == RoleFailed {
		p.state.role = RoleFollower
	}
}

func (p *peer) live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state.role != RoleFailed
}
