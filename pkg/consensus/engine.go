package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/galdor/go-hive/pkg/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrQuorumNotReached    = errors.New("quorum not reached")
	ErrInsufficientSupport = errors.New("insufficient support")
	ErrNoLeader            = errors.New("no leader")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrNotStarted          = errors.New("engine not started")
)

const CommittedKeyPrefix = "hive/consensus/committed/"

const maxElectionAttempts = 3

// RecordStore receives the commit records of accepted proposals.
type RecordStore interface {
	Put(string, interface{}, *store.PutOptions) (store.Version, error)
}

type EngineCfg struct {
	Protocol Protocol

	Logger    Logger
	Transport Transport
	Store     RecordStore

	// Build the logger of each node actor, Logger is used if not set
	NodeLogger func(NodeId) Logger

	// pBFT; nil values select the defaults, 0.33 and 0.5
	FaultTolerance *float64
	MinReputation  *float64

	// Gossip
	GossipFanout float64
	GossipDelay  time.Duration
	VotePolicy   VotePolicy

	// Upper bound of every phase waiting for other nodes
	RoundTimeout time.Duration

	DisableHeartbeats  bool
	HeartbeatInterval  time.Duration
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
}

type Status struct {
	Protocol          Protocol `json:"protocol"`
	Nodes             int      `json:"nodes"`
	LiveNodes         int      `json:"liveNodes"`
	Leader            NodeId   `json:"leader,omitempty"`
	Term              Term     `json:"term"`
	ActiveProposals   int      `json:"activeProposals"`
	AcceptedProposals int      `json:"acceptedProposals"`
	RejectedProposals int      `json:"rejectedProposals"`
	CommittedEntries  int      `json:"committedEntries"`
}

type CommitRecord struct {
	ProposalId   ProposalId  `json:"proposalId"`
	Proposer     NodeId      `json:"proposer"`
	Data         interface{} `json:"data,omitempty"`
	Protocol     Protocol    `json:"protocol"`
	Timestamp    time.Time   `json:"timestamp"`
	Participants []NodeId    `json:"participants"`
}

type Engine struct {
	Cfg EngineCfg
	Log Logger

	transport Transport
	logStore  *LogStore

	faultTolerance float64
	minReputation  float64

	peers   map[NodeId]*peer
	peersMu sync.RWMutex

	leaderId    NodeId
	currentTerm Term
	termMu      sync.Mutex

	elections singleflight.Group

	proposals   map[ProposalId]*proposalState
	proposalsMu sync.RWMutex

	randGenerator *rand.Rand
	randMu        sync.Mutex

	started   bool
	errorChan chan<- error
	wg        sync.WaitGroup
}

// NewEngine panics on an unknown protocol since it can only come from a
// programming or configuration error; other invalid settings are returned as
// errors.
func NewEngine(cfg EngineCfg) (*Engine, error) {
	if !cfg.Protocol.Valid() {
		Panicf("unknown consensus protocol %q", cfg.Protocol)
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Transport == nil {
		cfg.Transport = NewChannelTransport()
	}

	faultTolerance := 0.33
	if cfg.FaultTolerance != nil {
		faultTolerance = *cfg.FaultTolerance
	}

	if faultTolerance < 0 || faultTolerance >= 1 {
		return nil, fmt.Errorf("invalid fault tolerance %v", faultTolerance)
	}

	minReputation := 0.5
	if cfg.MinReputation != nil {
		minReputation = *cfg.MinReputation
	}

	if minReputation < 0 || minReputation > 1 {
		return nil, fmt.Errorf("invalid minimum reputation %v", minReputation)
	}

	if cfg.GossipFanout == 0 {
		cfg.GossipFanout = 0.6
	}

	if cfg.GossipFanout < 0.6 || cfg.GossipFanout > 1 {
		return nil, fmt.Errorf("invalid gossip fanout %v", cfg.GossipFanout)
	}

	if cfg.VotePolicy == nil {
		cfg.VotePolicy = DefaultVotePolicy
	}

	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = 5 * time.Second
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.MaxElectionTimeout < cfg.MinElectionTimeout {
		return nil, fmt.Errorf("maximum election timeout is lower than " +
			"minimum election timeout")
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	e := &Engine{
		Cfg: cfg,
		Log: cfg.Logger,

		transport: cfg.Transport,
		logStore:  NewLogStore(),

		faultTolerance: faultTolerance,
		minReputation:  minReputation,

		peers: make(map[NodeId]*peer),

		proposals: make(map[ProposalId]*proposalState),

		randGenerator: rand.New(randSource),
	}

	return e, nil
}

func (e *Engine) Start(errorChan chan<- error) error {
	e.Log.Debug(1, "starting %s engine", e.Cfg.Protocol)

	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	e.errorChan = errorChan
	e.started = true

	for _, p := range e.peers {
		p.Start(errorChan)
	}

	return nil
}

func (e *Engine) Stop() {
	e.Log.Debug(1, "stopping")

	e.peersMu.Lock()
	if !e.started {
		e.peersMu.Unlock()
		return
	}
	e.started = false
	peers := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.peersMu.Unlock()

	for _, p := range peers {
		p.Stop()
	}

	e.wg.Wait()

	e.Log.Debug(1, "stopped")
}

// track registers a background operation which Stop will wait for. It
// returns false once the engine has been stopped.
func (e *Engine) track() bool {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()

	if !e.started {
		return false
	}

	e.wg.Add(1)
	return true
}

// RegisterNode creates a node or updates the metadata of an existing one.
func (e *Engine) RegisterNode(id NodeId, cfg NodeCfg) (Node, error) {
	if id == "" {
		return Node{}, fmt.Errorf("missing or empty node id")
	}

	if cfg.Reputation < 0 || cfg.Reputation > 1 {
		return Node{}, fmt.Errorf("invalid reputation %v", cfg.Reputation)
	}

	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	if p, found := e.peers[id]; found {
		p.update(cfg)
		e.Log.Debug(1, "node %s updated", id)
		return p.Snapshot(), nil
	}

	e.termMu.Lock()
	term := e.currentTerm
	e.termMu.Unlock()

	pcfg := peerCfg{
		Id: id,

		Transport: e.transport,
		Logger:    e.Log,

		MinReputation: e.minReputation,
		VotePolicy:    e.Cfg.VotePolicy,

		Heartbeats:         !e.Cfg.DisableHeartbeats,
		HeartbeatInterval:  e.Cfg.HeartbeatInterval,
		MinElectionTimeout: e.Cfg.MinElectionTimeout,
		MaxElectionTimeout: e.Cfg.MaxElectionTimeout,

		PeerIds:      e.otherNodeIds,
		OnLeaderLost: e.onLeaderLost,
	}

	if e.Cfg.NodeLogger != nil {
		pcfg.Logger = e.Cfg.NodeLogger(id)
	}

	p := newPeer(pcfg, cfg, term)
	e.peers[id] = p
	e.transport.Register(id, p)

	if e.started {
		p.Start(e.errorChan)
	}

	e.Log.Info("node %s registered", id)

	return p.Snapshot(), nil
}

func (e *Engine) peer(id NodeId) (*peer, error) {
	e.peersMu.RLock()
	p, found := e.peers[id]
	e.peersMu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: unknown node %q", ErrNotFound, id)
	}

	return p, nil
}

// sortedPeers returns all registered nodes ordered by identifier.
func (e *Engine) sortedPeers() []*peer {
	e.peersMu.RLock()
	peers := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.peersMu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Id < peers[j].Id
	})

	return peers
}

func (e *Engine) nodeIds() []NodeId {
	peers := e.sortedPeers()

	ids := make([]NodeId, len(peers))
	for i, p := range peers {
		ids[i] = p.Id
	}

	return ids
}

func (e *Engine) otherNodeIds(id NodeId) []NodeId {
	var ids []NodeId

	for _, p := range e.sortedPeers() {
		if p.Id != id && p.live() {
			ids = append(ids, p.Id)
		}
	}

	return ids
}

func (e *Engine) Node(id NodeId) (Node, error) {
	p, err := e.peer(id)
	if err != nil {
		return Node{}, err
	}

	return p.Snapshot(), nil
}

func (e *Engine) Nodes() []Node {
	peers := e.sortedPeers()

	nodes := make([]Node, len(peers))
	for i, p := range peers {
		nodes[i] = p.Snapshot()
	}

	return nodes
}

func (e *Engine) SetReputation(id NodeId, reputation float64) error {
	if reputation < 0 || reputation > 1 {
		return fmt.Errorf("invalid reputation %v", reputation)
	}

	p, err := e.peer(id)
	if err != nil {
		return err
	}

	p.setReputation(reputation)
	return nil
}

// MarkFailed excludes a node from elections and votes. Nodes are never
// deleted.
func (e *Engine) MarkFailed(id NodeId) error {
	p, err := e.peer(id)
	if err != nil {
		return err
	}

	p.setFailed(true)
	e.Log.Info("node %s marked as failed", id)

	return nil
}

func (e *Engine) MarkRecovered(id NodeId) error {
	p, err := e.peer(id)
	if err != nil {
		return err
	}

	p.setFailed(false)
	e.Log.Info("node %s recovered", id)

	return nil
}

func (e *Engine) Leader() (NodeId, Term) {
	e.termMu.Lock()
	defer e.termMu.Unlock()

	return e.leaderId, e.currentTerm
}

// LogEntries returns the entries of the leader log.
func (e *Engine) LogEntries() []LogEntry {
	return e.logStore.Entries()
}

// ElectLeader starts a new term and elects the live node with the highest
// reputation, using the lowest identifier to break ties. Concurrent calls
// share the same election.
func (e *Engine) ElectLeader(ctx context.Context) (NodeId, Term, error) {
	type electionResult struct {
		leaderId NodeId
		term     Term
	}

	value, err, _ := e.elections.Do("election", func() (interface{}, error) {
		leaderId, term, err := e.electLeader(ctx)
		return electionResult{leaderId: leaderId, term: term}, err
	})
	if err != nil {
		return "", 0, err
	}

	res := value.(electionResult)
	return res.leaderId, res.term, nil
}

func (e *Engine) electLeader(ctx context.Context) (NodeId, Term, error) {
	var leader *peer
	var leaderNode Node

	var live []*peer

	for _, p := range e.sortedPeers() {
		node := p.Snapshot()
		if node.Role == RoleFailed {
			continue
		}

		live = append(live, p)

		// Peers are sorted by identifier, so a strict comparison keeps the
		// lowest identifier on ties.
		if leader == nil || node.Reputation > leaderNode.Reputation {
			leader = p
			leaderNode = node
		}
	}

	if leader == nil {
		e.termMu.Lock()
		e.currentTerm++
		term := e.currentTerm
		e.leaderId = ""
		e.termMu.Unlock()

		e.Log.Error("no live node available for term %d", term)
		return "", term, fmt.Errorf("%w: no live node", ErrNoLeader)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Cfg.RoundTimeout)
	defer cancel()

	var observedTerm Term

	for attempt := 1; attempt <= maxElectionAttempts; attempt++ {
		e.termMu.Lock()
		if observedTerm > e.currentTerm {
			e.currentTerm = observedTerm
		}
		e.currentTerm++
		term := e.currentTerm
		e.leaderId = leader.Id
		e.termMu.Unlock()

		accepted, highestTerm := e.announceTerm(ctx, leader.Id, term, live)

		if accepted {
			e.Log.Info("node %s elected as leader for term %d", leader.Id, term)
			e.syncLog(ctx, leader.Id)
			return leader.Id, term, nil
		}

		e.termMu.Lock()
		if e.currentTerm == term {
			e.leaderId = ""
		}
		e.termMu.Unlock()

		if highestTerm < term {
			// The leader did not answer
			return "", term, fmt.Errorf("%w: node %s did not accept term %d",
				ErrNoLeader, leader.Id, term)
		}

		e.Log.Info("term %d already started elsewhere (highest term: %d)",
			term, highestTerm)

		observedTerm = highestTerm
	}

	return "", 0, fmt.Errorf("%w: too many concurrent elections", ErrNoLeader)
}

// announceTerm sends the result of an election to live nodes. The election
// succeeds if the leader accepted the term and no node refused it; the
// highest term reported by nodes refusing it is returned.
func (e *Engine) announceTerm(ctx context.Context, leaderId NodeId, term Term, live []*peer) (bool, Term) {
	req := RPCNewTermRequest{
		Term:       term,
		LeaderId:   leaderId,
		ElectionId: uuid.NewString(),
	}

	var leaderAccepted bool
	var refused bool
	var highestTerm Term
	var mu sync.Mutex

	// Nodes we cannot reach will learn the term from the next heartbeat of
	// the leader.
	var g errgroup.Group
	for _, p := range live {
		id := p.Id
		g.Go(func() error {
			res, err := e.transport.Send(ctx, leaderId, id, &req)
			if err != nil {
				e.Log.Debug(1, "cannot announce term %d to %s: %v", term, id, err)
				return nil
			}

			ntRes, ok := res.(*RPCNewTermResponse)
			if !ok {
				e.Log.Error("unexpected response %v from %s", res, id)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()

			if ntRes.Accepted {
				if id == leaderId {
					leaderAccepted = true
				}
			} else {
				refused = true
				if ntRes.Term > highestTerm {
					highestTerm = ntRes.Term
				}
			}

			return nil
		})
	}
	g.Wait()

	return leaderAccepted && !refused, highestTerm
}

// syncLog aligns the leader log of the engine with the log of the elected
// leader, which may hold entries appended by other engines.
func (e *Engine) syncLog(ctx context.Context, leaderId NodeId) {
	res, err := e.transport.Send(ctx, leaderId, leaderId, &RPCLogRequest{From: 1})
	if err != nil {
		e.Log.Error("cannot fetch log of leader %s: %v", leaderId, err)
		return
	}

	logRes, ok := res.(*RPCLogResponse)
	if !ok {
		e.Log.Error("unexpected response %v from %s", res, leaderId)
		return
	}

	nbAdopted, err := e.logStore.Adopt(logRes.Entries)
	if err != nil {
		e.Log.Error("cannot adopt log of leader %s: %v", leaderId, err)
	}

	if nbAdopted > 0 {
		e.Log.Info("%d entries adopted from leader %s", nbAdopted, leaderId)
	}
}

// observeTerm records a term started by another engine; the next proposal
// will run a new election.
func (e *Engine) observeTerm(term Term) {
	e.termMu.Lock()
	defer e.termMu.Unlock()

	if term > e.currentTerm {
		e.Log.Info("term %d started elsewhere (current term: %d)",
			term, e.currentTerm)

		e.currentTerm = term
		e.leaderId = ""
	}
}

func (e *Engine) onLeaderLost(reporterId, leaderId NodeId, term Term) {
	if !e.track() {
		return
	}
	defer e.wg.Done()

	currentLeader, currentTerm := e.Leader()
	if term < currentTerm {
		e.Log.Debug(1, "ignoring leader loss report from %s for term %d "+
			"(current term: %d)", reporterId, term, currentTerm)
		return
	}

	e.Log.Info("node %s lost contact with leader %q in term %d, "+
		"starting election", reporterId, currentLeader, term)

	ctx, cancel := context.WithTimeout(context.Background(), e.Cfg.RoundTimeout)
	defer cancel()

	if _, _, err := e.ElectLeader(ctx); err != nil {
		e.Log.Error("cannot elect leader: %v", err)
	}
}

func (e *Engine) newProposal(proposerId NodeId, content Content) *proposalState {
	ps := &proposalState{
		p: Proposal{
			Id:        ProposalId(uuid.Must(uuid.NewV7()).String()),
			Proposer:  proposerId,
			Content:   content,
			Protocol:  e.Cfg.Protocol,
			Status:    ProposalStatusProposed,
			Votes:     make(map[NodeId]Vote),
			CreatedAt: time.Now(),
		},
	}

	e.proposalsMu.Lock()
	e.proposals[ps.p.Id] = ps
	e.proposalsMu.Unlock()

	return ps
}

func (e *Engine) Proposal(id ProposalId) (Proposal, error) {
	e.proposalsMu.RLock()
	ps, found := e.proposals[id]
	e.proposalsMu.RUnlock()

	if !found {
		return Proposal{}, fmt.Errorf("%w: unknown proposal %q", ErrNotFound, id)
	}

	return ps.snapshot(), nil
}

// Proposals returns every proposal submitted so far, oldest first.
func (e *Engine) Proposals() []Proposal {
	e.proposalsMu.RLock()
	proposals := make([]Proposal, 0, len(e.proposals))
	for _, ps := range e.proposals {
		proposals = append(proposals, ps.snapshot())
	}
	e.proposalsMu.RUnlock()

	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].Id < proposals[j].Id
	})

	return proposals
}

type roundOutcome struct {
	result *Result
	err    error
}

// ProposeChange submits a proposal and runs the configured protocol. A
// rejected proposal is returned along with a *RejectionError. If ctx is
// canceled before the round is over, ProposeChange returns immediately but
// the round runs to completion in the background.
func (e *Engine) ProposeChange(ctx context.Context, proposerId NodeId, content Content) (*Result, error) {
	if _, err := e.peer(proposerId); err != nil {
		return nil, err
	}

	if !e.track() {
		return nil, ErrNotStarted
	}

	ps := e.newProposal(proposerId, content)

	e.Log.Debug(1, "proposal %s submitted by %s", ps.p.Id, proposerId)

	outcomeChan := make(chan roundOutcome, 1)

	go func() {
		defer e.wg.Done()

		roundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			e.Cfg.RoundTimeout)
		defer cancel()

		defer func() {
			if value := recover(); value != nil {
				outcomeChan <- roundOutcome{err: recoverError(e.Log, value)}
			}
		}()

		result, err := e.runRound(roundCtx, ps)
		outcomeChan <- roundOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-outcomeChan:
		return outcome.result, outcome.err

	case <-ctx.Done():
		e.Log.Info("proposal %s abandoned by its proposer", ps.p.Id)
		return nil, ctx.Err()
	}
}

func (e *Engine) runRound(ctx context.Context, ps *proposalState) (*Result, error) {
	var result *Result
	var err error

	switch e.Cfg.Protocol {
	case ProtocolRaft:
		result, err = e.raftRound(ctx, ps)
	case ProtocolPBFT:
		result, err = e.pbftRound(ctx, ps)
	case ProtocolGossip:
		result, err = e.gossipRound(ctx, ps)
	default:
		Panicf("unknown consensus protocol %q", e.Cfg.Protocol)
	}

	if err != nil {
		// The round could not run at all
		ps.decide(ProposalStatusRejected, err.Error())
		return nil, err
	}

	if result.Status == ProposalStatusAccepted {
		e.execute(ps, result)
		return result, nil
	}

	errBase := ErrQuorumNotReached
	if result.Reason == ReasonInsufficientSupport {
		errBase = ErrInsufficientSupport
	}

	e.Log.Info("proposal %s rejected: %s", ps.p.Id, result.Reason)

	return result, &RejectionError{
		ProposalId: ps.p.Id,
		Reason:     result.Reason,
		Err:        errBase,
	}
}

func (e *Engine) accept(ps *proposalState) *Result {
	ps.decide(ProposalStatusAccepted, "")

	return &Result{
		ProposalId: ps.p.Id,
		Status:     ProposalStatusAccepted,
		Protocol:   e.Cfg.Protocol,
	}
}

func (e *Engine) reject(ps *proposalState, reason string) *Result {
	ps.decide(ProposalStatusRejected, reason)

	return &Result{
		ProposalId: ps.p.Id,
		Status:     ProposalStatusRejected,
		Protocol:   e.Cfg.Protocol,
		Reason:     reason,
	}
}

// execute runs the action of an accepted proposal and stores its commit
// record. Failures are recorded on the proposal but never change its status.
func (e *Engine) execute(ps *proposalState, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), e.Cfg.RoundTimeout)
	defer cancel()

	proposal := ps.snapshot()

	if action := proposal.Content.Action; action != nil {
		if err := e.runAction(ctx, action); err != nil {
			err = fmt.Errorf("%w: %v", ErrExecutionFailed, err)

			e.Log.Error("cannot execute proposal %s: %v", proposal.Id, err)

			ps.setExecutionError(err)
			result.ExecutionError = err.Error()
		}
	}

	if e.Cfg.Store == nil {
		return
	}

	record := CommitRecord{
		ProposalId:   proposal.Id,
		Proposer:     proposal.Proposer,
		Data:         proposal.Content.Data,
		Protocol:     e.Cfg.Protocol,
		Timestamp:    time.Now(),
		Participants: e.nodeIds(),
	}

	key := CommittedKeyPrefix + string(proposal.Id)

	if _, err := e.Cfg.Store.Put(key, &record, nil); err != nil {
		err = fmt.Errorf("%w: cannot store commit record: %v",
			ErrExecutionFailed, err)

		e.Log.Error("cannot execute proposal %s: %v", proposal.Id, err)

		ps.setExecutionError(err)
		result.ExecutionError = err.Error()
		return
	}

	e.Log.Debug(1, "proposal %s executed", proposal.Id)
}

func (e *Engine) runAction(ctx context.Context, action ActionFunc) (err error) {
	defer func() {
		if value := recover(); value != nil {
			err = recoverError(e.Log, value)
		}
	}()

	return action(ctx)
}

func (e *Engine) Status() Status {
	leaderId, term := e.Leader()

	status := Status{
		Protocol:         e.Cfg.Protocol,
		Leader:           leaderId,
		Term:             term,
		CommittedEntries: e.logStore.NbCommitted(),
	}

	for _, p := range e.sortedPeers() {
		status.Nodes++
		if p.live() {
			status.LiveNodes++
		}
	}

	for _, proposal := range e.Proposals() {
		switch proposal.Status {
		case ProposalStatusProposed:
			status.ActiveProposals++
		case ProposalStatusAccepted:
			status.AcceptedProposals++
		case ProposalStatusRejected:
			status.RejectedProposals++
		}
	}

	return status
}

// collectVotes sends a message to a set of nodes concurrently and returns the
// vote of each node which answered before ctx was done.
func (e *Engine) collectVotes(ctx context.Context, sourceId NodeId, ids []NodeId, msg RPCMsg) map[NodeId]*RPCVoteResponse {
	votes := make(map[NodeId]*RPCVoteResponse)
	var mu sync.Mutex

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res, err := e.transport.Send(ctx, sourceId, id, msg)
			if err != nil {
				e.Log.Debug(2, "no vote from %s: %v", id, err)
				return nil
			}

			vote, ok := res.(*RPCVoteResponse)
			if !ok {
				e.Log.Error("unexpected response %v from %s", res, id)
				return nil
			}

			mu.Lock()
			votes[id] = vote
			mu.Unlock()

			return nil
		})
	}
	g.Wait()

	return votes
}

// broadcast sends a message to a set of nodes concurrently and returns the
// number of nodes which received it.
func (e *Engine) broadcast(ctx context.Context, sourceId NodeId, ids []NodeId, msg RPCMsg) int {
	var nbDelivered int
	var mu sync.Mutex

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := e.transport.Send(ctx, sourceId, id, msg); err != nil {
				e.Log.Debug(2, "cannot send %v to %s: %v", msg, id, err)
				return nil
			}

			mu.Lock()
			nbDelivered++
			mu.Unlock()

			return nil
		})
	}
	g.Wait()

	return nbDelivered
}
