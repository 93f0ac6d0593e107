package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type ProposalId string

type ProposalStatus string

const (
	ProposalStatusProposed ProposalStatus = "proposed"
	ProposalStatusAccepted ProposalStatus = "accepted"
	ProposalStatusRejected ProposalStatus = "rejected"
)

// Rejection reasons
const (
	ReasonInsufficientReplications = "insufficient_replications"
	ReasonInsufficientPrepareVotes = "insufficient_prepare_votes"
	ReasonInsufficientCommitVotes  = "insufficient_commit_votes"
	ReasonInsufficientSupport      = "insufficient_support"
)

type ActionFunc func(context.Context) error

type Content struct {
	Data                 interface{} `json:"data,omitempty"`
	RequiredCapabilities []string    `json:"requiredCapabilities,omitempty"`

	// Executed once the proposal has been accepted
	Action ActionFunc `json:"-"`
}

// ProposalInfo is the part of a proposal sent to other nodes.
type ProposalInfo struct {
	Id                   ProposalId
	Proposer             NodeId
	Data                 interface{}
	RequiredCapabilities []string
}

type Proposal struct {
	Id             ProposalId      `json:"id"`
	Proposer       NodeId          `json:"proposer"`
	Content        Content         `json:"content"`
	Protocol       Protocol        `json:"protocol"`
	Status         ProposalStatus  `json:"status"`
	Votes          map[NodeId]Vote `json:"votes"`
	Reason         string          `json:"reason,omitempty"`
	ExecutionError string          `json:"executionError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	DecidedAt      time.Time       `json:"decidedAt,omitempty"`
}

// proposalState is the engine-side mutable proposal; votes arrive
// concurrently from replication and voting goroutines.
type proposalState struct {
	p  Proposal
	mu sync.Mutex
}

func (ps *proposalState) info() ProposalInfo {
	return ProposalInfo{
		Id:                   ps.p.Id,
		Proposer:             ps.p.Proposer,
		Data:                 ps.p.Content.Data,
		RequiredCapabilities: ps.p.Content.RequiredCapabilities,
	}
}

func (ps *proposalState) setVote(id NodeId, vote Vote) {
	ps.mu.Lock()
	ps.p.Votes[id] = vote
	ps.mu.Unlock()
}

// decide sets the terminal status; it panics if the proposal has already
// been decided.
func (ps *proposalState) decide(status ProposalStatus, reason string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.p.Status != ProposalStatusProposed {
		Panicf("proposal %s already %s", ps.p.Id, ps.p.Status)
	}

	ps.p.Status = status
	ps.p.Reason = reason
	ps.p.DecidedAt = time.Now()
}

func (ps *proposalState) setExecutionError(err error) {
	ps.mu.Lock()
	ps.p.ExecutionError = err.Error()
	ps.mu.Unlock()
}

func (ps *proposalState) snapshot() Proposal {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p := ps.p
	p.Votes = make(map[NodeId]Vote, len(ps.p.Votes))
	for id, vote := range ps.p.Votes {
		p.Votes[id] = vote
	}

	return p
}

type Result struct {
	ProposalId     ProposalId     `json:"proposalId"`
	Status         ProposalStatus `json:"status"`
	Protocol       Protocol       `json:"protocol"`
	Reason         string         `json:"reason,omitempty"`
	SupportRatio   float64        `json:"supportRatio,omitempty"`
	ExecutionError string         `json:"executionError,omitempty"`
}

func (r *Result) Accepted() bool {
	return r.Status == ProposalStatusAccepted
}

// RejectionError is returned along with the result of a rejected proposal.
// It wraps ErrQuorumNotReached or ErrInsufficientSupport.
type RejectionError struct {
	ProposalId ProposalId
	Reason     string
	Err        error
}

func (err *RejectionError) Error() string {
	return fmt.Sprintf("proposal %s rejected: %s", err.ProposalId, err.Reason)
}

func (err *RejectionError) Unwrap() error {
	return err.Err
}

// VotePolicy decides how a node votes on a gossiped proposal.
type VotePolicy func(node Node, proposal ProposalInfo) Vote

// DefaultVotePolicy supports proposals when the node is reasonably trusted
// and has at least one of the required capabilities.
func DefaultVotePolicy(node Node, proposal ProposalInfo) Vote {
	const minReputation = 0.3

	hasCapability := len(proposal.RequiredCapabilities) == 0
	for _, capability := range proposal.RequiredCapabilities {
		if node.HasCapability(capability) {
			hasCapability = true
			break
		}
	}

	if node.Reputation > minReputation && hasCapability {
		return VoteSupport
	}

	return VoteReject
}
