package consensus

import (
	"time"
)

type NodeId string

type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
	RoleFailed    Role = "failed"
)

type Term int64

type LogIndex int64

type LogEntry struct {
	Term       Term       `json:"term"`
	Index      LogIndex   `json:"index"`
	ProposalId ProposalId `json:"proposalId"`
	Committed  bool       `json:"committed"`
}

type Protocol string

const (
	ProtocolRaft   Protocol = "raft"
	ProtocolPBFT   Protocol = "pbft"
	ProtocolGossip Protocol = "gossip"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolRaft, ProtocolPBFT, ProtocolGossip:
		return true
	default:
		return false
	}
}

type Vote string

const (
	VoteSupport    Vote = "support"
	VoteReject     Vote = "reject"
	VotePrePrepare Vote = "pre-prepare"
	VotePrepare    Vote = "prepare"
	VoteCommit     Vote = "commit"
)

type NodeCfg struct {
	Reputation   float64  `json:"reputation"`
	Capabilities []string `json:"capabilities"`
}

// Node is a point-in-time copy of the state of a registered node.
type Node struct {
	Id            NodeId     `json:"id"`
	Role          Role       `json:"role"`
	Term          Term       `json:"term"`
	Leader        NodeId     `json:"leader,omitempty"`
	Reputation    float64    `json:"reputation"`
	Capabilities  []string   `json:"capabilities"`
	LastHeartbeat time.Time  `json:"lastHeartbeat,omitempty"`
	Log           []LogEntry `json:"log,omitempty"`
}

func (n *Node) HasCapability(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}

	return false
}
