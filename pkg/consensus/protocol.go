package consensus

import (
	"encoding/json"
	"fmt"
)

// RPCMsg is a message exchanged between nodes through a Transport.
type RPCMsg interface {
	GetType() string

	fmt.Stringer
}

// Leader-log replication; an AppendEntries request without entries is a
// heartbeat.
type RPCAppendEntriesRequest struct {
	Term         Term
	LeaderId     NodeId
	PrevLogIndex LogIndex
	Entries      []LogEntry

	// Identify the entry at PrevLogIndex; the node refuses the request if
	// its own entry differs.
	PrevLogTerm    Term
	PrevProposalId ProposalId

	// Index of an entry the leader has committed, 0 if none
	Commit LogIndex
}

func (msg *RPCAppendEntriesRequest) GetType() string {
	return "appendEntriesRequest"
}

func (msg *RPCAppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, %d entries, commit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, len(msg.Entries),
		msg.Commit)
}

type RPCAppendEntriesResponse struct {
	Term      Term
	Success   bool
	LastIndex LogIndex

	// The node holds a different entry at one of the indexes
	Conflict bool
}

func (msg *RPCAppendEntriesResponse) GetType() string {
	return "appendEntriesResponse"
}

func (msg *RPCAppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse{term: %d, success: %v, "+
		"lastIndex: %d, conflict: %v}", msg.Term, msg.Success, msg.LastIndex,
		msg.Conflict)
}

// Election result announcement.
type RPCNewTermRequest struct {
	Term     Term
	LeaderId NodeId

	// A node accepts a given term from a single election
	ElectionId string
}

func (msg *RPCNewTermRequest) GetType() string {
	return "newTermRequest"
}

func (msg *RPCNewTermRequest) String() string {
	return fmt.Sprintf("NewTermRequest{term: %d, leaderId: %q, "+
		"election: %s}", msg.Term, msg.LeaderId, msg.ElectionId)
}

type RPCNewTermResponse struct {
	Term     Term
	Accepted bool
}

func (msg *RPCNewTermResponse) GetType() string {
	return "newTermResponse"
}

func (msg *RPCNewTermResponse) String() string {
	return fmt.Sprintf("NewTermResponse{term: %d, accepted: %v}",
		msg.Term, msg.Accepted)
}

// Log transfer, used to align the leader log of the engine with the log of
// a newly elected leader.
type RPCLogRequest struct {
	From LogIndex
}

func (msg *RPCLogRequest) GetType() string {
	return "logRequest"
}

func (msg *RPCLogRequest) String() string {
	return fmt.Sprintf("LogRequest{from: %d}", msg.From)
}

type RPCLogResponse struct {
	Entries []LogEntry
}

func (msg *RPCLogResponse) GetType() string {
	return "logResponse"
}

func (msg *RPCLogResponse) String() string {
	return fmt.Sprintf("LogResponse{%d entries}", len(msg.Entries))
}

// Byzantine three-phase agreement.
type RPCPrePrepareRequest struct {
	Proposal ProposalInfo
}

func (msg *RPCPrePrepareRequest) GetType() string {
	return "prePrepareRequest"
}

func (msg *RPCPrePrepareRequest) String() string {
	return fmt.Sprintf("PrePrepareRequest{proposal: %q}", msg.Proposal.Id)
}

type RPCPrepareRequest struct {
	ProposalId ProposalId
}

func (msg *RPCPrepareRequest) GetType() string {
	return "prepareRequest"
}

func (msg *RPCPrepareRequest) String() string {
	return fmt.Sprintf("PrepareRequest{proposal: %q}", msg.ProposalId)
}

type RPCCommitRequest struct {
	ProposalId ProposalId
}

func (msg *RPCCommitRequest) GetType() string {
	return "commitRequest"
}

func (msg *RPCCommitRequest) String() string {
	return fmt.Sprintf("CommitRequest{proposal: %q}", msg.ProposalId)
}

// Gossip dissemination and voting.
type RPCGossipRequest struct {
	Proposal ProposalInfo
}

func (msg *RPCGossipRequest) GetType() string {
	return "gossipRequest"
}

func (msg *RPCGossipRequest) String() string {
	return fmt.Sprintf("GossipRequest{proposal: %q}", msg.Proposal.Id)
}

type RPCVoteRequest struct {
	Proposal ProposalInfo
}

func (msg *RPCVoteRequest) GetType() string {
	return "voteRequest"
}

func (msg *RPCVoteRequest) String() string {
	return fmt.Sprintf("VoteRequest{proposal: %q}", msg.Proposal.Id)
}

type RPCVoteResponse struct {
	Vote    Vote
	Granted bool
}

func (msg *RPCVoteResponse) GetType() string {
	return "voteResponse"
}

func (msg *RPCVoteResponse) String() string {
	return fmt.Sprintf("VoteResponse{vote: %s, granted: %v}",
		msg.Vote, msg.Granted)
}

type RPCAck struct {
}

func (msg *RPCAck) GetType() string {
	return "ack"
}

func (msg *RPCAck) String() string {
	return "Ack{}"
}

func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value RPCMsg `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg RPCMsg

	switch value.Type {
	case "appendEntriesRequest":
		msg = &RPCAppendEntriesRequest{}
	case "appendEntriesResponse":
		msg = &RPCAppendEntriesResponse{}
	case "newTermRequest":
		msg = &RPCNewTermRequest{}
	case "newTermResponse":
		msg = &RPCNewTermResponse{}
	case "logRequest":
		msg = &RPCLogRequest{}
	case "logResponse":
		msg = &RPCLogResponse{}
	case "prePrepareRequest":
		msg = &RPCPrePrepareRequest{}
	case "prepareRequest":
		msg = &RPCPrepareRequest{}
	case "commitRequest":
		msg = &RPCCommitRequest{}
	case "gossipRequest":
		msg = &RPCGossipRequest{}
	case "voteRequest":
		msg = &RPCVoteRequest{}
	case "voteResponse":
		msg = &RPCVoteResponse{}
	case "ack":
		msg = &RPCAck{}
	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return nil, err
	}

	return msg, nil
}
