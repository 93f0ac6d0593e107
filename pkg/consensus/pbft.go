package consensus

import (
	"context"
	"math"
)

// RequiredAgreement returns the number of valid votes a pBFT phase needs
// with nbNodes registered nodes.
func RequiredAgreement(nbNodes int, faultTolerance float64) int {
	f := int(math.Floor(float64(nbNodes) * faultTolerance))
	return nbNodes - f
}

func (e *Engine) pbftRound(ctx context.Context, ps *proposalState) (*Result, error) {
	proposerId := ps.p.Proposer

	nodeIds := e.nodeIds()
	required := RequiredAgreement(len(nodeIds), e.faultTolerance)

	// Pre-prepare
	prePrepare := RPCPrePrepareRequest{Proposal: ps.info()}
	nbReceived := e.broadcast(ctx, proposerId, nodeIds, &prePrepare)

	e.Log.Debug(1, "proposal %s pre-prepared on %d/%d nodes",
		ps.p.Id, nbReceived, len(nodeIds))

	// Prepare
	prepare := RPCPrepareRequest{ProposalId: ps.p.Id}
	nbPrepared := e.tallyPBFTVotes(ctx, ps, nodeIds, &prepare, VotePrepare)

	e.Log.Debug(1, "proposal %s: %d prepare votes (%d required)",
		ps.p.Id, nbPrepared, required)

	if nbPrepared < required {
		return e.reject(ps, ReasonInsufficientPrepareVotes), nil
	}

	// Commit
	commit := RPCCommitRequest{ProposalId: ps.p.Id}
	nbCommitted := e.tallyPBFTVotes(ctx, ps, nodeIds, &commit, VoteCommit)

	e.Log.Debug(1, "proposal %s: %d commit votes (%d required)",
		ps.p.Id, nbCommitted, required)

	if nbCommitted < required {
		return e.reject(ps, ReasonInsufficientCommitVotes), nil
	}

	return e.accept(ps), nil
}

func (e *Engine) tallyPBFTVotes(ctx context.Context, ps *proposalState, nodeIds []NodeId, msg RPCMsg, phase Vote) int {
	votes := e.collectVotes(ctx, ps.p.Proposer, nodeIds, msg)

	n := 0
	for id, vote := range votes {
		if vote.Granted {
			ps.setVote(id, phase)
			n++
		}
	}

	return n
}
