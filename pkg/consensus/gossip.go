package consensus

import (
	"context"
	"math"
	"time"
)

// SupportRatio returns the share of the total reputation held by supporting
// nodes.
func SupportRatio(supportReputation, totalReputation float64) float64 {
	if totalReputation <= 0 {
		return 0
	}

	return supportReputation / totalReputation
}

func (e *Engine) gossipRound(ctx context.Context, ps *proposalState) (*Result, error) {
	proposerId := ps.p.Proposer

	nodes := e.Nodes()

	nodeIds := make([]NodeId, len(nodes))
	reputations := make(map[NodeId]float64, len(nodes))
	var totalReputation float64

	for i, node := range nodes {
		nodeIds[i] = node.Id
		reputations[node.Id] = node.Reputation
		totalReputation += node.Reputation
	}

	// Dissemination
	targets := e.gossipTargets(nodeIds)

	gossip := RPCGossipRequest{Proposal: ps.info()}
	nbReceived := e.broadcast(ctx, proposerId, targets, &gossip)

	e.Log.Debug(1, "proposal %s gossiped to %d/%d nodes",
		ps.p.Id, nbReceived, len(targets))

	if e.Cfg.GossipDelay > 0 {
		timer := time.NewTimer(e.Cfg.GossipDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	// Voting
	vote := RPCVoteRequest{Proposal: ps.info()}
	votes := e.collectVotes(ctx, proposerId, nodeIds, &vote)

	var supportReputation float64
	for id, res := range votes {
		ps.setVote(id, res.Vote)

		if res.Vote == VoteSupport {
			supportReputation += reputations[id]
		}
	}

	ratio := SupportRatio(supportReputation, totalReputation)

	e.Log.Debug(1, "proposal %s: support ratio %.3f", ps.p.Id, ratio)

	var result *Result
	if ratio > 0.5 {
		result = e.accept(ps)
	} else {
		result = e.reject(ps, ReasonInsufficientSupport)
	}

	result.SupportRatio = ratio

	return result, nil
}

// gossipTargets picks a random subset of nodes of size
// ceil(N * GossipFanout).
func (e *Engine) gossipTargets(nodeIds []NodeId) []NodeId {
	n := int(math.Ceil(float64(len(nodeIds)) * e.Cfg.GossipFanout))
	if n > len(nodeIds) {
		n = len(nodeIds)
	}

	e.randMu.Lock()
	perm := e.randGenerator.Perm(len(nodeIds))
	e.randMu.Unlock()

	targets := make([]NodeId, n)
	for i := 0; i < n; i++ {
		targets[i] = nodeIds[perm[i]]
	}

	return targets
}
