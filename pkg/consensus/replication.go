package consensus

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// raftRound appends the proposal to the leader log and replicates it. The
// entry commits once a majority of all registered nodes, leader included,
// has stored it.
func (e *Engine) raftRound(ctx context.Context, ps *proposalState) (*Result, error) {
	leaderId, term, err := e.ensureLeader(ctx, ps.p.Proposer)
	if err != nil {
		return nil, err
	}

	entry := e.logStore.Append(term, ps.p.Id)

	e.Log.Debug(1, "proposal %s appended at index %d in term %d",
		ps.p.Id, entry.Index, term)

	nodeIds := e.nodeIds()
	nbRequiredAcks := len(nodeIds)/2 + 1

	var nbAcks int64
	var leaderAck atomic.Bool

	var g errgroup.Group
	for _, id := range nodeIds {
		id := id
		g.Go(func() error {
			// The leader appends to its own log through the transport like
			// any other node, which is its own acknowledgement.
			if e.replicate(ctx, leaderId, id, term, entry.Index) {
				atomic.AddInt64(&nbAcks, 1)
				ps.setVote(id, VoteSupport)

				if id == leaderId {
					leaderAck.Store(true)
				}
			}

			return nil
		})
	}
	g.Wait()

	e.Log.Debug(1, "proposal %s: %d/%d acks (%d required)",
		ps.p.Id, nbAcks, len(nodeIds), nbRequiredAcks)

	// Engines align their log on the leader after each election, so the
	// leader must hold every committed entry.
	if int(nbAcks) < nbRequiredAcks || !leaderAck.Load() {
		// The entry stays in the log but is never committed
		return e.reject(ps, ReasonInsufficientReplications), nil
	}

	if !e.logStore.CommitEntry(entry) {
		e.Log.Error("entry %d of proposal %s was replaced during replication",
			entry.Index, ps.p.Id)
		return e.reject(ps, ReasonInsufficientReplications), nil
	}

	e.notifyCommit(leaderId, term, entry, nodeIds)

	return e.accept(ps), nil
}

// ensureLeader elects a leader unless the proposer already is the live
// leader.
func (e *Engine) ensureLeader(ctx context.Context, proposerId NodeId) (NodeId, Term, error) {
	leaderId, term := e.Leader()

	if leaderId != "" && leaderId == proposerId {
		if p, err := e.peer(leaderId); err == nil && p.live() {
			return leaderId, term, nil
		}
	}

	return e.ElectLeader(ctx)
}

// replicate sends the entries the node is missing up to index and returns
// true if the node has stored them.
func (e *Engine) replicate(ctx context.Context, leaderId, id NodeId, term Term, index LogIndex) bool {
	prevIndex := index - 1

	for {
		req := RPCAppendEntriesRequest{
			Term:         term,
			LeaderId:     leaderId,
			PrevLogIndex: prevIndex,
			Entries:      e.logStore.EntriesFrom(prevIndex+1, index),
		}

		if prevEntry, found := e.logStore.Entry(prevIndex); found {
			req.PrevLogTerm = prevEntry.Term
			req.PrevProposalId = prevEntry.ProposalId
		}

		res, err := e.transport.Send(ctx, leaderId, id, &req)
		if err != nil {
			e.Log.Debug(2, "cannot replicate entry %d to %s: %v", index, id, err)
			return false
		}

		aeRes, ok := res.(*RPCAppendEntriesResponse)
		if !ok {
			e.Log.Error("unexpected response %v from %s", res, id)
			return false
		}

		if aeRes.Success {
			return aeRes.LastIndex >= index
		}

		if aeRes.Term > term {
			e.observeTerm(aeRes.Term)
			return false
		}

		if aeRes.Conflict {
			e.Log.Error("node %s holds entries conflicting with entry %d",
				id, index)
			return false
		}

		if aeRes.LastIndex >= prevIndex {
			// The node refused the entry for another reason
			return false
		}

		e.Log.Debug(2, "node %s is missing entries after %d", id, aeRes.LastIndex)

		prevIndex = aeRes.LastIndex
	}
}

// notifyCommit lets followers mark the entry committed in their own log. It
// runs in the background; followers which miss it keep the entry
// uncommitted. Nodes only commit the entry if they hold the same one.
func (e *Engine) notifyCommit(leaderId NodeId, term Term, entry LogEntry, nodeIds []NodeId) {
	if !e.track() {
		return
	}

	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(),
			e.Cfg.RoundTimeout)
		defer cancel()

		req := RPCAppendEntriesRequest{
			Term:           term,
			LeaderId:       leaderId,
			PrevLogIndex:   entry.Index,
			PrevLogTerm:    entry.Term,
			PrevProposalId: entry.ProposalId,
			Commit:         entry.Index,
		}

		e.broadcast(ctx, leaderId, nodeIds, &req)
	}()
}
