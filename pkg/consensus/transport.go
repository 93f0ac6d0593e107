package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrUnreachable = errors.New("node unreachable")

type RPCHandler interface {
	HandleRPC(ctx context.Context, sourceId NodeId, msg RPCMsg) (RPCMsg, error)
}

// Transport carries messages between nodes. Send blocks until the recipient
// has processed the message or ctx is done.
type Transport interface {
	Register(NodeId, RPCHandler)
	Send(ctx context.Context, sourceId, recipientId NodeId, msg RPCMsg) (RPCMsg, error)
}

// ChannelTransport delivers messages to node actors running in the same
// process. Nodes can be isolated to simulate network partitions, and delayed
// to simulate slow links.
type ChannelTransport struct {
	handlers map[NodeId]RPCHandler
	isolated map[NodeId]bool
	delays   map[NodeId]time.Duration

	mu sync.RWMutex
}

func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{
		handlers: make(map[NodeId]RPCHandler),
		isolated: make(map[NodeId]bool),
		delays:   make(map[NodeId]time.Duration),
	}
}

func (t *ChannelTransport) Register(id NodeId, h RPCHandler) {
	t.mu.Lock()
	t.handlers[id] = h
	t.mu.Unlock()
}

// Isolate drops every message sent to or by a node.
func (t *ChannelTransport) Isolate(ids ...NodeId) {
	t.mu.Lock()
	for _, id := range ids {
		t.isolated[id] = true
	}
	t.mu.Unlock()
}

func (t *ChannelTransport) Reconnect(ids ...NodeId) {
	t.mu.Lock()
	for _, id := range ids {
		delete(t.isolated, id)
	}
	t.mu.Unlock()
}

// SetDelay delays the delivery of every message sent to a node.
func (t *ChannelTransport) SetDelay(id NodeId, delay time.Duration) {
	t.mu.Lock()
	if delay > 0 {
		t.delays[id] = delay
	} else {
		delete(t.delays, id)
	}
	t.mu.Unlock()
}

func (t *ChannelTransport) Send(ctx context.Context, sourceId, recipientId NodeId, msg RPCMsg) (RPCMsg, error) {
	t.mu.RLock()
	h := t.handlers[recipientId]
	isolated := t.isolated[sourceId] || t.isolated[recipientId]
	delay := t.delays[recipientId]
	t.mu.RUnlock()

	if h == nil {
		return nil, fmt.Errorf("%w: unknown node %q", ErrUnreachable, recipientId)
	}

	if isolated {
		return nil, fmt.Errorf("%w: %q", ErrUnreachable, recipientId)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return h.HandleRPC(ctx, sourceId, msg)
}
