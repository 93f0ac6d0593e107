package hive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galdor/go-hive/pkg/consensus"
	"github.com/galdor/go-hive/pkg/coordination"
	"github.com/galdor/go-hive/pkg/store"
)

const (
	AgentKeyPrefix      = "hive/agents/"
	TaskResultKeyPrefix = "hive/task-results/"
	EventKeyPrefix      = "hive/events/"

	DefaultEventTTL        = time.Hour
	DefaultJanitorInterval = 10 * time.Second
)

type Cfg struct {
	Logger Logger

	Store        store.StoreCfg
	Engine       consensus.EngineCfg
	Coordination coordination.CoordinatorCfg

	// Broadcast messages expire after EventTTL
	EventTTL        time.Duration
	JanitorInterval time.Duration
}

type Metrics struct {
	TasksCompleted    int64 `json:"tasksCompleted"`
	TasksFailed       int64 `json:"tasksFailed"`
	ProposalsAccepted int64 `json:"proposalsAccepted"`
	ProposalsRejected int64 `json:"proposalsRejected"`
	Broadcasts        int64 `json:"broadcasts"`
}

type Status struct {
	Consensus    consensus.Status    `json:"consensus"`
	Store        store.Stats         `json:"store"`
	Coordination coordination.Status `json:"coordination"`
	Metrics      Metrics             `json:"metrics"`
}

// Hive ties the shared store, the consensus engine and the coordination
// layer together.
type Hive struct {
	Cfg Cfg
	Log Logger

	store       *store.Store
	engine      *consensus.Engine
	coordinator *coordination.Coordinator

	nbTasksCompleted    atomic.Int64
	nbTasksFailed       atomic.Int64
	nbProposalsAccepted atomic.Int64
	nbProposalsRejected atomic.Int64
	nbBroadcasts        atomic.Int64

	janitorCancel context.CancelFunc
	wg            sync.WaitGroup
}

func New(cfg Cfg) (*Hive, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.EventTTL == 0 {
		cfg.EventTTL = DefaultEventTTL
	}

	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}

	h := &Hive{
		Cfg: cfg,
		Log: cfg.Logger,
	}

	storeCfg := cfg.Store
	if storeCfg.Logger == nil {
		storeCfg.Logger = cfg.Logger
	}

	s, err := store.NewStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create store: %w", err)
	}
	h.store = s

	engineCfg := cfg.Engine
	if engineCfg.Logger == nil {
		engineCfg.Logger = cfg.Logger
	}
	if engineCfg.Store == nil {
		engineCfg.Store = s
	}

	engine, err := consensus.NewEngine(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create consensus engine: %w", err)
	}
	h.engine = engine

	coordinationCfg := cfg.Coordination
	if coordinationCfg.Logger == nil {
		coordinationCfg.Logger = cfg.Logger
	}
	if coordinationCfg.Reputation == nil {
		coordinationCfg.Reputation = &reputationSink{engine: engine}
	}

	coordinator, err := coordination.NewCoordinator(coordinationCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create coordinator: %w", err)
	}
	h.coordinator = coordinator

	return h, nil
}

func (h *Hive) Start(errorChan chan<- error) error {
	h.Log.Info("starting")

	if err := h.engine.Start(errorChan); err != nil {
		return fmt.Errorf("cannot start consensus engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.janitorCancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.store.RunJanitor(ctx, h.Cfg.JanitorInterval)
	}()

	return nil
}

func (h *Hive) Stop() {
	h.Log.Info("stopping")

	if h.janitorCancel != nil {
		h.janitorCancel()
	}
	h.wg.Wait()

	h.engine.Stop()
	h.store.Wait()
}

func (h *Hive) Store() *store.Store {
	return h.store
}

func (h *Hive) Engine() *consensus.Engine {
	return h.engine
}

func (h *Hive) Coordinator() *coordination.Coordinator {
	return h.coordinator
}

func (h *Hive) ProposeChange(ctx context.Context, proposerId string, content consensus.Content) (*consensus.Result, error) {
	res, err := h.engine.ProposeChange(ctx, consensus.NodeId(proposerId), content)

	var rejectionErr *consensus.RejectionError

	switch {
	case err == nil:
		h.nbProposalsAccepted.Add(1)
	case errors.As(err, &rejectionErr):
		h.nbProposalsRejected.Add(1)
		h.Log.Info("proposal %s rejected (%s)", rejectionErr.ProposalId,
			rejectionErr.Reason)
	}

	return res, err
}

// Broadcast publishes a message for the subscribers of a topic. Messages are
// stored under hive/events/<topic>/<id> and expire after the event TTL.
func (h *Hive) Broadcast(from, topic string, payload interface{}) (*Message, error) {
	if topic == "" {
		return nil, fmt.Errorf("missing or empty topic")
	}

	msg := Message{
		Id:        newId(),
		From:      from,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	opts := store.PutOptions{
		TTL:      h.Cfg.EventTTL,
		Metadata: map[string]interface{}{"from": from},
	}

	if _, err := h.store.Put(msg.Key(), &msg, &opts); err != nil {
		return nil, fmt.Errorf("cannot store message: %w", err)
	}

	h.nbBroadcasts.Add(1)

	h.Log.Debug(1, "message %s broadcast by %q on %q", msg.Id, from, topic)

	return &msg, nil
}

// Subscribe calls fn for each message broadcast on a topic matching a glob
// pattern.
func (h *Hive) Subscribe(topicPattern string, fn func(*Message)) store.SubscriptionId {
	callback := func(ev store.Event) error {
		msg, ok := ev.Value.(*Message)
		if !ok {
			return fmt.Errorf("unexpected value %#v for key %q", ev.Value, ev.Key)
		}

		fn(msg)
		return nil
	}

	return h.store.Subscribe(EventKeyPrefix+topicPattern+"/*",
		[]store.EventType{store.EventStore}, callback)
}

func (h *Hive) Unsubscribe(id store.SubscriptionId) bool {
	return h.store.Unsubscribe(id)
}

func (h *Hive) Metrics() Metrics {
	return Metrics{
		TasksCompleted:    h.nbTasksCompleted.Load(),
		TasksFailed:       h.nbTasksFailed.Load(),
		ProposalsAccepted: h.nbProposalsAccepted.Load(),
		ProposalsRejected: h.nbProposalsRejected.Load(),
		Broadcasts:        h.nbBroadcasts.Load(),
	}
}

func (h *Hive) Status() Status {
	return Status{
		Consensus:    h.engine.Status(),
		Store:        h.store.Stats(),
		Coordination: h.coordinator.Status(),
		Metrics:      h.Metrics(),
	}
}

type reputationSink struct {
	engine *consensus.Engine
}

func (s *reputationSink) SetNodeReputation(id string, reputation float64) error {
	return s.engine.SetReputation(consensus.NodeId(id), reputation)
}
