package main

import (
	"fmt"
	"os"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-hive/pkg/consensus"
	"github.com/galdor/go-hive/pkg/hive"
	"github.com/galdor/go-service/pkg/service"
	"gopkg.in/yaml.v3"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Hive    HiveCfg            `json:"hive"`
}

// Durations are expressed in milliseconds.
type HiveCfg struct {
	APIAddress string `json:"apiAddress"`

	Protocol       consensus.Protocol `json:"protocol"`
	FaultTolerance float64            `json:"faultTolerance"`
	MinReputation  float64            `json:"minReputation"`
	GossipFanout   float64            `json:"gossipFanout"`
	GossipDelay    int                `json:"gossipDelay"`
	RoundTimeout   int                `json:"roundTimeout"`

	// A null heartbeat interval disables heartbeats
	HeartbeatInterval  int `json:"heartbeatInterval"`
	MinElectionTimeout int `json:"minElectionTimeout"`
	MaxElectionTimeout int `json:"maxElectionTimeout"`

	MaxHistory      int `json:"maxHistory"`
	EventTTL        int `json:"eventTTL"`
	JanitorInterval int `json:"janitorInterval"`

	Nodes NodeSet `json:"nodes"`

	// Nodes hosted by other processes are reached through their RPC server
	RPCAddress string            `json:"rpcAddress,omitempty"`
	Peers      map[string]string `json:"peers,omitempty"`
}

type NodeSet map[string]hive.AgentSpec

func DefaultHiveCfg() HiveCfg {
	return HiveCfg{
		APIAddress: "localhost:8081",

		Protocol:       consensus.ProtocolRaft,
		FaultTolerance: 0.33,
		MinReputation:  0.5,
		GossipFanout:   0.6,
		GossipDelay:    10,
		RoundTimeout:   5000,

		HeartbeatInterval:  50,
		MinElectionTimeout: 500,
		MaxElectionTimeout: 1000,

		MaxHistory:      100,
		EventTTL:        3_600_000,
		JanitorInterval: 10_000,
	}
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("hive", &cfg.Hive)
}

func (cfg *HiveCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("apiAddress", cfg.APIAddress)

	v.Check("protocol", cfg.Protocol.Valid(), "invalid_protocol",
		"protocol must be one of raft, pbft and gossip")

	v.Check("faultTolerance", cfg.FaultTolerance >= 0 && cfg.FaultTolerance < 1,
		"invalid_fault_tolerance", "fault tolerance must be in [0,1[")

	v.Check("minReputation", cfg.MinReputation >= 0 && cfg.MinReputation <= 1,
		"invalid_reputation", "minimum reputation must be in [0,1]")

	v.Check("gossipFanout", cfg.GossipFanout >= 0.6 && cfg.GossipFanout <= 1,
		"invalid_gossip_fanout", "gossip fanout must be in [0.6,1]")

	v.Check("gossipDelay", cfg.GossipDelay >= 0,
		"invalid_duration", "duration must be positive")

	v.Check("roundTimeout", cfg.RoundTimeout > 0,
		"invalid_duration", "duration must be strictly positive")

	v.Check("heartbeatInterval", cfg.HeartbeatInterval >= 0,
		"invalid_duration", "duration must be positive")

	v.Check("minElectionTimeout", cfg.MinElectionTimeout > 0,
		"invalid_duration", "duration must be strictly positive")

	v.Check("maxElectionTimeout",
		cfg.MaxElectionTimeout >= cfg.MinElectionTimeout,
		"invalid_duration", "maximum election timeout must be greater or "+
			"equal to the minimum election timeout")

	v.Check("maxHistory", cfg.MaxHistory >= 0,
		"invalid_history_size", "history size must be positive")

	v.Check("eventTTL", cfg.EventTTL > 0,
		"invalid_duration", "duration must be strictly positive")

	v.Check("janitorInterval", cfg.JanitorInterval > 0,
		"invalid_duration", "duration must be strictly positive")

	v.CheckObject("nodes", cfg.Nodes)

	v.WithChild("peers", func() {
		for id, address := range cfg.Peers {
			v.CheckStringNotEmpty(id, address)
		}
	})
}

func (nodes NodeSet) ValidateJSON(v *jsonvalidator.Validator) {
	for id, spec := range nodes {
		v.WithChild(id, func() {
			checkAgentSpec(v, &spec)
		})
	}
}

func checkAgentSpec(v *jsonvalidator.Validator, spec *hive.AgentSpec) {
	v.Check("capacity", spec.Capacity >= 0,
		"invalid_capacity", "capacity must be positive")

	if spec.Reputation != nil {
		r := *spec.Reputation
		v.Check("reputation", r >= 0 && r <= 1,
			"invalid_reputation", "reputation must be in [0,1]")
	}
}

func (cfg *HiveCfg) EngineCfg() consensus.EngineCfg {
	faultTolerance := cfg.FaultTolerance
	minReputation := cfg.MinReputation

	return consensus.EngineCfg{
		Protocol: cfg.Protocol,

		FaultTolerance: &faultTolerance,
		MinReputation:  &minReputation,

		GossipFanout: cfg.GossipFanout,
		GossipDelay:  milliseconds(cfg.GossipDelay),

		RoundTimeout: milliseconds(cfg.RoundTimeout),

		DisableHeartbeats:  cfg.HeartbeatInterval == 0,
		HeartbeatInterval:  milliseconds(cfg.HeartbeatInterval),
		MinElectionTimeout: milliseconds(cfg.MinElectionTimeout),
		MaxElectionTimeout: milliseconds(cfg.MaxElectionTimeout),
	}
}

// HTTPTransportCfg returns nil when every node is hosted by the local
// process.
func (cfg *HiveCfg) HTTPTransportCfg() *consensus.HTTPTransportCfg {
	if cfg.RPCAddress == "" && len(cfg.Peers) == 0 {
		return nil
	}

	peers := make(map[consensus.NodeId]string, len(cfg.Peers))
	for id, address := range cfg.Peers {
		peers[consensus.NodeId(id)] = address
	}

	return &consensus.HTTPTransportCfg{
		LocalAddress: cfg.RPCAddress,
		Peers:        peers,
	}
}

func milliseconds(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// LoadNodesFile reads a YAML document mapping node identifiers to agent
// specifications.
func LoadNodesFile(filePath string) (NodeSet, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	var nodes NodeSet
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("cannot decode yaml data: %w", err)
	}

	for id, spec := range nodes {
		if spec.Capacity < 0 {
			return nil, fmt.Errorf("node %q: invalid negative capacity", id)
		}

		if r := spec.Reputation; r != nil && (*r < 0 || *r > 1) {
			return nil, fmt.Errorf("node %q: invalid reputation %v", id, *r)
		}
	}

	return nodes, nil
}
