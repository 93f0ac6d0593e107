package main

import (
	"fmt"
	"sort"

	"github.com/galdor/go-hive/pkg/consensus"
	"github.com/galdor/go-hive/pkg/coordination"
	"github.com/galdor/go-hive/pkg/hive"
	"github.com/galdor/go-hive/pkg/store"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	nodeId string

	hive      *hive.Hive
	transport *consensus.HTTPTransport
	apiServer *APIServer
}

func NewService() *Service {
	s := Service{
		Cfg: ServiceCfg{
			Hive: DefaultHiveCfg(),
		},
	}

	return &s
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the identifier of the local node")

	p.AddOption("", "nodes", "path", "",
		"a yaml file containing the nodes to register at startup")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               s.Cfg.Hive.APIAddress,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.nodeId = s.Program.ArgumentValue("id")

	if err := s.initHive(); err != nil {
		return err
	}

	if err := s.initNodes(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initHive() error {
	hiveCfg := &s.Cfg.Hive

	logger := s.Log.Child("hive", log.Data{
		"node": s.nodeId,
	})

	engineCfg := hiveCfg.EngineCfg()
	engineCfg.Logger = s.Log.Child("consensus", log.Data{
		"protocol": string(hiveCfg.Protocol),
	})
	engineCfg.NodeLogger = func(id consensus.NodeId) consensus.Logger {
		return s.Log.Child("node", log.Data{
			"node": string(id),
		})
	}

	if transportCfg := hiveCfg.HTTPTransportCfg(); transportCfg != nil {
		transportCfg.Logger = s.Log.Child("rpc", log.Data{})

		s.transport = consensus.NewHTTPTransport(*transportCfg)
		engineCfg.Transport = s.transport
	}

	cfg := hive.Cfg{
		Logger: logger,

		Store: store.StoreCfg{
			Logger:     s.Log.Child("store", log.Data{}),
			MaxHistory: hiveCfg.MaxHistory,
		},

		Engine: engineCfg,

		Coordination: coordination.CoordinatorCfg{
			Logger: s.Log.Child("coordination", log.Data{}),
		},

		EventTTL:        milliseconds(hiveCfg.EventTTL),
		JanitorInterval: milliseconds(hiveCfg.JanitorInterval),
	}

	h, err := hive.New(cfg)
	if err != nil {
		return fmt.Errorf("cannot create hive: %w", err)
	}

	s.hive = h

	return nil
}

func (s *Service) initNodes() error {
	nodes := make(NodeSet)

	for id, spec := range s.Cfg.Hive.Nodes {
		nodes[id] = spec
	}

	if s.Program.IsOptionSet("nodes") {
		filePath := s.Program.OptionValue("nodes")

		fileNodes, err := LoadNodesFile(filePath)
		if err != nil {
			return fmt.Errorf("cannot load nodes: %w", err)
		}

		for id, spec := range fileNodes {
			nodes[id] = spec
		}
	}

	if _, found := nodes[s.nodeId]; !found {
		nodes[s.nodeId] = hive.AgentSpec{}
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := s.hive.RegisterAgent(id, nodes[id]); err != nil {
			return fmt.Errorf("cannot register node %q: %w", id, err)
		}
	}

	s.Log.Info("%d nodes registered", len(ids))

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if s.transport != nil {
		if err := s.transport.Start(ss.ErrorChan()); err != nil {
			return fmt.Errorf("cannot start rpc server: %w", err)
		}
	}

	if err := s.hive.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start hive: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.hive.Stop()

	if s.transport != nil {
		s.transport.Stop()
	}
}

func (s *Service) Terminate(ss *service.Service) {
}
