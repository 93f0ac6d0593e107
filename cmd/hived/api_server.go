package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-hive/pkg/consensus"
	"github.com/galdor/go-hive/pkg/hive"
	"github.com/galdor/go-hive/pkg/store"
	"github.com/galdor/go-service/pkg/shttp"
)

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	// Keys are hierarchical and contain slashes, so they are passed as query
	// parameters instead of path segments.
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/entry", "GET", api.hStoreEntryGET)
	api.Route("/store/entry", "PUT", api.hStoreEntryPUT)
	api.Route("/store/entry", "DELETE", api.hStoreEntryDELETE)

	api.Route("/nodes", "GET", api.hNodesGET)
	api.Route("/nodes", "POST", api.hNodesPOST)

	api.Route("/proposals", "POST", api.hProposalsPOST)
	api.Route("/proposals/:id", "GET", api.hProposalsIdGET)

	api.Route("/status", "GET", api.hStatusGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) store() *store.Store {
	return api.Service.hive.Store()
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	pattern := h.QueryParameter("pattern")
	if pattern == "" {
		pattern = "*"
	}

	limit, err := intQueryParameter(h, "limit")
	if err != nil {
		h.ReplyError(400, "invalid_query_parameter", "invalid limit: %v", err)
		return
	}

	entries := api.store().FindByPattern(pattern, limit)
	if entries == nil {
		entries = []*store.Entry{}
	}

	h.ReplyJSON(200, entries)
}

func (api *APIServer) hStoreEntryGET(h *shttp.Handler) {
	key, ok := keyQueryParameter(h)
	if !ok {
		return
	}

	version, err := intQueryParameter(h, "version")
	if err != nil {
		h.ReplyError(400, "invalid_query_parameter", "invalid version: %v", err)
		return
	}

	opts := store.GetOptions{Version: store.Version(version)}

	entry, err := api.store().Get(key, &opts)
	if err != nil {
		replyStoreError(h, err)
		return
	}

	h.ReplyJSON(200, entry)
}

type PutRequest struct {
	Value           json.RawMessage        `json:"value"`
	TTL             int                    `json:"ttl,omitempty"` // milliseconds
	Owner           string                 `json:"owner,omitempty"`
	ExpectedVersion *store.Version         `json:"expectedVersion,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Lock            bool                   `json:"lock,omitempty"`
}

func (r *PutRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.Check("value", len(r.Value) > 0, "missing_value", "missing value")
	v.Check("ttl", r.TTL >= 0, "invalid_duration", "ttl must be positive")

	if r.Lock {
		v.CheckStringNotEmpty("owner", r.Owner)
	}
}

type PutResponse struct {
	Version store.Version `json:"version"`
}

func (api *APIServer) hStoreEntryPUT(h *shttp.Handler) {
	key, ok := keyQueryParameter(h)
	if !ok {
		return
	}

	var req PutRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	var value interface{}
	if err := json.Unmarshal(req.Value, &value); err != nil {
		h.ReplyError(400, "invalid_value", "cannot decode value: %v", err)
		return
	}

	opts := store.PutOptions{
		TTL:      milliseconds(req.TTL),
		Owner:    req.Owner,
		Metadata: req.Metadata,
		Lock:     req.Lock,
	}

	if req.ExpectedVersion != nil {
		opts.CheckVersion = true
		opts.ExpectedVersion = *req.ExpectedVersion
	}

	version, err := api.store().Put(key, value, &opts)
	if err != nil {
		replyStoreError(h, err)
		return
	}

	h.ReplyJSON(200, &PutResponse{Version: version})
}

func (api *APIServer) hStoreEntryDELETE(h *shttp.Handler) {
	key, ok := keyQueryParameter(h)
	if !ok {
		return
	}

	opts := store.DeleteOptions{
		Owner: h.QueryParameter("owner"),
		Force: h.QueryParameter("force") == "true",
	}

	if err := api.store().Delete(key, &opts); err != nil {
		replyStoreError(h, err)
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hNodesGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.hive.Engine().Nodes())
}

type NodeRequest struct {
	Id string `json:"id"`
	hive.AgentSpec
}

func (r *NodeRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("id", r.Id)
	checkAgentSpec(v, &r.AgentSpec)
}

func (api *APIServer) hNodesPOST(h *shttp.Handler) {
	var req NodeRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	agent, err := api.Service.hive.RegisterAgent(req.Id, req.AgentSpec)
	if err != nil {
		h.ReplyError(400, "invalid_node", "%v", err)
		return
	}

	h.ReplyJSON(201, agent)
}

type ProposalRequest struct {
	Proposer             string          `json:"proposer,omitempty"`
	Op                   string          `json:"op"`
	Key                  string          `json:"key"`
	Value                json.RawMessage `json:"value,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
}

func (r *ProposalRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.Check("op", r.Op == "put" || r.Op == "delete", "invalid_op",
		"op must be either put or delete")

	v.CheckStringNotEmpty("key", r.Key)

	if r.Op == "put" {
		v.Check("value", len(r.Value) > 0, "missing_value", "missing value")
	}
}

func (r *ProposalRequest) StoreOp() Op {
	if r.Op == "delete" {
		return &OpDelete{EntryKey: r.Key}
	}

	return &OpPut{EntryKey: r.Key, Value: r.Value}
}

func (api *APIServer) hProposalsPOST(h *shttp.Handler) {
	var req ProposalRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	proposer := req.Proposer
	if proposer == "" {
		proposer = api.Service.nodeId
	}

	content, err := api.Service.storeOpContent(req.StoreOp())
	if err != nil {
		h.ReplyError(400, "invalid_op", "%v", err)
		return
	}
	content.RequiredCapabilities = req.RequiredCapabilities

	ctx := h.Request.Context()

	res, err := api.Service.hive.ProposeChange(ctx, proposer, content)

	var rejectionErr *consensus.RejectionError

	switch {
	case err == nil:
		h.ReplyJSON(200, res)

	case errors.As(err, &rejectionErr):
		// A rejection is a normal outcome of a round
		h.ReplyJSON(200, res)

	case errors.Is(err, consensus.ErrNotFound):
		h.ReplyError(404, "unknown_node", "%v", err)

	case errors.Is(err, consensus.ErrNoLeader):
		h.ReplyError(503, "no_leader", "%v", err)

	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		h.ReplyError(504, "proposal_timeout", "%v", err)

	default:
		h.ReplyError(500, "internal_error", "%v", err)
	}
}

// storeOpContent builds the content of a proposal whose action applies a
// store operation once accepted.
func (s *Service) storeOpContent(op Op) (consensus.Content, error) {
	data, err := EncodeOp(op)
	if err != nil {
		return consensus.Content{}, err
	}

	action := func(ctx context.Context) error {
		op, err := DecodeOp(data)
		if err != nil {
			return err
		}

		return ApplyOp(s.hive.Store(), op)
	}

	content := consensus.Content{
		Data: map[string]interface{}{
			"op":  op.Name(),
			"key": op.Key(),
		},
		Action: action,
	}

	return content, nil
}

func (api *APIServer) hProposalsIdGET(h *shttp.Handler) {
	id := consensus.ProposalId(h.PathVariable("id"))

	proposal, err := api.Service.hive.Engine().Proposal(id)
	if err != nil {
		h.ReplyError(404, "unknown_proposal", "%v", err)
		return
	}

	h.ReplyJSON(200, proposal)
}

type StatusResponse struct {
	Node string `json:"node"`
	hive.Status
	Uptime float64 `json:"uptime"` // seconds
}

var startTime = time.Now()

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	res := StatusResponse{
		Node:   api.Service.nodeId,
		Status: api.Service.hive.Status(),
		Uptime: time.Since(startTime).Seconds(),
	}

	h.ReplyJSON(200, &res)
}

func keyQueryParameter(h *shttp.Handler) (string, bool) {
	key := h.QueryParameter("key")
	if key == "" {
		h.ReplyError(400, "missing_query_parameter",
			"missing or empty query parameter %q", "key")
		return "", false
	}

	return key, true
}

func intQueryParameter(h *shttp.Handler, name string) (int, error) {
	s := h.QueryParameter(name)
	if s == "" {
		return 0, nil
	}

	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, errors.New("invalid positive integer")
	}

	return i, nil
}

func replyStoreError(h *shttp.Handler, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.ReplyError(404, "entry_not_found", "%v", err)
	case errors.Is(err, store.ErrLocked):
		h.ReplyError(http.StatusLocked, "entry_locked", "%v", err)
	case errors.Is(err, store.ErrVersionConflict):
		h.ReplyError(409, "version_conflict", "%v", err)
	default:
		h.ReplyError(500, "internal_error", "%v", err)
	}
}
