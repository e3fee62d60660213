// Package httpapi exposes the governance surface over a chi router. Every
// response uses the APIResponse envelope; taxonomy failures surface as 4xx
// with their code, never as 500.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pocketbrain/pocketbrain/internal/approval"
	"github.com/pocketbrain/pocketbrain/internal/config"
	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/engine"
	"github.com/pocketbrain/pocketbrain/internal/gate"
	"github.com/pocketbrain/pocketbrain/internal/mcpserver"
	"github.com/pocketbrain/pocketbrain/internal/observability"
	"github.com/pocketbrain/pocketbrain/internal/policy"
	"github.com/pocketbrain/pocketbrain/internal/proposal"
	"github.com/pocketbrain/pocketbrain/internal/registry"
	"github.com/pocketbrain/pocketbrain/internal/reqcontext"
	"github.com/pocketbrain/pocketbrain/internal/secret"
	"github.com/pocketbrain/pocketbrain/internal/storage"
	"github.com/pocketbrain/pocketbrain/internal/swarm"
)

const requestTimeout = 60 * time.Second

// Server is the HTTP API server
type Server struct {
	cfg       *config.Config
	store     *storage.Store
	registry  *registry.Registry
	proposals *proposal.Manager
	approvals *approval.Gate
	engine    *engine.Engine
	mcp       *mcpserver.Service
	swarm     *swarm.Coordinator
	metrics   *observability.Metrics
	logger    *zap.SugaredLogger
	router    *chi.Mux
}

// NewServer wires the router over the governance services
func NewServer(
	cfg *config.Config,
	store *storage.Store,
	reg *registry.Registry,
	proposals *proposal.Manager,
	approvals *approval.Gate,
	eng *engine.Engine,
	mcp *mcpserver.Service,
	swarmCoord *swarm.Coordinator,
	metrics *observability.Metrics,
	logger *zap.SugaredLogger,
) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		proposals: proposals,
		approvals: approvals,
		engine:    eng,
		mcp:       mcp,
		swarm:     swarmCoord,
		metrics:   metrics,
		logger:    logger.Named("httpapi"),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.correlationIDMiddleware())

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(s.apiKeyAuthMiddleware())
		r.Use(s.requestMetaMiddleware())

		r.Route("/tools", func(r chi.Router) {
			r.Get("/registry", s.handleListRegistry)
			r.Get("/policy", s.handleGetPolicy)
			r.Post("/policy", s.handleUpdatePolicy)
			r.Get("/proposals", s.handleListProposals)
			r.Post("/proposals", s.handleCreateProposal)
			r.Get("/proposals/{id}", s.handleGetProposal)
			r.Post("/execute", s.handleExecute)
			r.Get("/runs", s.handleListRuns)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Post("/", s.handleCreateApproval)
			r.Get("/{id}", s.handleGetApproval)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/reject", s.handleReject)
		})

		r.Route("/mcp/servers", func(r chi.Router) {
			r.Get("/", s.handleListMCPServers)
			r.Post("/", s.handleCreateMCPServer)
			r.Get("/{id}", s.handleGetMCPServer)
			r.Post("/{id}/start", s.handleStartMCPServer)
			r.Post("/{id}/stop", s.handleStopMCPServer)
			r.Post("/{id}/test", s.handleTestMCPServer)
			r.Delete("/{id}", s.handleDeleteMCPServer)
			r.Get("/{id}/logs", s.handleMCPServerLogs)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/run", s.handleRunAgents)
			r.Get("/run", s.handleListAgentRuns)
			r.Post("/run/{id}/cancel", s.handleCancelAgents)
		})

		r.Get("/canvas", s.handleListCanvas)
		r.Get("/audit", s.handleListAudit)
	})
}

// apiKeyAuthMiddleware requires the admin token on every API route. An
// unset key means the surface is closed, not open.
func (s *Server) apiKeyAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.APIKey == "" {
				s.writeError(w, http.StatusUnauthorized, "API key authentication required but not configured")
				return
			}
			if !validAPIKey(r, s.cfg.APIKey) {
				s.logger.Warnw("request with invalid API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				s.writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validAPIKey(r *http.Request, expected string) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key == expected
	}
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key == expected
	}
	return false
}

func (s *Server) correlationIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = reqcontext.GenerateCorrelationID()
			}
			ctx := reqcontext.WithCorrelationID(r.Context(), correlationID)
			w.Header().Set("X-Correlation-ID", correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestMetaMiddleware classifies the request by channel and origin once,
// at the boundary. Everything downstream reads the typed meta.
func (s *Server) requestMetaMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := reqcontext.ParseRequest(r)
			ctx := reqcontext.WithRequestMeta(r.Context(), meta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.store.SchemaVersion(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ready":true}`))
}

// Response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, contracts.NewSuccessResponse(data))
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, contracts.NewErrorResponse(message))
}

// writeGateError maps a governance error onto the envelope, carrying its
// code and pending approval id when present.
func (s *Server) writeGateError(w http.ResponseWriter, err error) {
	if ge, ok := gate.As(err); ok {
		s.writeJSON(w, ge.Status, &contracts.APIResponse{
			Success:    false,
			Error:      ge.Message,
			Code:       string(ge.Code),
			ApprovalID: ge.ApprovalID,
		})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Errorw("internal error", "error", err)
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

// Tool registry and policy

func (s *Server) handleListRegistry(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, map[string]interface{}{"tools": s.registry.List()})
}

// handleGetPolicy returns the stored policy together with the effective
// access each catalog tool resolves to under it.
func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	p, err := s.store.GetPolicy()
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	effective := make(map[string]policy.Access)
	for _, def := range s.registry.List() {
		effective[def.ID] = policy.EffectiveAccessForTool(p, def)
	}
	s.writeSuccess(w, map[string]interface{}{
		"policy":    p,
		"effective": effective,
	})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := policy.NormalizeDocument(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SavePolicy(p); err != nil {
		s.writeGateError(w, err)
		return
	}
	saved, err := s.store.GetPolicy()
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, saved)
}

// Proposals

type createProposalRequest struct {
	SessionID   string                 `json:"session_id"`
	MessageID   string                 `json:"message_id"`
	ToolName    string                 `json:"tool_name"`
	Args        map[string]interface{} `json:"args"`
	Summary     string                 `json:"summary"`
	MCPServerID string                 `json:"mcp_server_id"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToolName == "" {
		s.writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	p, err := s.proposals.Create(req.SessionID, req.MessageID, req.ToolName, req.Args, req.Summary, req.MCPServerID)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	if p == nil {
		s.writeJSON(w, http.StatusNotFound, &contracts.APIResponse{
			Success: false,
			Error:   "unknown tool " + req.ToolName,
			Code:    string(gate.CodeToolDenied),
		})
		return
	}
	s.metrics.ProposalCreated(string(p.Status))
	s.writeJSON(w, http.StatusCreated, contracts.NewSuccessResponse(p))
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	status := contracts.ProposalStatus(r.URL.Query().Get("status"))
	list, err := s.proposals.List(status)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"proposals": list})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, p)
}

// Execution

type executeRequest struct {
	ProposalID    string            `json:"proposal_id"`
	Confirmations map[string]string `json:"confirmations"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProposalID == "" {
		s.writeError(w, http.StatusBadRequest, "proposal_id is required")
		return
	}

	meta := reqcontext.GetRequestMeta(r.Context())
	run, err := s.engine.Execute(r.Context(), req.ProposalID, engine.ExecContext{
		Channel:       meta.Channel,
		Origin:        meta.Origin,
		AdminToken:    r.Header.Get("X-API-Key"),
		Confirmations: req.Confirmations,
	})
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, run)
}

// Approvals

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := contracts.ApprovalStatus(r.URL.Query().Get("status"))
	list, err := s.approvals.List(status)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"approvals": list})
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var a contracts.Approval
	if err := decodeBody(r, &a); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.approvals.CreatePending(&a)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, contracts.NewSuccessResponse(created))
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	ref, err := contracts.ParseApprovalRef(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.approvals.Get(ref.ID)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, a)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Reason     string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ref, err := contracts.ParseApprovalRef(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resolveRequest
	_ = decodeBody(r, &req)
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}
	a, err := s.approvals.Approve(r.Context(), ref.ID, req.ResolvedBy)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.metrics.ApprovalResolved(string(a.Status))
	s.writeSuccess(w, a)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ref, err := contracts.ParseApprovalRef(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resolveRequest
	_ = decodeBody(r, &req)
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}
	a, err := s.approvals.Reject(r.Context(), ref.ID, req.ResolvedBy, req.Reason)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.metrics.ApprovalResolved(string(a.Status))
	s.writeSuccess(w, a)
}

// MCP server lifecycle

func (s *Server) handleListMCPServers(w http.ResponseWriter, _ *http.Request) {
	servers, err := s.mcp.List()
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"servers": maskServers(servers)})
}

func (s *Server) handleCreateMCPServer(w http.ResponseWriter, r *http.Request) {
	var server contracts.MCPServer
	if err := decodeBody(r, &server); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.mcp.Create(&server)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, contracts.NewSuccessResponse(maskServer(created)))
}

func (s *Server) handleGetMCPServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.mcp.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, maskServer(server))
}

func (s *Server) mcpActor(r *http.Request) string {
	meta := reqcontext.GetRequestMeta(r.Context())
	return string(meta.Origin)
}

func (s *Server) handleStartMCPServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.mcp.Start(chi.URLParam(r, "id"), s.mcpActor(r))
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, maskServer(server))
}

func (s *Server) handleStopMCPServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.mcp.Stop(chi.URLParam(r, "id"), s.mcpActor(r))
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, maskServer(server))
}

func (s *Server) handleTestMCPServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.mcp.Test(chi.URLParam(r, "id"), s.mcpActor(r))
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, maskServer(server))
}

func (s *Server) handleDeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mcp.Delete(id, s.mcpActor(r)); err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"deleted": id})
}

func (s *Server) handleMCPServerLogs(w http.ResponseWriter, r *http.Request) {
	tail := 50
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}
	entries, err := s.mcp.Logs(chi.URLParam(r, "id"), tail)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"logs": entries})
}

func maskServer(server *contracts.MCPServer) *contracts.MCPServer {
	if server == nil || len(server.Config) == 0 {
		return server
	}
	masked := *server
	masked.Config = secret.MaskConfig(server.Config)
	return &masked
}

func maskServers(servers []*contracts.MCPServer) []*contracts.MCPServer {
	out := make([]*contracts.MCPServer, len(servers))
	for i, server := range servers {
		out[i] = maskServer(server)
	}
	return out
}

// Helper swarm

type runAgentsRequest struct {
	ConversationID string   `json:"conversation_id"`
	UserMessageID  string   `json:"user_message_id"`
	Prompts        []string `json:"prompts"`
	Concurrency    int64    `json:"concurrency"`
}

func (s *Server) handleRunAgents(w http.ResponseWriter, r *http.Request) {
	var req runAgentsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.UserMessageID == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_id and user_message_id are required")
		return
	}
	if req.Concurrency == 0 {
		req.Concurrency = s.cfg.Swarm.Concurrency
	}

	// Blocks until the batch settles; a dropped request cancels the batch.
	result, err := s.swarm.RunBatch(r.Context(), req.ConversationID, req.UserMessageID, req.Prompts, req.Concurrency)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeSuccess(w, result)
}

func (s *Server) handleListAgentRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.swarm.ListRuns(r.URL.Query().Get("conversation_id"))
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"runs": runs})
}

func (s *Server) handleCancelAgents(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	key := swarm.BatchKey{
		ConversationID: conversationID,
		UserMessageID:  chi.URLParam(r, "id"),
	}
	if !s.swarm.Cancel(key) {
		s.writeError(w, http.StatusNotFound, "no running batch for that message")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"cancelled": true})
}

// Audit

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"runs": runs})
}

func (s *Server) handleListCanvas(w http.ResponseWriter, _ *http.Request) {
	items, err := s.store.ListCanvasItems()
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"canvas": items})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.ListAudit(limit)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"audit": entries})
}
