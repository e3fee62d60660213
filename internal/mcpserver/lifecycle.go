// Package mcpserver implements the approval-gated lifecycle of external MCP
// servers: start, stop, synthetic health test, and cascading delete.
package mcpserver

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pocketbrain/pocketbrain/internal/collab"
	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/gate"
	"github.com/pocketbrain/pocketbrain/internal/registry"
	"github.com/pocketbrain/pocketbrain/internal/secret"
	"github.com/pocketbrain/pocketbrain/internal/storage"
)

// BuiltinServerID is the compile-time constant id of the built-in, hidden,
// immutable server. Every mutating endpoint short-circuits on it before any
// policy or approval logic runs.
const BuiltinServerID = "pocketbrain-core"

// TestFreshness is how recently a passing test must have run for the
// execution engine to accept an MCP-backed tool.
const TestFreshness = 24 * time.Hour

// Template describes where a server came from and whether its lifecycle
// demands approval by default.
type Template struct {
	ID               string
	RequiresApproval bool
}

// built-in template catalog
var templates = map[string]Template{
	"generic":      {ID: "generic"},
	"filesystem":   {ID: "filesystem", RequiresApproval: true},
	"web-browse":   {ID: "web-browse"},
	"shell-bridge": {ID: "shell-bridge", RequiresApproval: true},
}

// TemplateByID looks up a lifecycle template
func TemplateByID(id string) (Template, bool) {
	t, ok := templates[id]
	return t, ok
}

// Service is the MCP lifecycle gate
type Service struct {
	store    *storage.Store
	registry *registry.Registry
	sealer   *secret.Sealer
	recorder collab.EventRecorder
	logger   *zap.SugaredLogger
}

// NewService creates the lifecycle gate
func NewService(store *storage.Store, reg *registry.Registry, sealer *secret.Sealer, recorder collab.EventRecorder, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, registry: reg, sealer: sealer, recorder: recorder, logger: logger}
}

// SyncRegistry re-registers the declared tools of every stored server. The
// registry is in-memory, so a restarted daemon must rebuild it before serving.
func (s *Service) SyncRegistry() error {
	servers, err := s.store.ListMCPServers(BuiltinServerID)
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	for _, server := range servers {
		s.registerTools(server)
	}
	return nil
}

func (s *Service) registerTools(server *contracts.MCPServer) {
	for _, tool := range server.Tools {
		s.registry.RegisterMCPTool(server.ID, tool.Name, server.Risk, tool.Description)
	}
}

// Create registers a new external server. Secret-bearing config fields are
// sealed before the record is persisted.
func (s *Service) Create(server *contracts.MCPServer) (*contracts.MCPServer, error) {
	if server.ID == BuiltinServerID {
		return nil, gate.Forbidden(gate.CodeMCPBuiltin, "built-in server id is reserved")
	}
	if server.ID == "" {
		server.ID = storage.NewID()
	}
	if !server.Risk.Valid() {
		server.Risk = contracts.RiskMedium
	}
	server.Status = contracts.MCPStopped
	server.ApprovedForUse = false
	server.Created = time.Now()

	if s.sealer != nil && server.Config != nil {
		if err := s.sealer.SealConfig(server.Config); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveMCPServer(server); err != nil {
		return nil, fmt.Errorf("failed to save server: %w", err)
	}
	s.registerTools(server)
	s.appendLog(server.ID, fmt.Sprintf("server registered with %d declared tools", len(server.Tools)))
	return server, nil
}

// Get returns one server record
func (s *Service) Get(id string) (*contracts.MCPServer, error) {
	server, err := s.store.GetMCPServer(id)
	if err == storage.ErrNotFound {
		return nil, gate.NotFound(gate.CodeMCPNotFound, fmt.Sprintf("mcp server %s not found", id))
	}
	return server, err
}

// List returns all servers except the hidden built-in
func (s *Service) List() ([]*contracts.MCPServer, error) {
	return s.store.ListMCPServers(BuiltinServerID)
}

// Start transitions a server to running. Approval-gated.
func (s *Service) Start(id, actor string) (*contracts.MCPServer, error) {
	server, err := s.guardMutation(id, contracts.ApprovalMCPStart, actor)
	if err != nil {
		return nil, err
	}
	server.Status = contracts.MCPRunning
	server.ApprovedForUse = true
	if err := s.store.SaveMCPServer(server); err != nil {
		return nil, fmt.Errorf("failed to save server: %w", err)
	}
	s.appendLog(id, fmt.Sprintf("started by %s", actor))
	s.recorder.Record("mcp_started", map[string]interface{}{"server_id": id})
	return server, nil
}

// Stop transitions a server to stopped. Approval-gated.
func (s *Service) Stop(id, actor string) (*contracts.MCPServer, error) {
	server, err := s.guardMutation(id, contracts.ApprovalMCPStop, actor)
	if err != nil {
		return nil, err
	}
	server.Status = contracts.MCPStopped
	if err := s.store.SaveMCPServer(server); err != nil {
		return nil, fmt.Errorf("failed to save server: %w", err)
	}
	s.appendLog(id, fmt.Sprintf("stopped by %s", actor))
	s.recorder.Record("mcp_stopped", map[string]interface{}{"server_id": id})
	return server, nil
}

// Test runs the synthetic health check: pass iff the server is running and
// approved for use. Its pass/fail/timestamp is exactly what the execution
// engine's freshness rule consumes.
func (s *Service) Test(id, actor string) (*contracts.MCPServer, error) {
	server, err := s.guardMutation(id, contracts.ApprovalMCPTest, actor)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	server.LastTestAt = &now
	if server.Status == contracts.MCPRunning && server.ApprovedForUse {
		server.LastTestStatus = "pass"
		server.LastTestMessage = "server running and approved for use"
	} else {
		server.LastTestStatus = "fail"
		server.LastTestMessage = fmt.Sprintf("status=%s approved=%v", server.Status, server.ApprovedForUse)
	}

	if err := s.store.SaveMCPServer(server); err != nil {
		return nil, fmt.Errorf("failed to save server: %w", err)
	}
	s.appendLog(id, fmt.Sprintf("test %s: %s", server.LastTestStatus, server.LastTestMessage))
	return server, nil
}

// Delete removes a server and cascades its logs and approval history.
// Approval-gated like every other mutation.
func (s *Service) Delete(id, actor string) error {
	if _, err := s.guardMutation(id, contracts.ApprovalMCPDelete, actor); err != nil {
		return err
	}
	if err := s.store.DeleteMCPServerCascade(id); err != nil {
		if err == storage.ErrNotFound {
			return gate.NotFound(gate.CodeMCPNotFound, fmt.Sprintf("mcp server %s not found", id))
		}
		return fmt.Errorf("failed to delete server: %w", err)
	}
	s.registry.UnregisterMCPServer(id)
	s.recorder.Record("mcp_deleted", map[string]interface{}{"server_id": id})
	return nil
}

// Logs returns the most recent tail lines of a server's append-only log
func (s *Service) Logs(id string, tail int) ([]storage.MCPLogEntry, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	return s.store.ListMCPLogs(id, tail)
}

// guardMutation enforces the built-in short-circuit, existence, and the
// approval requirement for one (server, kind) mutation. When an approval is
// required but none is approved, a fresh pending row is created and the call
// fails closed carrying its id.
func (s *Service) guardMutation(id string, kind contracts.ApprovalKind, actor string) (*contracts.MCPServer, error) {
	if id == BuiltinServerID {
		return nil, gate.Forbidden(gate.CodeMCPBuiltin, "built-in server is immutable")
	}
	server, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if !s.requiresApproval(server) {
		return server, nil
	}

	latest, err := s.store.LatestApprovalFor(id, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to look up approvals: %w", err)
	}
	if latest != nil {
		switch latest.Status {
		case contracts.ApprovalApproved:
			// A single approval permits subsequent calls of this kind until a
			// new pending row supersedes it.
			return server, nil
		case contracts.ApprovalPending:
			return nil, gate.Forbidden(gate.CodeApprovalRequired,
				fmt.Sprintf("%s on %s awaits operator approval", kind, id)).
				WithApprovalID(latest.ID)
		case contracts.ApprovalDenied:
			return nil, gate.Forbidden(gate.CodeApprovalDenied,
				fmt.Sprintf("%s on %s was denied", kind, id)).
				WithApprovalID(latest.ID)
		}
	}

	pending := &contracts.Approval{
		ID:        storage.NewID(),
		Kind:      kind,
		Status:    contracts.ApprovalPending,
		RiskLevel: server.Risk,
		ServerID:  id,
		Payload:   map[string]interface{}{"requested_by": actor, "server_name": server.Name},
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveApproval(pending); err != nil {
		return nil, fmt.Errorf("failed to create pending approval: %w", err)
	}
	s.appendLog(id, fmt.Sprintf("%s blocked pending approval %s", kind, pending.ID))
	return nil, gate.Forbidden(gate.CodeApprovalRequired,
		fmt.Sprintf("%s on %s requires operator approval", kind, id)).
		WithApprovalID(pending.ID)
}

// requiresApproval: high/critical risk, or a template that demands approval
// by default
func (s *Service) requiresApproval(server *contracts.MCPServer) bool {
	if server.Risk.AtLeastHigh() {
		return true
	}
	if t, ok := TemplateByID(server.TemplateID); ok {
		return t.RequiresApproval
	}
	return false
}

// ReadyForExecution checks the preconditions the execution engine needs from
// an MCP server, returning the exact unmet one.
func (s *Service) ReadyForExecution(id string) error {
	if id == BuiltinServerID {
		return nil
	}
	server, err := s.store.GetMCPServer(id)
	if err != nil {
		if err == storage.ErrNotFound {
			return gate.NotFound(gate.CodeMCPNotFound, fmt.Sprintf("mcp server %s not found", id))
		}
		return fmt.Errorf("failed to load server: %w", err)
	}
	if server.Status != contracts.MCPRunning || !server.ApprovedForUse {
		return gate.Unprocessable(gate.CodeMCPNotReady,
			fmt.Sprintf("mcp server %s is %s (approved=%v)", id, server.Status, server.ApprovedForUse))
	}
	if server.LastTestAt == nil || server.LastTestStatus != "pass" ||
		time.Since(*server.LastTestAt) > TestFreshness {
		return gate.Unprocessable(gate.CodeMCPNeedsTest,
			fmt.Sprintf("mcp server %s needs a fresh passing test", id))
	}
	return nil
}

func (s *Service) appendLog(id, line string) {
	if err := s.store.AppendMCPLog(id, line); err != nil {
		s.logger.Warnw("failed to append server log", "server_id", id, "error", err)
	}
}
