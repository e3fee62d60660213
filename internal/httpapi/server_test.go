package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pocketbrain/pocketbrain/internal/approval"
	"github.com/pocketbrain/pocketbrain/internal/collab"
	"github.com/pocketbrain/pocketbrain/internal/config"
	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/engine"
	"github.com/pocketbrain/pocketbrain/internal/gate"
	"github.com/pocketbrain/pocketbrain/internal/mcpserver"
	"github.com/pocketbrain/pocketbrain/internal/observability"
	"github.com/pocketbrain/pocketbrain/internal/proposal"
	"github.com/pocketbrain/pocketbrain/internal/registry"
	"github.com/pocketbrain/pocketbrain/internal/reqcontext"
	"github.com/pocketbrain/pocketbrain/internal/sandbox"
	"github.com/pocketbrain/pocketbrain/internal/secret"
	"github.com/pocketbrain/pocketbrain/internal/storage"
	"github.com/pocketbrain/pocketbrain/internal/swarm"
)

const testAPIKey = "test-api-key"

type fakeChat struct{}

func (fakeChat) Chat(ctx context.Context, req collab.ChatRequest) (*contracts.ChatResult, error) {
	return &contracts.ChatResult{OK: true, Text: "answer: " + req.Message, Model: "test-model"}, nil
}

type fakeProbe struct{ ready bool }

func (f *fakeProbe) Probe(ctx context.Context, baseURL string) (*contracts.ProbeResult, error) {
	return &contracts.ProbeResult{Running: f.ready, Ready: f.ready}, nil
}

type fakeInvoker struct{}

func (fakeInvoker) Invoke(ctx context.Context, serverID, toolName string, args map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

type nopRecorder struct{}

func (nopRecorder) Record(eventType string, payload map[string]interface{}) {}

type serverFixture struct {
	server    *Server
	store     *storage.Store
	workspace *sandbox.Workspace
	probe     *fakeProbe
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	store, err := storage.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ws, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	sealer, err := secret.NewSealer("httpapi-test-secret")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.APIKey = testAPIKey

	reg := registry.New()
	metrics := observability.NewMetrics(logger)
	recorder := nopRecorder{}
	chat := fakeChat{}
	probe := &fakeProbe{ready: true}
	canvas := collab.NewCanvasStore(store.SaveCanvasItem, storage.NewID)
	mcp := mcpserver.NewService(store, reg, sealer, recorder, logger)
	eng := engine.NewEngine(store, reg, mcp, probe, fakeInvoker{}, canvas, recorder, ws, metrics, logger, cfg.LLMBaseURL)
	proposals := proposal.NewManager(store, reg, logger, cfg.Retention)
	approvals := approval.NewGate(store, reg, chat, collab.NewLogNotifier(logger), recorder, logger)
	coord := swarm.NewCoordinator(store, chat, recorder, metrics, logger, cfg.Swarm.MaxHelpers)

	srv := NewServer(cfg, store, reg, proposals, approvals, eng, mcp, coord, metrics, logger)
	return &serverFixture{server: srv, store: store, workspace: ws, probe: probe}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) *contracts.APIResponse {
	t.Helper()
	var env contracts.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return &env
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools/registry", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tools/registry", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health endpoints are outside the authenticated surface.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthViaQueryParam(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools/registry?apikey="+testAPIKey, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCorrelationIDEchoed(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/tools/registry", nil, map[string]string{
		"X-Correlation-ID": "corr-123",
	})
	assert.Equal(t, "corr-123", rec.Header().Get("X-Correlation-ID"))

	rec = f.do(t, http.MethodGet, "/api/v1/tools/registry", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestRegistryAndPolicy(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/tools/registry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Contains(t, rec.Body.String(), registry.ToolWorkspaceList)

	rec = f.do(t, http.MethodGet, "/api/v1/tools/policy", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var policyEnv struct {
		Data struct {
			Effective map[string]struct {
				Allowed          bool `json:"allowed"`
				RequiresApproval bool `json:"requires_approval"`
			} `json:"effective"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policyEnv))
	eff, ok := policyEnv.Data.Effective[registry.ToolShellExec]
	require.True(t, ok)
	assert.False(t, eff.Allowed, "critical tools are blocked by default")
}

func TestUpdatePolicyMigratesLegacyKeys(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tools/policy", map[string]interface{}{
		"default": "allow",
		"tools":   map[string]string{registry.ToolWorkspaceWrite: "deny"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := f.store.GetPolicy()
	require.NoError(t, err)
	assert.Equal(t, contracts.AccessAllowed, saved.GlobalDefault)
	assert.Equal(t, contracts.AccessBlocked, saved.PerTool[registry.ToolWorkspaceWrite])
}

func TestUpdatePolicyRejectsMalformed(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/policy", bytes.NewBufferString("{not json"))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProposal(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m1",
		"tool_name":  registry.ToolWorkspaceList,
		"args":       map[string]interface{}{"path": "."},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Contains(t, rec.Body.String(), string(contracts.ProposalReady))

	rec = f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m2",
		"tool_name":  "no.such.tool",
	}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, string(gate.CodeToolDenied), env.Code)
}

func TestExecuteEnvelopeCarriesGateCode(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m1",
		"tool_name":  registry.ToolCanvasWrite,
		"args":       map[string]interface{}{"title": "t", "content": "c"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data contracts.Proposal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// A social channel header blocks execution at the boundary.
	rec = f.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]interface{}{
		"proposal_id": created.Data.ID,
	}, map[string]string{reqcontext.HeaderChannel: string(reqcontext.ChannelTelegram)})
	require.Equal(t, http.StatusForbidden, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, string(gate.CodeSocialExecutionDisabled), env.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]interface{}{
		"proposal_id": created.Data.ID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestExecuteApprovalFlow(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.workspace.WriteFile("memory/2026-08-30.md", "the old fact\n"))

	rec := f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m1",
		"tool_name":  registry.ToolMemoryPatch,
		"args": map[string]interface{}{
			"day":      "2026-08-30",
			"old_text": "the old fact",
			"new_text": "the corrected fact",
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data contracts.Proposal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, contracts.ProposalAwaitingApproval, created.Data.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]interface{}{
		"proposal_id": created.Data.ID,
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, string(gate.CodeApprovalPending), env.Code)
	require.Equal(t, created.Data.ApprovalID, env.ApprovalID)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+env.ApprovalID+"/approve",
		map[string]interface{}{"resolved_by": "tester"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]interface{}{
		"proposal_id": created.Data.ID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	content, err := f.workspace.ReadFile("memory/2026-08-30.md")
	require.NoError(t, err)
	assert.Contains(t, content, "the corrected fact")
}

func TestApproveAlreadyResolvedConflict(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/approvals/", &contracts.Approval{
		Kind:      contracts.ApprovalToolRun,
		RiskLevel: contracts.RiskMedium,
		ToolName:  registry.ToolWorkspaceWrite,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data contracts.Approval `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+created.Data.ID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+created.Data.ID+"/reject", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, string(gate.CodeApprovalAlreadyResolved), env.Code)
}

func TestMCPServerConfigMasked(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/mcp/servers/", map[string]interface{}{
		"id":   "srv-1",
		"name": "external",
		"risk": "low",
		"config": map[string]string{
			"endpoint": "http://127.0.0.1:9999",
			"api_key":  "super-secret-value",
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-value")

	rec = f.do(t, http.MethodGet, "/api/v1/mcp/servers/srv-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-value")
	assert.Contains(t, rec.Body.String(), "http://127.0.0.1:9999")
}

func TestMCPServerToolsEnterCatalog(t *testing.T) {
	f := newServerFixture(t)

	// Before the server exists its tool id is unknown.
	rec := f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m1",
		"tool_name":  "mcp.srv-tools.echo",
		"args":       map[string]interface{}{"message": "hi"},
	}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/mcp/servers/", map[string]interface{}{
		"id":    "srv-tools",
		"name":  "tool-provider",
		"risk":  "low",
		"tools": []map[string]string{{"name": "echo", "description": "echo a message"}},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m2",
		"tool_name":  "mcp.srv-tools.echo",
		"args":       map[string]interface{}{"message": "hi"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data contracts.Proposal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "srv-tools", created.Data.MCPServerID)

	rec = f.do(t, http.MethodDelete, "/api/v1/mcp/servers/srv-tools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m3",
		"tool_name":  "mcp.srv-tools.echo",
		"args":       map[string]interface{}{"message": "hi"},
	}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentsRunAndList(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/run", map[string]interface{}{
		"conversation_id": "conv-1",
		"user_message_id": "msg-1",
		"prompts":         []string{"q1", "q2"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Contains(t, rec.Body.String(), "answer:")

	rec = f.do(t, http.MethodGet, "/api/v1/agents/run?conversation_id=conv-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(contracts.AgentRunMerge))

	// Too many prompts is a client error, not a gate failure.
	prompts := make([]string, 6)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("q%d", i)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/agents/run", map[string]interface{}{
		"conversation_id": "conv-1",
		"user_message_id": "msg-2",
		"prompts":         prompts,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelAgentsNotFound(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/run/msg-1/cancel?conversation_id=conv-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditTrailRecordsExecution(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m1",
		"tool_name":  registry.ToolWorkspaceList,
		"args":       map[string]interface{}{"path": "."},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data contracts.Proposal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]interface{}{
		"proposal_id": created.Data.ID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.Data.ID)
}

func TestListCanvasAndRuns(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tools/proposals", map[string]interface{}{
		"session_id": "s1",
		"message_id": "m1",
		"tool_name":  registry.ToolCanvasWrite,
		"args":       map[string]interface{}{"title": "draft", "content": "first pass"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data contracts.Proposal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]interface{}{
		"proposal_id": created.Data.ID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/canvas", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "draft")

	rec = f.do(t, http.MethodGet, "/api/v1/tools/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.Data.ID)
}

func TestReadyz(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
