// Package contracts defines typed data transfer objects shared by storage,
// the governance services, and the HTTP API.
package contracts

import (
	"fmt"
	"strings"
	"time"
)

// APIResponse is the standard wrapper for all API responses
type APIResponse struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Code       string      `json:"code,omitempty"`
	ApprovalID string      `json:"approval_id,omitempty"`
}

// NewSuccessResponse creates a success envelope
func NewSuccessResponse(data interface{}) *APIResponse {
	return &APIResponse{Success: true, Data: data}
}

// NewErrorResponse creates an error envelope
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{Success: false, Error: message}
}

// RiskLevel classifies how dangerous a tool invocation is
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AtLeastHigh reports whether the risk level is high or critical
func (r RiskLevel) AtLeastHigh() bool {
	return r == RiskHigh || r == RiskCritical
}

// Valid reports whether the risk level is a known value
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// SourceType identifies where a tool's implementation lives
type SourceType string

const (
	SourceBuiltin SourceType = "builtin"
	SourceMCP     SourceType = "mcp"
)

// ToolDefinition is an immutable catalog entry for an invocable capability
type ToolDefinition struct {
	ID                        string     `json:"id"`
	Risk                      RiskLevel  `json:"risk"`
	RequiresApprovalByDefault bool       `json:"requires_approval_by_default"`
	SourceType                SourceType `json:"source_type"`
	MCPServerID               string     `json:"mcp_server_id,omitempty"`
	Description               string     `json:"description"`
}

// AccessMode is a policy decision mode for a tool or risk class
type AccessMode string

const (
	AccessBlocked             AccessMode = "blocked"
	AccessAllowed             AccessMode = "allowed"
	AccessAllowedWithApproval AccessMode = "allowed_with_approval"
)

// Valid reports whether the mode is a known value
func (m AccessMode) Valid() bool {
	switch m {
	case AccessBlocked, AccessAllowed, AccessAllowedWithApproval:
		return true
	}
	return false
}

// Policy is the versioned access-control document. Singleton; normalized on
// every read and write.
type Policy struct {
	Version           int                      `json:"version"`
	GlobalDefault     AccessMode               `json:"global_default"`
	PerRisk           map[RiskLevel]AccessMode `json:"per_risk"`
	PerTool           map[string]AccessMode    `json:"per_tool"`
	ProviderOverrides map[string]string        `json:"provider_overrides,omitempty"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// ProposalStatus is the gating state of a proposal
type ProposalStatus string

const (
	ProposalBlocked          ProposalStatus = "blocked"
	ProposalAwaitingApproval ProposalStatus = "awaiting_approval"
	ProposalReady            ProposalStatus = "ready"
	ProposalExecuted         ProposalStatus = "executed"
	ProposalRejected         ProposalStatus = "rejected"
	ProposalFailed           ProposalStatus = "failed"
)

// Proposal is a recorded intent to invoke one tool/MCP capability
type Proposal struct {
	ID               string                 `json:"id"`
	SessionID        string                 `json:"session_id"`
	MessageID        string                 `json:"message_id"`
	ToolName         string                 `json:"tool_name"`
	SourceType       SourceType             `json:"source_type"`
	MCPServerID      string                 `json:"mcp_server_id,omitempty"`
	Args             map[string]interface{} `json:"args"`
	RiskLevel        RiskLevel              `json:"risk_level"`
	Summary          string                 `json:"summary"`
	Status           ProposalStatus         `json:"status"`
	RequiresApproval bool                   `json:"requires_approval"`
	ApprovalID       string                 `json:"approval_id,omitempty"`
	ExecutedRunID    string                 `json:"executed_run_id,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// ApprovalKind distinguishes what an approval gates
type ApprovalKind string

const (
	ApprovalToolRun            ApprovalKind = "tool_run"
	ApprovalMCPStart           ApprovalKind = "mcp_start"
	ApprovalMCPStop            ApprovalKind = "mcp_stop"
	ApprovalMCPTest            ApprovalKind = "mcp_test"
	ApprovalMCPDelete          ApprovalKind = "mcp_delete"
	ApprovalTelegramRunRequest ApprovalKind = "telegram_run_request"
)

// ApprovalStatus is the decision state of an approval
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval is an operator decision record. Terminal once resolved; a fresh
// row is created per new request.
type Approval struct {
	ID         string                 `json:"id"`
	Kind       ApprovalKind           `json:"kind"`
	Status     ApprovalStatus         `json:"status"`
	RiskLevel  RiskLevel              `json:"risk_level"`
	ToolName   string                 `json:"tool_name,omitempty"`
	ProposalID string                 `json:"proposal_id,omitempty"`
	ServerID   string                 `json:"server_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy string                 `json:"resolved_by,omitempty"`
}

// ApprovalRef is a typed approval identifier. Legacy clients send composite
// "source:id" strings; they are decoded once at the HTTP boundary.
type ApprovalRef struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

// ParseApprovalRef decodes a raw approval identifier. Accepts a bare id or a
// legacy "source:id" composite.
func ParseApprovalRef(raw string) (ApprovalRef, error) {
	if raw == "" {
		return ApprovalRef{}, fmt.Errorf("empty approval id")
	}
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		src, id := raw[:idx], raw[idx+1:]
		if src == "" || id == "" {
			return ApprovalRef{}, fmt.Errorf("malformed approval ref %q", raw)
		}
		return ApprovalRef{Source: src, ID: id}, nil
	}
	return ApprovalRef{Source: "approval", ID: raw}, nil
}

// String encodes the ref back to its composite form
func (r ApprovalRef) String() string {
	return r.Source + ":" + r.ID
}

// RunStatus is the lifecycle state of an execution attempt
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one actual execution attempt and its outcome. Immutable once
// finished except completion fields.
type Run struct {
	ID            string      `json:"id"`
	ProposalID    string      `json:"proposal_id"`
	Status        RunStatus   `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	Stdout        string      `json:"stdout,omitempty"`
	Stderr        string      `json:"stderr,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	Artifacts     []string    `json:"artifacts,omitempty"`
	Error         string      `json:"error,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ArgsHash      string      `json:"args_hash,omitempty"`
}

// MCPServerStatus is the lifecycle state of an external MCP server
type MCPServerStatus string

const (
	MCPStopped MCPServerStatus = "stopped"
	MCPRunning MCPServerStatus = "running"
)

// MCPToolSpec declares one tool an MCP server exposes. Declared tools enter
// the registry as mcp.<serverID>.<name> when the server is registered.
type MCPToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MCPServer is an externally-managed capability provider whose lifecycle is
// itself approval-gated. Secret-bearing config fields are sealed at rest.
type MCPServer struct {
	ID              string            `json:"id"`
	TemplateID      string            `json:"template_id"`
	Name            string            `json:"name"`
	Risk            RiskLevel         `json:"risk"`
	Status          MCPServerStatus   `json:"status"`
	ApprovedForUse  bool              `json:"approved_for_use"`
	Config          map[string]string `json:"config,omitempty"`
	Tools           []MCPToolSpec     `json:"tools,omitempty"`
	LastTestAt      *time.Time        `json:"last_test_at,omitempty"`
	LastTestStatus  string            `json:"last_test_status,omitempty"`
	LastTestMessage string            `json:"last_test_message,omitempty"`
	Created         time.Time         `json:"created"`
	Updated         time.Time         `json:"updated"`
}

// AuditEntry is one append-only audit row, retention-pruned to a bounded count
type AuditEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"ts"`
	Action           string    `json:"action"`
	ProposalID       string    `json:"proposal_id,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	ApprovalID       string    `json:"approval_id,omitempty"`
	TokenFingerprint string    `json:"token_fingerprint,omitempty"`
	Notes            string    `json:"notes,omitempty"`
}

// ChatResult is the outcome of one chat collaborator call
type ChatResult struct {
	OK      bool   `json:"ok"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
	Model   string `json:"model,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// ProbeResult is the outcome of one model-runtime readiness probe
type ProbeResult struct {
	Running bool     `json:"running"`
	Ready   bool     `json:"ready"`
	Models  []string `json:"models,omitempty"`
}

// AgentRunKind distinguishes helper fan-out steps from the merge step
type AgentRunKind string

const (
	AgentRunHelper AgentRunKind = "helper"
	AgentRunMerge  AgentRunKind = "merge"
)

// AgentRunStatus is the lifecycle state of one helper-swarm step
type AgentRunStatus string

const (
	AgentRunPending   AgentRunStatus = "pending"
	AgentRunRunning   AgentRunStatus = "running"
	AgentRunSucceeded AgentRunStatus = "succeeded"
	AgentRunFailed    AgentRunStatus = "failed"
	AgentRunCancelled AgentRunStatus = "cancelled"
)

// AgentRun records one helper or merge step of a swarm batch. Progress is
// observable by polling these rows per conversation id.
type AgentRun struct {
	ID             string         `json:"id"`
	BatchID        string         `json:"batch_id"`
	ConversationID string         `json:"conversation_id"`
	UserMessageID  string         `json:"user_message_id"`
	Kind           AgentRunKind   `json:"kind"`
	Index          int            `json:"index"`
	Status         AgentRunStatus `json:"status"`
	Prompt         string         `json:"prompt,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Model          string         `json:"model,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// CanvasItem is an internal content record produced by the canvas fast path
// and by best-effort result logging.
type CanvasItem struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Status  string    `json:"status"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}
