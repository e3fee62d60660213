// Package proposal creates and tracks intended tool invocations and computes
// their initial gating state from the registry and current policy.
package proposal

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/policy"
	"github.com/pocketbrain/pocketbrain/internal/registry"
	"github.com/pocketbrain/pocketbrain/internal/storage"
)

// DefaultRetention bounds proposals/approvals/runs/audit rows kept on disk
const DefaultRetention = 500

// Manager creates and lists proposals
type Manager struct {
	store     *storage.Store
	registry  *registry.Registry
	logger    *zap.SugaredLogger
	retention int
}

// NewManager creates a proposal manager
func NewManager(store *storage.Store, reg *registry.Registry, logger *zap.SugaredLogger, retention int) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{store: store, registry: reg, logger: logger, retention: retention}
}

// Create records a proposed invocation. Unknown tool names return (nil, nil):
// the caller must treat the request as "not a tool call", not as an error.
//
// Risk and approval requirement are derived from the registry and the policy
// as of creation time; the engine re-derives both at execution.
func (m *Manager) Create(sessionID, messageID, toolName string, args map[string]interface{}, summary, mcpServerID string) (*contracts.Proposal, error) {
	def, ok := m.registry.Lookup(toolName)
	if !ok {
		return nil, nil
	}

	pol, err := m.store.GetPolicy()
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	access := policy.EffectiveAccessForTool(pol, def)

	p := &contracts.Proposal{
		ID:               storage.NewID(),
		SessionID:        sessionID,
		MessageID:        messageID,
		ToolName:         toolName,
		SourceType:       def.SourceType,
		MCPServerID:      mcpServerID,
		Args:             args,
		RiskLevel:        def.Risk,
		Summary:          summary,
		RequiresApproval: access.RequiresApproval,
		CreatedAt:        time.Now(),
	}
	if p.MCPServerID == "" {
		p.MCPServerID = def.MCPServerID
	}

	var linked *contracts.Approval
	switch {
	case !access.Allowed:
		p.Status = contracts.ProposalBlocked
	case access.RequiresApproval:
		p.Status = contracts.ProposalAwaitingApproval
		linked = &contracts.Approval{
			ID:         storage.NewID(),
			Kind:       contracts.ApprovalToolRun,
			Status:     contracts.ApprovalPending,
			RiskLevel:  def.Risk,
			ToolName:   toolName,
			ProposalID: p.ID,
			Payload:    map[string]interface{}{"summary": summary},
			CreatedAt:  time.Now(),
		}
		p.ApprovalID = linked.ID
	default:
		p.Status = contracts.ProposalReady
	}

	if err := m.store.CreateProposalWithApproval(p, linked); err != nil {
		return nil, fmt.Errorf("failed to persist proposal: %w", err)
	}

	if err := m.store.PruneRetention(m.retention); err != nil {
		m.logger.Warnw("retention prune failed", "error", err)
	}

	m.logger.Infow("proposal created",
		"proposal_id", p.ID,
		"tool", toolName,
		"risk", def.Risk,
		"status", p.Status)
	return p, nil
}

// Get returns one proposal
func (m *Manager) Get(id string) (*contracts.Proposal, error) {
	return m.store.GetProposal(id)
}

// List returns proposals newest-first, optionally filtered by status
func (m *Manager) List(status contracts.ProposalStatus) ([]*contracts.Proposal, error) {
	return m.store.ListProposals(status)
}
