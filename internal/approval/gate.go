// Package approval implements the operator-facing approval gate: pending
// decision records, conditional resolution, and the per-kind side effects a
// resolution triggers.
package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pocketbrain/pocketbrain/internal/collab"
	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/gate"
	"github.com/pocketbrain/pocketbrain/internal/mcpserver"
	"github.com/pocketbrain/pocketbrain/internal/policy"
	"github.com/pocketbrain/pocketbrain/internal/registry"
	"github.com/pocketbrain/pocketbrain/internal/storage"
)

// Gate resolves approvals and applies their side effects
type Gate struct {
	store    *storage.Store
	registry *registry.Registry
	chat     collab.Chat
	notifier collab.Notifier
	recorder collab.EventRecorder
	logger   *zap.SugaredLogger
}

// NewGate creates the approval gate
func NewGate(store *storage.Store, reg *registry.Registry, chat collab.Chat, notifier collab.Notifier, recorder collab.EventRecorder, logger *zap.SugaredLogger) *Gate {
	return &Gate{
		store:    store,
		registry: reg,
		chat:     chat,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
	}
}

// Approve performs the pending→approved transition and the kind-specific
// side effects. Resolving an already-resolved approval is a conflict, never
// a silent success.
func (g *Gate) Approve(ctx context.Context, id, resolver string) (*contracts.Approval, error) {
	a, resolved, err := g.store.ResolveApproval(id, contracts.ApprovalApproved, resolver, "")
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, gate.NotFound(gate.CodeApprovalRequired, fmt.Sprintf("approval %s not found", id))
		}
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	if !resolved {
		return nil, gate.Conflict(gate.CodeApprovalAlreadyResolved,
			fmt.Sprintf("approval %s already %s", id, a.Status))
	}

	g.recorder.Record("approval_approved", map[string]interface{}{
		"approval_id": a.ID,
		"kind":        a.Kind,
		"resolver":    resolver,
	})

	switch a.Kind {
	case contracts.ApprovalToolRun:
		if err := g.settleApprovedProposal(a); err != nil {
			return nil, err
		}
	case contracts.ApprovalMCPStart, contracts.ApprovalMCPStop, contracts.ApprovalMCPTest:
		// No further gate: the caller retries the lifecycle action, which
		// finds this approved row and proceeds.
	case contracts.ApprovalMCPDelete:
		if err := g.cascadeServerDelete(a); err != nil {
			return nil, err
		}
	case contracts.ApprovalTelegramRunRequest:
		g.runTelegramDryRun(ctx, a)
	}

	_ = g.store.AppendAudit(&contracts.AuditEntry{
		Action:     "approve",
		ApprovalID: a.ID,
		ProposalID: a.ProposalID,
		Notes:      string(a.Kind),
	})
	return a, nil
}

// Reject performs the pending→denied transition. A linked tool_run proposal
// becomes rejected (terminal); MCP actions simply stay blocked.
func (g *Gate) Reject(ctx context.Context, id, resolver, reason string) (*contracts.Approval, error) {
	_ = ctx
	a, resolved, err := g.store.ResolveApproval(id, contracts.ApprovalDenied, resolver, reason)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, gate.NotFound(gate.CodeApprovalRequired, fmt.Sprintf("approval %s not found", id))
		}
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	if !resolved {
		return nil, gate.Conflict(gate.CodeApprovalAlreadyResolved,
			fmt.Sprintf("approval %s already %s", id, a.Status))
	}

	if a.Kind == contracts.ApprovalToolRun && a.ProposalID != "" {
		moved, err := g.store.TransitionProposalStatus(a.ProposalID,
			[]contracts.ProposalStatus{contracts.ProposalAwaitingApproval, contracts.ProposalReady, contracts.ProposalBlocked},
			contracts.ProposalRejected)
		if err != nil {
			return nil, fmt.Errorf("failed to reject proposal: %w", err)
		}
		if !moved {
			g.logger.Warnw("linked proposal not transitioned on reject", "proposal_id", a.ProposalID)
		}
	}

	g.recorder.Record("approval_rejected", map[string]interface{}{
		"approval_id": a.ID,
		"kind":        a.Kind,
		"reason":      reason,
	})
	_ = g.store.AppendAudit(&contracts.AuditEntry{
		Action:     "reject",
		ApprovalID: a.ID,
		ProposalID: a.ProposalID,
		Notes:      reason,
	})
	return a, nil
}

// settleApprovedProposal re-derives effective access under the CURRENT
// policy. An approval granted after a policy edit blocked the tool leaves
// the proposal blocked, not ready.
func (g *Gate) settleApprovedProposal(a *contracts.Approval) error {
	if a.ProposalID == "" {
		return nil
	}
	p, err := g.store.GetProposal(a.ProposalID)
	if err != nil {
		return fmt.Errorf("failed to load linked proposal: %w", err)
	}
	def, ok := g.registry.Lookup(p.ToolName)
	if !ok {
		return gate.NotFound(gate.CodeToolDenied, fmt.Sprintf("tool %s no longer registered", p.ToolName))
	}
	pol, err := g.store.GetPolicy()
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	target := contracts.ProposalReady
	if !policy.EffectiveAccessForTool(pol, def).Allowed {
		target = contracts.ProposalBlocked
	}
	if _, err := g.store.TransitionProposalStatus(p.ID,
		[]contracts.ProposalStatus{contracts.ProposalAwaitingApproval, contracts.ProposalBlocked},
		target); err != nil {
		return fmt.Errorf("failed to settle proposal: %w", err)
	}
	return nil
}

// cascadeServerDelete removes the server, its logs, and its approval history
func (g *Gate) cascadeServerDelete(a *contracts.Approval) error {
	if a.ServerID == "" {
		return nil
	}
	// The built-in server is immutable; a hand-created approval row must not
	// reach the cascade.
	if a.ServerID == mcpserver.BuiltinServerID {
		return nil
	}
	if err := g.store.DeleteMCPServerCascade(a.ServerID); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to cascade server delete: %w", err)
	}
	g.registry.UnregisterMCPServer(a.ServerID)
	return nil
}

// runTelegramDryRun generates a sandboxed dry-run report and notifies the
// originating channel. Both steps are best-effort.
func (g *Gate) runTelegramDryRun(ctx context.Context, a *contracts.Approval) {
	request, _ := a.Payload["request"].(string)
	target, _ := a.Payload["chat_id"].(string)

	result, err := g.chat.Chat(ctx, collab.ChatRequest{
		Message:    request,
		SystemText: "Produce a dry-run report of what this request would do. Do not execute anything.",
		Timeout:    60 * time.Second,
	})
	if err != nil || !result.OK {
		g.logger.Warnw("dry-run report generation failed", "approval_id", a.ID, "error", err)
		return
	}
	if err := g.notifier.Notify(ctx, "telegram", target, result.Text); err != nil {
		g.logger.Warnw("dry-run notification failed", "approval_id", a.ID, "error", err)
	}
}

// Get returns one approval
func (g *Gate) Get(id string) (*contracts.Approval, error) {
	return g.store.GetApproval(id)
}

// List returns approvals newest-first, optionally filtered by status
func (g *Gate) List(status contracts.ApprovalStatus) ([]*contracts.Approval, error) {
	return g.store.ListApprovals(status)
}

// CreatePending inserts a fresh pending approval row. Approvals targeting
// the built-in server are refused before any row exists.
func (g *Gate) CreatePending(a *contracts.Approval) (*contracts.Approval, error) {
	if a.ServerID == mcpserver.BuiltinServerID {
		return nil, gate.Forbidden(gate.CodeMCPBuiltin, "built-in server is immutable")
	}
	if a.ID == "" {
		a.ID = storage.NewID()
	}
	a.Status = contracts.ApprovalPending
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if err := g.store.SaveApproval(a); err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return a, nil
}
