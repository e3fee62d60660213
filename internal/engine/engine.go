// Package engine executes proposals: the ordered precondition pipeline, the
// idempotent run record, the sandboxed tool handlers, and the audit trail.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pocketbrain/pocketbrain/internal/collab"
	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/gate"
	"github.com/pocketbrain/pocketbrain/internal/hash"
	"github.com/pocketbrain/pocketbrain/internal/mcpserver"
	"github.com/pocketbrain/pocketbrain/internal/observability"
	"github.com/pocketbrain/pocketbrain/internal/policy"
	"github.com/pocketbrain/pocketbrain/internal/registry"
	"github.com/pocketbrain/pocketbrain/internal/reqcontext"
	"github.com/pocketbrain/pocketbrain/internal/sandbox"
	"github.com/pocketbrain/pocketbrain/internal/storage"
)

// ExecContext carries the per-request execution context through the pipeline
type ExecContext struct {
	Channel       reqcontext.Channel
	Origin        reqcontext.Origin
	AdminToken    string
	Confirmations map[string]string
}

// Engine is the execution pipeline
type Engine struct {
	store      *storage.Store
	registry   *registry.Registry
	mcp        *mcpserver.Service
	probe      collab.ReadinessProbe
	invoker    collab.MCPInvoker
	canvas     collab.CanvasCreator
	recorder   collab.EventRecorder
	workspace  *sandbox.Workspace
	scans      *SessionScans
	metrics    *observability.Metrics
	logger     *zap.SugaredLogger
	llmBaseURL string

	active atomic.Int64
}

// NewEngine wires the execution pipeline
func NewEngine(
	store *storage.Store,
	reg *registry.Registry,
	mcp *mcpserver.Service,
	probe collab.ReadinessProbe,
	invoker collab.MCPInvoker,
	canvas collab.CanvasCreator,
	recorder collab.EventRecorder,
	workspace *sandbox.Workspace,
	metrics *observability.Metrics,
	logger *zap.SugaredLogger,
	llmBaseURL string,
) *Engine {
	return &Engine{
		store:      store,
		registry:   reg,
		mcp:        mcp,
		probe:      probe,
		invoker:    invoker,
		canvas:     canvas,
		recorder:   recorder,
		workspace:  workspace,
		scans:      NewSessionScans(),
		metrics:    metrics,
		logger:     logger,
		llmBaseURL: llmBaseURL,
	}
}

// ActiveRuns returns the number of tool runs currently in flight
func (e *Engine) ActiveRuns() int64 {
	return e.active.Load()
}

// Execute runs the full governance pipeline for one proposal. Precondition
// checks run in strict order, each failing with its own taxonomy code.
func (e *Engine) Execute(ctx context.Context, proposalID string, ec ExecContext) (*contracts.Run, error) {
	run, err := e.execute(ctx, proposalID, ec)
	if err != nil {
		if ge, ok := gate.As(err); ok {
			e.metrics.ExecutionBlocked(string(ge.Code))
		}
	}
	return run, err
}

func (e *Engine) execute(ctx context.Context, proposalID string, ec ExecContext) (*contracts.Run, error) {
	// 1. Social channels can never execute, regardless of policy or approval.
	if ec.Channel.IsSocial() {
		return nil, gate.Forbidden(gate.CodeSocialExecutionDisabled,
			fmt.Sprintf("execution is disabled for channel %s", ec.Channel))
	}
	// 2. Sub-agents can never execute.
	if ec.Origin == reqcontext.OriginHelper {
		return nil, gate.Forbidden(gate.CodeHelperExecutionDisabled, "helper origin cannot execute tools")
	}

	p, err := e.store.GetProposal(proposalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, gate.NotFound(gate.CodeProposalNotFound, fmt.Sprintf("proposal %s not found", proposalID))
		}
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}

	def, ok := e.registry.Lookup(p.ToolName)
	if !ok {
		return nil, gate.Unprocessable(gate.CodeToolDenied, fmt.Sprintf("tool %s is not registered", p.ToolName))
	}

	// 3. Canvas fast path: internal content record only, bypasses every
	// later check; defensively clear any stray pending approval.
	if p.ToolName == registry.ToolCanvasWrite {
		return e.executeCanvasFastPath(ctx, p)
	}

	// 4. The model runtime must be reachable with a model loaded; fail
	// closed rather than executing against a dead backend.
	probe, err := e.probe.Probe(ctx, e.llmBaseURL)
	if err != nil || !probe.Running || !probe.Ready {
		return nil, gate.Unprocessable(gate.CodeLLMNotReady, "model runtime unreachable or no model loaded")
	}

	// 5. Rejected proposals are terminal.
	if p.Status == contracts.ProposalRejected {
		return nil, gate.Forbidden(gate.CodeApprovalDenied, "proposal was rejected")
	}

	// 6. Idempotent replay: the first execution wins; later calls get the
	// cached run.
	if p.ExecutedRunID != "" {
		return e.store.GetRun(p.ExecutedRunID)
	}

	// 7. Policy may have changed since creation; re-derive, never trust the
	// cached status.
	pol, err := e.store.GetPolicy()
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	access := policy.EffectiveAccessForTool(pol, def)
	if !access.Allowed {
		_, _ = e.store.TransitionProposalStatus(p.ID,
			[]contracts.ProposalStatus{contracts.ProposalReady, contracts.ProposalAwaitingApproval},
			contracts.ProposalBlocked)
		return nil, gate.Forbidden(gate.CodeToolDenied,
			fmt.Sprintf("current policy blocks %s (%s)", p.ToolName, access.Reason))
	}

	// 8. Tool-specific governance gates.
	if err := e.checkToolGates(p, ec); err != nil {
		return nil, err
	}

	// 9. Approval gate.
	if access.RequiresApproval {
		if err := e.checkApproval(p); err != nil {
			return nil, err
		}
	}

	// 10. MCP readiness for externally-backed tools.
	if def.SourceType == contracts.SourceMCP {
		serverID := p.MCPServerID
		if serverID == "" {
			serverID = def.MCPServerID
		}
		if err := e.mcp.ReadyForExecution(serverID); err != nil {
			return nil, err
		}
	}

	return e.runTool(ctx, p, def, ec)
}

// checkToolGates enforces the scan protocol and the literal confirmation
// strings for destructive tools.
func (e *Engine) checkToolGates(p *contracts.Proposal, ec ExecContext) error {
	switch p.ToolName {
	case registry.ToolWorkspaceWrite, registry.ToolWorkspaceDelete:
		if !e.scans.Satisfied(p.SessionID) {
			return gate.Forbidden(gate.CodeScanProtocolViolation,
				"a successful workspace list and read are required in this session before write/delete")
		}
	}

	if p.ToolName == registry.ToolWorkspaceDelete {
		if ec.Confirmations["delete"] != "DELETE" {
			return gate.Unprocessable(gate.CodeDeleteConfirmRequired,
				`file deletion requires the literal confirmation "DELETE"`)
		}
	}

	if p.ToolName == registry.ToolMemoryDeleteDay {
		day, _ := p.Args["day"].(string)
		want := "DELETE " + day
		if day == "" || ec.Confirmations["delete"] != want {
			return gate.Unprocessable(gate.CodeMemoryDeleteConfirm,
				fmt.Sprintf("memory deletion requires the literal confirmation %q", want))
		}
	}
	return nil
}

// checkApproval distinguishes missing, denied, and not-yet-approved gates
func (e *Engine) checkApproval(p *contracts.Proposal) error {
	if p.ApprovalID == "" {
		return gate.Forbidden(gate.CodeApprovalRequired, "no approval is linked to this proposal")
	}
	a, err := e.store.GetApproval(p.ApprovalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return gate.Forbidden(gate.CodeApprovalRequired, "linked approval no longer exists")
		}
		return fmt.Errorf("failed to load approval: %w", err)
	}
	switch a.Status {
	case contracts.ApprovalApproved:
		return nil
	case contracts.ApprovalDenied:
		return gate.Forbidden(gate.CodeApprovalDenied, "approval was denied")
	default:
		return gate.Forbidden(gate.CodeApprovalPending, "approval is still pending").WithApprovalID(a.ID)
	}
}

// executeCanvasFastPath writes the canvas record immediately. No external
// side effects, so none of the later gates apply.
func (e *Engine) executeCanvasFastPath(ctx context.Context, p *contracts.Proposal) (*contracts.Run, error) {
	if stray, err := e.store.PendingApprovalForProposal(p.ID); err == nil && stray != nil {
		if delErr := e.store.DeleteApproval(stray.ID); delErr != nil {
			e.logger.Warnw("failed to clear stray approval", "approval_id", stray.ID, "error", delErr)
		}
	}

	if p.ExecutedRunID != "" {
		return e.store.GetRun(p.ExecutedRunID)
	}

	title, _ := p.Args["title"].(string)
	content, _ := p.Args["content"].(string)

	run, err := e.beginRun(ctx, p)
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.RunRunning {
		return run, nil
	}

	item, err := e.canvas.Create("document", "draft", title, content)
	if err != nil {
		msg := fmt.Sprintf("canvas write failed: %v", err)
		run, _ = e.failRun(run, p, msg)
		return run, gate.Newf(gate.CodeExecFail, 500, "%s", msg)
	}
	return e.succeedRun(run, p, map[string]interface{}{"canvas_item_id": item.ID}, "", "", nil)
}

// beginRun claims the proposal's single run slot and inserts the running
// record. A lost claim returns the winner's run instead.
func (e *Engine) beginRun(ctx context.Context, p *contracts.Proposal) (*contracts.Run, error) {
	argsHash, err := hash.ArgsHash(p.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to hash args: %w", err)
	}

	run := &contracts.Run{
		ID:            storage.NewID(),
		ProposalID:    p.ID,
		Status:        contracts.RunRunning,
		StartedAt:     time.Now(),
		CorrelationID: reqcontext.GetCorrelationID(ctx),
		ArgsHash:      argsHash,
	}

	existing, claimed, err := e.store.ClaimExecutedRun(p.ID, run)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run slot: %w", err)
	}
	if !claimed {
		return e.store.GetRun(existing)
	}

	e.active.Add(1)
	e.metrics.RunStarted()
	return run, nil
}

// runTool invokes the sandboxed handler and finalizes run, proposal, audit,
// and the best-effort side record. The in-flight counter is released on
// every exit path.
func (e *Engine) runTool(ctx context.Context, p *contracts.Proposal, def *contracts.ToolDefinition, ec ExecContext) (run *contracts.Run, err error) {
	run, err = e.beginRun(ctx, p)
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.RunRunning {
		// Lost the claim race; the cached run is the answer.
		return run, nil
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("tool handler panicked: %v", r)
			run, _ = e.failRun(run, p, msg)
			err = gate.Newf(gate.CodeExecFail, 500, "%s", msg)
		}
	}()

	result, stdout, stderr, artifacts, handlerErr := e.dispatch(ctx, p, def)
	if handlerErr != nil {
		if ge, ok := gate.As(handlerErr); ok {
			// Sandbox violations and confirmation failures keep their code.
			run, _ = e.failRun(run, p, ge.Error())
			return run, handlerErr
		}
		run, _ = e.failRun(run, p, handlerErr.Error())
		return run, gate.Newf(gate.CodeExecFail, 500, "%s", handlerErr.Error())
	}

	e.markScanProgress(p)

	run, err = e.succeedRun(run, p, result, stdout, stderr, artifacts)
	if err != nil {
		return nil, err
	}

	_ = e.store.AppendAudit(&contracts.AuditEntry{
		Action:           "execute",
		ProposalID:       p.ID,
		RunID:            run.ID,
		ApprovalID:       p.ApprovalID,
		TokenFingerprint: hash.TokenFingerprint(ec.AdminToken),
		Notes:            p.ToolName,
	})
	e.recorder.Record("tool_executed", map[string]interface{}{
		"proposal_id": p.ID,
		"run_id":      run.ID,
		"tool":        p.ToolName,
	})
	e.logResultToCanvas(p, run)
	return run, nil
}

// markScanProgress sets the session's scan bits only after a successful
// list/read execution.
func (e *Engine) markScanProgress(p *contracts.Proposal) {
	switch p.ToolName {
	case registry.ToolWorkspaceList:
		e.scans.MarkListed(p.SessionID)
	case registry.ToolWorkspaceRead:
		e.scans.MarkRead(p.SessionID)
	}
}

func (e *Engine) succeedRun(run *contracts.Run, p *contracts.Proposal, result interface{}, stdout, stderr string, artifacts []string) (*contracts.Run, error) {
	e.active.Add(-1)
	e.metrics.RunFinished(string(contracts.RunSucceeded))
	finished, err := e.store.FinishRun(run.ID, contracts.RunSucceeded, func(r *contracts.Run) {
		r.Result = result
		r.Stdout = stdout
		r.Stderr = stderr
		r.Artifacts = artifacts
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}
	if err := e.store.FinishProposal(p.ID, contracts.ProposalExecuted); err != nil {
		return nil, fmt.Errorf("failed to finish proposal: %w", err)
	}
	return finished, nil
}

func (e *Engine) failRun(run *contracts.Run, p *contracts.Proposal, errMsg string) (*contracts.Run, error) {
	e.active.Add(-1)
	e.metrics.RunFinished(string(contracts.RunFailed))
	finished, err := e.store.FinishRun(run.ID, contracts.RunFailed, func(r *contracts.Run) {
		r.Error = errMsg
	})
	if err != nil {
		return run, fmt.Errorf("failed to finish run: %w", err)
	}
	if err := e.store.FinishProposal(p.ID, contracts.ProposalFailed); err != nil {
		return finished, fmt.Errorf("failed to finish proposal: %w", err)
	}
	_ = e.store.AppendAudit(&contracts.AuditEntry{
		Action:     "execute_failed",
		ProposalID: p.ID,
		RunID:      run.ID,
		Notes:      errMsg,
	})
	return finished, nil
}

// logResultToCanvas records the run outcome as an internal note, best-effort
func (e *Engine) logResultToCanvas(p *contracts.Proposal, run *contracts.Run) {
	title := fmt.Sprintf("run %s", run.ID)
	content := fmt.Sprintf("tool=%s status=%s", p.ToolName, run.Status)
	if _, err := e.canvas.Create("run_log", "done", title, content); err != nil {
		e.logger.Debugw("canvas result log failed", "run_id", run.ID, "error", err)
	}
}

func trimToolName(full string) string {
	// "mcp.<serverID>.<tool>" → "<tool>"
	parts := strings.SplitN(full, ".", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return full
}
