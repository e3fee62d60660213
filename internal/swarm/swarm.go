// Package swarm fans a user message out to a bounded set of helper chat
// calls and joins their results through one merge call. Helpers carry the
// helper origin, so nothing they produce can reach the execution pipeline.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pocketbrain/pocketbrain/internal/collab"
	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/observability"
	"github.com/pocketbrain/pocketbrain/internal/storage"
)

const (
	// MaxHelpers bounds the fan-out of one batch
	MaxHelpers = 5

	helperTimeout = 120 * time.Second
	mergeTimeout  = 180 * time.Second
)

// BatchKey identifies one fan-out batch for cancellation
type BatchKey struct {
	ConversationID string
	UserMessageID  string
}

type batchState struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Coordinator runs helper batches. Concurrency within a batch is bounded by
// a weighted semaphore; the parent joins all helpers through an errgroup
// before the merge step runs.
type Coordinator struct {
	store      *storage.Store
	chat       collab.Chat
	recorder   collab.EventRecorder
	metrics    *observability.Metrics
	logger     *zap.SugaredLogger
	maxHelpers int

	mu      sync.Mutex
	batches map[BatchKey]*batchState
}

// NewCoordinator wires a helper swarm coordinator. The configured helper
// bound is clamped to the hard MaxHelpers cap.
func NewCoordinator(store *storage.Store, chat collab.Chat, recorder collab.EventRecorder, metrics *observability.Metrics, logger *zap.SugaredLogger, maxHelpers int) *Coordinator {
	if maxHelpers < 1 || maxHelpers > MaxHelpers {
		maxHelpers = MaxHelpers
	}
	return &Coordinator{
		store:      store,
		chat:       chat,
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger.Named("swarm"),
		maxHelpers: maxHelpers,
		batches:    make(map[BatchKey]*batchState),
	}
}

// BatchResult is the joined outcome of one helper batch
type BatchResult struct {
	BatchID   string               `json:"batch_id"`
	Merged    string               `json:"merged,omitempty"`
	Helpers   []*contracts.AgentRun `json:"helpers"`
	Cancelled bool                 `json:"cancelled"`
}

// RunBatch fans prompts out to helper chat calls, joins them, and runs one
// merge call over the surviving results. It blocks until the batch settles.
func (c *Coordinator) RunBatch(ctx context.Context, conversationID, userMessageID string, prompts []string, concurrency int64) (*BatchResult, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("batch needs at least one prompt")
	}
	if len(prompts) > c.maxHelpers {
		return nil, fmt.Errorf("batch of %d prompts exceeds the helper limit of %d", len(prompts), c.maxHelpers)
	}
	if concurrency != 1 && concurrency != 2 {
		return nil, fmt.Errorf("concurrency must be 1 or 2, got %d", concurrency)
	}

	key := BatchKey{ConversationID: conversationID, UserMessageID: userMessageID}
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if _, exists := c.batches[key]; exists {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("a batch for message %s is already running", userMessageID)
	}
	state := &batchState{cancel: cancel}
	c.batches[key] = state
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.batches, key)
		c.mu.Unlock()
	}()

	batchID := storage.NewID()
	helpers := make([]*contracts.AgentRun, len(prompts))
	for i, prompt := range prompts {
		helpers[i] = &contracts.AgentRun{
			ID:             storage.NewID(),
			BatchID:        batchID,
			ConversationID: conversationID,
			UserMessageID:  userMessageID,
			Kind:           contracts.AgentRunHelper,
			Index:          i,
			Status:         contracts.AgentRunPending,
			Prompt:         prompt,
			StartedAt:      time.Now(),
		}
		if err := c.store.SaveAgentRun(helpers[i]); err != nil {
			return nil, fmt.Errorf("failed to record helper step: %w", err)
		}
	}

	c.recorder.Record("swarm_batch_started", map[string]interface{}{
		"batch_id":        batchID,
		"conversation_id": conversationID,
		"helpers":         len(prompts),
		"concurrency":     concurrency,
	})

	sem := semaphore.NewWeighted(concurrency)
	g, gctx := errgroup.WithContext(batchCtx)
	for _, h := range helpers {
		h := h
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				c.settleHelper(h, contracts.AgentRunCancelled, "", "batch cancelled before start", "")
				return nil
			}
			defer sem.Release(1)
			c.runHelper(gctx, key, h)
			return nil
		})
	}
	// Helper errors are settled on the run rows, so Wait only observes
	// context cancellation.
	_ = g.Wait()

	cancelled := c.wasCancelled(key, state)
	merged := ""
	if !cancelled {
		merged = c.runMerge(ctx, batchID, key, helpers)
	}

	return &BatchResult{BatchID: batchID, Merged: merged, Helpers: helpers, Cancelled: cancelled}, nil
}

// runHelper executes one helper step. A step that observes cancellation
// before starting marks itself cancelled instead of running; a step whose
// network call is already in flight completes, but its result is discarded.
func (c *Coordinator) runHelper(ctx context.Context, key BatchKey, h *contracts.AgentRun) {
	if c.wasCancelledKey(key) || ctx.Err() != nil {
		c.settleHelper(h, contracts.AgentRunCancelled, "", "batch cancelled before start", "")
		return
	}

	if err := c.store.MarkAgentRunRunning(h.ID); err != nil {
		c.logger.Warnw("failed to mark helper running", "agent_run_id", h.ID, "error", err)
	}
	h.Status = contracts.AgentRunRunning

	res, err := c.chat.Chat(ctx, collab.ChatRequest{
		Message:    h.Prompt,
		SystemText: "You are one focused helper working on a sub-question. Answer it directly.",
		Timeout:    helperTimeout,
	})

	if c.wasCancelledKey(key) {
		c.settleHelper(h, contracts.AgentRunCancelled, "", "batch cancelled, result discarded", "")
		return
	}
	if err != nil {
		c.settleHelper(h, contracts.AgentRunFailed, "", err.Error(), "")
		return
	}
	if !res.OK {
		c.settleHelper(h, contracts.AgentRunFailed, "", res.Error, res.Model)
		return
	}
	c.settleHelper(h, contracts.AgentRunSucceeded, res.Text, "", res.Model)
}

func (c *Coordinator) settleHelper(h *contracts.AgentRun, status contracts.AgentRunStatus, result, errMsg, model string) {
	if err := c.store.FinishAgentRun(h.ID, status, result, errMsg, model); err != nil {
		c.logger.Warnw("failed to settle helper step", "agent_run_id", h.ID, "error", err)
	}
	h.Status = status
	h.Result = result
	h.Error = errMsg
	h.Model = model
	now := time.Now()
	h.FinishedAt = &now
	c.metrics.HelperStep(string(status))
}

// runMerge synthesizes the surviving helper results with one chat call
func (c *Coordinator) runMerge(ctx context.Context, batchID string, key BatchKey, helpers []*contracts.AgentRun) string {
	merge := &contracts.AgentRun{
		ID:             storage.NewID(),
		BatchID:        batchID,
		ConversationID: key.ConversationID,
		UserMessageID:  key.UserMessageID,
		Kind:           contracts.AgentRunMerge,
		Index:          len(helpers),
		Status:         contracts.AgentRunRunning,
		StartedAt:      time.Now(),
	}
	if err := c.store.SaveAgentRun(merge); err != nil {
		c.logger.Warnw("failed to record merge step", "batch_id", batchID, "error", err)
	}

	var prompt string
	succeeded := 0
	for _, h := range helpers {
		if h.Status != contracts.AgentRunSucceeded {
			continue
		}
		succeeded++
		prompt += fmt.Sprintf("## Helper %d\n%s\n\n", h.Index+1, h.Result)
	}
	if succeeded == 0 {
		c.settleHelper(merge, contracts.AgentRunFailed, "", "no helper produced a result", "")
		return ""
	}

	res, err := c.chat.Chat(ctx, collab.ChatRequest{
		Message:    prompt,
		SystemText: "Merge the helper answers below into one coherent answer. Resolve conflicts, drop repetition.",
		Timeout:    mergeTimeout,
	})
	if err != nil {
		c.settleHelper(merge, contracts.AgentRunFailed, "", err.Error(), "")
		return ""
	}
	if !res.OK {
		c.settleHelper(merge, contracts.AgentRunFailed, "", res.Error, res.Model)
		return ""
	}
	c.settleHelper(merge, contracts.AgentRunSucceeded, res.Text, "", res.Model)
	return res.Text
}

// Cancel marks a batch cancelled and cancels its context. Steps that have
// not started will not start; steps in flight discard their results.
func (c *Coordinator) Cancel(key BatchKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.batches[key]
	if !ok {
		return false
	}
	state.cancelled = true
	state.cancel()
	c.recorder.Record("swarm_batch_cancelled", map[string]interface{}{
		"conversation_id": key.ConversationID,
		"user_message_id": key.UserMessageID,
	})
	return true
}

// ListRuns returns all helper and merge rows for a conversation, oldest first
func (c *Coordinator) ListRuns(conversationID string) ([]*contracts.AgentRun, error) {
	return c.store.ListAgentRuns(conversationID)
}

func (c *Coordinator) wasCancelled(key BatchKey, state *batchState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return state.cancelled
}

func (c *Coordinator) wasCancelledKey(key BatchKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.batches[key]
	return ok && state.cancelled
}
