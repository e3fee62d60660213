package collab

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// LogRecorder is the default event recorder: structured log lines, nothing
// more. The sink is fire-and-forget.
type LogRecorder struct {
	logger *zap.SugaredLogger
}

// NewLogRecorder creates a log-backed event recorder
func NewLogRecorder(logger *zap.SugaredLogger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record logs one event
func (r *LogRecorder) Record(eventType string, payload map[string]interface{}) {
	r.logger.Infow("event", "type", eventType, "payload", payload)
}

// CanvasStore persists canvas items through a storage backend
type CanvasStore struct {
	save  func(*contracts.CanvasItem) error
	newID func() string
}

// NewCanvasStore creates the default canvas-item creator
func NewCanvasStore(save func(*contracts.CanvasItem) error, newID func() string) *CanvasStore {
	return &CanvasStore{save: save, newID: newID}
}

// Create writes one internal content record
func (c *CanvasStore) Create(kind, status, title, content string) (*contracts.CanvasItem, error) {
	item := &contracts.CanvasItem{
		ID:      c.newID(),
		Kind:    kind,
		Status:  status,
		Title:   title,
		Content: content,
		Created: time.Now(),
	}
	if err := c.save(item); err != nil {
		return nil, err
	}
	return item, nil
}

// LogNotifier is the default channel notifier; delivery to real bot channels
// is a collaborator concern, so the core only records the attempt.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify records a best-effort outbound notification
func (n *LogNotifier) Notify(_ context.Context, channel, target, text string) error {
	n.logger.Infow("notify", "channel", channel, "target", target, "text", text)
	return nil
}
