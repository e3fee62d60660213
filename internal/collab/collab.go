// Package collab declares the external collaborator contracts the governance
// core consumes: the chat function, the model-runtime readiness probe, the
// event recorder, the canvas-item creator, the channel notifier, and the MCP
// invoker. Implementations live behind interfaces so tests can substitute
// fakes.
package collab

import (
	"context"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// ChatRequest is one chat collaborator invocation
type ChatRequest struct {
	Message     string
	SystemText  string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Chat is the black-box LLM chat function
type Chat interface {
	Chat(ctx context.Context, req ChatRequest) (*contracts.ChatResult, error)
}

// ReadinessProbe reports whether the model runtime is reachable and has a
// model loaded
type ReadinessProbe interface {
	Probe(ctx context.Context, baseURL string) (*contracts.ProbeResult, error)
}

// EventRecorder is a fire-and-forget audit/telemetry sink
type EventRecorder interface {
	Record(eventType string, payload map[string]interface{})
}

// CanvasCreator creates internal content records. Used by the canvas-write
// fast path and for best-effort result logging.
type CanvasCreator interface {
	Create(kind, status, title, content string) (*contracts.CanvasItem, error)
}

// Notifier delivers a best-effort message back to an originating channel
type Notifier interface {
	Notify(ctx context.Context, channel, target, text string) error
}

// MCPInvoker forwards an invocation to an external MCP server
type MCPInvoker interface {
	Invoke(ctx context.Context, serverID, toolName string, args map[string]interface{}) (interface{}, error)
}
