package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

const defaultChatTimeout = 120 * time.Second

// HTTPChat talks to a local OpenAI-compatible chat endpoint
type HTTPChat struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewHTTPChat creates the default chat collaborator. A non-positive timeout
// falls back to the package default.
func NewHTTPChat(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPChat {
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}
	return &HTTPChat{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

type chatPayload struct {
	Message     string  `json:"message"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Chat sends one message. The timeout is mandatory: a hung upstream must not
// stall the engine.
func (c *HTTPChat) Chat(ctx context.Context, req ChatRequest) (*contracts.ChatResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatPayload{
		Message:     req.Message,
		System:      req.SystemText,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &contracts.ChatResult{OK: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	var result contracts.ChatResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && result.Error == "" {
		result.OK = false
		result.Error = fmt.Sprintf("chat endpoint returned %d", resp.StatusCode)
	}
	return &result, nil
}

// HTTPProbe checks an OpenAI-compatible /v1/models endpoint
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe creates the default readiness probe
func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{client: &http.Client{Timeout: 5 * time.Second}}
}

// Probe reports runtime reachability and loaded models
func (p *HTTPProbe) Probe(ctx context.Context, baseURL string) (*contracts.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &contracts.ProbeResult{Running: false, Ready: false}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &contracts.ProbeResult{Running: true, Ready: false}, nil
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &contracts.ProbeResult{Running: true, Ready: false}, nil
	}

	models := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		models = append(models, m.ID)
	}
	return &contracts.ProbeResult{
		Running: true,
		Ready:   len(models) > 0,
		Models:  models,
	}, nil
}

// HTTPMCPInvoker forwards invocations to an MCP server's endpoint from its
// stored config.
type HTTPMCPInvoker struct {
	endpointFor func(serverID string) (string, error)
	client      *http.Client
}

// NewHTTPMCPInvoker creates an invoker resolving endpoints through the given
// lookup
func NewHTTPMCPInvoker(endpointFor func(serverID string) (string, error)) *HTTPMCPInvoker {
	return &HTTPMCPInvoker{
		endpointFor: endpointFor,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Invoke calls the named tool on an MCP server
func (i *HTTPMCPInvoker) Invoke(ctx context.Context, serverID, toolName string, args map[string]interface{}) (interface{}, error) {
	endpoint, err := i.endpointFor(serverID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]interface{}{
		"tool": toolName,
		"args": args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mcp invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build mcp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp invocation failed: %w", err)
	}
	defer resp.Body.Close()

	var result interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode mcp response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp server returned %d", resp.StatusCode)
	}
	return result, nil
}
