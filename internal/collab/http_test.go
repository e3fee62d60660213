package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

func TestHTTPChatRoundtrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat", r.URL.Path)
		var payload struct {
			Message string `json:"message"`
			System  string `json:"system"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "hello", payload.Message)
		assert.Equal(t, "be brief", payload.System)
		_ = json.NewEncoder(w).Encode(&contracts.ChatResult{OK: true, Text: "hi", Model: "m1"})
	}))
	defer srv.Close()

	chat := NewHTTPChat(srv.URL, 0, zaptest.NewLogger(t).Sugar())
	res, err := chat.Chat(context.Background(), ChatRequest{Message: "hello", SystemText: "be brief"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "hi", res.Text)
}

func TestHTTPChatUnreachableIsSoftFailure(t *testing.T) {
	chat := NewHTTPChat("http://127.0.0.1:1", 0, zaptest.NewLogger(t).Sugar())
	res, err := chat.Chat(context.Background(), ChatRequest{Message: "hello"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestHTTPChatConfiguredTimeoutApplies(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(&contracts.ChatResult{OK: true, Text: "late"})
	}))
	defer srv.Close()
	defer close(release)

	chat := NewHTTPChat(srv.URL, 20*time.Millisecond, zaptest.NewLogger(t).Sugar())
	res, err := chat.Chat(context.Background(), ChatRequest{Message: "hello"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestHTTPChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	chat := NewHTTPChat(srv.URL, 0, zaptest.NewLogger(t).Sugar())
	res, err := chat.Chat(context.Background(), ChatRequest{Message: "hello"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "500")
}

func TestHTTPProbe(t *testing.T) {
	var models string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(models))
	}))
	defer srv.Close()

	probe := NewHTTPProbe()

	models = `{"data":[{"id":"llama3"},{"id":"qwen"}]}`
	res, err := probe.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Running)
	assert.True(t, res.Ready)
	assert.Equal(t, []string{"llama3", "qwen"}, res.Models)

	models = `{"data":[]}`
	res, err = probe.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Running)
	assert.False(t, res.Ready, "a runtime with no model loaded is not ready")
}

func TestHTTPProbeUnreachable(t *testing.T) {
	probe := NewHTTPProbe()
	res, err := probe.Probe(context.Background(), "http://127.0.0.1:1")
	require.NoError(t, err)
	assert.False(t, res.Running)
	assert.False(t, res.Ready)
}

func TestHTTPMCPInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoke", r.URL.Path)
		var payload struct {
			Tool string                 `json:"tool"`
			Args map[string]interface{} `json:"args"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "fetch", payload.Tool)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "done"})
	}))
	defer srv.Close()

	invoker := NewHTTPMCPInvoker(func(serverID string) (string, error) {
		if serverID != "srv-1" {
			return "", fmt.Errorf("unknown server %s", serverID)
		}
		return srv.URL, nil
	})

	result, err := invoker.Invoke(context.Background(), "srv-1", "fetch", map[string]interface{}{"url": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "done"}, result)

	_, err = invoker.Invoke(context.Background(), "srv-9", "fetch", nil)
	assert.Error(t, err)
}

func TestCanvasStoreCreate(t *testing.T) {
	var saved *contracts.CanvasItem
	store := NewCanvasStore(func(item *contracts.CanvasItem) error {
		saved = item
		return nil
	}, func() string { return "item-1" })

	item, err := store.Create("document", "draft", "notes", "body text")
	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, "document", item.Kind)
	require.NotNil(t, saved)
	assert.Equal(t, "body text", saved.Content)
}

func TestCanvasStoreSaveFailure(t *testing.T) {
	store := NewCanvasStore(func(item *contracts.CanvasItem) error {
		return fmt.Errorf("disk full")
	}, func() string { return "item-1" })

	_, err := store.Create("document", "draft", "t", "c")
	assert.Error(t, err)
}
