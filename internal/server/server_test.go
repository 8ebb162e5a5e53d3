package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/ai"
	"forgeline/internal/pipeline"
)

// scriptedGateway serves an ordered queue of responses.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []string
	idx       int
}

func (g *scriptedGateway) Invoke(_ context.Context, cfg ai.Config, _, _ string, _ []ai.Image) (*ai.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.responses) {
		return nil, &ai.ProviderError{Kind: cfg.Kind, Message: "script exhausted"}
	}
	text := g.responses[g.idx]
	g.idx++
	return &ai.Completion{
		Text:  text,
		Usage: ai.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.001, Provider: cfg.Kind, Model: "test-model"},
	}, nil
}

func newTestServer(gw ai.Gateway) *Server {
	orch := pipeline.New(pipeline.Options{
		Gateway: gw,
		Providers: []ai.Config{
			{Kind: ai.KindClaude, APIKey: "key", Model: "claude-test", Active: true},
		},
		StepTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	return New(orch, nil)
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestGenerateRunsToCompletion(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"strategy": "spa", "summary": "small app"}`,
		`{"needsBackend": false, "reason": "client only"}`,
		`{"phases": [{"id": "p1", "title": "UI", "description": "build", "type": "ui"}]}`,
		`{"layout": "single column"}`,
		`{"steps": [{"label": "index", "path": "index.html"}]}`,
		`{"files": [{"path": "index.html", "action": "create", "content": "<html>"}], "explanation": "done"}`,
		`{"status": "pass", "issues": [], "patches": []}`,
	}}
	srv := newTestServer(gw)
	defer srv.Shutdown()

	w := postJSON(t, srv, "/api/generate", map[string]any{"prompt": "build a page"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted struct {
		RunID  string `json:"run_id"`
		Events string `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.RunID)
	assert.Equal(t, "/ws/runs/"+accepted.RunID, accepted.Events)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/runs/"+accepted.RunID, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		var status struct {
			Status string `json:"status"`
			Files  int    `json:"files"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status == string(pipeline.RunSucceeded) && status.Files == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGenerateRejectsMissingPrompt(t *testing.T) {
	srv := newTestServer(&scriptedGateway{})
	defer srv.Shutdown()

	w := postJSON(t, srv, "/api/generate", map[string]any{"project_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelUnknownRun(t *testing.T) {
	srv := newTestServer(&scriptedGateway{})
	defer srv.Shutdown()

	w := postJSON(t, srv, "/api/runs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResumeUnknownAndNotAwaiting(t *testing.T) {
	gw := &scriptedGateway{} // every call errors, run fails fast
	srv := newTestServer(gw)
	defer srv.Shutdown()

	w := postJSON(t, srv, "/api/runs/missing/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = postJSON(t, srv, "/api/generate", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/runs/"+accepted.RunID, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return strings.Contains(rec.Body.String(), string(pipeline.RunFailed))
	}, 5*time.Second, 10*time.Millisecond)

	w = postJSON(t, srv, "/api/runs/"+accepted.RunID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConnectBackendWithoutStore(t *testing.T) {
	srv := newTestServer(&scriptedGateway{})
	defer srv.Shutdown()

	w := postJSON(t, srv, "/api/projects/1/backend", map[string]any{"provider": "supabase"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestWebSocketReplaysRunHistory(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Shutdown()

	bridge := NewEventBridge(hub)
	// events before Bind must not be lost
	bridge.OnMessage(pipeline.Message{Content: "starting"})
	bridge.OnPhaseStart(0)
	bridge.Bind("run-1")
	bridge.OnPhaseComplete(0)

	// give the hub loop time to record history
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.history["run-1"]) == 3
	}, time.Second, 5*time.Millisecond)

	engine := newWSRouter(hub)
	ts := httptest.NewServer(engine)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/run-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	types := readEnvelopeTypes(t, conn, 3)
	assert.Equal(t, []string{"message", "phase_start", "phase_complete"}, types)

	// a live event after subscribe is delivered too
	bridge.OnCancelled()
	types = readEnvelopeTypes(t, conn, 1)
	assert.Equal(t, []string{"cancelled"}, types)
}

func TestHubHistoryDroppedAfterTerminalEvent(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Shutdown()

	bridge := NewEventBridge(hub)
	bridge.retention = 50 * time.Millisecond
	bridge.Bind("run-2")
	bridge.OnMessage(pipeline.Message{Content: "working"})
	bridge.OnCancelled()

	historyLen := func() int {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.history["run-2"])
	}

	// both events land in replayable history first
	require.Eventually(t, func() bool { return historyLen() == 2 }, time.Second, 5*time.Millisecond)
	// then the retention window expires and the history is dropped
	require.Eventually(t, func() bool { return historyLen() == 0 }, time.Second, 5*time.Millisecond)
}

func newWSRouter(hub *Hub) http.Handler {
	engine := gin.New()
	engine.GET("/ws/runs/:id", hub.HandleWebSocket)
	return engine
}

func readEnvelopeTypes(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	var types []string
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(types) < n {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		// the write pump batches queued events newline-separated
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var env Envelope
			require.NoError(t, json.Unmarshal(line, &env))
			types = append(types, env.Type)
		}
	}
	return types[:n]
}
