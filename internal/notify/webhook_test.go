package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsEvent(t *testing.T) {
	var got eventPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL)
	hook.RunEvent(context.Background(), "run-9", "run.succeeded", map[string]any{"files": 4})

	assert.Equal(t, "run-9", got.RunID)
	assert.Equal(t, "run.succeeded", got.Event)
	assert.EqualValues(t, 4, got.Payload["files"])
}

func TestWebhookNoURLIsNoop(t *testing.T) {
	hook := NewWebhook("")
	// must not panic or block
	hook.RunEvent(context.Background(), "run-1", "run.failed", nil)
}

func TestWebhookSwallowsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL)
	hook.RunEvent(context.Background(), "run-1", "run.failed", nil)
}
