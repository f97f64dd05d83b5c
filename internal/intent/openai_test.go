package intent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/ops"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func TestOpenAIBackend_SendsPromptAndReturnsContent(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{"action":"operation","operation":"list","params":{}}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("test-key", srv.URL+"/v1", "gpt-4o-mini")
	p := BuildPrompt(testContext(), "list my tasks")
	out, err := b.Complete(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, out, `"operation":"list"`)

	require.Len(t, got.Messages, len(p.History)+2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "list my tasks", got.Messages[len(got.Messages)-1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestOpenAIBackend_RetriesServerErrorsThroughResolver(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse(`{"action":"operation","operation":"delete","params":{"task_id":7}}`))
	}))
	defer srv.Close()

	r := fastResolver(NewOpenAIBackend("k", srv.URL+"/v1", ""))
	r.policy.AttemptTimeout = 2 * time.Second
	dec, err := r.Resolve(context.Background(), testContext(), "delete my milk task")
	require.NoError(t, err)
	assert.Equal(t, ops.Delete{TaskID: 7}, dec.Operation)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAIBackend_AuthFailureSurfacesAsCompletionError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	r := fastResolver(NewOpenAIBackend("bad", srv.URL+"/v1", ""))
	r.policy.AttemptTimeout = 2 * time.Second
	_, err := r.Resolve(context.Background(), testContext(), "list my tasks")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCompletionService, apperr.CodeOf(err))
	assert.EqualValues(t, 1, calls.Load())
}
