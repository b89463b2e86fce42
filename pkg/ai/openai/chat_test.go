package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"
)

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "message": {"role": "assistant", "content": "{\"entities\": []}"},
    "finish_reason": "stop"
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
}`

func TestGenerateCompletion_JSONMode(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	c := NewClient(NewClientParams{Model: "gpt-4o-mini", BaseURL: srv.URL + "/v1/", APIKey: "test"})
	out, err := c.GenerateCompletion(context.Background(), "extract", ai.WithJSONOutput(), ai.WithSystemPrompts("be terse"))
	require.NoError(t, err)
	assert.Equal(t, `{"entities": []}`, out)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	format, ok := got["response_format"].(map[string]any)
	require.True(t, ok, "response_format missing: %v", got)
	assert.Equal(t, "json_object", format["type"])
	assert.Len(t, got["messages"], 2)

	m := c.GetMetrics()
	assert.Equal(t, 1, m.Requests)
	assert.Equal(t, 16, m.TotalTokens)
}

func TestGenerateCompletion_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":0,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"length"}],"usage":{}}`)
	}))
	defer srv.Close()

	c := NewClient(NewClientParams{Model: "m", BaseURL: srv.URL, APIKey: "test"})
	_, err := c.GenerateCompletion(context.Background(), "extract")
	assert.ErrorIs(t, err, ai.ErrEmptyResponse)
}
