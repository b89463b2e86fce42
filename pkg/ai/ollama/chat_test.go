package ollama

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

func TestGenerateCompletion(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"{\"entities\":[]}"},"done":true,"prompt_eval_count":20,"eval_count":5,"total_duration":1000000000}`+"\n")
	}))
	defer srv.Close()

	c, err := NewClient(NewClientParams{Model: "llama3", BaseURL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	out, err := c.GenerateCompletion(context.Background(), "extract", ai.WithJSONOutput())
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, out)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "llama3", got["model"])
	assert.Equal(t, "json", got["format"])
	assert.Equal(t, false, got["stream"])

	m := c.GetMetrics()
	assert.Equal(t, 25, m.TotalTokens)
	assert.Equal(t, int64(1000), m.DurationMs)
}

func TestContextSize_ShortPrompt(t *testing.T) {
	assert.Equal(t, 0, contextSize("short prompt", []string{"system"}))
}
