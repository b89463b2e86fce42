package ollama

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"

	"github.com/ollama/ollama/api"
)

const defaultContext = 4096

// GenerateCompletion sends a single-turn prompt and returns assistant text.
func (c *Client) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.model,
		Temperature: 0.1,
	}, opts...)

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.reqLock.Release(1)

	msgs := make([]api.Message, 0, len(options.SystemPrompts)+1)
	for _, sys := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sys})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}

	switch {
	case options.Schema != nil:
		formatBytes, err := json.Marshal(options.Schema)
		if err != nil {
			return "", err
		}
		req.Format = formatBytes
	case options.JSONOutput:
		req.Format = json.RawMessage(`"json"`)
	}

	if options.Thinking != "" {
		req.Think = &api.ThinkValue{
			Value: options.Thinking,
		}
	}

	if tokens := contextSize(prompt, options.SystemPrompts); tokens > defaultContext {
		req.Options["num_ctx"] = tokens
	}

	var final api.ChatResponse
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return "", err
	}

	c.Record(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	if final.Message.Content == "" {
		return "", fmt.Errorf("model %s: %w", options.Model, ai.ErrEmptyResponse)
	}
	return final.Message.Content, nil
}

// contextSize estimates the context window a request needs, with headroom
// for the answer. Short prompts never reach the tokenizer.
func contextSize(prompt string, system []string) int {
	size := len(prompt)
	for _, s := range system {
		size += len(s)
	}
	if size+512 <= defaultContext {
		return 0
	}
	tokens := 512 + ai.CountTokens(prompt)
	for _, s := range system {
		tokens += ai.CountTokens(s)
	}
	return tokens
}
