package openai

import (
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client talks to an OpenAI compatible chat completion endpoint.
//
// A Client should be created using NewClient.
type Client struct {
	ai.MetricsRecorder

	model   string
	baseURL string

	ChatClient *openai.Client
}

// NewClientParams defines the configuration parameters for creating a
// new Client.
//
// BaseURL may point at any OpenAI compatible server; it defaults to the
// public API when empty.
type NewClientParams struct {
	Model   string
	BaseURL string
	APIKey  string

	// MaxRetries is the SDK's own retry budget. The pipeline retries on
	// top of it, so it defaults to 0.
	MaxRetries int
}

// NewClient creates and returns a new Client configured with the provided
// parameters.
//
// Example:
//
//	client := openai.NewClient(openai.NewClientParams{
//		Model:   "gpt-4o-mini",
//		APIKey:  os.Getenv("INGEST_LLM_KEY"),
//	})
func NewClient(params NewClientParams) *Client {
	return &Client{
		model:      params.Model,
		baseURL:    params.BaseURL,
		ChatClient: newOpenaiClient(params.BaseURL, params.APIKey, params.MaxRetries),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
	maxRetries int,
) *openai.Client {
	options := []option.RequestOption{
		option.WithMaxRetries(maxRetries),
	}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
