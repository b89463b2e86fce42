package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

var (
	// ErrExtractionFailed means the model could not be reached within the
	// retry budget.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrUnparsableResponse means no parse strategy found an object in the
	// model's answer.
	ErrUnparsableResponse = errors.New("unparsable model response")
)

const (
	defaultRequestTimeout = 2 * time.Minute
	defaultMaxInputTokens = 6000
)

// Result is a record together with how it was obtained.
type Result struct {
	Record    common.ProcessedRecord
	Strategy  string
	Attempts  int
	Truncated bool
	Response  string
}

// Extractor turns documents into ProcessedRecords with a language model.
type Extractor struct {
	client     ai.Client
	policy     util.RetryPolicy
	timeout    time.Duration
	maxTokens  int
	strategies []Strategy
	opts       []ai.GenerateOption
	now        func() time.Time
}

// NewExtractorParams configures an Extractor.
//
// RequestTimeout bounds a single model call, not the whole retry loop.
// Options are passed to every call after the extractor's own JSON and
// temperature settings.
type NewExtractorParams struct {
	Client         ai.Client
	Policy         util.RetryPolicy
	RequestTimeout time.Duration
	MaxInputTokens int
	Strategies     []Strategy
	Options        []ai.GenerateOption
	Now            func() time.Time
}

// NewExtractor creates an Extractor. Zero values select the defaults.
func NewExtractor(params NewExtractorParams) *Extractor {
	e := &Extractor{
		client:     params.Client,
		policy:     params.Policy,
		timeout:    params.RequestTimeout,
		maxTokens:  params.MaxInputTokens,
		strategies: params.Strategies,
		now:        params.Now,
	}
	if e.policy.MaxAttempts == 0 {
		e.policy = util.DefaultRetryPolicy()
	}
	if e.timeout <= 0 {
		e.timeout = defaultRequestTimeout
	}
	if e.maxTokens <= 0 {
		e.maxTokens = defaultMaxInputTokens
	}
	if len(e.strategies) == 0 {
		e.strategies = DefaultStrategies()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.opts = append([]ai.GenerateOption{ai.WithJSONOutput(), ai.WithTemperature(0)}, params.Options...)
	return e
}

// Extract calls the model for doc and parses its answer.
//
// Errors wrap ErrExtractionFailed or ErrUnparsableResponse, except when ctx
// itself ended, in which case ctx.Err() is returned so the caller can
// release the document instead of quarantining it.
func (e *Extractor) Extract(ctx context.Context, doc common.Document) (Result, error) {
	prompt, truncated := BuildPrompt(doc, e.maxTokens)
	if truncated {
		logger.Debug("[Extract] Document truncated for prompt", "document", doc.Key(), "max_tokens", e.maxTokens)
	}

	text, attempts, err := util.Do(ctx, e.policy, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.client.GenerateCompletion(callCtx, prompt, e.opts...)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("[Extract] Model call failed, retrying", "document", doc.Key(), "attempt", attempt, "wait", wait, "err", err)
	})
	res := Result{Attempts: attempts, Truncated: truncated, Response: text}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w after %d attempts: %w", ErrExtractionFailed, attempts, err)
	}

	tree, strategy, err := Parse(text, e.strategies)
	if err != nil {
		return res, err
	}

	res.Strategy = strategy
	res.Record = Coerce(tree, doc)
	res.Record.ExtractedAt = e.now().UTC()

	logger.Debug(
		"[Extract] Parsed model response",
		"document", doc.Key(),
		"strategy", strategy,
		"attempts", attempts,
		"entities", len(res.Record.Entities),
		"locations", len(res.Record.Locations),
	)
	return res, nil
}
