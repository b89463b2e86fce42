package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"github.com/tidwall/gjson"
)

// FeedPaths selects fields of a JSON feed with gjson paths. Items points
// at the record array; the other paths are relative to one record.
type FeedPaths struct {
	Items    string            `yaml:"items"`
	ID       string            `yaml:"id"`
	Content  string            `yaml:"content"`
	Date     string            `yaml:"date"`
	Metadata map[string]string `yaml:"metadata"`
}

// Feed polls an HTTP endpoint returning a JSON list of records, such as a
// patent office search API.
type Feed struct {
	name     string
	url      string
	paths    FeedPaths
	client   *http.Client
	headers  map[string]string
	maxBytes int64
	now      func() time.Time
}

// NewFeedParams configures a Feed. Paths.ID and Paths.Content are
// required. Records whose content path resolves to an object or array
// use the raw JSON of that value as content.
type NewFeedParams struct {
	Name     string
	URL      string
	Paths    FeedPaths
	Headers  map[string]string
	Client   *http.Client
	MaxBytes int64
	Now      func() time.Time
}

func NewFeed(params NewFeedParams) (*Feed, error) {
	if params.URL == "" {
		return nil, errors.New("feed source requires a url")
	}
	if params.Paths.ID == "" || params.Paths.Content == "" {
		return nil, errors.New("feed source requires id and content paths")
	}
	f := &Feed{
		name:     params.Name,
		url:      params.URL,
		paths:    params.Paths,
		client:   params.Client,
		headers:  params.Headers,
		maxBytes: params.MaxBytes,
		now:      params.Now,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 30 * time.Second}
	}
	if f.maxBytes <= 0 {
		f.maxBytes = 32 << 20
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

func (f *Feed) Name() string {
	return f.name
}

func (f *Feed) Fetch(ctx context.Context, req FetchRequest) iter.Seq2[common.Document, error] {
	return func(yield func(common.Document, error) bool) {
		body, err := f.load(ctx)
		if errors.Is(err, errTransient) {
			logger.Warn("[Source] Feed fetch failed, ending poll", "source", f.name, "url", f.url, "err", err)
			return
		}
		if err != nil {
			yield(common.Document{}, err)
			return
		}
		if !gjson.ValidBytes(body) {
			yield(common.Document{}, fmt.Errorf("feed %s returned invalid json", f.url))
			return
		}

		items := gjson.ParseBytes(body)
		if f.paths.Items != "" {
			items = items.Get(f.paths.Items)
		}
		if !items.IsArray() {
			yield(common.Document{}, fmt.Errorf("feed %s: path %q is not an array", f.url, f.paths.Items))
			return
		}

		for _, item := range items.Array() {
			if ctx.Err() != nil {
				return
			}
			doc, ok := f.document(item, req.Since)
			if !ok {
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (f *Feed) load(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s returned %d", errTransient, f.url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s returned %d", f.url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransient, err)
	}
	return data, nil
}

// document maps one record. Records without id or content, or dated at
// or before since, are skipped.
func (f *Feed) document(item gjson.Result, since time.Time) (common.Document, bool) {
	id := strings.TrimSpace(item.Get(f.paths.ID).String())
	if id == "" {
		logger.Debug("[Source] Skipping feed record without id", "source", f.name)
		return common.Document{}, false
	}

	content := item.Get(f.paths.Content)
	text := content.String()
	if content.IsObject() || content.IsArray() {
		text = content.Raw
	}
	if strings.TrimSpace(text) == "" {
		logger.Debug("[Source] Skipping feed record without content", "source", f.name, "id", id)
		return common.Document{}, false
	}

	meta := map[string]string{"url": f.url}
	if f.paths.Date != "" {
		raw := item.Get(f.paths.Date).String()
		if date, ok := parseFeedDate(raw); ok {
			if !since.IsZero() && !date.After(since) {
				return common.Document{}, false
			}
			meta["date"] = date.UTC().Format(time.RFC3339)
		} else if raw != "" {
			meta["date"] = raw
		}
	}
	for key, path := range f.paths.Metadata {
		if v := item.Get(path); v.Exists() {
			meta[key] = v.String()
		}
	}

	return common.Document{
		ID:             id,
		Source:         f.name,
		Content:        util.SanitizeText(text),
		FetchedAt:      f.now().UTC(),
		SourceMetadata: meta,
	}, true
}

var feedDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"20060102",
	time.RFC1123Z,
	time.RFC1123,
}

func parseFeedDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range feedDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
