package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/singleflight"
)

// errTransient ends a poll quietly.
var errTransient = errors.New("transient fetch failure")

type validators struct {
	etag         string
	lastModified string
}

// Web crawls a fixed list of pages. HTML is reduced to its readable
// article text. Conditional requests skip pages that did not change since
// the previous poll.
type Web struct {
	name      string
	urls      []string
	client    *http.Client
	userAgent string
	maxBytes  int64
	now       func() time.Time

	mu    sync.RWMutex
	seen  map[string]validators
	group singleflight.Group
}

// NewWebParams configures a Web source. Client defaults to a client with
// a 30s timeout and MaxBytes to 10 MiB.
type NewWebParams struct {
	Name      string
	URLs      []string
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
	Now       func() time.Time
}

func NewWeb(params NewWebParams) *Web {
	w := &Web{
		name:      params.Name,
		urls:      params.URLs,
		client:    params.Client,
		userAgent: params.UserAgent,
		maxBytes:  params.MaxBytes,
		now:       params.Now,
		seen:      make(map[string]validators),
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: 30 * time.Second}
	}
	if w.userAgent == "" {
		w.userAgent = "ingest/1.0"
	}
	if w.maxBytes <= 0 {
		w.maxBytes = 10 << 20
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *Web) Name() string {
	return w.name
}

func (w *Web) Fetch(ctx context.Context, req FetchRequest) iter.Seq2[common.Document, error] {
	return func(yield func(common.Document, error) bool) {
		for _, u := range w.urls {
			if ctx.Err() != nil {
				return
			}

			res, err, _ := w.group.Do(u, func() (any, error) {
				return w.fetch(ctx, u, req.Since)
			})
			if errors.Is(err, errTransient) {
				logger.Warn("[Source] Web fetch failed, ending poll", "source", w.name, "url", u, "err", err)
				return
			}
			if err != nil {
				yield(common.Document{}, err)
				return
			}

			doc, ok := res.(*common.Document)
			if !ok || doc == nil {
				continue
			}
			if !yield(*doc, nil) {
				return
			}
		}
	}
}

// fetch returns nil without error when the page is unchanged.
func (w *Web) fetch(ctx context.Context, pageURL string, since time.Time) (*common.Document, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", pageURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", w.userAgent)

	w.mu.RLock()
	v, known := w.seen[pageURL]
	w.mu.RUnlock()
	switch {
	case known && v.etag != "":
		req.Header.Set("If-None-Match", v.etag)
	case known && v.lastModified != "":
		req.Header.Set("If-Modified-Since", v.lastModified)
	case !since.IsZero():
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s returned %d", errTransient, pageURL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s returned %d", pageURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := charset.NewReader(io.LimitReader(resp.Body, w.maxBytes), contentType)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset in %q: %w", contentType, err)
	}

	var text string
	if strings.Contains(contentType, "text/html") {
		article, err := readability.FromReader(body, parsed)
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
		var builder strings.Builder
		if err := article.RenderText(&builder); err != nil {
			return nil, fmt.Errorf("failed to render article text: %w", err)
		}
		text = builder.String()
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errTransient, err)
		}
		text = string(data)
	}

	w.mu.Lock()
	w.seen[pageURL] = validators{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	w.mu.Unlock()

	return &common.Document{
		ID:        pageURL,
		Source:    w.name,
		Content:   util.SanitizeText(text),
		FetchedAt: w.now().UTC(),
		SourceMetadata: map[string]string{
			"url":          pageURL,
			"content_type": contentType,
		},
	}, nil
}
