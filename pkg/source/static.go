package source

import (
	"context"
	"iter"
	"sync"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

// Static serves a fixed set of documents. It is used for replays and
// tests.
type Static struct {
	name string

	mu   sync.RWMutex
	docs []common.Document
}

func NewStatic(name string, docs ...common.Document) *Static {
	s := &Static{name: name}
	s.Set(docs...)
	return s
}

func (s *Static) Name() string {
	return s.name
}

// Set replaces the served documents. Documents without a source get the
// static source's name.
func (s *Static) Set(docs ...common.Document) {
	out := make([]common.Document, len(docs))
	for i, d := range docs {
		if d.Source == "" {
			d.Source = s.name
		}
		out[i] = d
	}
	s.mu.Lock()
	s.docs = out
	s.mu.Unlock()
}

func (s *Static) Fetch(ctx context.Context, req FetchRequest) iter.Seq2[common.Document, error] {
	s.mu.RLock()
	docs := s.docs
	s.mu.RUnlock()

	return func(yield func(common.Document, error) bool) {
		for _, d := range docs {
			if ctx.Err() != nil {
				return
			}
			if !req.Since.IsZero() && !d.FetchedAt.IsZero() && d.FetchedAt.Before(req.Since) {
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}
