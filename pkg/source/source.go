package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

var (
	ErrDuplicateSource = errors.New("duplicate source name")
	ErrUnknownSource   = errors.New("unknown source")
)

// FetchRequest carries the poll parameters.
type FetchRequest struct {
	// Since is the start of the last successful poll, zero on the first
	// one. Sources may skip items that have not changed since.
	Since time.Time
}

// Source produces documents from one external input.
//
// Fetch yields documents until it runs out or ctx ends. A transient I/O
// problem ends the sequence without an error so the next poll can try
// again; a yielded error marks the whole poll as failed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) iter.Seq2[common.Document, error]
}

// Registry maps source names to implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if name == "" {
		return errors.New("source name is empty")
	}
	if _, ok := r.sources[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
	}
	r.sources[name] = s
	return nil
}

func (r *Registry) Get(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return s, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
