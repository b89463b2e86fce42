package orchestrator

import (
	"sync"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

// buffer holds documents that could not be enqueued, in arrival order.
// A newer version of a buffered document replaces the older one.
type buffer struct {
	mu    sync.Mutex
	limit int
	order []string
	docs  map[string]common.Document
}

func newBuffer(limit int) *buffer {
	return &buffer{limit: limit, docs: make(map[string]common.Document)}
}

// add reports false when the buffer is full.
func (b *buffer) add(doc common.Document) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := doc.Key()
	if _, ok := b.docs[key]; ok {
		b.docs[key] = doc
		return true
	}
	if len(b.order) >= b.limit {
		return false
	}
	b.order = append(b.order, key)
	b.docs[key] = doc
	metrics.DocumentsBuffered.Set(float64(len(b.order)))
	return true
}

func (b *buffer) snapshot() []common.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.Document, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.docs[key])
	}
	return out
}

// remove drops doc unless a newer version replaced it meanwhile.
func (b *buffer) remove(doc common.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := doc.Key()
	cur, ok := b.docs[key]
	if !ok || cur.Version() != doc.Version() {
		return
	}
	delete(b.docs, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	metrics.DocumentsBuffered.Set(float64(len(b.order)))
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
