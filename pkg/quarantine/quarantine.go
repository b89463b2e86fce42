package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/verify"
)

// Entry is one quarantined document. Record is set when extraction got far
// enough to produce one.
type Entry struct {
	ID            string                  `json:"id"`
	Reason        verify.Reason           `json:"reason"`
	Detail        string                  `json:"detail,omitempty"`
	Document      common.Document         `json:"document"`
	Record        *common.ProcessedRecord `json:"record,omitempty"`
	ModelResponse string                  `json:"modelResponse,omitempty"`
	QuarantinedAt time.Time               `json:"quarantinedAt"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Reason verify.Reason
	Source string
	Since  time.Time
	Limit  int
}

func (f Filter) match(e Entry) bool {
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	if f.Source != "" && e.Document.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.QuarantinedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store keeps rejected documents for inspection.
type Store interface {
	Put(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Mirror receives a copy of every entry, keyed by a relative path.
// *storage.Bucket satisfies it.
type Mirror interface {
	Put(ctx context.Context, key string, body []byte) error
}

// FileStore writes one JSON file per entry.
type FileStore struct {
	dir    string
	mirror Mirror
	prefix string
	now    func() time.Time
	mu     sync.Mutex
}

// NewFileStoreParams configures a FileStore. Mirror is optional; its
// objects are written under MirrorPrefix.
type NewFileStoreParams struct {
	Dir          string
	Mirror       Mirror
	MirrorPrefix string
	Now          func() time.Time
}

// NewFileStore creates the quarantine directory if needed.
func NewFileStore(params NewFileStoreParams) (*FileStore, error) {
	if params.Dir == "" {
		return nil, errors.New("quarantine directory is required")
	}
	if err := os.MkdirAll(params.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	prefix := params.MirrorPrefix
	if prefix == "" {
		prefix = "quarantine"
	}
	return &FileStore{
		dir:    params.Dir,
		mirror: params.Mirror,
		prefix: strings.Trim(prefix, "/"),
		now:    now,
	}, nil
}

// Put assigns an id and timestamp when missing and persists the entry.
func (s *FileStore) Put(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return Entry{}, fmt.Errorf("failed to generate quarantine id: %w", err)
		}
		e.ID = id
	}
	if e.QuarantinedAt.IsZero() {
		e.QuarantinedAt = s.now().UTC()
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode quarantine entry: %w", err)
	}

	name := fileName(e)
	if err := s.write(name, data); err != nil {
		return Entry{}, err
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, s.prefix+"/"+name, data); err != nil {
			logger.Warn("[Quarantine] Mirror upload failed", "id", e.ID, "err", err)
		}
	}

	logger.Info(
		"[Quarantine] Document quarantined",
		"id", e.ID,
		"document", e.Document.Key(),
		"reason", e.Reason,
		"detail", e.Detail,
	)
	return e, nil
}

func fileName(e Entry) string {
	return e.QuarantinedAt.UTC().Format("20060102T150405.000000000Z") + "-" + e.ID + ".json"
}

func (s *FileStore) write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to create quarantine file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write quarantine file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync quarantine file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}

// List returns matching entries, oldest first.
func (s *FileStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read quarantine directory: %w", err)
	}

	var out []Entry
	for _, file := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read quarantine entry %s: %w", file.Name(), err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			logger.Warn("[Quarantine] Skipping unreadable entry", "file", file.Name(), "err", err)
			continue
		}
		if f.match(e) {
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].QuarantinedAt.Equal(out[j].QuarantinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].QuarantinedAt.Before(out[j].QuarantinedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Counts returns the number of entries per reason.
func Counts(ctx context.Context, s Store) (map[verify.Reason]int, error) {
	entries, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	out := make(map[verify.Reason]int)
	for _, e := range entries {
		out[e.Reason]++
	}
	return out, nil
}
