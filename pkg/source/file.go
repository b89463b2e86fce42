package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"github.com/bmatcuk/doublestar/v4"
)

// File reads documents from a local directory.
type File struct {
	name     string
	dir      string
	patterns []string
	maxBytes int64
	now      func() time.Time
}

// NewFileParams configures a File source. Patterns are doublestar globs
// relative to Dir and default to "**/*". Files larger than MaxBytes are
// skipped; MaxBytes defaults to 10 MiB.
type NewFileParams struct {
	Name     string
	Dir      string
	Patterns []string
	MaxBytes int64
	Now      func() time.Time
}

func NewFile(params NewFileParams) (*File, error) {
	if params.Dir == "" {
		return nil, errors.New("file source requires a directory")
	}
	patterns := params.Patterns
	if len(patterns) == 0 {
		patterns = []string{"**/*"}
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	f := &File{
		name:     params.Name,
		dir:      params.Dir,
		patterns: patterns,
		maxBytes: params.MaxBytes,
		now:      params.Now,
	}
	if f.maxBytes <= 0 {
		f.maxBytes = 10 << 20
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

func (f *File) Name() string {
	return f.name
}

// match lists the matching regular files, sorted.
func (f *File) match() ([]string, error) {
	fsys := os.DirFS(f.dir)
	seen := make(map[string]struct{})
	var out []string
	for _, p := range f.patterns {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *File) Fetch(ctx context.Context, req FetchRequest) iter.Seq2[common.Document, error] {
	return func(yield func(common.Document, error) bool) {
		if _, err := os.Stat(f.dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				yield(common.Document{}, fmt.Errorf("source directory %s: %w", f.dir, err))
				return
			}
			logger.Warn("[Source] Directory unavailable, ending poll", "source", f.name, "dir", f.dir, "err", err)
			return
		}

		files, err := f.match()
		if err != nil {
			logger.Warn("[Source] Listing files failed, ending poll", "source", f.name, "dir", f.dir, "err", err)
			return
		}

		for _, rel := range files {
			if ctx.Err() != nil {
				return
			}
			full := filepath.Join(f.dir, filepath.FromSlash(rel))
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			if !req.Since.IsZero() && !info.ModTime().After(req.Since) {
				continue
			}
			if info.Size() > f.maxBytes {
				logger.Warn("[Source] Skipping oversized file", "source", f.name, "file", rel, "size", info.Size())
				continue
			}

			data, err := os.ReadFile(full)
			if err != nil {
				logger.Warn("[Source] Reading file failed, ending poll", "source", f.name, "file", rel, "err", err)
				return
			}

			doc := common.Document{
				ID:        rel,
				Source:    f.name,
				Content:   util.SanitizeText(string(data)),
				FetchedAt: f.now().UTC(),
				SourceMetadata: map[string]string{
					"path":     full,
					"modified": info.ModTime().UTC().Format(time.RFC3339),
				},
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}
