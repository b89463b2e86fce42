package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileCursors keeps poll cursors in a single JSON file.
type FileCursors struct {
	path string

	mu      sync.Mutex
	cursors map[string]time.Time
}

// OpenFileCursors loads path, which may not exist yet.
func OpenFileCursors(path string) (*FileCursors, error) {
	f := &FileCursors{path: path, cursors: make(map[string]time.Time)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f.cursors); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return f, nil
}

func (f *FileCursors) Load(_ context.Context, source string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.cursors[source]
	return t, ok, nil
}

// Save records the cursor and rewrites the file atomically.
func (f *FileCursors) Save(_ context.Context, source string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cursors[source] = at.UTC()
	data, err := json.MarshalIndent(f.cursors, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
