package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("ledger is closed")

// Ledger is an append-only list of published artifacts stored as JSON
// lines. Entries are never rewritten or removed; a single mutex serialises
// writers and every append is fsynced before it becomes visible.
type Ledger struct {
	mu      sync.RWMutex
	path    string
	file    file
	size    int64
	entries []common.LedgerEntry
	now     func() time.Time
}

// file is the part of *os.File the ledger writes through.
type file interface {
	io.WriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// OpenParams configures Open. Now defaults to time.Now.
type OpenParams struct {
	Path string
	Now  func() time.Time
}

// Open loads an existing ledger file or creates a new one.
//
// A torn last line, left by a crash in the middle of an append, is
// ignored; every complete line must decode.
func Open(params OpenParams) (*Ledger, error) {
	if params.Path == "" {
		return nil, errors.New("ledger path is required")
	}
	if dir := filepath.Dir(params.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	f, err := os.OpenFile(params.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	entries, validSize, err := load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(validSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to trim torn ledger line: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	now := params.Now
	if now == nil {
		now = time.Now
	}

	logger.Debug("[Ledger] Opened", "path", params.Path, "entries", len(entries))
	return &Ledger{path: params.Path, file: f, size: validSize, entries: entries, now: now}, nil
}

func load(f *os.File) ([]common.LedgerEntry, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	r := bufio.NewReader(f)

	var (
		entries []common.LedgerEntry
		offset  int64
		lineNo  int
	)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				logger.Warn("[Ledger] Dropping torn final line", "bytes", len(line))
			}
			return entries, offset, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read ledger: %w", err)
		}
		lineNo++
		offset += int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e common.LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, 0, fmt.Errorf("ledger line %d is corrupt: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
}

// Append records a published artifact. CreatedAt defaults to now.
func (l *Ledger) Append(e common.LedgerEntry) (common.LedgerEntry, error) {
	if e.CID == "" {
		return common.LedgerEntry{}, errors.New("ledger entry without CID")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return common.LedgerEntry{}, fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return common.LedgerEntry{}, ErrClosed
	}
	if _, err := l.file.Write(line); err != nil {
		return common.LedgerEntry{}, l.rollback(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	if err := l.file.Sync(); err != nil {
		return common.LedgerEntry{}, l.rollback(fmt.Errorf("failed to sync ledger: %w", err))
	}
	l.size += int64(len(line))
	l.entries = append(l.entries, e)
	return e, nil
}

// rollback cuts a failed append off the file so the next line starts
// where the last complete one ended. Callers hold mu.
func (l *Ledger) rollback(cause error) error {
	if err := l.file.Truncate(l.size); err != nil {
		logger.Error("[Ledger] Failed to trim partial append", "path", l.path, "err", err)
		return errors.Join(cause, err)
	}
	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Entries returns a copy of every entry in append order.
func (l *Ledger) Entries() []common.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]common.LedgerEntry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Latest returns the most recent entry of a kind.
func (l *Ledger) Latest(kind common.ArtifactKind) (common.LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ArtifactKind == kind {
			return l.entries[i], true
		}
	}
	return common.LedgerEntry{}, false
}

// Snapshot encodes the current entries as a JSON array.
func (l *Ledger) Snapshot() ([]byte, error) {
	entries := l.Entries()
	if entries == nil {
		entries = []common.LedgerEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger snapshot: %w", err)
	}
	return data, nil
}

// Path returns the backing file.
func (l *Ledger) Path() string {
	return l.path
}

// Close releases the file. Appends after Close fail with ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
