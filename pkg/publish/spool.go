package publish

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

// spool keeps not yet committed artifacts on disk so a restart resumes the
// upload queue instead of losing it.
type spool struct {
	dir string
}

func newSpool(dir string) (*spool, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload spool: %w", err)
	}
	return &spool{dir: dir}, nil
}

func spoolName(a Artifact, seq uint64) string {
	h := sha256.New()
	h.Write([]byte(a.Kind))
	h.Write([]byte{0})
	h.Write([]byte(a.Name))
	h.Write([]byte{0})
	h.Write(a.Data)
	return fmt.Sprintf("%020d-%s.json", seq, hex.EncodeToString(h.Sum(nil))[:16])
}

func (s *spool) save(a *Artifact, seq uint64) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	name := spoolName(*a, seq)
	tmp := filepath.Join(s.dir, "."+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to spool artifact: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to spool artifact: %w", err)
	}
	a.spoolFile = name
	return nil
}

func (s *spool) remove(a Artifact) {
	if s == nil || a.spoolFile == "" {
		return
	}
	if err := os.Remove(filepath.Join(s.dir, a.spoolFile)); err != nil && !os.IsNotExist(err) {
		logger.Warn("[Publisher] Failed to remove spooled artifact", "file", a.spoolFile, "err", err)
	}
}

// load returns spooled artifacts in submission order and the next free
// sequence number.
func (s *spool) load() ([]Artifact, uint64, error) {
	if s == nil {
		return nil, 0, nil
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read upload spool: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || strings.HasPrefix(f.Name(), ".") || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	var (
		out  []Artifact
		next uint64
	)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, 0, err
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			logger.Warn("[Publisher] Dropping unreadable spooled artifact", "file", name, "err", err)
			continue
		}
		a.spoolFile = name
		out = append(out, a)
		var seq uint64
		if _, err := fmt.Sscanf(name, "%020d-", &seq); err == nil && seq >= next {
			next = seq + 1
		}
	}
	return out, next, nil
}
