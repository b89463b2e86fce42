package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string, mod time.Time) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(full, mod, mod))
}

func TestFile_GlobAndModTime(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	writeFile(t, dir, "2024/march/a.txt", "permit a", t0)
	writeFile(t, dir, "2024/april/b.md", "permit b", t0.Add(2*time.Hour))
	writeFile(t, dir, "notes.bin", "ignored", t0)

	src, err := NewFile(NewFileParams{
		Name:     "filings",
		Dir:      dir,
		Patterns: []string{"**/*.txt", "**/*.md"},
	})
	require.NoError(t, err)

	docs, err := collect(t, src, FetchRequest{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "2024/april/b.md", docs[0].ID)
	assert.Equal(t, "2024/march/a.txt", docs[1].ID)
	assert.Equal(t, "permit a", docs[1].Content)
	assert.Equal(t, "filings", docs[1].Source)

	docs, err = collect(t, src, FetchRequest{Since: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "2024/april/b.md", docs[0].ID)
}

func TestFile_SkipsOversized(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, dir, "small.txt", "tiny", now)
	writeFile(t, dir, "large.txt", "this file is too large", now)

	src, err := NewFile(NewFileParams{Name: "filings", Dir: dir, MaxBytes: 8})
	require.NoError(t, err)

	docs, err := collect(t, src, FetchRequest{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "small.txt", docs[0].ID)
}

func TestFile_MissingDirectoryIsAnError(t *testing.T) {
	src, err := NewFile(NewFileParams{Name: "filings", Dir: filepath.Join(t.TempDir(), "gone")})
	require.NoError(t, err)

	_, err = collect(t, src, FetchRequest{})
	assert.Error(t, err)
}
