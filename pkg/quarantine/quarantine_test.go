package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/storage"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/verify"
)

func stepClock() func() time.Time {
	t := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func TestFileStore_PutAndList(t *testing.T) {
	ctx := context.Background()
	mirror := storage.NewMemoryAPI()
	store, err := NewFileStore(NewFileStoreParams{
		Dir:    t.TempDir(),
		Mirror: storage.NewBucket(mirror, "quarantine"),
		Now:    stepClock(),
	})
	require.NoError(t, err)

	doc := common.Document{ID: "doc-1", Source: "test", Content: "nothing useful"}
	first, err := store.Put(ctx, Entry{Reason: verify.ReasonEmptyExtraction, Document: doc})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.QuarantinedAt.IsZero())

	_, err = store.Put(ctx, Entry{Reason: verify.ReasonUntrustedSource, Document: common.Document{ID: "x", Source: "blog"}})
	require.NoError(t, err)

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, doc, all[0].Document)

	byReason, err := store.List(ctx, Filter{Reason: verify.ReasonUntrustedSource})
	require.NoError(t, err)
	require.Len(t, byReason, 1)
	assert.Equal(t, "blog", byReason[0].Document.Source)

	latest, err := store.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "x", latest[0].Document.ID)

	mirrored, err := storage.NewBucket(mirror, "quarantine").List(ctx, "quarantine/")
	require.NoError(t, err)
	require.Len(t, mirrored, 2)

	body, err := storage.NewBucket(mirror, "quarantine").Get(ctx, mirrored[0].Key)
	require.NoError(t, err)
	var e Entry
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, first.ID, e.ID)

	counts, err := Counts(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[verify.ReasonEmptyExtraction])
}

type failingMirror struct{}

func (failingMirror) Put(context.Context, string, []byte) error {
	return errors.New("bucket unavailable")
}

func TestFileStore_MirrorFailureDoesNotLoseEntry(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(NewFileStoreParams{Dir: t.TempDir(), Mirror: failingMirror{}})
	require.NoError(t, err)

	_, err = store.Put(ctx, Entry{Reason: verify.ReasonExtractionFailed, Document: common.Document{ID: "d", Source: "s"}})
	require.NoError(t, err)

	entries, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore(NewFileStoreParams{})
	assert.Error(t, err)
}
