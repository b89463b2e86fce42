package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ledger"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/orchestrator"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/quarantine"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/verify"
)

type fakeGraph struct{}

func (fakeGraph) Stats() (int, int) { return 3, 2 }

type fakeSources struct{}

func (fakeSources) States() []orchestrator.SourceState {
	return []orchestrator.SourceState{{Name: "news", Polls: 4, LastStatus: orchestrator.StatusOK}}
}

func (fakeSources) Buffered() int { return 1 }

type fakeUploads struct{}

func (fakeUploads) Pending() int { return 5 }

func newTestApp(t *testing.T) *middleware.App {
	t.Helper()
	ctx := context.Background()

	store, err := quarantine.NewFileStore(quarantine.NewFileStoreParams{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = store.Put(ctx, quarantine.Entry{
		Reason:   verify.ReasonEmptyExtraction,
		Document: common.Document{ID: "a", Source: "news", Content: "weather"},
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, quarantine.Entry{
		Reason:   verify.ReasonUntrustedSource,
		Document: common.Document{ID: "b", Source: "rumours", Content: "gossip"},
	})
	require.NoError(t, err)

	l, err := ledger.Open(ledger.OpenParams{Path: filepath.Join(t.TempDir(), "ledger.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	for _, e := range []common.LedgerEntry{
		{CID: "bafk1", ArtifactName: "documents/news/a.json", ArtifactKind: common.ArtifactDocument},
		{CID: "bafk2", ArtifactName: "records/news/a.json", ArtifactKind: common.ArtifactRecord},
		{CID: "bafk3", ArtifactName: "graph-1.json", ArtifactKind: common.ArtifactGraphSnapshot},
	} {
		_, err := l.Append(e)
		require.NoError(t, err)
	}

	return &middleware.App{
		Quarantine: store,
		Ledger:     l,
		Graph:      fakeGraph{},
		Sources:    fakeSources{},
		Uploads:    fakeUploads{},
		Gatherer:   prometheus.NewRegistry(),
	}
}

func get(t *testing.T, app *middleware.App, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	New(app).ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec := get(t, app, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	app.Checks = map[string]middleware.Checker{
		"queue": func(context.Context) error { return nil },
		"ipfs":  func(context.Context) error { return errors.New("connection refused") },
	}
	rec = get(t, app, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["queue"])
	assert.Equal(t, "connection refused", status["ipfs"])
}

func TestQuarantine(t *testing.T) {
	app := newTestApp(t)

	rec := get(t, app, "/quarantine")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []quarantine.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	rec = get(t, app, "/quarantine?reason=UntrustedSource")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "rumours", entries[0].Document.Source)

	rec = get(t, app, "/quarantine?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, app, "/quarantine?limit=5000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, app, "/quarantine/counts")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts["EmptyExtraction"])
	assert.Equal(t, 1, counts["UntrustedSource"])
}

func TestLedger(t *testing.T) {
	app := newTestApp(t)

	rec := get(t, app, "/ledger?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []common.LedgerEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "bafk3", entries[0].CID)

	rec = get(t, app, "/ledger?kind=record")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "bafk2", entries[0].CID)

	rec = get(t, app, "/ledger?kind=photo")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndSources(t *testing.T) {
	app := newTestApp(t)

	rec := get(t, app, "/graph/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, map[string]int{"nodes": 3, "edges": 2, "ledgerEntries": 3, "pendingUploads": 5}, stats)

	rec = get(t, app, "/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"buffered":1`)
	assert.Contains(t, rec.Body.String(), `"name":"news"`)
}

func TestAdminToken(t *testing.T) {
	app := newTestApp(t)
	app.AdminToken = "s3cret"

	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/ledger").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, app, "/ledger", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, app, "/ledger", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, app, "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, app, "/metrics").Code)
}

func TestUnavailableComponents(t *testing.T) {
	app := &middleware.App{}
	assert.Equal(t, http.StatusServiceUnavailable, get(t, app, "/ledger").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, app, "/graph/stats").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, app, "/quarantine").Code)
}
