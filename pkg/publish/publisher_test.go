package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ledger"
)

var errNetworkDown = errors.New("network down")

type fakeNetwork struct {
	mu        sync.Mutex
	failures  map[string]int
	adds      map[string]int
	published []string
	publishes int
	// blockPublish makes Publish wait until it is closed or ctx ends.
	blockPublish chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{failures: map[string]int{}, adds: map[string]int{}}
}

func (f *fakeNetwork) failNext(data string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[data] = n
}

func (f *fakeNetwork) addCount(data string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds[data]
}

func (f *fakeNetwork) publishCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishes
}

func (f *fakeNetwork) Add(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds[string(data)]++
	if f.failures[string(data)] > 0 {
		f.failures[string(data)]--
		return "", errNetworkDown
	}
	return ContentKey(data)
}

func (f *fakeNetwork) Publish(ctx context.Context, key string, cid string) error {
	f.mu.Lock()
	f.publishes++
	block := f.blockPublish
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, key+"="+cid)
	return nil
}

func fastPolicy() util.RetryPolicy {
	return util.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ledger.OpenParams{Path: filepath.Join(t.TempDir(), "ledger.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestPublisher(t *testing.T, net Network, params NewPublisherParams) *Publisher {
	t.Helper()
	params.Network = net
	if params.Ledger == nil {
		params.Ledger = openLedger(t)
	}
	if params.Policy.MaxAttempts == 0 {
		params.Policy = fastPolicy()
	}
	p, err := NewPublisher(params)
	require.NoError(t, err)
	return p
}

func doc(name, data string) Artifact {
	return Artifact{Name: name, Kind: common.ArtifactDocument, Data: []byte(data), SourceDocumentID: "test/" + name}
}

func TestContentKey(t *testing.T) {
	a, err := ContentKey([]byte("hello"))
	require.NoError(t, err)
	b, err := ContentKey([]byte("hello"))
	require.NoError(t, err)
	c, err := ContentKey([]byte("hello!"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "bafkrei"), a)
}

func TestSubmit_RejectsIncompleteArtifact(t *testing.T) {
	p := newTestPublisher(t, newFakeNetwork(), NewPublisherParams{})
	err := p.Submit(Artifact{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrInvalidArtifact)
	assert.Equal(t, 0, p.Pending())
}

func TestFlush_RetriesThenCommits(t *testing.T) {
	net := newFakeNetwork()
	net.failNext("payload", 2)
	l := openLedger(t)
	p := newTestPublisher(t, net, NewPublisherParams{Ledger: l})

	require.NoError(t, p.Submit(doc("doc-1", "payload")))
	res := p.Flush(context.Background())

	require.Len(t, res.Published, 1)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, net.addCount("payload"))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, "test/doc-1", l.Entries()[0].SourceDocumentID)
	assert.Equal(t, 0, p.Pending())
}

func TestFlush_FailureDoesNotBlockBatch(t *testing.T) {
	net := newFakeNetwork()
	net.failNext("bad", 100)
	l := openLedger(t)
	p := newTestPublisher(t, net, NewPublisherParams{Ledger: l})

	require.NoError(t, p.Submit(doc("good-1", "one")))
	require.NoError(t, p.Submit(doc("bad", "bad")))
	require.NoError(t, p.Submit(doc("good-2", "two")))

	res := p.Flush(context.Background())
	require.Len(t, res.Published, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "bad", res.Failed[0].Artifact.Name)
	assert.Equal(t, 3, res.Failed[0].Attempts)
	assert.ErrorIs(t, res.Failed[0].Err, errNetworkDown)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 2, l.Len())

	net.failNext("bad", 0)
	res = p.Flush(context.Background())
	require.Len(t, res.Published, 1)
	assert.Equal(t, "bad", res.Published[0].ArtifactName)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 0, p.Pending())
}

func TestFlush_DeduplicatesIdenticalBytes(t *testing.T) {
	net := newFakeNetwork()
	l := openLedger(t)
	p := newTestPublisher(t, net, NewPublisherParams{Ledger: l})

	require.NoError(t, p.Submit(doc("doc-1", "same bytes")))
	require.NoError(t, p.Submit(doc("doc-1-again", "same bytes")))

	res := p.Flush(context.Background())
	require.Len(t, res.Published, 2)
	assert.Equal(t, 1, res.Deduplicated)
	assert.Equal(t, 1, net.addCount("same bytes"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].CID, entries[1].CID)
	assert.Equal(t, "doc-1-again", entries[1].ArtifactName)
}

func TestFlush_RespectsBatchLimit(t *testing.T) {
	p := newTestPublisher(t, newFakeNetwork(), NewPublisherParams{BatchLimit: 2})
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, p.Submit(doc(name, name)))
	}

	res := p.Flush(context.Background())
	assert.Len(t, res.Published, 2)
	assert.Equal(t, 1, res.Remaining)

	res = p.Flush(context.Background())
	require.Len(t, res.Published, 1)
	assert.Equal(t, "c", res.Published[0].ArtifactName)
}

func TestFlush_CanceledContextKeepsQueue(t *testing.T) {
	net := newFakeNetwork()
	l := openLedger(t)
	p := newTestPublisher(t, net, NewPublisherParams{Ledger: l})
	require.NoError(t, p.Submit(doc("a", "a")))
	require.NoError(t, p.Submit(doc("b", "b")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Flush(ctx)

	assert.Empty(t, res.Published)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, p.Pending())
	assert.Equal(t, 0, l.Len())
}

func TestSpool_ResumesAfterRestart(t *testing.T) {
	spoolDir := t.TempDir()
	net := newFakeNetwork()

	first := newTestPublisher(t, net, NewPublisherParams{SpoolDir: spoolDir})
	require.NoError(t, first.Submit(doc("a", "alpha")))
	require.NoError(t, first.Submit(doc("b", "beta")))

	l := openLedger(t)
	second := newTestPublisher(t, net, NewPublisherParams{Ledger: l, SpoolDir: spoolDir})
	require.Equal(t, 2, second.Pending())

	res := second.Flush(context.Background())
	require.Len(t, res.Published, 2)
	assert.Equal(t, "a", res.Published[0].ArtifactName)
	assert.Equal(t, "b", res.Published[1].ArtifactName)

	left, err := os.ReadDir(spoolDir)
	require.NoError(t, err)
	assert.Empty(t, left)

	// submitting after a resume keeps sequence numbers increasing
	require.NoError(t, second.Submit(doc("c", "gamma")))
	third := newTestPublisher(t, net, NewPublisherParams{SpoolDir: spoolDir})
	assert.Equal(t, 1, third.Pending())
}

func acmeGraph() *graph.Assembler {
	a := graph.NewAssembler(graph.NewAssemblerParams{})
	a.Merge(common.ProcessedRecord{
		DocumentID: "doc-1",
		Source:     "test",
		Version:    "v1",
		Entities:   []common.Entity{{Name: "Acme Corp", Type: common.EntityOrganization}},
		Locations:  []common.Location{{Name: "Norfolk, VA", Latitude: 36.85, Longitude: -76.28, HasCoordinates: true}},
		Relationships: []common.Relationship{
			{Source: "Acme Corp", Target: "Norfolk, VA", Relation: "funded_project_in"},
		},
	})
	return a
}

func TestSnapshot_PublishesGraphAndLedger(t *testing.T) {
	net := newFakeNetwork()
	l := openLedger(t)
	dir := t.TempDir()
	g := acmeGraph()
	p := newTestPublisher(t, net, NewPublisherParams{Ledger: l, Graph: g, SnapshotDir: dir})

	require.NoError(t, p.Submit(doc("doc-1", "Acme Corp received $2M")))
	p.Flush(context.Background())

	res, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Graph)
	require.NotNil(t, res.Ledger)

	latest, ok := l.Latest(common.ArtifactGraphSnapshot)
	require.True(t, ok)
	assert.Equal(t, res.Graph.CID, latest.CID)
	_, ok = l.Latest(common.ArtifactLedgerSnapshot)
	assert.True(t, ok)
	assert.Equal(t, 3, l.Len())

	restored, found, err := LoadSnapshot(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, restored.Nodes, 2)
	assert.Len(t, restored.Edges, 1)

	res, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Graph)
	assert.Nil(t, res.Ledger)
	assert.Equal(t, 3, l.Len())
}

func TestLoadSnapshot_Missing(t *testing.T) {
	_, found, err := LoadSnapshot(t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRun_PointerUpdatesDoNotBlockUploads(t *testing.T) {
	net := newFakeNetwork()
	net.blockPublish = make(chan struct{})
	l := openLedger(t)
	p := newTestPublisher(t, net, NewPublisherParams{
		Ledger:           l,
		Graph:            acmeGraph(),
		PointerKey:       "ingest-graph",
		FlushInterval:    5 * time.Millisecond,
		SnapshotInterval: 10 * time.Millisecond,
		PointerRetry:     time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return net.publishCalls() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Submit(doc("doc-late", "late payload")))
	require.Eventually(t, func() bool {
		for _, e := range l.Entries() {
			if e.ArtifactName == "doc-late" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	close(net.blockPublish)
	require.Eventually(t, func() bool {
		net.mu.Lock()
		defer net.mu.Unlock()
		return len(net.published) > 0
	}, 2*time.Second, 5*time.Millisecond)

	net.mu.Lock()
	assert.True(t, strings.HasPrefix(net.published[0], "ingest-graph="))
	net.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestMemoryDedup(t *testing.T) {
	d := NewMemoryDedup()
	_, ok, err := d.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Set(context.Background(), "k", "bafy"))
	c, ok, err := d.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bafy", c)
}
