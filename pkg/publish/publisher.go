package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ledger"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

// GraphSnapshotFile is the name of the local graph snapshot copy.
const GraphSnapshotFile = "graph.json"

var ErrInvalidArtifact = errors.New("invalid artifact")

// Artifact is one blob waiting to be published.
type Artifact struct {
	Name             string              `json:"name"`
	Kind             common.ArtifactKind `json:"kind"`
	Data             []byte              `json:"data"`
	SourceDocumentID string              `json:"sourceDocumentId,omitempty"`

	spoolFile string
}

// Failure is an artifact that exhausted its retries in one flush.
type Failure struct {
	Artifact Artifact
	Err      error
	Attempts int
}

// BatchResult reports the outcome of one Flush.
type BatchResult struct {
	Published    []common.LedgerEntry
	Failed       []Failure
	Deduplicated int
	// Remaining is the number of artifacts still queued after the flush.
	Remaining int
}

// SnapshotResult holds the ledger entries written by one Snapshot call. A
// nil entry means that part was unchanged and skipped.
type SnapshotResult struct {
	Graph  *common.LedgerEntry
	Ledger *common.LedgerEntry
}

// GraphSource provides point-in-time graph copies.
type GraphSource interface {
	Snapshot() graph.Snapshot
}

// Publisher uploads artifacts to a content-addressed network and records
// every committed upload in the ledger.
type Publisher struct {
	network        Network
	ledger         *ledger.Ledger
	dedup          DedupCache
	policy         util.RetryPolicy
	requestTimeout time.Duration
	batchLimit     int

	graph       GraphSource
	snapshotDir string
	pointerKey  string

	flushInterval    time.Duration
	snapshotInterval time.Duration
	pointerRetry     time.Duration

	spool *spool
	now   func() time.Time

	mu    sync.Mutex
	queue []Artifact
	seq   uint64

	flushMu sync.Mutex

	snapMu        sync.Mutex
	lastGraphHash string
	lastLedgerLen int

	pointer chan string
}

// NewPublisherParams configures a Publisher.
//
// Network and Ledger are required. Dedup defaults to an in-memory cache and
// BatchLimit to 32. An empty PointerKey disables name record updates, an
// empty SnapshotDir disables the local graph copy and an empty SpoolDir
// keeps the upload queue in memory only.
type NewPublisherParams struct {
	Network        Network
	Ledger         *ledger.Ledger
	Dedup          DedupCache
	Policy         util.RetryPolicy
	RequestTimeout time.Duration
	BatchLimit     int

	Graph       GraphSource
	SnapshotDir string
	PointerKey  string
	SpoolDir    string

	FlushInterval    time.Duration
	SnapshotInterval time.Duration
	PointerRetry     time.Duration

	Now func() time.Time
}

// NewPublisher creates a Publisher and reloads any spooled artifacts.
func NewPublisher(params NewPublisherParams) (*Publisher, error) {
	if params.Network == nil {
		return nil, errors.New("publisher requires a network")
	}
	if params.Ledger == nil {
		return nil, errors.New("publisher requires a ledger")
	}

	p := &Publisher{
		network:          params.Network,
		ledger:           params.Ledger,
		dedup:            params.Dedup,
		policy:           params.Policy,
		requestTimeout:   params.RequestTimeout,
		batchLimit:       params.BatchLimit,
		graph:            params.Graph,
		snapshotDir:      params.SnapshotDir,
		pointerKey:       params.PointerKey,
		flushInterval:    params.FlushInterval,
		snapshotInterval: params.SnapshotInterval,
		pointerRetry:     params.PointerRetry,
		now:              params.Now,
		pointer:          make(chan string, 1),
	}
	if p.dedup == nil {
		p.dedup = NewMemoryDedup()
	}
	if p.policy.MaxAttempts == 0 {
		p.policy = util.DefaultRetryPolicy()
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = time.Minute
	}
	if p.batchLimit <= 0 {
		p.batchLimit = 32
	}
	if p.flushInterval <= 0 {
		p.flushInterval = 5 * time.Second
	}
	if p.snapshotInterval <= 0 {
		p.snapshotInterval = 5 * time.Minute
	}
	if p.pointerRetry <= 0 {
		p.pointerRetry = 30 * time.Second
	}
	if p.now == nil {
		p.now = time.Now
	}

	sp, err := newSpool(params.SpoolDir)
	if err != nil {
		return nil, err
	}
	p.spool = sp
	pending, next, err := sp.load()
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		logger.Info("[Publisher] Resuming spooled artifacts", "count", len(pending))
	}
	p.queue = pending
	p.seq = next
	metrics.UploadQueueDepth.Set(float64(len(p.queue)))

	return p, nil
}

// Submit queues an artifact for the next flush.
func (p *Publisher) Submit(a Artifact) error {
	if a.Name == "" || a.Kind == "" {
		return fmt.Errorf("%w: name and kind are required", ErrInvalidArtifact)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.spool.save(&a, p.seq); err != nil {
		return err
	}
	p.seq++
	p.queue = append(p.queue, a)
	metrics.UploadQueueDepth.Set(float64(len(p.queue)))
	return nil
}

// Pending returns the number of queued artifacts.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Publisher) take(n int) []Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]Artifact, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	metrics.UploadQueueDepth.Set(float64(len(p.queue)))
	return batch
}

// requeue puts artifacts back at the front, keeping their order.
func (p *Publisher) requeue(items []Artifact) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(items) > 0 {
		p.queue = append(append(make([]Artifact, 0, len(items)+len(p.queue)), items...), p.queue...)
	}
	metrics.UploadQueueDepth.Set(float64(len(p.queue)))
	return len(p.queue)
}

// Flush uploads up to the batch limit of queued artifacts. Every artifact is
// retried on its own, so one failing upload never holds back the others.
// Failed artifacts are returned and stay queued for the next flush. If ctx
// ends mid-batch the untouched artifacts are queued again as well.
func (p *Publisher) Flush(ctx context.Context) BatchResult {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	batch := p.take(p.batchLimit)
	res := BatchResult{}
	var retry []Artifact

	for i, a := range batch {
		if ctx.Err() != nil {
			retry = append(retry, batch[i:]...)
			break
		}

		entry, deduplicated, attempts, err := p.publish(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				retry = append(retry, batch[i:]...)
				break
			}
			logger.Warn("[Publisher] Artifact upload failed", "name", a.Name, "kind", a.Kind, "attempts", attempts, "err", err)
			metrics.ArtifactFailures.WithLabelValues(string(a.Kind)).Inc()
			res.Failed = append(res.Failed, Failure{Artifact: a, Err: err, Attempts: attempts})
			retry = append(retry, a)
			continue
		}

		p.spool.remove(a)
		res.Published = append(res.Published, entry)
		if deduplicated {
			res.Deduplicated++
		}
	}

	res.Remaining = p.requeue(retry)
	if len(batch) > 0 {
		logger.Debug("[Publisher] Flushed batch",
			"published", len(res.Published),
			"failed", len(res.Failed),
			"deduplicated", res.Deduplicated,
			"remaining", res.Remaining,
		)
	}
	return res
}

// publish uploads one artifact unless the dedup cache already knows its
// bytes, then appends the ledger entry.
func (p *Publisher) publish(ctx context.Context, a Artifact) (common.LedgerEntry, bool, int, error) {
	key, err := ContentKey(a.Data)
	if err != nil {
		return common.LedgerEntry{}, false, 0, err
	}

	c, hit, err := p.dedup.Get(ctx, key)
	if err != nil {
		logger.Warn("[Publisher] Dedup cache unavailable, uploading", "name", a.Name, "err", err)
		hit = false
	}

	attempts := 0
	if !hit {
		c, attempts, err = util.Do(ctx, p.policy, func(ctx context.Context) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
			defer cancel()
			return p.network.Add(callCtx, a.Data)
		}, func(attempt int, err error, wait time.Duration) {
			logger.Debug("[Publisher] Retrying upload", "name", a.Name, "attempt", attempt, "wait", wait, "err", err)
		})
		if err != nil {
			return common.LedgerEntry{}, false, attempts, err
		}
		if err := p.dedup.Set(ctx, key, c); err != nil {
			logger.Warn("[Publisher] Failed to cache content key", "name", a.Name, "err", err)
		}
	}

	entry, err := p.ledger.Append(common.LedgerEntry{
		CID:              c,
		ArtifactName:     a.Name,
		ArtifactKind:     a.Kind,
		SourceDocumentID: a.SourceDocumentID,
	})
	if err != nil {
		return common.LedgerEntry{}, hit, attempts, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	result := "uploaded"
	if hit {
		result = "deduplicated"
	}
	metrics.ArtifactsPublished.WithLabelValues(string(a.Kind), result).Inc()
	return entry, hit, attempts, nil
}

// Snapshot publishes the graph snapshot and the ledger snapshot, then hands
// the graph CID to the pointer loop. Parts unchanged since the previous
// call are skipped.
func (p *Publisher) Snapshot(ctx context.Context) (SnapshotResult, error) {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()

	res := SnapshotResult{}
	ts := p.now().UTC().Format("20060102T150405Z")

	if p.graph != nil {
		snap := p.graph.Snapshot()
		data, err := snap.Marshal()
		if err != nil {
			return res, fmt.Errorf("failed to marshal graph snapshot: %w", err)
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		if hash != p.lastGraphHash {
			entry, _, _, err := p.publish(ctx, Artifact{
				Name: "graph-" + ts + ".json",
				Kind: common.ArtifactGraphSnapshot,
				Data: data,
			})
			if err != nil {
				return res, fmt.Errorf("failed to publish graph snapshot: %w", err)
			}
			p.lastGraphHash = hash
			res.Graph = &entry
			metrics.GraphNodes.Set(float64(len(snap.Nodes)))
			metrics.GraphEdges.Set(float64(len(snap.Edges)))

			if err := p.writeLocalSnapshot(data); err != nil {
				logger.Warn("[Publisher] Failed to write local graph snapshot", "err", err)
			}
			p.updatePointerAsync(entry.CID)
			logger.Info("[Publisher] Published graph snapshot", "cid", entry.CID, "nodes", len(snap.Nodes), "edges", len(snap.Edges))
		}
	}

	if p.ledger.Len() != p.lastLedgerLen {
		data, err := p.ledger.Snapshot()
		if err != nil {
			return res, fmt.Errorf("failed to snapshot ledger: %w", err)
		}
		entry, _, _, err := p.publish(ctx, Artifact{
			Name: "ledger-" + ts + ".json",
			Kind: common.ArtifactLedgerSnapshot,
			Data: data,
		})
		if err != nil {
			return res, fmt.Errorf("failed to publish ledger snapshot: %w", err)
		}
		p.lastLedgerLen = p.ledger.Len()
		res.Ledger = &entry
		logger.Info("[Publisher] Published ledger snapshot", "cid", entry.CID)
	}

	return res, nil
}

func (p *Publisher) writeLocalSnapshot(data []byte) error {
	if p.snapshotDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.snapshotDir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(p.snapshotDir, "."+GraphSnapshotFile)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(p.snapshotDir, GraphSnapshotFile))
}

// LoadSnapshot reads the local graph snapshot copy from dir. The boolean is
// false when no snapshot has been written yet.
func LoadSnapshot(dir string) (graph.Snapshot, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, GraphSnapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return graph.Snapshot{}, false, nil
	}
	if err != nil {
		return graph.Snapshot{}, false, err
	}
	s, err := graph.UnmarshalSnapshot(data)
	if err != nil {
		return graph.Snapshot{}, false, err
	}
	return s, true, nil
}

// updatePointerAsync hands cid to the pointer loop, replacing any update
// that has not been sent yet.
func (p *Publisher) updatePointerAsync(cid string) {
	if p.pointerKey == "" {
		return
	}
	for {
		select {
		case p.pointer <- cid:
			return
		default:
		}
		select {
		case <-p.pointer:
		default:
		}
	}
}

func (p *Publisher) updatePointer(ctx context.Context, cid string) error {
	_, err := util.DoErr(ctx, p.policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
		return p.network.Publish(callCtx, p.pointerKey, cid)
	}, nil)
	if err != nil {
		metrics.PointerUpdates.WithLabelValues("error").Inc()
		return err
	}
	metrics.PointerUpdates.WithLabelValues("ok").Inc()
	return nil
}

// runPointer keeps the name record pointed at the newest graph snapshot.
// A failed update is kept and retried on the retry ticker until a newer
// snapshot replaces it.
func (p *Publisher) runPointer(ctx context.Context) {
	ticker := time.NewTicker(p.pointerRetry)
	defer ticker.Stop()

	pending := ""
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.pointer:
			pending = c
		case <-ticker.C:
		}
		if pending == "" {
			continue
		}
		if err := p.updatePointer(ctx, pending); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("[Publisher] Name record update failed", "key", p.pointerKey, "cid", pending, "err", err)
			continue
		}
		logger.Info("[Publisher] Name record updated", "key", p.pointerKey, "cid", pending)
		pending = ""
	}
}

// Run flushes and snapshots on their tickers until ctx is done. Queued
// artifacts left at shutdown stay spooled for the next run.
func (p *Publisher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if p.pointerKey != "" {
		if latest, ok := p.ledger.Latest(common.ArtifactGraphSnapshot); ok {
			p.updatePointerAsync(latest.CID)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runPointer(ctx)
		}()
	}

	flush := time.NewTicker(p.flushInterval)
	defer flush.Stop()
	snapshot := time.NewTicker(p.snapshotInterval)
	defer snapshot.Stop()

	logger.Info("[Publisher] Started", "flush_interval", p.flushInterval, "snapshot_interval", p.snapshotInterval)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Info("[Publisher] Stopped", "pending", p.Pending())
			return nil
		case <-flush.C:
			p.Flush(ctx)
		case <-snapshot.C:
			if _, err := p.Snapshot(ctx); err != nil && ctx.Err() == nil {
				logger.Error("[Publisher] Snapshot failed", "err", err)
			}
		}
	}
}
