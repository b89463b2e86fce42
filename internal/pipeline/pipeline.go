package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/extract"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/publish"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/quarantine"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/verify"

	"golang.org/x/sync/errgroup"
)

// Extractor turns a document into a record.
type Extractor interface {
	Extract(ctx context.Context, doc common.Document) (extract.Result, error)
}

// Publisher queues artifacts for upload.
type Publisher interface {
	Submit(a publish.Artifact) error
}

// Assembler merges accepted records into the graph.
type Assembler interface {
	Merge(rec common.ProcessedRecord) graph.MergeResult
}

// UsageSource reports model usage since the previous call.
type UsageSource interface {
	Drain() ai.ModelMetrics
}

// Pipeline is the per-document handler run by the worker pool.
type Pipeline struct {
	verifier   *verify.Verifier
	extractor  Extractor
	quarantine quarantine.Store
	publisher  Publisher
	graph      Assembler
	usage      UsageSource
}

// NewPipelineParams wires the stages together. Usage is optional.
type NewPipelineParams struct {
	Verifier   *verify.Verifier
	Extractor  Extractor
	Quarantine quarantine.Store
	Publisher  Publisher
	Graph      Assembler
	Usage      UsageSource
}

func NewPipeline(params NewPipelineParams) *Pipeline {
	return &Pipeline{
		verifier:   params.Verifier,
		extractor:  params.Extractor,
		quarantine: params.Quarantine,
		publisher:  params.Publisher,
		graph:      params.Graph,
		usage:      params.Usage,
	}
}

// Handle runs one document through trust checks, extraction and
// verification. Rejected documents are quarantined and count as handled.
// Accepted records are queued for publishing and merged into the graph.
// A returned error means the document should be retried.
func (p *Pipeline) Handle(ctx context.Context, doc common.Document) error {
	if err := p.verifier.CheckDocument(doc); err != nil {
		return p.reject(ctx, doc, nil, "", err)
	}

	start := time.Now()
	res, err := p.extractor.Extract(ctx, doc)
	p.recordUsage()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ExtractionDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		rej := verify.FromExtractError(err)
		if rej == nil {
			return err
		}
		return p.reject(ctx, doc, nil, res.Response, rej)
	}
	metrics.ExtractionDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	metrics.ExtractionStrategy.WithLabelValues(res.Strategy).Inc()

	rec := res.Record
	if err := p.verifier.CheckRecord(rec); err != nil {
		return p.reject(ctx, doc, &rec, res.Response, err)
	}

	if err := p.accept(doc, rec); err != nil {
		return err
	}
	metrics.DocumentsProcessed.WithLabelValues("accepted").Inc()
	return nil
}

// accept hands the record to the publisher and the assembler side by side.
// Neither cancels the other; a failure to queue artifacts is returned so
// the document is retried.
func (p *Pipeline) accept(doc common.Document, rec common.ProcessedRecord) error {
	var g errgroup.Group

	g.Go(func() error {
		return p.submit(doc, rec)
	})
	g.Go(func() error {
		r := p.graph.Merge(rec)
		logger.Debug(
			"[Pipeline] Merged record",
			"document", doc.Key(),
			"nodes_created", r.NodesCreated,
			"edges_created", r.EdgesCreated,
			"skipped", r.Skipped,
		)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to queue artifacts for %s: %w", doc.Key(), err)
	}
	logger.Info(
		"[Pipeline] Accepted document",
		"document", doc.Key(),
		"entities", len(rec.Entities),
		"locations", len(rec.Locations),
		"relationships", len(rec.Relationships),
	)
	return nil
}

func artifactName(kind common.ArtifactKind, doc common.Document) string {
	return fmt.Sprintf("%ss/%s@%s.json", kind, doc.Key(), doc.Version())
}

func (p *Pipeline) submit(doc common.Document, rec common.ProcessedRecord) error {
	docData, err := json.Marshal(doc.Raw())
	if err != nil {
		return err
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return errors.Join(
		p.publisher.Submit(publish.Artifact{
			Name:             artifactName(common.ArtifactDocument, doc),
			Kind:             common.ArtifactDocument,
			Data:             docData,
			SourceDocumentID: doc.Key(),
		}),
		p.publisher.Submit(publish.Artifact{
			Name:             artifactName(common.ArtifactRecord, doc),
			Kind:             common.ArtifactRecord,
			Data:             recData,
			SourceDocumentID: doc.Key(),
		}),
	)
}

// reject quarantines doc when err is a rejection. Any other error is
// returned unchanged.
func (p *Pipeline) reject(ctx context.Context, doc common.Document, rec *common.ProcessedRecord, response string, err error) error {
	rej, ok := verify.AsRejection(err)
	if !ok {
		return err
	}

	entry, putErr := p.quarantine.Put(ctx, quarantine.Entry{
		Reason:        rej.Reason,
		Detail:        rej.Detail,
		Document:      doc,
		Record:        rec,
		ModelResponse: response,
	})
	if putErr != nil {
		return fmt.Errorf("failed to quarantine %s: %w", doc.Key(), putErr)
	}

	metrics.DocumentsQuarantined.WithLabelValues(string(rej.Reason)).Inc()
	metrics.DocumentsProcessed.WithLabelValues("quarantined").Inc()
	logger.Warn("[Pipeline] Quarantined document", "document", doc.Key(), "reason", rej.Reason, "id", entry.ID)
	return nil
}

func (p *Pipeline) recordUsage() {
	if p.usage == nil {
		return
	}
	m := p.usage.Drain()
	if m.InputTokens > 0 {
		metrics.ModelTokens.WithLabelValues("input").Add(float64(m.InputTokens))
	}
	if m.OutputTokens > 0 {
		metrics.ModelTokens.WithLabelValues("output").Add(float64(m.OutputTokens))
	}
}
