package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/queue"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// ErrPermanent marks a handler error that retrying cannot fix. Such
// documents go straight to the dead-letter queue.
var ErrPermanent = errors.New("permanent failure")

// Handler processes one document. A nil error acknowledges the delivery.
type Handler interface {
	Handle(ctx context.Context, doc common.Document) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, doc common.Document) error

func (f HandlerFunc) Handle(ctx context.Context, doc common.Document) error {
	return f(ctx, doc)
}

// Pool runs a fixed number of workers against a queue.
type Pool struct {
	queue       queue.Queue
	handler     Handler
	size        int
	maxAttempts int
	jobTimeout  time.Duration
	idleBackoff time.Duration
}

// NewPoolParams configures a Pool. Size defaults to 1, MaxAttempts to 5
// and JobTimeout to 10m.
type NewPoolParams struct {
	Queue       queue.Queue
	Handler     Handler
	Size        int
	MaxAttempts int
	JobTimeout  time.Duration
}

func NewPool(params NewPoolParams) *Pool {
	p := &Pool{
		queue:       params.Queue,
		handler:     params.Handler,
		size:        params.Size,
		maxAttempts: params.MaxAttempts,
		jobTimeout:  params.JobTimeout,
		idleBackoff: time.Second,
	}
	if p.size <= 0 {
		p.size = 1
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 5
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = 10 * time.Minute
	}
	return p
}

// Run blocks until ctx is done or the queue is closed. In-flight jobs see
// ctx cancellation at their next timeout checkpoint; their deliveries are
// released so the documents are picked up again by the next run.
//
// A queue that closes while ctx is still live is reported as an error so
// the process does not keep polling without consumers.
func (p *Pool) Run(ctx context.Context) error {
	var g errgroup.Group
	for i := range p.size {
		g.Go(func() error {
			return p.work(ctx, i)
		})
	}
	logger.Info("[Worker] Pool started", "workers", p.size)
	err := g.Wait()
	if err != nil {
		logger.Error("[Worker] Pool stopped", "err", err)
		return err
	}
	logger.Info("[Worker] Pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, id int) error {
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			logger.Error("[Worker] Dequeue failed", "worker", id, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.idleBackoff):
			}
			continue
		}
		p.process(ctx, id, d)
	}
}

func (p *Pool) process(ctx context.Context, id int, d *queue.Delivery) {
	start := time.Now()
	doc := d.Document
	logger.Debug("[Worker] Received document", "worker", id, "document", doc.Key(), "attempt", d.Attempt)

	err := p.handle(ctx, doc)
	duration := time.Since(start)

	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			logger.Error("[Worker] Failed to ack document", "document", doc.Key(), "err", ackErr)
		}
		logger.Info("[Worker] Document processed", "document", doc.Key(), "duration", duration.Round(time.Millisecond))
		return
	}

	if ctx.Err() != nil {
		if nackErr := d.Nack(true); nackErr != nil {
			logger.Warn("[Worker] Failed to release document on shutdown", "document", doc.Key(), "err", nackErr)
		}
		return
	}

	// settling must finish even if shutdown starts meanwhile
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if errors.Is(err, ErrPermanent) || d.Attempt >= p.maxAttempts {
		logger.Error("[Worker] Giving up on document", "document", doc.Key(), "attempt", d.Attempt, "err", err)
		metrics.DocumentsProcessed.WithLabelValues("dead_lettered").Inc()
		if dlErr := d.DeadLetter(settleCtx, err.Error()); dlErr != nil {
			logger.Error("[Worker] Failed to dead-letter document", "document", doc.Key(), "err", dlErr)
		}
		return
	}

	logger.Warn("[Worker] Document failed, scheduling retry", "document", doc.Key(), "attempt", d.Attempt, "err", err)
	metrics.DocumentsProcessed.WithLabelValues("retried").Inc()
	if rErr := d.Retry(settleCtx); rErr != nil {
		logger.Error("[Worker] Failed to schedule retry", "document", doc.Key(), "err", rErr)
	}
}

// handle runs the handler under the job timeout and turns panics into
// errors so one bad document cannot take down a worker.
func (p *Pool) handle(ctx context.Context, doc common.Document) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Worker] Handler panicked", "document", doc.Key(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(jobCtx, doc)
}
