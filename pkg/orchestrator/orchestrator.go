package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/queue"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/source"
)

// ErrBufferFull is reported when a document can neither be enqueued nor
// held locally.
var ErrBufferFull = errors.New("local buffer full")

// Enqueuer is the producing side of the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, doc common.Document) error
}

// Locker guards a source so only one replica polls it at a time.
// leaselock.Client implements it.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type PollStatus string

const (
	StatusOK       PollStatus = "ok"
	StatusTimeout  PollStatus = "timeout"
	StatusError    PollStatus = "error"
	StatusSkipped  PollStatus = "skipped"
	StatusCanceled PollStatus = "canceled"
)

// Schedule overrides the poll interval and timeout for one source.
type Schedule struct {
	Interval time.Duration
	Timeout  time.Duration
}

// PollResult summarizes one poll.
type PollResult struct {
	Source    string
	Status    PollStatus
	Started   time.Time
	Duration  time.Duration
	Fetched   int
	Enqueued  int
	Buffered  int
	Unchanged int
	Err       error
}

// SourceState is the latest known state of a source.
type SourceState struct {
	Name        string     `json:"name"`
	Polls       int        `json:"polls"`
	LastPoll    time.Time  `json:"lastPoll"`
	LastStatus  PollStatus `json:"lastStatus"`
	LastSuccess time.Time  `json:"lastSuccess"`
	LastError   string     `json:"lastError,omitempty"`
}

// Orchestrator polls every registered source on its own schedule and
// feeds new or changed documents to the work queue.
type Orchestrator struct {
	registry *source.Registry
	queue    Enqueuer
	seen     SeenStore
	cursors  CursorStore
	locker   Locker

	interval      time.Duration
	timeout       time.Duration
	schedules     map[string]Schedule
	retryInterval time.Duration
	now           func() time.Time

	buffer  *buffer
	flushMu sync.Mutex

	mu     sync.RWMutex
	states map[string]*SourceState
}

// NewOrchestratorParams configures an Orchestrator. Interval defaults to
// 5m and Timeout to the interval. BufferLimit bounds the documents held
// while the queue is unavailable (default 1000); the buffer is retried
// every RetryInterval (default 10s) and before each poll.
type NewOrchestratorParams struct {
	Registry      *source.Registry
	Queue         Enqueuer
	Seen          SeenStore
	Cursors       CursorStore
	Locker        Locker
	Interval      time.Duration
	Timeout       time.Duration
	Schedules     map[string]Schedule
	BufferLimit   int
	RetryInterval time.Duration
	Now           func() time.Time
}

func NewOrchestrator(params NewOrchestratorParams) (*Orchestrator, error) {
	if params.Registry == nil {
		return nil, errors.New("orchestrator requires a source registry")
	}
	if params.Queue == nil {
		return nil, errors.New("orchestrator requires a queue")
	}
	if params.Seen == nil {
		params.Seen = NewMemorySeen()
	}
	if params.Cursors == nil {
		params.Cursors = NewMemoryCursors()
	}
	if params.Interval <= 0 {
		params.Interval = 5 * time.Minute
	}
	if params.Timeout <= 0 {
		params.Timeout = params.Interval
	}
	if params.BufferLimit <= 0 {
		params.BufferLimit = 1000
	}
	if params.RetryInterval <= 0 {
		params.RetryInterval = 10 * time.Second
	}
	if params.Now == nil {
		params.Now = time.Now
	}

	return &Orchestrator{
		registry:      params.Registry,
		queue:         params.Queue,
		seen:          params.Seen,
		cursors:       params.Cursors,
		locker:        params.Locker,
		interval:      params.Interval,
		timeout:       params.Timeout,
		schedules:     params.Schedules,
		retryInterval: params.RetryInterval,
		now:           params.Now,
		buffer:        newBuffer(params.BufferLimit),
		states:        make(map[string]*SourceState),
	}, nil
}

func (o *Orchestrator) scheduleFor(name string) Schedule {
	s := o.schedules[name]
	if s.Interval <= 0 {
		s.Interval = o.interval
	}
	if s.Timeout <= 0 {
		s.Timeout = min(o.timeout, s.Interval)
	}
	return s
}

// Run polls until ctx is done and returns once every in-flight poll has
// finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	names := o.registry.Names()
	logger.Info("[Orchestrator] Starting", "sources", len(names))

	var wg sync.WaitGroup
	for _, name := range names {
		s, err := o.registry.Get(name)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.schedule(ctx, s)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if o.buffer.len() > 0 {
					o.Flush(ctx)
				}
			}
		}
	}()

	wg.Wait()
	if n := o.buffer.len(); n > 0 {
		logger.Warn("[Orchestrator] Stopped with buffered documents", "count", n)
	}
	logger.Info("[Orchestrator] Stopped")
	return nil
}

func (o *Orchestrator) schedule(ctx context.Context, s source.Source) {
	sched := o.scheduleFor(s.Name())
	timer := time.NewTimer(o.initialDelay(ctx, s.Name(), sched.Interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := time.Now()
		o.Poll(ctx, s)
		timer.Reset(max(sched.Interval-time.Since(started), 0))
	}
}

// initialDelay waits out the rest of the interval when the source was
// polled successfully before a restart.
func (o *Orchestrator) initialDelay(ctx context.Context, name string, interval time.Duration) time.Duration {
	last, ok, err := o.cursors.Load(ctx, name)
	if err != nil {
		logger.Warn("[Orchestrator] Failed to load cursor", "source", name, "err", err)
		return 0
	}
	if !ok {
		return 0
	}
	delay := max(interval-o.now().Sub(last), 0)
	if delay > 0 {
		logger.Info("[Orchestrator] Resuming source", "source", name, "last_success", last, "next_poll_in", delay)
	}
	return delay
}

// Poll runs one poll of s. Panics and errors are contained and reported
// in the result.
func (o *Orchestrator) Poll(ctx context.Context, s source.Source) (res PollResult) {
	name := s.Name()
	res = PollResult{Source: name, Started: o.now()}

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusError
			res.Err = fmt.Errorf("source panicked: %v", r)
		}
		res.Duration = o.now().Sub(res.Started)
		o.finish(res)
	}()

	o.Flush(ctx)

	run := func(ctx context.Context) error {
		return o.poll(ctx, s, &res)
	}
	var err error
	if o.locker != nil {
		err = o.locker.WithLease(ctx, "source:"+name, run)
		if errors.Is(err, leaselock.ErrBusy) {
			res.Status = StatusSkipped
			return res
		}
	} else {
		err = run(ctx)
	}
	if err != nil && res.Status == "" {
		res.Status = StatusError
	}
	res.Err = err
	return res
}

func (o *Orchestrator) poll(ctx context.Context, s source.Source, res *PollResult) error {
	name := s.Name()
	sched := o.scheduleFor(name)

	since, _, err := o.cursors.Load(ctx, name)
	if err != nil {
		logger.Warn("[Orchestrator] Failed to load cursor", "source", name, "err", err)
		since = time.Time{}
	}

	pollCtx, cancel := context.WithTimeout(ctx, sched.Timeout)
	defer cancel()

	complete := true
	var fetchErr error
	for doc, err := range s.Fetch(pollCtx, source.FetchRequest{Since: since}) {
		if err != nil {
			fetchErr = err
			break
		}
		res.Fetched++
		metrics.DocumentsFetched.WithLabelValues(name).Inc()

		if doc.Source == "" {
			doc.Source = name
		}
		if doc.FetchedAt.IsZero() {
			doc.FetchedAt = o.now().UTC()
		}
		if err := o.submit(pollCtx, doc, res); err != nil {
			if errors.Is(err, ErrBufferFull) {
				complete = false
				continue
			}
			fetchErr = err
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		res.Status = StatusCanceled
		return context.Cause(ctx)
	case errors.Is(pollCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		return fmt.Errorf("poll timed out after %s", sched.Timeout)
	case pollCtx.Err() != nil:
		res.Status = StatusError
		return context.Cause(pollCtx)
	case fetchErr != nil:
		res.Status = StatusError
		return fetchErr
	}

	res.Status = StatusOK
	if !complete {
		logger.Warn("[Orchestrator] Poll incomplete, keeping cursor", "source", name)
		return nil
	}
	if err := o.cursors.Save(ctx, name, res.Started); err != nil {
		logger.Error("[Orchestrator] Failed to save cursor", "source", name, "err", err)
	}
	return nil
}

// submit enqueues doc unless the same content was enqueued before.
func (o *Orchestrator) submit(ctx context.Context, doc common.Document, res *PollResult) error {
	key := doc.Key()
	seen, err := o.seen.Seen(ctx, key, doc.ContentHash())
	if err != nil {
		logger.Warn("[Orchestrator] Seen lookup failed, enqueuing anyway", "document", key, "err", err)
	} else if seen {
		res.Unchanged++
		return nil
	}

	err = o.queue.Enqueue(ctx, doc)
	switch {
	case err == nil:
		o.markSeen(ctx, doc)
		res.Enqueued++
		return nil
	case errors.Is(err, queue.ErrQueueUnavailable):
		if !o.buffer.add(doc) {
			logger.Warn("[Orchestrator] Local buffer full, document left for the next poll", "document", key)
			return ErrBufferFull
		}
		res.Buffered++
		logger.Debug("[Orchestrator] Queue unavailable, buffered document", "document", key)
		return nil
	default:
		return fmt.Errorf("failed to enqueue %s: %w", key, err)
	}
}

func (o *Orchestrator) markSeen(ctx context.Context, doc common.Document) {
	metrics.DocumentsEnqueued.WithLabelValues(doc.Source).Inc()
	if err := o.seen.Mark(context.WithoutCancel(ctx), doc.Key(), doc.ContentHash()); err != nil {
		logger.Warn("[Orchestrator] Failed to record enqueued document", "document", doc.Key(), "err", err)
	}
}

// Flush retries buffered documents in order and stops at the first one
// the queue does not take. It returns the number enqueued.
func (o *Orchestrator) Flush(ctx context.Context) int {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	flushed := 0
	for _, doc := range o.buffer.snapshot() {
		if ctx.Err() != nil {
			break
		}
		if err := o.queue.Enqueue(ctx, doc); err != nil {
			logger.Debug("[Orchestrator] Queue still unavailable", "buffered", o.buffer.len(), "err", err)
			break
		}
		o.markSeen(ctx, doc)
		o.buffer.remove(doc)
		flushed++
	}
	if flushed > 0 {
		logger.Info("[Orchestrator] Flushed buffered documents", "count", flushed, "remaining", o.buffer.len())
	}
	return flushed
}

// Buffered returns the number of documents waiting for the queue.
func (o *Orchestrator) Buffered() int {
	return o.buffer.len()
}

func (o *Orchestrator) finish(res PollResult) {
	if res.Status != StatusCanceled {
		metrics.PollsTotal.WithLabelValues(res.Source, string(res.Status)).Inc()
	}

	switch res.Status {
	case StatusOK:
		logger.Info("[Orchestrator] Poll finished", "source", res.Source, "fetched", res.Fetched, "enqueued", res.Enqueued, "buffered", res.Buffered, "unchanged", res.Unchanged, "duration", res.Duration)
	case StatusTimeout:
		logger.Warn("[Orchestrator] Poll timed out, retrying next interval", "source", res.Source, "fetched", res.Fetched)
	case StatusSkipped:
		logger.Debug("[Orchestrator] Source held by another replica", "source", res.Source)
	case StatusError:
		logger.Error("[Orchestrator] Poll failed", "source", res.Source, "err", res.Err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[res.Source]
	if !ok {
		st = &SourceState{Name: res.Source}
		o.states[res.Source] = st
	}
	st.Polls++
	st.LastPoll = res.Started
	st.LastStatus = res.Status
	st.LastError = ""
	if res.Err != nil {
		st.LastError = res.Err.Error()
	}
	if res.Status == StatusOK {
		st.LastSuccess = res.Started
	}
}

// States returns the known state of every polled source, sorted by name.
func (o *Orchestrator) States() []SourceState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]SourceState, 0, len(o.states))
	for _, st := range o.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
