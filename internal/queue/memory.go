package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

// DeadLetter is a document the memory queue gave up on.
type DeadLetter struct {
	Document common.Document
	Attempt  int
	Reason   string
}

type memItem struct {
	doc     common.Document
	attempt int
}

type memLease struct {
	item     memItem
	deadline time.Time
}

// Memory is an in-process Queue. Deliveries are leased: one that is not
// settled before the lease runs out goes back to the front of the queue.
type Memory struct {
	mu         sync.Mutex
	ready      []memItem
	leased     map[uint64]*memLease
	dead       []DeadLetter
	nextToken  uint64
	lease      time.Duration
	retryDelay time.Duration
	capacity   int
	available  bool
	closed     bool
	changed    chan struct{}
}

// MemoryParams configures a Memory queue. Lease defaults to 5m and
// RetryDelay to 10s; a negative RetryDelay retries immediately. Capacity
// bounds the queued documents, 0 means no bound; a full queue reports
// ErrQueueUnavailable.
type MemoryParams struct {
	Lease      time.Duration
	RetryDelay time.Duration
	Capacity   int
}

// NewMemory creates an empty queue.
func NewMemory(params MemoryParams) *Memory {
	if params.Lease <= 0 {
		params.Lease = 5 * time.Minute
	}
	if params.RetryDelay < 0 {
		params.RetryDelay = 0
	} else if params.RetryDelay == 0 {
		params.RetryDelay = 10 * time.Second
	}
	return &Memory{
		leased:     make(map[uint64]*memLease),
		lease:      params.Lease,
		retryDelay: params.RetryDelay,
		capacity:   params.Capacity,
		available:  true,
		changed:    make(chan struct{}),
	}
}

// broadcastLocked wakes every waiting Dequeue.
func (m *Memory) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// SetAvailable simulates a broker outage: while unavailable every Enqueue
// fails with ErrQueueUnavailable.
func (m *Memory) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
}

func (m *Memory) Enqueue(_ context.Context, doc common.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if !m.available {
		return ErrQueueUnavailable
	}
	if m.capacity > 0 && len(m.ready)+len(m.leased) >= m.capacity {
		return ErrQueueUnavailable
	}
	m.ready = append(m.ready, memItem{doc: doc, attempt: 1})
	m.broadcastLocked()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		m.reclaimLocked(now)

		if len(m.ready) > 0 {
			item := m.ready[0]
			m.ready = m.ready[1:]
			m.nextToken++
			token := m.nextToken
			m.leased[token] = &memLease{item: item, deadline: now.Add(m.lease)}
			m.mu.Unlock()

			return &Delivery{
				Document: item.doc,
				Attempt:  item.attempt,
				s:        &memSettler{m: m, token: token},
			}, nil
		}

		wait := m.changed
		next := m.nextDeadlineLocked(now)
		m.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if next > 0 {
			timer = time.NewTimer(next)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wait:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// reclaimLocked returns expired leases to the front of the queue.
func (m *Memory) reclaimLocked(now time.Time) {
	var expired []uint64
	for token, l := range m.leased {
		if now.After(l.deadline) {
			expired = append(expired, token)
		}
	}
	slices.Sort(expired)
	for i := len(expired) - 1; i >= 0; i-- {
		l := m.leased[expired[i]]
		delete(m.leased, expired[i])
		m.ready = append([]memItem{l.item}, m.ready...)
		logger.Debug("[Queue] Lease expired, redelivering", "document", l.item.doc.Key())
	}
}

func (m *Memory) nextDeadlineLocked(now time.Time) time.Duration {
	var next time.Duration
	for _, l := range m.leased {
		d := l.deadline.Sub(now) + time.Millisecond
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

// Len returns the number of queued and leased documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) + len(m.leased)
}

// DeadLetters returns the dead-lettered documents.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.dead)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcastLocked()
	}
	return nil
}

type memSettler struct {
	m     *Memory
	token uint64
}

// settleLocked ends the lease and returns its item.
func (s *memSettler) settleLocked() (memItem, error) {
	l, ok := s.m.leased[s.token]
	if !ok {
		return memItem{}, ErrLeaseExpired
	}
	delete(s.m.leased, s.token)
	return l.item, nil
}

func (s *memSettler) ack() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	_, err := s.settleLocked()
	return err
}

func (s *memSettler) nack(requeue bool) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	item, err := s.settleLocked()
	if err != nil {
		return err
	}
	if requeue && !s.m.closed {
		s.m.ready = append([]memItem{item}, s.m.ready...)
		s.m.broadcastLocked()
	}
	return nil
}

func (s *memSettler) retry(_ context.Context, attempt int) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	item, err := s.settleLocked()
	if err != nil {
		return err
	}
	item.attempt = attempt + 1

	time.AfterFunc(s.m.retryDelay, func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		if s.m.closed {
			return
		}
		s.m.ready = append(s.m.ready, item)
		s.m.broadcastLocked()
	})
	return nil
}

func (s *memSettler) deadLetter(_ context.Context, reason string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	item, err := s.settleLocked()
	if err != nil {
		return err
	}
	s.m.dead = append(s.m.dead, DeadLetter{Document: item.doc, Attempt: item.attempt, Reason: reason})
	return nil
}
