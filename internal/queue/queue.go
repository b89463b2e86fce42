package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

var (
	// ErrQueueUnavailable means the broker could not accept a message in
	// time. Callers are expected to buffer and try again later.
	ErrQueueUnavailable = errors.New("work queue unavailable")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("work queue closed")
	// ErrLeaseExpired is returned when a delivery is settled after its lease
	// ran out and the document was handed to another worker.
	ErrLeaseExpired = errors.New("delivery lease expired")
)

// Queue is a durable work queue of documents.
type Queue interface {
	Enqueue(ctx context.Context, doc common.Document) error
	// Dequeue blocks until a document is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// settler is implemented by each backend to resolve one delivery.
type settler interface {
	ack() error
	nack(requeue bool) error
	retry(ctx context.Context, attempt int) error
	deadLetter(ctx context.Context, reason string) error
}

// Delivery is one leased document. Exactly one of Ack, Nack, Retry or
// DeadLetter must be called.
type Delivery struct {
	Document common.Document
	// Attempt is 1 for the first delivery and grows with every retry.
	Attempt int

	s settler
}

// Ack removes the document from the queue.
func (d *Delivery) Ack() error {
	return d.s.ack()
}

// Nack releases the lease. With requeue the document becomes available
// again immediately without counting an attempt.
func (d *Delivery) Nack(requeue bool) error {
	return d.s.nack(requeue)
}

// Retry schedules the document again after the backend's retry delay with
// the attempt counter increased.
func (d *Delivery) Retry(ctx context.Context) error {
	return d.s.retry(ctx, d.Attempt)
}

// DeadLetter moves the document to the dead-letter queue.
func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.s.deadLetter(ctx, reason)
}

// OpenParams configures Open.
//
// URL is either "memory://" or an AMQP URL. Prefetch bounds unacked
// deliveries per consumer and should match the worker pool size.
type OpenParams struct {
	URL            string
	Name           string
	Prefetch       int
	RetryDelay     time.Duration
	EnqueueTimeout time.Duration
	Lease          time.Duration
}

// Open connects to the queue named by params.URL.
func Open(params OpenParams) (Queue, error) {
	switch {
	case params.URL == "" || strings.HasPrefix(params.URL, "memory:"):
		return NewMemory(MemoryParams{
			Lease:      params.Lease,
			RetryDelay: params.RetryDelay,
		}), nil
	case strings.HasPrefix(params.URL, "amqp://"), strings.HasPrefix(params.URL, "amqps://"):
		q, err := DialRabbitMQ(RabbitMQParams{
			URL:            params.URL,
			Name:           params.Name,
			Prefetch:       params.Prefetch,
			RetryDelay:     params.RetryDelay,
			EnqueueTimeout: params.EnqueueTimeout,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue url %q", params.URL)
	}
}
