package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const (
	retriesHeader = "x-retries"
	errorHeader   = "x-error"
)

// RabbitMQ is a Queue backed by a durable RabbitMQ queue with companion
// _retry and _dlq queues. The broker's consumer timeout acts as the lease:
// a delivery that is never settled is redelivered.
//
// A dropped connection is redialed in the background under the reconnect
// policy. While it is down Enqueue fails fast with ErrQueueUnavailable and
// Dequeue waits for the connection to come back.
type RabbitMQ struct {
	url            string
	name           string
	prefetch       int
	retryDelay     time.Duration
	enqueueTimeout time.Duration
	reconnect      util.RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *amqp091.Connection
	pubCh      *amqp091.Channel
	consCh     *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	consuming  bool
	// ready is closed while a connection is up and replaced when it drops.
	ready chan struct{}

	pubMu sync.Mutex
}

// RabbitMQParams configures DialRabbitMQ. Name defaults to "documents",
// Prefetch to 1, RetryDelay to 10s and EnqueueTimeout to 5s. Reconnect
// defaults to 10 attempts from 1s up to 30s; when a round is exhausted
// the client waits MaxDelay and starts another one.
type RabbitMQParams struct {
	URL            string
	Name           string
	Prefetch       int
	RetryDelay     time.Duration
	EnqueueTimeout time.Duration
	Reconnect      util.RetryPolicy
}

// DialRabbitMQ connects, declares the queues and enables publisher
// confirms. Consuming starts with the first Dequeue. Failing to connect
// here is returned; later disconnects are recovered from.
func DialRabbitMQ(params RabbitMQParams) (*RabbitMQ, error) {
	if params.Name == "" {
		params.Name = "documents"
	}
	if params.Prefetch <= 0 {
		params.Prefetch = 1
	}
	if params.RetryDelay <= 0 {
		params.RetryDelay = 10 * time.Second
	}
	if params.EnqueueTimeout <= 0 {
		params.EnqueueTimeout = 5 * time.Second
	}
	if params.Reconnect.MaxAttempts <= 0 {
		params.Reconnect = util.RetryPolicy{
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RabbitMQ{
		url:            params.URL,
		name:           params.Name,
		prefetch:       params.Prefetch,
		retryDelay:     params.RetryDelay,
		enqueueTimeout: params.EnqueueTimeout,
		reconnect:      params.Reconnect,
		ctx:            ctx,
		cancel:         cancel,
		ready:          make(chan struct{}),
	}
	if err := r.connect(); err != nil {
		cancel()
		return nil, err
	}

	logger.Info("[Queue] Connected to RabbitMQ", "queue", r.name, "prefetch", r.prefetch)
	return r, nil
}

// connect dials, declares the queues and installs the new connection. A
// consumer that was running before is restarted on it.
func (r *RabbitMQ) connect() error {
	conn, err := amqp091.Dial(r.url)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to RabbitMQ: %w", ErrQueueUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := setupQueues(ch, r.name, r.retryDelay); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		conn.Close()
		return ErrClosed
	}
	r.conn = conn
	r.pubCh = ch
	if r.consuming {
		if err := r.openConsumerLocked(); err != nil {
			logger.Warn("[Queue] Failed to resume consuming", "queue", r.name, "err", err)
		}
	}
	close(r.ready)

	go r.watch(conn, closed)
	return nil
}

// watch waits for conn to drop and then redials until it succeeds or the
// queue is closed.
func (r *RabbitMQ) watch(conn *amqp091.Connection, closed <-chan *amqp091.Error) {
	select {
	case <-r.ctx.Done():
		return
	case amqpErr := <-closed:
		if r.ctx.Err() != nil {
			return
		}
		logger.Warn("[Queue] Lost RabbitMQ connection, reconnecting", "queue", r.name, "err", amqpErr)
	}

	r.mu.Lock()
	r.markDownLocked(conn)
	r.mu.Unlock()

	for r.ctx.Err() == nil {
		attempts, err := util.DoErr(r.ctx, r.reconnect, func(context.Context) error {
			return r.connect()
		}, func(attempt int, err error, wait time.Duration) {
			logger.Warn("[Queue] Reconnect failed", "queue", r.name, "attempt", attempt, "retry_in", wait, "err", err)
		})
		if err == nil {
			logger.Info("[Queue] Reconnected to RabbitMQ", "queue", r.name, "attempts", attempts)
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		logger.Error("[Queue] Still disconnected from RabbitMQ", "queue", r.name, "attempts", attempts, "err", err)
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.reconnect.MaxDelay):
		}
	}
}

// markDownLocked forgets conn and its channels. It is a no-op when conn has
// already been replaced.
func (r *RabbitMQ) markDownLocked(conn *amqp091.Connection) {
	if r.conn != conn || r.conn == nil {
		return
	}
	r.conn = nil
	r.pubCh = nil
	r.consCh = nil
	r.deliveries = nil
	r.ready = make(chan struct{})
}

// setupQueues declares the work queue, its dead-letter queue and a retry
// queue that dead-letters back into the work queue after the delay.
func setupQueues(ch *amqp091.Channel, name string, retryDelay time.Duration) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	dlqName := name + "_dlq"
	_, err = ch.QueueDeclare(
		dlqName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlqName, err)
	}

	retryName := name + "_retry"
	_, err = ch.QueueDeclare(
		retryName,
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-message-ttl":             int32(retryDelay.Milliseconds()),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", retryName, err)
	}

	return nil
}

// publisher returns a confirm-mode channel on the live connection,
// reopening it when the broker closed only the channel.
func (r *RabbitMQ) publisher() (*amqp091.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if r.conn == nil || r.conn.IsClosed() {
		return nil, fmt.Errorf("%w: connection down", ErrQueueUnavailable)
	}
	if r.pubCh == nil || r.pubCh.IsClosed() {
		ch, err := r.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		r.pubCh = ch
	}
	return r.pubCh, nil
}

// publish sends one persistent message and waits for the broker confirm.
func (r *RabbitMQ) publish(ctx context.Context, queueName string, body []byte, headers amqp091.Table) error {
	ch, err := r.publisher()
	if err != nil {
		return err
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	dc, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: broker rejected message", ErrQueueUnavailable)
	}
	return nil
}

// Enqueue publishes doc within the enqueue timeout.
func (r *RabbitMQ) Enqueue(ctx context.Context, doc common.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.enqueueTimeout)
	defer cancel()
	return r.publish(ctx, r.name, body, amqp091.Table{retriesHeader: int32(0)})
}

func (r *RabbitMQ) openConsumerLocked() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := ch.Consume(
		r.name,
		r.name+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	r.consCh = ch
	r.deliveries = msgs
	return nil
}

// consumer returns the current delivery channel, starting consumption on
// the live connection when needed. With the connection down it returns a
// nil channel and the ready channel to wait on.
func (r *RabbitMQ) consumer() (<-chan amqp091.Delivery, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return nil, nil, ErrClosed
	}
	r.consuming = true
	if r.conn != nil && r.conn.IsClosed() {
		r.markDownLocked(r.conn)
	}
	if r.conn == nil {
		return nil, r.ready, nil
	}
	if r.deliveries == nil {
		if err := r.openConsumerLocked(); err != nil {
			return nil, nil, err
		}
	}
	return r.deliveries, nil, nil
}

// dropConsumer forgets a delivery channel the library has closed.
func (r *RabbitMQ) dropConsumer(deliveries <-chan amqp091.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliveries == deliveries {
		r.deliveries = nil
		r.consCh = nil
	}
}

// Dequeue waits for the next message, riding out reconnects. Messages that
// do not decode as a document are moved to the dead-letter queue and
// skipped.
func (r *RabbitMQ) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		deliveries, ready, err := r.consumer()
		if err != nil {
			return nil, err
		}
		if deliveries == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-r.ctx.Done():
				return nil, ErrClosed
			case <-ready:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, ErrClosed
		case msg, ok := <-deliveries:
			if !ok {
				r.dropConsumer(deliveries)
				continue
			}
			s := &amqpSettler{q: r, msg: msg}

			var doc common.Document
			if err := json.Unmarshal(msg.Body, &doc); err != nil {
				logger.Error("[Queue] Dropping undecodable message", "message_id", msg.MessageId, "err", err)
				if err := s.deadLetter(ctx, "undecodable message: "+err.Error()); err != nil {
					logger.Error("[Queue] Failed to dead-letter message", "err", err)
				}
				continue
			}

			return &Delivery{
				Document: doc,
				Attempt:  retries(msg.Headers) + 1,
				s:        s,
			}, nil
		}
	}
}

// Close stops reconnecting and shuts down channels and the connection.
func (r *RabbitMQ) Close() error {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consCh != nil {
		r.consCh.Close()
	}
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.pubCh = nil
	r.consCh = nil
	r.deliveries = nil
	return err
}

func retries(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

type amqpSettler struct {
	q   *RabbitMQ
	msg amqp091.Delivery
}

func (s *amqpSettler) ack() error {
	return s.msg.Ack(false)
}

func (s *amqpSettler) nack(requeue bool) error {
	return s.msg.Nack(false, requeue)
}

func (s *amqpSettler) headers() amqp091.Table {
	headers := amqp091.Table{}
	for k, v := range s.msg.Headers {
		headers[k] = v
	}
	return headers
}

// retry republishes to the retry queue and acks the original. If the
// republish fails the message is requeued so it is not lost.
func (s *amqpSettler) retry(ctx context.Context, attempt int) error {
	headers := s.headers()
	headers[retriesHeader] = int32(attempt)

	if err := s.q.publish(ctx, s.q.name+"_retry", s.msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "queue", s.q.name, "err", err)
		if nackErr := s.msg.Nack(false, true); nackErr != nil {
			return nackErr
		}
		return err
	}
	return s.msg.Ack(false)
}

func (s *amqpSettler) deadLetter(ctx context.Context, reason string) error {
	headers := s.headers()
	headers[errorHeader] = reason

	dlqName := s.q.name + "_dlq"
	if err := s.q.publish(ctx, dlqName, s.msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
		if nackErr := s.msg.Nack(false, true); nackErr != nil {
			return nackErr
		}
		return err
	}
	logger.Info("[Queue] Sent message to DLQ", "dlq", dlqName)
	return s.msg.Ack(false)
}
