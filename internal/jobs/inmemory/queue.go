package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultWorkerCount is the number of workers started per channel.
	DefaultWorkerCount = 5
	// DefaultMaxAttempts is the number of deliveries before a message is final.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is multiplied by the attempt number between redeliveries.
	DefaultRetryBackoff = time.Second
)

// Queue is an in-memory implementation of Publisher and Consumer.
// It uses one buffered Go channel per named channel and is safe for concurrent use.
// This implementation is suitable for single-instance deployments and testing;
// multi-instance deployments use the RabbitMQ transport.
type Queue struct {
	bufferSize   int
	workerCount  int
	maxAttempts  int
	retryBackoff time.Duration
	log          zerolog.Logger

	mu        sync.RWMutex
	channels  map[string]chan *jobs.Message
	closeChan chan struct{}
	closed    bool
	wg        sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkerCount sets how many workers Start launches.
func WithWorkerCount(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workerCount = n
		}
	}
}

// WithMaxAttempts sets the delivery limit per message.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the base redelivery delay.
func WithRetryBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.retryBackoff = d
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) {
		q.log = log
	}
}

// NewQueue creates a new in-memory queue.
// bufferSize determines how many messages a channel holds before Publish blocks.
func NewQueue(bufferSize int, opts ...Option) *Queue {
	q := &Queue{
		bufferSize:   bufferSize,
		workerCount:  DefaultWorkerCount,
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: DefaultRetryBackoff,
		log:          zerolog.Nop(),
		channels:     make(map[string]chan *jobs.Message),
		closeChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish implements the Publisher interface.
// The payload is encoded up front so that unserializable payloads fail synchronously.
func (q *Queue) Publish(ctx context.Context, channel string, payload any) error {
	body, err := jobs.Encode(payload)
	if err != nil {
		return err
	}

	msg := &jobs.Message{
		ID:      uuid.NewString(),
		Channel: channel,
		Body:    body,
		Attempt: 1,
		Final:   q.maxAttempts <= 1,
	}
	return q.enqueue(ctx, msg)
}

func (q *Queue) enqueue(ctx context.Context, msg *jobs.Message) error {
	ch, err := q.channel(msg.Channel)
	if err != nil {
		return err
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return jobs.ErrQueueClosed
	}
}

// channel returns the buffer for name, creating it on first use so that
// messages published before a consumer starts are retained.
func (q *Queue) channel(name string) (chan *jobs.Message, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, jobs.ErrQueueClosed
	}
	ch, ok := q.channels[name]
	q.mu.RUnlock()
	if ok {
		return ch, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, jobs.ErrQueueClosed
	}
	if ch, ok = q.channels[name]; !ok {
		ch = make(chan *jobs.Message, q.bufferSize)
		q.channels[name] = ch
	}
	return ch, nil
}

// Start implements the Consumer interface.
// The handler is called concurrently, up to workerCount workers.
func (q *Queue) Start(ctx context.Context, channel string, handler jobs.Handler) error {
	ch, err := q.channel(channel)
	if err != nil {
		return err
	}

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx, ch, handler)
	}

	q.log.Info().Str("channel", channel).Int("workers", q.workerCount).Msg("Consumer started")
	return nil
}

// worker processes messages from a channel.
func (q *Queue) worker(ctx context.Context, ch <-chan *jobs.Message, handler jobs.Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case msg := <-ch:
			if msg == nil {
				return
			}
			q.process(ctx, msg, handler)
		}
	}
}

// process executes a single delivery and schedules a redelivery on failure.
func (q *Queue) process(ctx context.Context, msg *jobs.Message, handler jobs.Handler) {
	err := handler(ctx, msg)
	if err == nil {
		return
	}

	log := q.log.With().
		Str("message_id", msg.ID).
		Str("channel", msg.Channel).
		Int("attempt", msg.Attempt).
		Logger()

	if msg.Final {
		log.Error().Err(err).Msg("Message failed on final attempt, dropping")
		return
	}

	next := &jobs.Message{
		ID:      msg.ID,
		Channel: msg.Channel,
		Body:    msg.Body,
		Attempt: msg.Attempt + 1,
		Final:   msg.Attempt+1 >= q.maxAttempts,
	}
	backoff := time.Duration(msg.Attempt) * q.retryBackoff

	log.Warn().Err(err).Dur("backoff", backoff).Msg("Message failed, scheduling redelivery")

	time.AfterFunc(backoff, func() {
		if err := q.enqueue(context.Background(), next); err != nil {
			log.Error().Err(err).Msg("Failed to redeliver message")
		}
	})
}

// Stop implements the Consumer interface.
// It stops the queue and waits for in-flight messages to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue and releases resources.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

// Pending returns the number of buffered messages on channel.
func (q *Queue) Pending(channel string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.channels[channel])
}

// Ensure Queue implements both Publisher and Consumer interfaces.
var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)

// String is used in startup logs.
func (q *Queue) String() string {
	return fmt.Sprintf("inmemory(buffer=%d, workers=%d)", q.bufferSize, q.workerCount)
}
