package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/transactions-api/internal/jobs"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// DefaultPrefetch limits unacknowledged deliveries per consumer.
const DefaultPrefetch = 10

// Consumer consumes a RabbitMQ queue with manual acknowledgements.
// A failed delivery is requeued once; the redelivery is marked Final and is
// dropped if the handler fails again.
//
// If the delivery stream closes before Stop, the consumer resubscribes through
// its provider (see WithConsumerRecovery). When that is impossible the error is
// reported on Failed.
type Consumer struct {
	prefetch int
	log      zerolog.Logger
	provider func() (ConsumeChannel, error)
	recovery RecoverySettings
	failed   chan error

	mu      sync.Mutex
	ch      ConsumeChannel
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerRecovery resubscribes on a channel from provider when the
// delivery stream closes.
func WithConsumerRecovery(provider func() (ConsumeChannel, error), settings RecoverySettings) ConsumerOption {
	return func(c *Consumer) {
		c.provider = provider
		c.recovery = settings
	}
}

// NewConsumer creates a Consumer on ch.
func NewConsumer(ch ConsumeChannel, prefetch int, log zerolog.Logger, opts ...ConsumerOption) *Consumer {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	c := &Consumer{
		ch:       ch,
		prefetch: prefetch,
		log:      log,
		recovery: DefaultRecoverySettings,
		failed:   make(chan error, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start implements the Consumer interface.
func (c *Consumer) Start(ctx context.Context, channel string, handler jobs.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return jobs.ErrQueueClosed
	}

	deliveries, err := c.subscribe(c.ch, channel)
	if err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	c.wg.Add(1)
	go c.loop(ctx, channel, deliveries, handler)

	c.log.Info().Str("channel", channel).Int("prefetch", c.prefetch).Msg("Consumer started")
	return nil
}

// Failed delivers the error that ended consumption, if the delivery stream
// closed and could not be reopened.
func (c *Consumer) Failed() <-chan error {
	return c.failed
}

func (c *Consumer) subscribe(ch ConsumeChannel, channel string) (<-chan amqp.Delivery, error) {
	if err := declareQueue(ch, channel); err != nil {
		return nil, err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(channel, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", channel, err)
	}
	return deliveries, nil
}

func (c *Consumer) loop(ctx context.Context, channel string, deliveries <-chan amqp.Delivery, handler jobs.Handler) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case d, ok := <-deliveries:
			if ok {
				c.handle(ctx, channel, d, handler)
				continue
			}

			if c.isStopping() {
				return
			}
			c.log.Warn().Str("channel", channel).Msg("Delivery channel closed")

			next, err := c.resubscribe(ctx, channel)
			if err != nil {
				if !errors.Is(err, jobs.ErrQueueClosed) && ctx.Err() == nil {
					c.log.Error().Err(err).Str("channel", channel).Msg("Consumer stopped")
					c.fail(err)
				}
				return
			}
			deliveries = next
		}
	}
}

// resubscribe opens a new channel through the provider and consumes channel on it.
func (c *Consumer) resubscribe(ctx context.Context, channel string) (<-chan amqp.Delivery, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("consume %s: %w", channel, ErrChannelClosed)
	}

	for attempt := 0; attempt < c.recovery.MaxAttempts; attempt++ {
		timer := time.NewTimer(c.recovery.backoff(attempt))
		select {
		case <-timer.C:
		case <-c.stop:
			timer.Stop()
			return nil, jobs.ErrQueueClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		ch, err := c.provider()
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Consumer reconnect failed")
			continue
		}
		deliveries, err := c.subscribe(ch, channel)
		if err != nil {
			_ = ch.Close()
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Consumer reconnect failed")
			continue
		}

		c.mu.Lock()
		c.ch = ch
		c.mu.Unlock()

		c.log.Info().Str("channel", channel).Int("attempt", attempt+1).Msg("Consumer resubscribed")
		return deliveries, nil
	}

	return nil, fmt.Errorf("consume %s: %w after %d attempts", channel, ErrRecoveryExhausted, c.recovery.MaxAttempts)
}

func (c *Consumer) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

func (c *Consumer) isStopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Consumer) handle(ctx context.Context, channel string, d amqp.Delivery, handler jobs.Handler) {
	msg := &jobs.Message{
		ID:      d.MessageId,
		Channel: channel,
		Body:    d.Body,
		Attempt: 1,
		Final:   d.Redelivered,
	}
	if d.Redelivered {
		msg.Attempt = 2
	}

	log := c.log.With().Str("message_id", d.MessageId).Str("channel", channel).Logger()

	if err := handler(ctx, msg); err != nil {
		requeue := !d.Redelivered
		log.Warn().Err(err).Bool("requeue", requeue).Msg("Message handler failed")
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			log.Error().Err(nackErr).Msg("Failed to nack message")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("Failed to ack message")
	}
}

// Stop implements the Consumer interface.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stop)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("Stop: close channel: %w", err)
	}
	return nil
}

var _ jobs.Consumer = (*Consumer)(nil)
