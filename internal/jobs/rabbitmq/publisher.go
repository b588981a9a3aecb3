package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmBuffer should be >= max unconfirmed messages; publishes are serialized so one suffices,
	// the extra room absorbs late confirmations from timed-out publishes.
	confirmBuffer = 16
)

// BreakerSettings configures the publisher's circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings trips after five consecutive broker failures and probes every 10s.
var DefaultBreakerSettings = BreakerSettings{
	ConsecutiveFailures: 5,
	OpenTimeout:         10 * time.Second,
}

// Publisher publishes payloads to RabbitMQ with publisher confirms.
// Publishes are serialized on the underlying channel, which is what keeps
// delivery tags and confirmations in lockstep.
//
// When the channel closes underneath it, a Publisher configured WithRecovery
// reopens one through its provider; otherwise it stays disconnected.
type Publisher struct {
	breaker        *gobreaker.CircuitBreaker
	confirmTimeout time.Duration
	log            zerolog.Logger
	provider       func() (PublishChannel, error)
	recovery       RecoverySettings

	mu       sync.Mutex
	ch       PublishChannel
	confirms chan amqp.Confirmation
	nextTag  uint64
	declared map[string]bool

	state     atomic.Value
	done      chan struct{}
	closeOnce sync.Once
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout overrides DefaultConfirmTimeout.
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(log zerolog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.log = log
	}
}

// WithRecovery reopens the channel through provider when it closes.
func WithRecovery(provider func() (PublishChannel, error), settings RecoverySettings) PublisherOption {
	return func(p *Publisher) {
		p.provider = provider
		p.recovery = settings
	}
}

// WithBreaker overrides DefaultBreakerSettings.
func WithBreaker(settings BreakerSettings) PublisherOption {
	return func(p *Publisher) {
		p.breaker = newBreaker(settings, p)
	}
}

// NewPublisher puts ch into confirm mode and returns a Publisher that owns it.
// ch must not be shared with other publishers.
func NewPublisher(ch PublishChannel, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("NewPublisher: channel is required")
	}

	p := &Publisher{
		confirmTimeout: DefaultConfirmTimeout,
		log:            zerolog.Nop(),
		recovery:       DefaultRecoverySettings,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = newBreaker(DefaultBreakerSettings, p)
	}

	closed, err := p.attach(ch)
	if err != nil {
		return nil, fmt.Errorf("NewPublisher: %w", err)
	}
	go p.monitor(closed)

	return p, nil
}

// attach puts ch into confirm mode and makes it the publishing channel.
func (p *Publisher) attach(ch PublishChannel) (chan *amqp.Error, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return nil, amqp.ErrClosed
	}
	p.ch = ch
	p.confirms = confirms
	p.nextTag = 0
	p.declared = make(map[string]bool)
	p.state.Store(StateConnected)
	return closed, nil
}

// monitor waits for the channel to close and then tries to recover it.
func (p *Publisher) monitor(closed chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-closed:
	case <-p.done:
		return
	}
	if p.isClosed() {
		return
	}

	log := p.log.Warn()
	if amqpErr != nil {
		log = log.Int("code", amqpErr.Code).Str("reason", amqpErr.Reason)
	}
	log.Msg("Publisher channel closed")

	if p.provider == nil {
		p.state.Store(StateDisconnected)
		return
	}
	p.reconnect()
}

func (p *Publisher) reconnect() {
	p.state.Store(StateReconnecting)

	for attempt := 0; attempt < p.recovery.MaxAttempts; attempt++ {
		timer := time.NewTimer(p.recovery.backoff(attempt))
		select {
		case <-timer.C:
		case <-p.done:
			timer.Stop()
			return
		}

		ch, err := p.provider()
		if err != nil {
			p.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Publisher reconnect failed")
			continue
		}
		closed, err := p.attach(ch)
		if err != nil {
			_ = ch.Close()
			if errors.Is(err, amqp.ErrClosed) {
				return
			}
			p.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Publisher reconnect failed")
			continue
		}

		p.log.Info().Int("attempt", attempt+1).Msg("Publisher channel recovered")
		go p.monitor(closed)
		return
	}

	p.state.Store(StateDisconnected)
	p.log.Error().Int("attempts", p.recovery.MaxAttempts).Msg("Publisher channel recovery exhausted")
}

func (p *Publisher) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func newBreaker(settings BreakerSettings, p *Publisher) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-publisher",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		// a caller giving up says nothing about broker health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publisher circuit state changed")
		},
	})
}

// Publish implements the Publisher interface.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	body, err := jobs.Encode(payload)
	if err != nil {
		return err
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, channel, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", jobs.ErrCircuitOpen, err)
	}
	return err
}

func (p *Publisher) publish(ctx context.Context, channel string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[channel] {
		if err := declareQueue(p.ch, channel); err != nil {
			return fmt.Errorf("Publish: %w", err)
		}
		p.declared[channel] = true
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         channel,
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, "", channel, false, false, msg); err != nil {
		return fmt.Errorf("Publish: %s: %w", channel, err)
	}
	p.nextTag++

	return p.awaitConfirm(ctx, p.nextTag)
}

// awaitConfirm waits for the confirmation of tag, discarding stale confirmations
// left behind by earlier publishes that timed out.
func (p *Publisher) awaitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrConfirmTimeout
		}
	}
}

// State reports the circuit breaker state: "closed", "half-open" or "open".
func (p *Publisher) State() string {
	return p.breaker.State().String()
}

// Connection reports StateConnected, StateReconnecting or StateDisconnected.
func (p *Publisher) Connection() string {
	return p.state.Load().(string)
}

// Close stops recovery and closes the underlying channel.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	p.state.Store(StateDisconnected)
	return ch.Close()
}

var _ jobs.Publisher = (*Publisher)(nil)
