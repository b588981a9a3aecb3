// Package rabbitmq implements the job Publisher and Consumer on top of RabbitMQ.
//
// Every logical channel maps to a durable queue of the same name on the default
// exchange. Publishing uses publisher confirms so Publish only returns once the
// broker has taken responsibility for the message.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrPublishNacked is returned when the broker refuses a message.
	ErrPublishNacked = errors.New("message was nacked by broker")
	// ErrConfirmTimeout is returned when no confirmation arrives in time.
	ErrConfirmTimeout = errors.New("confirmation timed out")
	// ErrChannelClosed is returned when the AMQP channel closed while waiting for a confirmation.
	ErrChannelClosed = errors.New("rabbitmq channel closed")
	// ErrRecoveryExhausted is returned when a closed channel could not be reopened.
	ErrRecoveryExhausted = errors.New("rabbitmq channel recovery exhausted")
)

// Connection states reported by Publisher.Connection.
const (
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateDisconnected = "disconnected"
)

// PublishChannel is the subset of *amqp.Channel used by Publisher.
type PublishChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ConsumeChannel is the subset of *amqp.Channel used by Consumer.
type ConsumeChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

var (
	_ PublishChannel = (*amqp.Channel)(nil)
	_ ConsumeChannel = (*amqp.Channel)(nil)
)

// Dial opens a connection to url.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}
	return conn, nil
}

// RecoverySettings bounds the attempts to reopen a closed channel.
type RecoverySettings struct {
	MaxAttempts int
	// InitialBackoff doubles after every failed attempt, up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRecoverySettings retries for roughly a minute before giving up.
var DefaultRecoverySettings = RecoverySettings{
	MaxAttempts:    8,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     15 * time.Second,
}

func (s RecoverySettings) backoff(attempt int) time.Duration {
	delay := s.InitialBackoff
	for i := 0; i < attempt && delay < s.MaxBackoff; i++ {
		delay *= 2
	}
	if s.MaxBackoff > 0 && delay > s.MaxBackoff {
		delay = s.MaxBackoff
	}
	return delay
}

// Connection is a redialing AMQP connection. Channels opened after the
// underlying connection has dropped transparently use a new connection.
type Connection struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// Connect dials url and returns a Connection.
func Connect(url string) (*Connection, error) {
	c := &Connection{url: url}
	if _, err := c.current(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) current() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	conn, err := Dial(c.url)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Channel opens a channel, redialing first if the connection has closed.
func (c *Connection) Channel() (*amqp.Channel, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// PublishChannel opens a channel for a Publisher.
func (c *Connection) PublishChannel() (PublishChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ConsumeChannel opens a channel for a Consumer.
func (c *Connection) ConsumeChannel() (ConsumeChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Close closes the current connection. Later calls to Channel fail.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// declareQueue declares the durable queue backing a channel name.
func declareQueue(ch queueDeclarer, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}
