package jobs

import (
	"context"
	"errors"
)

// Status represents the lifecycle state of a submitted transaction.
type Status string

const (
	// StatusCreating is written by the submission path before the command is published.
	StatusCreating Status = "creating"
	// StatusProcessing indicates a consumer picked up the command.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the transaction was persisted.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the consumer gave up on the command.
	StatusFailed Status = "failed"
)

var (
	// ErrStatusNotFound is returned by StatusStore.GetStatus for unknown trace IDs.
	ErrStatusNotFound = errors.New("status not found")
	// ErrQueueClosed is returned when publishing to or consuming from a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrCircuitOpen is returned when a publisher refuses calls after repeated broker failures.
	ErrCircuitOpen = errors.New("publisher circuit is open")
)

// StatusStore maps trace IDs to lifecycle states.
// Writes are last-write-wins overwrites.
type StatusStore interface {
	// SetStatus records status for traceID.
	SetStatus(ctx context.Context, traceID string, status Status) error

	// GetStatus returns the current status for traceID, or ErrStatusNotFound.
	GetStatus(ctx context.Context, traceID string) (Status, error)
}

// Publisher delivers serializable payloads to named channels.
// This abstraction allows for different broker implementations (in-memory, RabbitMQ).
type Publisher interface {
	// Publish returns once the broker has accepted payload for delivery on channel.
	// Delivery is at-least-once; consumers must tolerate duplicates.
	Publish(ctx context.Context, channel string, payload any) error
}

// Message is a single delivery handed to a Handler.
type Message struct {
	// ID is the broker message identifier.
	ID string

	// Channel is the channel the message was published to.
	Channel string

	// Body is the encoded payload.
	Body []byte

	// Attempt is the 1-based delivery attempt.
	Attempt int

	// Final reports that the transport will not redeliver the message if the handler fails.
	Final bool
}

// Handler processes a message. A non-nil error asks the transport to redeliver
// unless the message is final.
type Handler func(ctx context.Context, msg *Message) error

// Consumer defines the interface for consuming messages from a channel.
type Consumer interface {
	// Start begins consuming messages from channel and returns immediately.
	Start(ctx context.Context, channel string, handler Handler) error

	// Stop stops consuming and waits for in-flight messages to complete.
	Stop(ctx context.Context) error
}
