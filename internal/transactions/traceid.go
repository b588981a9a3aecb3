package transactions

import "github.com/google/uuid"

// TraceIDGenerator issues correlation tokens for submissions.
type TraceIDGenerator interface {
	NewTraceID() string
}

// UUIDGenerator issues random (version 4) UUIDs.
type UUIDGenerator struct{}

// NewTraceID implements TraceIDGenerator.
func (UUIDGenerator) NewTraceID() string {
	return uuid.NewString()
}
