// Package transactions accepts transaction submissions and hands them off for
// asynchronous persistence.
package transactions

import (
	"context"
	"fmt"

	"github.com/dvloznov/transactions-api/internal/domain"
	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/rs/zerolog"
)

// Service is the submission orchestrator. It holds no per-call state and is
// safe for concurrent use.
type Service struct {
	statuses  jobs.StatusStore
	publisher jobs.Publisher
	ids       TraceIDGenerator
	log       zerolog.Logger
}

// NewService creates a Service. A nil ids falls back to UUIDGenerator.
func NewService(statuses jobs.StatusStore, publisher jobs.Publisher, ids TraceIDGenerator, log zerolog.Logger) *Service {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	return &Service{
		statuses:  statuses,
		publisher: publisher,
		ids:       ids,
		log:       log,
	}
}

// CreateTransaction validates req, records the "creating" status under a new trace ID,
// publishes a CreateNewTransactionCommand and returns the trace ID.
//
// The status write always completes before the publish starts. Once Publish returns
// nil the command belongs to the consumer and the service never touches the status again.
func (s *Service) CreateTransaction(ctx context.Context, req domain.TransactionRequest) (string, error) {
	if err := Validate(req); err != nil {
		return "", err
	}

	traceID := s.ids.NewTraceID()
	log := s.log.With().Str("trace_id", traceID).Logger()

	if err := s.statuses.SetStatus(ctx, traceID, jobs.StatusCreating); err != nil {
		log.Error().Err(err).Msg("Failed to record initial status")
		return "", &StatusStoreError{TraceID: traceID, Err: err}
	}

	// cancelled callers never publish
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("Submission cancelled before publish")
		return "", &PublishError{
			TraceID: traceID,
			Channel: domain.CreateNewTransactionChannel,
			Err:     fmt.Errorf("aborted before publish: %w", err),
		}
	}

	cmd := domain.NewCreateNewTransactionCommand(traceID, req)
	if err := s.publisher.Publish(ctx, domain.CreateNewTransactionChannel, cmd); err != nil {
		log.Error().Err(err).Msg("Failed to publish command")
		return "", &PublishError{TraceID: traceID, Channel: domain.CreateNewTransactionChannel, Err: err}
	}

	log.Info().
		Str("type", req.Type).
		Float64("amount", req.Amount).
		Msg("Transaction accepted")

	return traceID, nil
}
