// Package worker consumes CreateNewTransactionCommand messages and persists
// the transactions they describe.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/transactions-api/internal/archive"
	"github.com/dvloznov/transactions-api/internal/domain"
	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/rs/zerolog"
)

// TransactionSaver persists transactions.
type TransactionSaver interface {
	SaveTransaction(ctx context.Context, tx domain.Transaction) error
}

// Processor drives a transaction through processing, completed and failed
// in the status store. Redelivered commands whose status is already completed
// are acknowledged without touching the repository again.
type Processor struct {
	statuses jobs.StatusStore
	repo     TransactionSaver
	archive  archive.Archiver
	log      zerolog.Logger
	now      func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(statuses jobs.StatusStore, repo TransactionSaver, archiver archive.Archiver, log zerolog.Logger) *Processor {
	return &Processor{
		statuses: statuses,
		repo:     repo,
		archive:  archiver,
		log:      log,
		now:      time.Now,
	}
}

// Handle implements jobs.Handler.
func (p *Processor) Handle(ctx context.Context, msg *jobs.Message) error {
	log := p.log.With().
		Str("message_id", msg.ID).
		Int("attempt", msg.Attempt).
		Logger()

	var cmd domain.CreateNewTransactionCommand
	if err := jobs.Decode(msg.Body, &cmd); err != nil || cmd.TraceID == "" {
		if err == nil {
			err = errors.New("command has no trace id")
		}
		log.Error().Err(err).Msg("Dropping undecodable command")
		p.deadLetter(ctx, log, msg, "", err)
		return nil
	}

	log = log.With().Str("trace_id", cmd.TraceID).Logger()

	current, err := p.statuses.GetStatus(ctx, cmd.TraceID)
	switch {
	case err == nil && current == jobs.StatusCompleted:
		log.Info().Msg("Command already completed, skipping")
		return nil
	case err != nil && !errors.Is(err, jobs.ErrStatusNotFound):
		return p.fail(ctx, log, msg, cmd.TraceID, fmt.Errorf("reading status: %w", err))
	}

	if err := p.statuses.SetStatus(ctx, cmd.TraceID, jobs.StatusProcessing); err != nil {
		return p.fail(ctx, log, msg, cmd.TraceID, fmt.Errorf("setting status %s: %w", jobs.StatusProcessing, err))
	}

	tx := domain.Transaction{
		TraceID:     cmd.TraceID,
		Description: cmd.Description,
		Amount:      cmd.Amount,
		Date:        cmd.Date,
		Type:        cmd.Type,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.repo.SaveTransaction(ctx, tx); err != nil {
		return p.fail(ctx, log, msg, cmd.TraceID, fmt.Errorf("saving transaction: %w", err))
	}

	if err := p.statuses.SetStatus(ctx, cmd.TraceID, jobs.StatusCompleted); err != nil {
		// the row is saved; a retry is absorbed by the insert ID
		return p.fail(ctx, log, msg, cmd.TraceID, fmt.Errorf("setting status %s: %w", jobs.StatusCompleted, err))
	}

	log.Info().Msg("Transaction persisted")
	return nil
}

// fail returns err for redelivery, or marks the transaction failed and archives
// the message when the transport will not deliver it again.
func (p *Processor) fail(ctx context.Context, log zerolog.Logger, msg *jobs.Message, traceID string, err error) error {
	if !msg.Final {
		log.Warn().Err(err).Msg("Processing failed, will retry")
		return err
	}

	log.Error().Err(err).Msg("Processing failed on final attempt")
	if setErr := p.statuses.SetStatus(ctx, traceID, jobs.StatusFailed); setErr != nil {
		log.Error().Err(setErr).Msg("Failed to mark transaction as failed")
	}
	p.deadLetter(ctx, log, msg, traceID, err)
	return err
}

func (p *Processor) deadLetter(ctx context.Context, log zerolog.Logger, msg *jobs.Message, traceID string, reason error) {
	uri, err := p.archive.Archive(ctx, archive.Entry{
		MessageID:  msg.ID,
		Channel:    msg.Channel,
		TraceID:    traceID,
		Attempt:    msg.Attempt,
		Reason:     reason.Error(),
		Body:       msg.Body,
		ArchivedAt: p.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to archive dead-lettered message")
		return
	}
	log.Info().Str("archive_uri", uri).Msg("Message archived")
}

// Run subscribes the processor to the creation channel on consumer.
func (p *Processor) Run(ctx context.Context, consumer jobs.Consumer) error {
	if err := consumer.Start(ctx, domain.CreateNewTransactionChannel, p.Handle); err != nil {
		return fmt.Errorf("Run: starting consumer: %w", err)
	}
	p.log.Info().Str("channel", domain.CreateNewTransactionChannel).Msg("Processor subscribed")
	return nil
}
