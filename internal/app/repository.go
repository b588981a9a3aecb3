package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/transactions-api/internal/config"
	"github.com/dvloznov/transactions-api/internal/domain"
	infraBQ "github.com/dvloznov/transactions-api/internal/infra/bigquery"
	"github.com/dvloznov/transactions-api/internal/infra/memory"
	"github.com/rs/zerolog"
)

// Repository persists and reads back transactions.
type Repository interface {
	SaveTransaction(ctx context.Context, tx domain.Transaction) error
	GetTransaction(ctx context.Context, traceID string) (*domain.Transaction, error)
	Close() error
}

// OpenRepository opens the BigQuery repository when a GCP project is configured
// and an in-process one otherwise.
func OpenRepository(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Repository, error) {
	if cfg.GCP.Project == "" {
		log.Warn().Msg("No GCP project configured - transactions are kept in memory")
		return memory.NewTransactionRepository(), nil
	}

	repo, err := infraBQ.NewTransactionRepository(ctx, cfg.GCP.Project, cfg.GCP.Dataset)
	if err != nil {
		return nil, fmt.Errorf("OpenRepository: %w", err)
	}
	log.Info().Str("project", cfg.GCP.Project).Str("dataset", cfg.GCP.Dataset).Msg("Using BigQuery repository")
	return repo, nil
}
