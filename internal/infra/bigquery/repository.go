package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transactions-api/internal/domain"
)

// TransactionRepository persists transactions in BigQuery. It holds a shared
// BigQuery client to avoid creating a new connection for each operation.
type TransactionRepository struct {
	client    *bigquery.Client
	datasetID string
}

// NewTransactionRepository creates a TransactionRepository with its own client.
func NewTransactionRepository(ctx context.Context, projectID, datasetID string) (*TransactionRepository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewTransactionRepository: creating client: %w", err)
	}
	return &TransactionRepository{
		client:    client,
		datasetID: datasetID,
	}, nil
}

// Close closes the BigQuery client.
func (r *TransactionRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// SaveTransaction inserts tx. Repeated saves of the same trace ID are deduplicated
// by BigQuery on a best-effort basis.
func (r *TransactionRepository) SaveTransaction(ctx context.Context, tx domain.Transaction) error {
	return InsertTransactionWithClient(ctx, r.client, r.datasetID, NewTransactionRow(tx))
}

// GetTransaction reads back the transaction recorded for traceID.
func (r *TransactionRepository) GetTransaction(ctx context.Context, traceID string) (*domain.Transaction, error) {
	row, err := FindTransactionByTraceIDWithClient(ctx, r.client, r.datasetID, traceID)
	if err != nil {
		return nil, err
	}
	tx := row.ToDomain()
	return &tx, nil
}
