// Package memory holds an in-process transaction repository for local runs
// without a GCP project.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/transactions-api/internal/domain"
)

// TransactionRepository keeps transactions in a map keyed by trace ID.
// Saving an existing trace ID keeps the first copy, like the BigQuery insert ID does.
type TransactionRepository struct {
	mu           sync.RWMutex
	transactions map[string]domain.Transaction
}

// NewTransactionRepository creates an empty repository.
func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{
		transactions: make(map[string]domain.Transaction),
	}
}

// SaveTransaction stores tx unless its trace ID is already present.
func (r *TransactionRepository) SaveTransaction(ctx context.Context, tx domain.Transaction) error {
	if tx.TraceID == "" {
		return fmt.Errorf("SaveTransaction: trace ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transactions[tx.TraceID]; !exists {
		r.transactions[tx.TraceID] = tx
	}
	return nil
}

// GetTransaction returns the transaction stored for traceID.
func (r *TransactionRepository) GetTransaction(ctx context.Context, traceID string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.transactions[traceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, traceID)
	}
	return &tx, nil
}

// Close is a no-op.
func (r *TransactionRepository) Close() error {
	return nil
}
