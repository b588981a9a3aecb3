package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/transactions-api/internal/jobs"
)

// Store is an in-memory implementation of StatusStore.
// It is safe for concurrent use. Data is lost on restart - use the Redis store for persistence.
type Store struct {
	mu       sync.RWMutex
	statuses map[string]jobs.Status
}

// NewStore creates a new in-memory status store.
func NewStore() *Store {
	return &Store{
		statuses: make(map[string]jobs.Status),
	}
}

// SetStatus implements the StatusStore interface.
func (s *Store) SetStatus(ctx context.Context, traceID string, status jobs.Status) error {
	if traceID == "" {
		return fmt.Errorf("trace ID is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[traceID] = status
	return nil
}

// GetStatus implements the StatusStore interface.
func (s *Store) GetStatus(ctx context.Context, traceID string) (jobs.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, exists := s.statuses[traceID]
	if !exists {
		return "", fmt.Errorf("%w: %s", jobs.ErrStatusNotFound, traceID)
	}
	return status, nil
}

// Len returns the number of tracked trace IDs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.statuses)
}

var _ jobs.StatusStore = (*Store)(nil)
