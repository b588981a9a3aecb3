package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/transactions-api/internal/archive"
	"github.com/dvloznov/transactions-api/internal/domain"
	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/dvloznov/transactions-api/internal/jobs/inmemory"
	"github.com/dvloznov/transactions-api/internal/transactions"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTransactionSaver is a mock implementation of TransactionSaver for testing.
type MockTransactionSaver struct {
	SaveTransactionFunc func(ctx context.Context, tx domain.Transaction) error

	mu    sync.Mutex
	saved []domain.Transaction
}

func (m *MockTransactionSaver) SaveTransaction(ctx context.Context, tx domain.Transaction) error {
	if m.SaveTransactionFunc != nil {
		if err := m.SaveTransactionFunc(ctx, tx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.saved = append(m.saved, tx)
	m.mu.Unlock()
	return nil
}

func (m *MockTransactionSaver) Saved() []domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transaction(nil), m.saved...)
}

// MockArchiver is a mock implementation of archive.Archiver for testing.
type MockArchiver struct {
	mu      sync.Mutex
	entries []archive.Entry
}

func (m *MockArchiver) Archive(ctx context.Context, entry archive.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return "mock://" + archive.ObjectName(entry), nil
}

func (m *MockArchiver) Entries() []archive.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]archive.Entry(nil), m.entries...)
}

var fixedNow = time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

func newTestProcessor(store jobs.StatusStore, repo TransactionSaver, arch archive.Archiver) *Processor {
	p := NewProcessor(store, repo, arch, zerolog.Nop())
	p.now = func() time.Time { return fixedNow }
	return p
}

func commandMessage(t *testing.T, cmd domain.CreateNewTransactionCommand, attempt int, final bool) *jobs.Message {
	t.Helper()
	body, err := jobs.Encode(cmd)
	require.NoError(t, err)
	return &jobs.Message{
		ID:      "msg-1",
		Channel: domain.CreateNewTransactionChannel,
		Body:    body,
		Attempt: attempt,
		Final:   final,
	}
}

func testCommand() domain.CreateNewTransactionCommand {
	return domain.CreateNewTransactionCommand{
		TraceID:     "trace-1",
		Description: "Test Transaction",
		Amount:      100,
		Date:        time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC),
		Type:        "Credit",
	}
}

func TestProcessor_PersistsAndCompletes(t *testing.T) {
	store := inmemory.NewStore()
	require.NoError(t, store.SetStatus(context.Background(), "trace-1", jobs.StatusCreating))
	repo := &MockTransactionSaver{}
	arch := &MockArchiver{}
	p := newTestProcessor(store, repo, arch)

	err := p.Handle(context.Background(), commandMessage(t, testCommand(), 1, false))
	require.NoError(t, err)

	saved := repo.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, domain.Transaction{
		TraceID:     "trace-1",
		Description: "Test Transaction",
		Amount:      100,
		Date:        time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC),
		Type:        "Credit",
		CreatedAt:   fixedNow,
	}, saved[0])

	status, err := store.GetStatus(context.Background(), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, status)
	assert.Empty(t, arch.Entries())
}

func TestProcessor_SkipsCompleted(t *testing.T) {
	store := inmemory.NewStore()
	require.NoError(t, store.SetStatus(context.Background(), "trace-1", jobs.StatusCompleted))
	repo := &MockTransactionSaver{}
	p := newTestProcessor(store, repo, &MockArchiver{})

	require.NoError(t, p.Handle(context.Background(), commandMessage(t, testCommand(), 2, false)))
	assert.Empty(t, repo.Saved())
}

func TestProcessor_MissingStatusStillProcesses(t *testing.T) {
	store := inmemory.NewStore()
	repo := &MockTransactionSaver{}
	p := newTestProcessor(store, repo, &MockArchiver{})

	require.NoError(t, p.Handle(context.Background(), commandMessage(t, testCommand(), 1, false)))
	assert.Len(t, repo.Saved(), 1)
}

func TestProcessor_RetriesBeforeFinalAttempt(t *testing.T) {
	store := inmemory.NewStore()
	repo := &MockTransactionSaver{
		SaveTransactionFunc: func(context.Context, domain.Transaction) error {
			return errors.New("bigquery unavailable")
		},
	}
	arch := &MockArchiver{}
	p := newTestProcessor(store, repo, arch)

	err := p.Handle(context.Background(), commandMessage(t, testCommand(), 1, false))
	require.Error(t, err)

	status, err := store.GetStatus(context.Background(), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, status)
	assert.Empty(t, arch.Entries())
}

func TestProcessor_FinalFailureMarksFailedAndArchives(t *testing.T) {
	store := inmemory.NewStore()
	repo := &MockTransactionSaver{
		SaveTransactionFunc: func(context.Context, domain.Transaction) error {
			return errors.New("bigquery unavailable")
		},
	}
	arch := &MockArchiver{}
	p := newTestProcessor(store, repo, arch)

	msg := commandMessage(t, testCommand(), 3, true)
	err := p.Handle(context.Background(), msg)
	require.Error(t, err)

	status, err := store.GetStatus(context.Background(), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, status)

	entries := arch.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "trace-1", entries[0].TraceID)
	assert.Equal(t, 3, entries[0].Attempt)
	assert.Equal(t, msg.Body, entries[0].Body)
	assert.Contains(t, entries[0].Reason, "bigquery unavailable")
}

func TestProcessor_UndecodableCommandIsArchived(t *testing.T) {
	store := inmemory.NewStore()
	repo := &MockTransactionSaver{}
	arch := &MockArchiver{}
	p := newTestProcessor(store, repo, arch)

	for _, body := range []string{`not json`, `{"description":"no trace id"}`} {
		err := p.Handle(context.Background(), &jobs.Message{ID: "m", Channel: domain.CreateNewTransactionChannel, Body: []byte(body), Attempt: 1})
		assert.NoError(t, err, "undecodable commands are not retried")
	}

	assert.Empty(t, repo.Saved())
	assert.Len(t, arch.Entries(), 2)
	assert.Zero(t, store.Len())
}

func TestProcessor_StatusReadFailureRetries(t *testing.T) {
	store := &failingStore{err: errors.New("redis down")}
	repo := &MockTransactionSaver{}
	p := newTestProcessor(store, repo, &MockArchiver{})

	err := p.Handle(context.Background(), commandMessage(t, testCommand(), 1, false))
	assert.ErrorContains(t, err, "redis down")
	assert.Empty(t, repo.Saved())
}

type failingStore struct {
	err error
}

func (s *failingStore) SetStatus(context.Context, string, jobs.Status) error { return s.err }
func (s *failingStore) GetStatus(context.Context, string) (jobs.Status, error) {
	return "", s.err
}

func TestProcessor_EndToEndWithInMemoryQueue(t *testing.T) {
	store := inmemory.NewStore()
	queue := inmemory.NewQueue(10, inmemory.WithWorkerCount(2), inmemory.WithRetryBackoff(time.Millisecond))
	t.Cleanup(func() { _ = queue.Close() })

	var calls int
	var mu sync.Mutex
	repo := &MockTransactionSaver{
		SaveTransactionFunc: func(context.Context, domain.Transaction) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}
	p := newTestProcessor(store, repo, &MockArchiver{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.Run(ctx, queue))

	svc := transactions.NewService(store, queue, nil, zerolog.Nop())
	now := time.Now()
	traceID, err := svc.CreateTransaction(ctx, domain.TransactionRequest{
		Description: "Test Transaction",
		Amount:      100,
		Date:        &now,
		Type:        "Credit",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		status, err := store.GetStatus(ctx, traceID)
		return err == nil && status == jobs.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	saved := repo.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, traceID, saved[0].TraceID)
}
