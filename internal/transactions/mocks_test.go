package transactions_test

import (
	"context"
	"sync"

	"github.com/dvloznov/transactions-api/internal/jobs"
)

type statusCall struct {
	TraceID string
	Status  jobs.Status
}

type publishCall struct {
	Channel string
	Payload any
}

// callLog records the order in which collaborators were invoked.
type callLog struct {
	mu    sync.Mutex
	order []string
}

func (l *callLog) add(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, name)
}

// MockStatusStore is a mock implementation of jobs.StatusStore for testing.
type MockStatusStore struct {
	SetStatusFunc func(ctx context.Context, traceID string, status jobs.Status) error
	GetStatusFunc func(ctx context.Context, traceID string) (jobs.Status, error)

	log *callLog

	mu       sync.Mutex
	setCalls []statusCall
	getCalls int
}

func (m *MockStatusStore) SetStatus(ctx context.Context, traceID string, status jobs.Status) error {
	m.log.add("SetStatus")
	m.mu.Lock()
	m.setCalls = append(m.setCalls, statusCall{TraceID: traceID, Status: status})
	m.mu.Unlock()

	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, traceID, status)
	}
	return nil
}

func (m *MockStatusStore) GetStatus(ctx context.Context, traceID string) (jobs.Status, error) {
	m.log.add("GetStatus")
	m.mu.Lock()
	m.getCalls++
	m.mu.Unlock()

	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, traceID)
	}
	return "", jobs.ErrStatusNotFound
}

func (m *MockStatusStore) SetCalls() []statusCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]statusCall(nil), m.setCalls...)
}

// MockPublisher is a mock implementation of jobs.Publisher for testing.
type MockPublisher struct {
	PublishFunc func(ctx context.Context, channel string, payload any) error

	log *callLog

	mu    sync.Mutex
	calls []publishCall
}

func (m *MockPublisher) Publish(ctx context.Context, channel string, payload any) error {
	m.log.add("Publish")
	m.mu.Lock()
	m.calls = append(m.calls, publishCall{Channel: channel, Payload: payload})
	m.mu.Unlock()

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, channel, payload)
	}
	return nil
}

func (m *MockPublisher) Calls() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishCall(nil), m.calls...)
}

// fixedIDs hands out predetermined trace IDs.
type fixedIDs struct {
	ids []string
	n   int
}

func (f *fixedIDs) NewTraceID() string {
	id := f.ids[f.n%len(f.ids)]
	f.n++
	return id
}
