package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/transactions-api/internal/jobs"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcknowledger records acks and nacks of deliveries.
type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.record(ackRecord{tag: tag, ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.record(ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) record(r ackRecord) {
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()
	a.done <- struct{}{}
}

func (a *fakeAcknowledger) wait(t *testing.T, n int) []ackRecord {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for acknowledgement %d", i+1)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.records...)
}

type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	prefetch   int
	queue      string
	closed     bool
	ConsumeErr error
}

func (f *fakeConsumeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.queue = name
	return amqp.Queue{Name: name}, nil
}

func (f *fakeConsumeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if f.ConsumeErr != nil {
		return nil, f.ConsumeErr
	}
	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Close() error {
	f.closed = true
	return nil
}

func TestConsumer_AcksSuccessfulMessages(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 1)}
	acker := newFakeAcknowledger()
	c := NewConsumer(ch, 0, zerolog.Nop())

	received := make(chan *jobs.Message, 1)
	require.NoError(t, c.Start(context.Background(), "q", func(ctx context.Context, msg *jobs.Message) error {
		received <- msg
		return nil
	}))
	assert.Equal(t, "q", ch.queue)
	assert.Equal(t, DefaultPrefetch, ch.prefetch)

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 7, MessageId: "m-1", Body: []byte(`{}`)}

	records := acker.wait(t, 1)
	assert.Equal(t, []ackRecord{{tag: 7, ack: true}}, records)

	msg := <-received
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "q", msg.Channel)
	assert.Equal(t, 1, msg.Attempt)
	assert.False(t, msg.Final)

	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, ch.closed)
}

func TestConsumer_RequeuesFirstFailureOnly(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 2)}
	acker := newFakeAcknowledger()
	c := NewConsumer(ch, 5, zerolog.Nop())

	var mu sync.Mutex
	var finals []bool
	require.NoError(t, c.Start(context.Background(), "q", func(ctx context.Context, msg *jobs.Message) error {
		mu.Lock()
		finals = append(finals, msg.Final)
		mu.Unlock()
		return errors.New("boom")
	}))

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Redelivered: true}

	records := acker.wait(t, 2)
	assert.Equal(t, []ackRecord{{tag: 1, requeue: true}, {tag: 2, requeue: false}}, records)

	mu.Lock()
	assert.Equal(t, []bool{false, true}, finals)
	mu.Unlock()

	require.NoError(t, c.Stop(context.Background()))
}

func TestConsumer_StartAfterStop(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	c := NewConsumer(ch, 1, zerolog.Nop())

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	err := c.Start(context.Background(), "q", func(context.Context, *jobs.Message) error { return nil })
	assert.ErrorIs(t, err, jobs.ErrQueueClosed)
}

func TestConsumer_ConsumeError(t *testing.T) {
	ch := &fakeConsumeChannel{ConsumeErr: errors.New("access refused")}
	c := NewConsumer(ch, 1, zerolog.Nop())

	err := c.Start(context.Background(), "q", func(context.Context, *jobs.Message) error { return nil })
	assert.Error(t, err)
}

func TestConsumer_ReportsClosedDeliveriesWithoutRecovery(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	c := NewConsumer(ch, 1, zerolog.Nop())
	require.NoError(t, c.Start(context.Background(), "q", func(context.Context, *jobs.Message) error { return nil }))

	close(ch.deliveries)

	select {
	case err := <-c.Failed():
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("closed delivery stream was not reported")
	}
	require.NoError(t, c.Stop(context.Background()))
}

func TestConsumer_ResubscribesAfterClose(t *testing.T) {
	first := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	second := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 1)}
	provider := func() (ConsumeChannel, error) { return second, nil }

	c := NewConsumer(first, 3, zerolog.Nop(),
		WithConsumerRecovery(provider, RecoverySettings{MaxAttempts: 3, InitialBackoff: time.Millisecond}))
	require.NoError(t, c.Start(context.Background(), "q", func(context.Context, *jobs.Message) error { return nil }))

	close(first.deliveries)

	acker := newFakeAcknowledger()
	second.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1}

	records := acker.wait(t, 1)
	assert.Equal(t, []ackRecord{{tag: 1, ack: true}}, records)
	assert.Equal(t, "q", second.queue)
	assert.Equal(t, 3, second.prefetch)

	select {
	case err := <-c.Failed():
		t.Fatalf("unexpected failure: %v", err)
	default:
	}

	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, second.closed)
}

func TestConsumer_RecoveryExhausted(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	provider := func() (ConsumeChannel, error) { return nil, errors.New("connection refused") }

	c := NewConsumer(ch, 1, zerolog.Nop(),
		WithConsumerRecovery(provider, RecoverySettings{MaxAttempts: 2, InitialBackoff: time.Millisecond}))
	require.NoError(t, c.Start(context.Background(), "q", func(context.Context, *jobs.Message) error { return nil }))

	close(ch.deliveries)

	select {
	case err := <-c.Failed():
		assert.ErrorIs(t, err, ErrRecoveryExhausted)
	case <-time.After(time.Second):
		t.Fatal("exhausted recovery was not reported")
	}
	require.NoError(t, c.Stop(context.Background()))
}

func TestConsumer_StopDoesNotReportFailure(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	c := NewConsumer(ch, 1, zerolog.Nop())
	require.NoError(t, c.Start(context.Background(), "q", func(context.Context, *jobs.Message) error { return nil }))

	require.NoError(t, c.Stop(context.Background()))
	close(ch.deliveries)

	select {
	case err := <-c.Failed():
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRecoverySettings_Backoff(t *testing.T) {
	s := RecoverySettings{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, s.backoff(0))
	assert.Equal(t, 400*time.Millisecond, s.backoff(2))
	assert.Equal(t, time.Second, s.backoff(10))
}
