// Package app builds the status store, broker and persistence dependencies
// selected by the configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/transactions-api/internal/archive"
	"github.com/dvloznov/transactions-api/internal/config"
	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/dvloznov/transactions-api/internal/jobs/inmemory"
	"github.com/dvloznov/transactions-api/internal/jobs/rabbitmq"
	jobsredis "github.com/dvloznov/transactions-api/internal/jobs/redis"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// closers collects cleanup functions and runs them in reverse order.
type closers []func() error

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StatusStore is an opened status store and its cleanup.
type StatusStore struct {
	jobs.StatusStore
	closers closers
}

// Close releases the store's connections.
func (s *StatusStore) Close() error {
	return s.closers.close()
}

// OpenStatusStore opens the configured status store.
func OpenStatusStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*StatusStore, error) {
	switch cfg.Status.Backend {
	case config.BackendRedis:
		client, err := jobsredis.Connect(ctx, jobsredis.Config{
			Addr:     cfg.Status.Redis.Addr,
			Password: cfg.Status.Redis.Password,
			DB:       cfg.Status.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("OpenStatusStore: %w", err)
		}
		log.Info().Str("addr", cfg.Status.Redis.Addr).Dur("ttl", cfg.Status.TTL).Msg("Using Redis status store")
		return &StatusStore{
			StatusStore: jobsredis.NewStatusStore(client, jobsredis.WithTTL(cfg.Status.TTL)),
			closers:     closers{client.Close},
		}, nil
	default:
		log.Info().Msg("Using in-memory status store")
		return &StatusStore{StatusStore: inmemory.NewStore()}, nil
	}
}

// Broker is an opened publisher/consumer pair and its cleanup.
type Broker struct {
	Publisher jobs.Publisher
	Consumer  jobs.Consumer
	failures  <-chan error
	closers   closers
}

// Close releases the broker's connections.
func (b *Broker) Close() error {
	return b.closers.close()
}

// Failures delivers an error when the consumer has permanently lost the broker.
// It never fires for the in-memory broker.
func (b *Broker) Failures() <-chan error {
	return b.failures
}

// OpenBroker opens the configured broker. With the in-memory backend the
// publisher and consumer are the same queue.
func OpenBroker(cfg *config.Config, log zerolog.Logger) (*Broker, error) {
	switch cfg.Broker.Backend {
	case config.BackendRabbitMQ:
		return openRabbitMQ(cfg, log)
	default:
		queue := inmemory.NewQueue(cfg.Broker.QueueBuffer,
			inmemory.WithWorkerCount(cfg.Broker.WorkerCount),
			inmemory.WithMaxAttempts(cfg.Broker.MaxAttempts),
			inmemory.WithLogger(log),
		)
		log.Info().Str("queue", queue.String()).Msg("Using in-memory broker")
		return &Broker{
			Publisher: queue,
			Consumer:  queue,
			closers:   closers{queue.Close},
		}, nil
	}
}

func openRabbitMQ(cfg *config.Config, log zerolog.Logger) (*Broker, error) {
	conn, err := rabbitmq.Connect(cfg.Broker.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("OpenBroker: %w", err)
	}
	b := &Broker{closers: closers{conn.Close}}

	// publishing and consuming use separate channels; confirm mode is per channel
	pubCh, err := conn.PublishChannel()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("OpenBroker: opening publish channel: %w", err)
	}
	publisher, err := rabbitmq.NewPublisher(pubCh,
		rabbitmq.WithConfirmTimeout(cfg.Broker.PublishTimeout),
		rabbitmq.WithPublisherLogger(log),
		rabbitmq.WithRecovery(conn.PublishChannel, rabbitmq.DefaultRecoverySettings),
	)
	if err != nil {
		_ = pubCh.Close()
		_ = b.Close()
		return nil, fmt.Errorf("OpenBroker: %w", err)
	}
	b.Publisher = publisher
	b.closers = append(b.closers, ignoreClosed(publisher.Close))

	subCh, err := conn.ConsumeChannel()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("OpenBroker: opening consume channel: %w", err)
	}
	consumer := rabbitmq.NewConsumer(subCh, cfg.Broker.Prefetch, log,
		rabbitmq.WithConsumerRecovery(conn.ConsumeChannel, rabbitmq.DefaultRecoverySettings),
	)
	b.Consumer = consumer
	b.failures = consumer.Failed()

	log.Info().Msg("Using RabbitMQ broker")
	return b, nil
}

func ignoreClosed(fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		return nil
	}
}

// OpenArchiver returns a GCS archiver when a dead-letter bucket is configured and
// a logging archiver otherwise. The returned function closes the storage client.
func OpenArchiver(ctx context.Context, cfg *config.Config, log zerolog.Logger) (archive.Archiver, func() error, error) {
	if cfg.GCP.DeadLetterBucket == "" {
		log.Warn().Msg("No dead-letter bucket configured - failed commands will only be logged")
		return archive.NewLogArchiver(log), func() error { return nil }, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("OpenArchiver: create storage client: %w", err)
	}
	log.Info().Str("bucket", cfg.GCP.DeadLetterBucket).Msg("Archiving dead letters to GCS")
	return archive.NewGCSArchiver(client, cfg.GCP.DeadLetterBucket), client.Close, nil
}
