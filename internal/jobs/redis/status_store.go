package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/transactions-api/internal/jobs"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces status keys.
	DefaultKeyPrefix = "transactions:status:"
	// DefaultTTL bounds how long a status remains queryable.
	DefaultTTL = 24 * time.Hour
)

// Config holds connection settings for Connect.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect creates a Redis client and verifies it with a PING.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Connect: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// StatusStore is a Redis-backed StatusStore.
// Each trace ID is a plain string key holding the status; every write refreshes the TTL.
type StatusStore struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
}

// Option configures a StatusStore.
type Option func(*StatusStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *StatusStore) {
		s.prefix = prefix
	}
}

// WithTTL overrides DefaultTTL. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *StatusStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// NewStatusStore creates a StatusStore on top of an existing client.
func NewStatusStore(client goredis.Cmdable, opts ...Option) *StatusStore {
	s := &StatusStore{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StatusStore) key(traceID string) string {
	return s.prefix + traceID
}

// SetStatus implements the StatusStore interface.
func (s *StatusStore) SetStatus(ctx context.Context, traceID string, status jobs.Status) error {
	if traceID == "" {
		return fmt.Errorf("SetStatus: trace ID is required")
	}

	if err := s.client.Set(ctx, s.key(traceID), string(status), s.ttl).Err(); err != nil {
		return fmt.Errorf("SetStatus: redis set %s: %w", traceID, err)
	}
	return nil
}

// GetStatus implements the StatusStore interface.
func (s *StatusStore) GetStatus(ctx context.Context, traceID string) (jobs.Status, error) {
	value, err := s.client.Get(ctx, s.key(traceID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("%w: %s", jobs.ErrStatusNotFound, traceID)
	}
	if err != nil {
		return "", fmt.Errorf("GetStatus: redis get %s: %w", traceID, err)
	}
	return jobs.Status(value), nil
}

var _ jobs.StatusStore = (*StatusStore)(nil)
