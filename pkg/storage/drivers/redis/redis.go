// Package redis is a storage driver backed by a Redis server, letting
// several processes share one persisted token. Values are kept as strings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/appsdk/pkg/storage"
)

// Config describes how to reach the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type Option func(*Store)

// WithPrefix namespaces every key, e.g. per deployment.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL sets an expiration on written keys. Zero means no expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ storage.Store = (*Store)(nil)

func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) (any, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value any) error {
	str, err := storage.Stringify(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), str, s.ttl).Err()
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }
