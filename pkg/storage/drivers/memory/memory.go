// Package memory is an in-process storage driver. By default it keeps
// values as given (structured records); WithStringValues makes it behave
// like a string-only backend.
package memory

import (
	"context"
	"errors"

	"github.com/joy-dx/lockablemap"

	"github.com/aussiebroadwan/appsdk/pkg/storage"
)

type Option func(*Store)

// WithStringValues stores the Stringify form of every value.
func WithStringValues() Option {
	return func(s *Store) { s.records = false }
}

type Store struct {
	values  *lockablemap.LockableMap[string, any]
	records bool
}

var _ storage.RecordStore = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{values: lockablemap.NewLockableMap[string, any](), records: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) StoresRecords() bool { return s.records }

func (s *Store) Get(_ context.Context, key string) (any, error) {
	v, err := s.values.Get(key)
	var notFound *lockablemap.KeyNotFoundError
	if errors.As(err, &notFound) {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (s *Store) Set(_ context.Context, key string, value any) error {
	if !s.records {
		str, err := storage.Stringify(value)
		if err != nil {
			return err
		}
		value = str
	}

	s.values.Set(key, value)
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.values.Remove(key)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int { return len(s.values.GetAll()) }

func (s *Store) Close() error { return nil }
