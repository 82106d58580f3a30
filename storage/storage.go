// Package storage provides the durable key-value capability used to carry
// login attempt material across the authorization redirect, and to persist
// backend credentials between process runs.
//
// Three backends are provided:
//   - MemoryStore: process-local, for tests and single-process programs.
//   - FileStore: a single sealed file, shared safely between processes.
//   - RedisStore: a shared Redis keyspace, for multi-host deployments.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Store is a minimal durable key-value store.
//
// Set must be durable before it returns: callers rely on values written
// before a redirect being visible to a different process handling the
// callback. Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Take returns the value of key and deletes it in one step. Of several
	// concurrent Takes of the same key, at most one sees the value.
	Take(ctx context.Context, key string) ([]byte, error)
	// Keys returns every key with the given prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetString is a convenience wrapper for string values.
// A missing key yields ("", false, nil).
func GetString(ctx context.Context, s Store, key string) (string, bool, error) {
	b, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// TakeString is GetString over Take.
func TakeString(ctx context.Context, s Store, key string) (string, bool, error) {
	b, err := s.Take(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// DeletePrefix removes every key with the given prefix.
func DeletePrefix(ctx context.Context, s Store, prefix string) error {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
