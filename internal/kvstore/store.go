// Package kvstore provides the browser-scoped key-value storage used by anonymous conversations.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Expiring is implemented by stores whose entries expire unless they are kept alive.
type Expiring interface {
	KeepAlive(ctx context.Context, prefix string) error
}

// KeepAlive extends the lifetime of every key under prefix when s expires entries.
func KeepAlive(ctx context.Context, s Store, prefix string) error {
	if e, ok := s.(Expiring); ok {
		return e.KeepAlive(ctx, prefix)
	}
	return nil
}
