// Package storage defines the key/value blob store the engine persists its
// message caches and read cursors in.
package storage

import (
	"context"
)

// Store is an opaque key/value blob store. Get returns nil and no error for
// a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}
