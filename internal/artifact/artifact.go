// Package artifact stores rendered export files until they are fetched or expire.
package artifact

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("artifact not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns ErrNotFound when the key was never written or has expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
}
