package cache

import (
	"context"
	"errors"
)

// ErrTransport marks failures talking to the cache backend. Callers treat the
// cache as advisory and fall back to the store when they see it.
var ErrTransport = errors.New("cache: transport")

// DeleteResult reports what a Delete call observed.
type DeleteResult int

const (
	// TransportError means the backend could not be reached; the key may still exist.
	TransportError DeleteResult = iota
	// NotFound means the key was absent.
	NotFound
	// Deleted means the key existed and was removed.
	Deleted
)

func (r DeleteResult) String() string {
	switch r {
	case Deleted:
		return "deleted"
	case NotFound:
		return "not_found"
	default:
		return "transport_error"
	}
}

// Cache is the volatile key/value store shared by every replica. Values expire
// after the backend TTL and may disappear at any time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Add stores value only when key is absent and reports whether it did.
	Add(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) (DeleteResult, error)
	FlushAll(ctx context.Context) error
	Close(ctx context.Context) error
}
