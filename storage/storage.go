// Package storage provides the storage tiers used by the credential cache.
//
// Every tier implements Storage. The tiers differ only in backing medium:
//   - Memory: volatile, scoped to one execution context
//   - Bolt: durable keyed store on a bbolt bucket (origin-persistent or tab-scoped)
//   - CookieStore: small side-channel store with per-entry expiry
//   - Fallback: Memory in front of a structured durable store that may be unavailable
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist in a tier.
	ErrNotFound = errors.New("storage: not found")

	// ErrStoreUnavailable is returned when a durable backend could not be opened
	// or did not complete an operation in time. Callers may fall back to volatile storage.
	ErrStoreUnavailable = errors.New("storage: store unavailable")

	// ErrValueTooLarge is returned when a value exceeds the tier's size ceiling.
	ErrValueTooLarge = errors.New("storage: value too large")
)

// Storage is the capability contract shared by all tiers.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Initialize prepares the tier. It is idempotent.
	Initialize(ctx context.Context) error

	// Get returns the value stored at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key, overwriting any existing value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Returns nil if the key does not exist.
	Remove(ctx context.Context, key string) error

	// Keys returns every key currently stored in the tier.
	Keys(ctx context.Context) ([]string, error)

	// Contains reports whether key exists.
	Contains(ctx context.Context, key string) (bool, error)
}

// Swapper is implemented by tiers that can atomically replace a value.
//
// An empty old value means the key must be absent; an empty new value
// removes the key. The returned bool is false when the current value did not
// match old, in which case nothing was written.
type Swapper interface {
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)
}

// CompareAndSwap uses the tier's atomic swap when available and otherwise
// falls back to a read followed by a write.
func CompareAndSwap(ctx context.Context, s Storage, key, old, new string) (bool, error) {
	if sw, ok := s.(Swapper); ok {
		return sw.CompareAndSwap(ctx, key, old, new)
	}

	current, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		current = ""
	case err != nil:
		return false, err
	}
	if current != old {
		return false, nil
	}
	if new == "" {
		return true, s.Remove(ctx, key)
	}
	return true, s.Set(ctx, key, new)
}
