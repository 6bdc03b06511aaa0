package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/credential-cache/telemetry"
)

// Fallback composes a volatile Memory tier with a durable tier that may be
// unavailable (the structured store). Reads prefer memory; writes land in
// memory first so the running context always sees its own writes, and durable
// failures are logged rather than returned. Data written while the durable tier
// was unavailable does not survive a reload.
type Fallback struct {
	memory  *Memory
	durable Storage
	logger  *slog.Logger
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithFallbackLogger sets the logger used for swallowed durable failures.
func WithFallbackLogger(logger *slog.Logger) FallbackOption {
	return func(f *Fallback) {
		f.logger = logger
	}
}

// NewFallback creates a Fallback over durable. A nil memory creates a new one.
func NewFallback(memory *Memory, durable Storage, opts ...FallbackOption) *Fallback {
	if memory == nil {
		memory = NewMemory()
	}
	f := &Fallback{
		memory:  memory,
		durable: durable,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Initialize initializes the durable tier. Unavailability is not an error:
// the wrapper keeps serving from memory.
func (f *Fallback) Initialize(ctx context.Context) error {
	err := f.durable.Initialize(ctx)
	if err == nil {
		return nil
	}
	return f.handleDurableError(ctx, "initialize", err)
}

// Get returns the value from memory, or from the durable tier on a memory miss.
// A durable hit is copied into memory.
func (f *Fallback) Get(ctx context.Context, key string) (string, error) {
	value, err := f.memory.Get(ctx, key)
	if err == nil {
		return value, nil
	}

	value, err = f.durable.Get(ctx, key)
	switch {
	case err == nil:
		_ = f.memory.Set(ctx, key, value)
		return value, nil
	case errors.Is(err, ErrNotFound):
		return "", ErrNotFound
	case errors.Is(err, ErrStoreUnavailable):
		f.logDegraded(ctx, "get", err)
		return "", ErrNotFound
	default:
		return "", err
	}
}

// Set writes to memory and then attempts the durable tier.
func (f *Fallback) Set(ctx context.Context, key, value string) error {
	if err := f.memory.Set(ctx, key, value); err != nil {
		return err
	}
	if err := f.durable.Set(ctx, key, value); err != nil {
		f.logDegraded(ctx, "set", err)
	}
	return nil
}

// Remove deletes from memory and then attempts the durable tier.
func (f *Fallback) Remove(ctx context.Context, key string) error {
	if err := f.memory.Remove(ctx, key); err != nil {
		return err
	}
	if err := f.durable.Remove(ctx, key); err != nil {
		f.logDegraded(ctx, "remove", err)
	}
	return nil
}

// Keys returns the union of the memory and durable keys. Memory alone is used
// while the durable tier is unavailable.
func (f *Fallback) Keys(ctx context.Context) ([]string, error) {
	keys, err := f.memory.Keys(ctx)
	if err != nil {
		return nil, err
	}
	durableKeys, err := f.durable.Keys(ctx)
	if err != nil {
		return keys, f.handleDurableError(ctx, "keys", err)
	}
	seen := make(map[string]struct{}, len(durableKeys))
	for _, k := range durableKeys {
		seen[k] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			durableKeys = append(durableKeys, k)
		}
	}
	return durableKeys, nil
}

// Contains checks memory first and the durable tier on a miss.
func (f *Fallback) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := f.memory.Contains(ctx, key)
	if err != nil || ok {
		return ok, err
	}
	ok, err = f.durable.Contains(ctx, key)
	if err != nil {
		return false, f.handleDurableError(ctx, "contains", err)
	}
	return ok, nil
}

// ClearInMemory drops the volatile copy only.
func (f *Fallback) ClearInMemory() {
	f.memory.Clear()
}

// ClearPersistent drops both tiers. Durable failures are logged.
func (f *Fallback) ClearPersistent(ctx context.Context) error {
	f.memory.Clear()
	keys, err := f.durable.Keys(ctx)
	if err != nil {
		return f.handleDurableError(ctx, "clear", err)
	}
	for _, key := range keys {
		if err := f.durable.Remove(ctx, key); err != nil {
			f.logDegraded(ctx, "clear", err)
			return nil
		}
	}
	return nil
}

func (f *Fallback) handleDurableError(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		f.logDegraded(ctx, op, err)
		return nil
	}
	return err
}

func (f *Fallback) logDegraded(ctx context.Context, op string, err error) {
	telemetry.RecordFallbackDegraded(ctx, op)
	f.logger.WarnContext(ctx, "durable storage unavailable, using memory only",
		"op", op,
		"error", err,
	)
}

// Compile-time interface checks
var _ Storage = (*Fallback)(nil)
