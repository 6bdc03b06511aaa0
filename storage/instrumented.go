package storage

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/credential-cache/telemetry"
)

// Instrumented wraps a Storage with metrics recording.
type Instrumented struct {
	storage Storage
	tier    string
}

// NewInstrumented creates a new instrumented storage wrapper.
// tier names the wrapped tier in metrics ("local", "session", "cookie", ...).
func NewInstrumented(s Storage, tier string) *Instrumented {
	return &Instrumented{storage: s, tier: tier}
}

func (is *Instrumented) Initialize(ctx context.Context) error {
	start := time.Now()
	err := is.storage.Initialize(ctx)
	telemetry.RecordStorageOp(ctx, is.tier, "initialize", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *Instrumented) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	value, err := is.storage.Get(ctx, key)
	telemetry.RecordStorageOp(ctx, is.tier, "get", outcomeFromError(err), time.Since(start), int64(len(value)))
	return value, err
}

func (is *Instrumented) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	err := is.storage.Set(ctx, key, value)
	telemetry.RecordStorageOp(ctx, is.tier, "set", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (is *Instrumented) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := is.storage.Remove(ctx, key)
	telemetry.RecordStorageOp(ctx, is.tier, "remove", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *Instrumented) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := is.storage.Keys(ctx)
	telemetry.RecordStorageOp(ctx, is.tier, "keys", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (is *Instrumented) Contains(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := is.storage.Contains(ctx, key)
	telemetry.RecordStorageOp(ctx, is.tier, "contains", outcomeFromError(err), time.Since(start), 0)
	return ok, err
}

// CompareAndSwap delegates to the underlying tier's swap, or the read-then-write fallback.
func (is *Instrumented) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	start := time.Now()
	swapped, err := CompareAndSwap(ctx, is.storage, key, old, new)
	telemetry.RecordStorageOp(ctx, is.tier, "compare_and_swap", outcomeFromError(err), time.Since(start), 0)
	return swapped, err
}

// Unwrap returns the underlying storage.
func (is *Instrumented) Unwrap() Storage {
	return is.storage
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ Storage = (*Instrumented)(nil)
	_ Swapper = (*Instrumented)(nil)
)
