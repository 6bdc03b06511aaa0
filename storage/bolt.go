package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketLocal   = []byte("local")   // origin-persistent entries
	bucketCookies = []byte("cookies") // side-channel entries
)

const sessionBucketPrefix = "session/" // session/<id> -> tab-scoped entries

// Origin is the durable state shared by every execution context of one origin.
// It owns a single bbolt database holding the origin-persistent bucket, the
// side-channel cookie bucket and one bucket per tab-scoped session.
type Origin struct {
	db      *bbolt.DB
	logger  *slog.Logger
	timeout time.Duration
	noSync  bool
}

// OriginOption configures an Origin.
type OriginOption func(*Origin)

// WithLogger sets the logger for the origin.
func WithLogger(logger *slog.Logger) OriginOption {
	return func(o *Origin) {
		o.logger = logger
	}
}

// WithLockTimeout sets how long Open waits for the database file lock.
func WithLockTimeout(d time.Duration) OriginOption {
	return func(o *Origin) {
		o.timeout = d
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) OriginOption {
	return func(o *Origin) {
		o.noSync = noSync
	}
}

// OpenOrigin opens (creating if needed) the origin database at path.
func OpenOrigin(path string, opts ...OriginOption) (*Origin, error) {
	o := &Origin{
		logger:  slog.Default(),
		timeout: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: o.timeout,
		NoSync:  o.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening origin database: %w: %w", ErrStoreUnavailable, err)
	}
	o.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketLocal, bucketCookies} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	o.logger.Debug("opened origin", "path", path, "noSync", o.noSync)
	return o, nil
}

// Close closes the database.
func (o *Origin) Close() error {
	if o.db == nil {
		return nil
	}
	o.logger.Debug("closing origin")
	return o.db.Close()
}

// Local returns the origin-persistent keyed store.
func (o *Origin) Local() *Bolt {
	return &Bolt{db: o.db, bucket: bucketLocal}
}

// Session returns the tab-scoped keyed store for the given session id.
// Contexts that share a session id (a window and the popups it owns) share the store.
func (o *Origin) Session(id string) *Bolt {
	return &Bolt{db: o.db, bucket: []byte(sessionBucketPrefix + id)}
}

// Cookies returns the side-channel store for the origin.
func (o *Origin) Cookies(opts ...CookieOption) *CookieStore {
	return NewCookieStore(&Bolt{db: o.db, bucket: bucketCookies}, opts...)
}

// DropSession deletes a tab-scoped bucket and everything in it.
func (o *Origin) DropSession(id string) error {
	return o.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(sessionBucketPrefix + id))
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("deleting session bucket: %w", err)
		}
		return nil
	})
}

// Bolt implements Storage on a single bbolt bucket.
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
}

// Initialize creates the bucket if it does not exist.
func (b *Bolt) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(b.bucket); err != nil {
			return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
		}
		return nil
	})
}

// Get returns the value at key or ErrNotFound.
func (b *Bolt) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// string() copies; val is only valid for the life of the transaction
		value = string(val)
		return nil
	})
	return value, err
}

// Set stores value at key.
func (b *Bolt) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
		}
		if err := bucket.Put([]byte(key), []byte(value)); err != nil {
			return fmt.Errorf("putting %s: %w", key, err)
		}
		return nil
	})
}

// Remove deletes key.
func (b *Bolt) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
		return nil
	})
}

// Keys returns all keys in byte order.
func (b *Bolt) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Contains reports whether key exists.
func (b *Bolt) Contains(ctx context.Context, key string) (bool, error) {
	_, err := b.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompareAndSwap replaces the value at key inside a single write transaction.
// bbolt serializes writers, so the check and the write cannot interleave with
// another context sharing the database.
func (b *Bolt) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	swapped := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
		}
		if string(bucket.Get([]byte(key))) != old {
			return nil
		}
		if new == "" {
			err = bucket.Delete([]byte(key))
		} else {
			err = bucket.Put([]byte(key), []byte(new))
		}
		if err != nil {
			return fmt.Errorf("swapping %s: %w", key, err)
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// Compile-time interface checks
var (
	_ Storage = (*Bolt)(nil)
	_ Swapper = (*Bolt)(nil)
)
