// Package structured implements the structured durable store: a versioned,
// single-table SQLite record store used when the keyed durable store cannot be.
//
// Every operation opens its own connection, runs one transaction and closes,
// so no lock is held between calls. Failure to open, lock contention and
// timeouts all surface as storage.ErrStoreUnavailable.
package structured

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/wolfeidau/credential-cache/storage"
)

const (
	// SchemaVersion is the current table layout, stored in PRAGMA user_version.
	SchemaVersion = 1

	// DefaultOpTimeout bounds each operation. Operations that take longer are
	// treated as failed and not retried.
	DefaultOpTimeout = 200 * time.Millisecond

	busyTimeoutMillis = 50
)

// Store implements storage.Storage on a SQLite file.
type Store struct {
	path      string
	opTimeout time.Duration
	codec     *Codec
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithOpTimeout sets the per-operation timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.opTimeout = d
	}
}

// New creates a store for the database file at path. Nothing is opened until
// the first operation.
func New(path string, opts ...Option) (*Store, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:      path,
		opTimeout: DefaultOpTimeout,
		codec:     codec,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the compression codec. The database itself is never held open.
func (s *Store) Close() error {
	s.codec.Close()
	return nil
}

// Initialize opens the database once, creating or upgrading the schema.
func (s *Store) Initialize(ctx context.Context) error {
	return s.withTx(ctx, func(*sql.Tx) error { return nil })
}

// Get returns the payload stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			encoding Encoding
			payload  []byte
		)
		err := tx.QueryRowContext(ctx, `SELECT encoding, payload FROM records WHERE key = ?`, key).Scan(&encoding, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}
		data, err := s.codec.Decode(payload, encoding)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", key, err)
		}
		value = string(data)
		return nil
	})
	return value, err
}

// Set stores value at key, compressing large payloads.
func (s *Store) Set(ctx context.Context, key, value string) error {
	payload, encoding, err := s.codec.Encode([]byte(value))
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (key, encoding, payload) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET encoding = excluded.encoding, payload = excluded.payload`,
			key, encoding, payload)
		if err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
		return nil
	})
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		return nil
	})
}

// Keys returns all keys in order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT key FROM records ORDER BY key`)
		if err != nil {
			return fmt.Errorf("listing records: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return fmt.Errorf("scanning key: %w", err)
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

// Contains reports whether key exists.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE key = ?`, key).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("checking record: %w", err)
		}
		found = true
		return nil
	})
	return found, err
}

// withTx opens the database, ensures the schema, runs fn in one transaction and closes.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := migrate(ctx, db); err != nil {
		return s.classify(ctx, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(ctx, fmt.Errorf("beginning transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.classify(ctx, err)
	}
	if err := tx.Commit(); err != nil {
		return s.classify(ctx, fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "journal_mode(WAL)")
	dsn := "file:" + s.path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening structured store: %w: %w", storage.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		s.logger.Debug("structured store unavailable", "path", s.path, "error", err)
		return nil, fmt.Errorf("opening structured store: %w: %w", storage.ErrStoreUnavailable, err)
	}
	return db, nil
}

// classify maps lock contention and timeouts onto ErrStoreUnavailable.
func (s *Store) classify(ctx context.Context, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrStoreUnavailable) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("structured store timed out: %w: %w", storage.ErrStoreUnavailable, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN:
			return fmt.Errorf("structured store locked: %w: %w", storage.ErrStoreUnavailable, err)
		}
	}
	return err
}

// migrate creates or upgrades the records table to SchemaVersion.
// Older layouts hold only cache data, so upgrading drops them.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version == SchemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration: %w", err)
	}
	stmts := []string{
		`DROP TABLE IF EXISTS records`,
		`CREATE TABLE records (
			key      TEXT PRIMARY KEY,
			encoding INTEGER NOT NULL,
			payload  BLOB NOT NULL
		)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return tx.Commit()
}

// Compile-time interface checks
var _ storage.Storage = (*Store)(nil)
