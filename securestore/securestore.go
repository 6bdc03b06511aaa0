// Package securestore keeps sensitive cache entries encrypted at rest.
//
// A Store wraps the origin-persistent tier. Sensitive values go through
// GetUserData and SetUserData, which encrypt on write, decrypt on read and keep
// a plaintext mirror in memory for the running context. Everything else passes
// straight through to the durable tier.
package securestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/credential-cache/broadcast"
	"github.com/wolfeidau/credential-cache/encryption"
	"github.com/wolfeidau/credential-cache/storage"
	"github.com/wolfeidau/credential-cache/telemetry"
)

// ErrUninitialized is returned by sensitive operations called before Initialize.
var ErrUninitialized = errors.New("securestore: not initialized")

// Store is the encrypted view of an origin-persistent tier.
type Store struct {
	durable    storage.Storage
	cookies    *storage.CookieStore
	memory     *storage.Memory
	channel    broadcast.Channel
	clientID   string
	secretName string
	logger     *slog.Logger

	init singleflight.Group

	mu          sync.RWMutex
	cipher      *encryption.Cipher
	unsubscribe func()
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithChannel publishes changes to, and mirrors changes from, other contexts.
func WithChannel(ch broadcast.Channel) Option {
	return func(s *Store) {
		s.channel = ch
	}
}

// WithMemory sets the plaintext mirror. Defaults to a new Memory.
func WithMemory(m *storage.Memory) Option {
	return func(s *Store) {
		s.memory = m
	}
}

// New creates a Store. secretName is the side-channel entry holding the
// encryption secret.
func New(durable storage.Storage, cookies *storage.CookieStore, clientID, secretName string, opts ...Option) *Store {
	s := &Store{
		durable:    durable,
		cookies:    cookies,
		clientID:   clientID,
		secretName: secretName,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.memory == nil {
		s.memory = storage.NewMemory()
	}
	return s
}

// Initialize loads the encryption secret, creating a new one (and clearing the
// durable tier) when it is missing or malformed, and starts mirroring broadcast
// changes. Concurrent calls share one run; later calls are no-ops.
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized() {
		return nil
	}
	_, err, _ := s.init.Do("init", func() (any, error) {
		if s.initialized() {
			return nil, nil
		}
		return nil, s.initialize(ctx)
	})
	return err
}

func (s *Store) initialize(ctx context.Context) error {
	if err := s.durable.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing durable store: %w", err)
	}
	if err := s.cookies.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing side-channel store: %w", err)
	}

	raw, err := s.cookies.Get(ctx, s.secretName)
	var secret *encryption.Secret
	switch {
	case errors.Is(err, storage.ErrNotFound):
		secret, err = s.rotate(ctx, "missing")
	case err != nil:
		return fmt.Errorf("reading encryption secret: %w", err)
	default:
		secret, err = encryption.ParseSecret(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "encryption secret malformed, regenerating", "error", err)
			secret, err = s.rotate(ctx, "malformed")
		}
	}
	if err != nil {
		return err
	}

	c, err := encryption.NewCipher(secret)
	if err != nil {
		return fmt.Errorf("deriving working key: %w", err)
	}

	var unsubscribe func()
	if s.channel != nil {
		unsubscribe, err = s.channel.Subscribe(ctx, s.onMessage)
		if err != nil {
			return fmt.Errorf("subscribing to broadcast channel: %w", err)
		}
	}

	s.mu.Lock()
	s.cipher = c
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "secure store initialized", "generation", c.ID())
	return nil
}

// Rotate discards every durable entry and installs a new encryption secret.
// The store must be initialized.
func (s *Store) Rotate(ctx context.Context) error {
	if !s.initialized() {
		return ErrUninitialized
	}
	secret, err := s.rotate(ctx, "manual")
	if err != nil {
		return err
	}
	c, err := encryption.NewCipher(secret)
	if err != nil {
		return fmt.Errorf("deriving working key: %w", err)
	}
	s.mu.Lock()
	s.cipher = c
	s.mu.Unlock()
	return nil
}

// rotate clears the durable tier and the mirror, then writes a new secret.
func (s *Store) rotate(ctx context.Context, reason string) (*encryption.Secret, error) {
	if err := s.clearDurable(ctx); err != nil {
		return nil, fmt.Errorf("clearing durable store for key rotation: %w", err)
	}
	s.memory.Clear()

	secret, err := encryption.NewSecret()
	if err != nil {
		return nil, err
	}
	if err := s.cookies.SetCookie(ctx, s.secretName, secret.String(), storage.CookieAttributes{
		SameSite: http.SameSiteNoneMode,
		Secure:   true,
	}); err != nil {
		return nil, fmt.Errorf("writing encryption secret: %w", err)
	}

	telemetry.RecordKeyRotation(ctx, reason)
	s.logger.InfoContext(ctx, "generated new encryption secret", "reason", reason, "generation", secret.ID)
	return secret, nil
}

func (s *Store) clearDurable(ctx context.Context) error {
	keys, err := s.durable.Keys(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := s.durable.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Generation returns the generation id in force, or "" before Initialize.
func (s *Store) Generation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cipher == nil {
		return ""
	}
	return s.cipher.ID()
}

func (s *Store) initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher != nil
}

func (s *Store) currentCipher() (*encryption.Cipher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cipher == nil {
		return nil, ErrUninitialized
	}
	return s.cipher, nil
}

// Import decrypts the durable entries at keys into the memory mirror.
//
// For every entry that is missing or unusable, onDrop is called first (so the
// caller can forget the key) and the durable entry is deleted after. An entry
// whose onDrop fails is left in place for the next pass. Import is idempotent.
func (s *Store) Import(ctx context.Context, keys []string, onDrop func(ctx context.Context, key string) error) (kept int, err error) {
	c, err := s.currentCipher()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	dropped := 0
	for _, key := range keys {
		plaintext, err := s.readDurable(ctx, c, key)
		if err == nil {
			_ = s.memory.Set(ctx, key, plaintext)
			kept++
			continue
		}
		if !isUnusable(err) {
			return kept, err
		}

		dropped++
		if onDrop != nil {
			if err := onDrop(ctx, key); err != nil {
				s.logger.WarnContext(ctx, "failed to forget unusable entry", "key", key, "error", err)
				continue
			}
		}
		if err := s.durable.Remove(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "failed to delete unusable entry", "key", key, "error", err)
		}
		_ = s.memory.Remove(ctx, key)
	}

	telemetry.RecordImport(ctx, kept, dropped, time.Since(start))
	s.logger.DebugContext(ctx, "import pass complete", "kept", kept, "dropped", dropped)
	return kept, nil
}

// GetUserData returns the decrypted value at key. Entries that cannot be
// decrypted are deleted and reported as storage.ErrNotFound.
func (s *Store) GetUserData(ctx context.Context, key string) (string, error) {
	c, err := s.currentCipher()
	if err != nil {
		return "", err
	}
	if v, err := s.memory.Get(ctx, key); err == nil {
		return v, nil
	}

	plaintext, err := s.readDurable(ctx, c, key)
	switch {
	case err == nil:
		_ = s.memory.Set(ctx, key, plaintext)
		return plaintext, nil
	case errors.Is(err, storage.ErrNotFound):
		return "", storage.ErrNotFound
	case isUnusable(err):
		if rmErr := s.durable.Remove(ctx, key); rmErr != nil {
			s.logger.WarnContext(ctx, "failed to delete unusable entry", "key", key, "error", rmErr)
		}
		return "", storage.ErrNotFound
	default:
		return "", err
	}
}

// SetUserData encrypts value, writes it to the durable tier and the mirror,
// and announces the change to other contexts.
func (s *Store) SetUserData(ctx context.Context, key, value string) error {
	c, err := s.currentCipher()
	if err != nil {
		return err
	}
	encCtx := encryption.ContextFor(key, s.clientID)
	sealed, err := c.Encrypt([]byte(value), encCtx)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", key, err)
	}
	if err := s.durable.Set(ctx, key, sealed); err != nil {
		return err
	}
	_ = s.memory.Set(ctx, key, value)
	s.publish(ctx, broadcast.Message{Key: key, Value: &value, Context: encCtx})
	return nil
}

// readDurable fetches and decrypts one entry, recording the outcome.
func (s *Store) readDurable(ctx context.Context, c *encryption.Cipher, key string) (string, error) {
	raw, err := s.durable.Get(ctx, key)
	if err != nil {
		return "", err
	}
	plaintext, err := c.Decrypt(raw, encryption.ContextFor(key, s.clientID))
	telemetry.RecordDecrypt(ctx, decryptOutcome(err))
	if err != nil {
		s.logger.DebugContext(ctx, "dropping unusable entry", "key", key, "error", err)
		return "", err
	}
	return string(plaintext), nil
}

// Get reads a non-sensitive value directly from the durable tier.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.durable.Get(ctx, key)
}

// Set writes a non-sensitive value directly to the durable tier.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.durable.Set(ctx, key, value)
}

// Remove deletes key from the durable tier and the mirror and announces the removal.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.durable.Remove(ctx, key); err != nil {
		return err
	}
	_ = s.memory.Remove(ctx, key)
	s.publish(ctx, broadcast.Message{Key: key, Context: encryption.ContextFor(key, s.clientID)})
	return nil
}

// Keys lists the durable tier.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.durable.Keys(ctx)
}

// Contains checks the durable tier.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	return s.durable.Contains(ctx, key)
}

// CompareAndSwap swaps a non-sensitive durable value.
func (s *Store) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	return storage.CompareAndSwap(ctx, s.durable, key, old, new)
}

// Memory returns the plaintext mirror.
func (s *Store) Memory() *storage.Memory {
	return s.memory
}

// ClearInMemory drops the plaintext mirror.
func (s *Store) ClearInMemory() {
	s.memory.Clear()
}

// Close stops mirroring broadcast changes.
func (s *Store) Close() error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

func (s *Store) publish(ctx context.Context, msg broadcast.Message) {
	if s.channel == nil {
		return
	}
	if err := s.channel.Publish(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "failed to broadcast cache change", "key", msg.Key, "error", err)
		return
	}
	telemetry.RecordBroadcast(ctx, "published")
}

// onMessage mirrors a change made by another context.
func (s *Store) onMessage(msg broadcast.Message) {
	ctx := context.Background()
	if msg.Key == "" || (msg.Context != "" && msg.Context != s.clientID) {
		telemetry.RecordBroadcast(ctx, "ignored")
		return
	}
	if msg.Removed() {
		_ = s.memory.Remove(ctx, msg.Key)
	} else {
		_ = s.memory.Set(ctx, msg.Key, *msg.Value)
	}
	telemetry.RecordBroadcast(ctx, "applied")
}

func isUnusable(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, encryption.ErrUnencrypted) ||
		errors.Is(err, encryption.ErrWrongGeneration) ||
		errors.Is(err, encryption.ErrDecryptFailed)
}

func decryptOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, encryption.ErrUnencrypted):
		return "unencrypted"
	case errors.Is(err, encryption.ErrWrongGeneration):
		return "wrong_generation"
	default:
		return "failed"
	}
}

// Compile-time interface checks
var (
	_ storage.Storage = (*Store)(nil)
	_ storage.Swapper = (*Store)(nil)
)
