// Package cache is the credential cache manager.
//
// A Manager owns the cache of one client id in one execution context. It
// stores accounts and credentials encrypted in the origin-persistent tier,
// keeps a key-map per entity class, coordinates interactions through the
// interaction flag and mirrors changes made by other contexts.
//
// Reads never fail because of a bad record: a record that is missing,
// malformed or undecryptable reads as absent and its key is dropped from the
// key-map. Only ErrUninitialized, ErrInteractionInProgress and platform
// failures reach the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/credential-cache/broadcast"
	"github.com/wolfeidau/credential-cache/securestore"
	"github.com/wolfeidau/credential-cache/storage"
	"github.com/wolfeidau/credential-cache/telemetry"
)

// ErrUninitialized is returned by every cache operation before Initialize.
var ErrUninitialized = securestore.ErrUninitialized

// Tiers are the storage tiers available to a Manager.
type Tiers struct {
	// Local is the origin-persistent keyed store. It may be nil when
	// Structured is set.
	Local storage.Storage

	// Session is the tab-scoped keyed store.
	Session storage.Storage

	// Cookies is the side-channel store.
	Cookies *storage.CookieStore

	// Structured is used, behind a memory tier, when Local cannot be initialized.
	// Optional.
	Structured storage.Storage
}

// Manager is the credential cache of one client in one execution context.
type Manager struct {
	cfg     Config
	keys    Keys
	tiers   Tiers
	channel broadcast.Channel
	logger  *slog.Logger
	now     func() time.Time

	volatile *storage.Memory // authority metadata

	initMu     sync.Mutex
	mu         sync.RWMutex
	store      *securestore.Store
	persistent storage.Storage
	temporary  storage.Storage

	keyMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the clock used for expiry decisions.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithChannel connects the manager to the other contexts of its origin.
func WithChannel(ch broadcast.Channel) Option {
	return func(m *Manager) {
		m.channel = ch
	}
}

// New creates a Manager. The configuration is defaulted and validated.
// Call Initialize before using it.
func New(cfg Config, tiers Tiers, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if tiers.Session == nil || tiers.Cookies == nil {
		return nil, errors.New("session and cookie tiers are required")
	}
	if tiers.Local == nil && tiers.Structured == nil {
		return nil, errors.New("a local or structured tier is required")
	}

	m := &Manager{
		cfg:      cfg,
		keys:     NewKeys(cfg.Namespace, cfg.ClientID),
		tiers:    tiers,
		logger:   slog.Default(),
		now:      time.Now,
		volatile: storage.NewMemory(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("client_id", cfg.ClientID)
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Keys returns the key builder of the manager.
func (m *Manager) Keys() Keys {
	return m.keys
}

// Initialize selects the backing tiers, loads or creates the encryption secret
// and imports the existing cache. Concurrent and repeated calls are safe.
func (m *Manager) Initialize(ctx context.Context) error {
	ctx = m.tag(ctx)
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if _, err := m.secure(); err == nil {
		return nil
	}

	durable, err := m.selectPersistent(ctx)
	if err != nil {
		return err
	}
	temporary, err := m.selectTemporary(ctx, durable)
	if err != nil {
		return err
	}

	opts := []securestore.Option{securestore.WithLogger(m.logger)}
	if m.channel != nil {
		opts = append(opts, securestore.WithChannel(m.channel))
	}
	store := securestore.New(durable, m.tiers.Cookies, m.cfg.ClientID, m.keys.EncryptionSecret(), opts...)
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing secure store: %w", err)
	}

	m.mu.Lock()
	m.store = store
	m.persistent = durable
	m.temporary = temporary
	m.mu.Unlock()

	if err := m.importCache(ctx); err != nil {
		return fmt.Errorf("importing cache: %w", err)
	}
	return nil
}

// selectPersistent picks the tier that holds accounts and credentials.
func (m *Manager) selectPersistent(ctx context.Context) (storage.Storage, error) {
	switch m.cfg.CacheLocation {
	case LocationMemory:
		return storage.NewMemory(), nil
	case LocationSession:
		if err := m.tiers.Session.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initializing session store: %w", err)
		}
		return m.tiers.Session, nil
	}

	if m.tiers.Local != nil {
		err := m.tiers.Local.Initialize(ctx)
		if err == nil {
			return m.tiers.Local, nil
		}
		if m.tiers.Structured == nil {
			m.logger.WarnContext(ctx, "local store unavailable, caching in memory only", "error", err)
			return storage.NewMemory(), nil
		}
		m.logger.WarnContext(ctx, "local store unavailable, using structured store", "error", err)
	}
	fallback := storage.NewFallback(nil, m.tiers.Structured, storage.WithFallbackLogger(m.logger))
	if err := fallback.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing structured store: %w", err)
	}
	return fallback, nil
}

// selectTemporary picks the tier for request state. The session tier is
// always initialized because it also holds the interaction flag.
func (m *Manager) selectTemporary(ctx context.Context, persistent storage.Storage) (storage.Storage, error) {
	if err := m.tiers.Session.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	switch m.cfg.TemporaryLocation {
	case LocationMemory:
		return storage.NewMemory(), nil
	case LocationLocal:
		return persistent, nil
	}
	return m.tiers.Session, nil
}

// importCache decrypts every account and credential into the memory mirror and
// drops the keys of records that cannot be used.
func (m *Manager) importCache(ctx context.Context) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	for _, class := range append([]Class{ClassAccount}, credentialClasses...) {
		keys, err := m.keyMap(ctx, class)
		if err != nil {
			return err
		}
		onDrop := func(ctx context.Context, key string) error {
			_, err := m.removeKey(ctx, class, key)
			if err == nil {
				telemetry.RecordKeyMapRepair(ctx, string(class))
			}
			return err
		}
		if _, err := s.Import(ctx, keys, onDrop); err != nil {
			return err
		}
	}
	return nil
}

// Close detaches the manager from the broadcast channel.
func (m *Manager) Close() error {
	m.mu.RLock()
	s := m.store
	m.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Generation returns the encryption generation in force.
func (m *Manager) Generation() string {
	s, err := m.secure()
	if err != nil {
		return ""
	}
	return s.Generation()
}

// RotateKey discards the persistent cache and installs a new encryption secret.
func (m *Manager) RotateKey(ctx context.Context) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	return s.Rotate(m.tag(ctx))
}

func (m *Manager) secure() (*securestore.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return nil, ErrUninitialized
	}
	return m.store, nil
}

func (m *Manager) persistentStore() storage.Storage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistent
}

func (m *Manager) temporaryStore() (storage.Storage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.temporary == nil {
		return nil, ErrUninitialized
	}
	return m.temporary, nil
}

func (m *Manager) tag(ctx context.Context) context.Context {
	return telemetry.WithClientID(ctx, m.cfg.ClientID)
}

// getUserData reads a sensitive record. Missing or unusable records read as
// absent and drop out of the key-map for class.
func getUserData[T any](ctx context.Context, m *Manager, class Class, key string, parseFn func(string) (*T, error)) (*T, error) {
	ctx = m.tag(ctx)
	s, err := m.secure()
	if err != nil {
		return nil, err
	}
	raw, err := s.GetUserData(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		m.repairKey(ctx, class, key)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := parseFn(raw)
	if err != nil {
		m.logger.DebugContext(ctx, "dropping malformed record", "key", key, "error", err)
		if rmErr := s.Remove(ctx, key); rmErr != nil {
			m.logger.WarnContext(ctx, "failed to remove malformed record", "key", key, "error", rmErr)
		}
		m.repairKey(ctx, class, key)
		return nil, nil
	}
	return v, nil
}

// setUserData writes a sensitive record and records its key.
func (m *Manager) setUserData(ctx context.Context, class Class, key string, v any) error {
	ctx = m.tag(ctx)
	if err := check(v); err != nil {
		return err
	}
	s, err := m.secure()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", class, err)
	}
	if err := s.SetUserData(ctx, key, string(b)); err != nil {
		return err
	}
	return m.addKey(ctx, class, key)
}

// removeUserData removes a record and then its key-map entry.
func (m *Manager) removeUserData(ctx context.Context, class Class, key string) error {
	ctx = m.tag(ctx)
	s, err := m.secure()
	if err != nil {
		return err
	}
	if err := s.Remove(ctx, key); err != nil {
		return err
	}
	_, err = m.removeKey(ctx, class, key)
	return err
}

// getPlain reads a non-sensitive record. Malformed records are removed.
func getPlain[T any](ctx context.Context, m *Manager, st storage.Storage, key string) (*T, error) {
	raw, err := st.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := parse[T](raw)
	if err != nil {
		m.logger.DebugContext(ctx, "dropping malformed record", "key", key, "error", err)
		_ = st.Remove(ctx, key)
		return nil, nil
	}
	return v, nil
}

func setPlain(ctx context.Context, st storage.Storage, key string, v any) error {
	if err := check(v); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return st.Set(ctx, key, string(b))
}
