package cache

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/wolfeidau/credential-cache/storage"
	"github.com/wolfeidau/credential-cache/telemetry"
)

// Class is an entity class tracked by a key-map.
type Class string

const (
	ClassAccount      Class = "account"
	ClassIDToken      Class = "idtoken"
	ClassAccessToken  Class = "accesstoken"
	ClassRefreshToken Class = "refreshtoken"
)

// credentialClasses lists the credential key-maps in clear order.
var credentialClasses = []Class{ClassIDToken, ClassAccessToken, ClassRefreshToken}

// keyMap reads the key-map for class. A missing or unreadable key-map is empty;
// an unreadable one is removed.
func (m *Manager) keyMap(ctx context.Context, class Class) ([]string, error) {
	s, err := m.secure()
	if err != nil {
		return nil, err
	}
	mapKey := m.keys.KeyMap(class)
	raw, err := s.Get(ctx, mapKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		m.logger.WarnContext(ctx, "discarding unreadable key-map", "class", class, "error", err)
		_ = s.Remove(ctx, mapKey)
		return nil, nil
	}
	return keys, nil
}

func (m *Manager) writeKeyMap(ctx context.Context, class Class, keys []string) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	mapKey := m.keys.KeyMap(class)
	if len(keys) == 0 {
		return s.Remove(ctx, mapKey)
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return s.Set(ctx, mapKey, string(b))
}

// addKey records key in the key-map for class. It is a no-op if already present.
func (m *Manager) addKey(ctx context.Context, class Class, key string) error {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	keys, err := m.keyMap(ctx, class)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return m.writeKeyMap(ctx, class, append(keys, key))
}

// removeKey drops key from the key-map for class. It reports whether the key was present.
func (m *Manager) removeKey(ctx context.Context, class Class, key string) (bool, error) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	keys, err := m.keyMap(ctx, class)
	if err != nil {
		return false, err
	}
	i := slices.Index(keys, key)
	if i < 0 {
		return false, nil
	}
	return true, m.writeKeyMap(ctx, class, slices.Delete(keys, i, i+1))
}

// repairKey drops a key whose record turned out to be missing or unusable.
func (m *Manager) repairKey(ctx context.Context, class Class, key string) {
	removed, err := m.removeKey(ctx, class, key)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to repair key-map", "class", class, "key", key, "error", err)
		return
	}
	if removed {
		telemetry.RecordKeyMapRepair(ctx, string(class))
		m.logger.DebugContext(ctx, "removed stale key-map entry", "class", class, "key", key)
	}
}

// TokenKeys lists the credential keys by class.
type TokenKeys struct {
	IDToken      []string
	AccessToken  []string
	RefreshToken []string
}

// AccountKeys returns the keys of every cached account.
func (m *Manager) AccountKeys(ctx context.Context) ([]string, error) {
	return m.keyMap(ctx, ClassAccount)
}

// TokenKeys returns the keys of every cached credential of this client.
func (m *Manager) TokenKeys(ctx context.Context) (TokenKeys, error) {
	var tk TokenKeys
	var err error
	if tk.IDToken, err = m.keyMap(ctx, ClassIDToken); err != nil {
		return tk, err
	}
	if tk.AccessToken, err = m.keyMap(ctx, ClassAccessToken); err != nil {
		return tk, err
	}
	if tk.RefreshToken, err = m.keyMap(ctx, ClassRefreshToken); err != nil {
		return tk, err
	}
	return tk, nil
}
