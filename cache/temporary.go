package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/wolfeidau/credential-cache/storage"
)

const requestStatePrefix = "state."

// SetTemporary stores request-scoped state. With StoreAuthStateInCookie the
// value is also written to the side-channel store so it survives a lost tab.
func (m *Manager) SetTemporary(ctx context.Context, key, value string) error {
	tmp, err := m.temporaryStore()
	if err != nil {
		return err
	}
	k := m.keys.Generate(key)
	if err := tmp.Set(ctx, k, value); err != nil {
		return err
	}
	if m.cfg.StoreAuthStateInCookie {
		return m.tiers.Cookies.SetCookie(ctx, k, value, storage.CookieAttributes{
			Lifetime: m.cfg.TemporaryCookieLifetime,
			SameSite: http.SameSiteLaxMode,
			Secure:   true,
		})
	}
	return nil
}

// GetTemporary returns request-scoped state. A value found only in the
// side-channel store is copied back into the temporary store.
func (m *Manager) GetTemporary(ctx context.Context, key string) (string, bool, error) {
	tmp, err := m.temporaryStore()
	if err != nil {
		return "", false, err
	}
	k := m.keys.Generate(key)
	v, err := tmp.Get(ctx, k)
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", false, err
	}
	if !m.cfg.StoreAuthStateInCookie {
		return "", false, nil
	}

	v, err = m.tiers.Cookies.Get(ctx, k)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := tmp.Set(ctx, k, v); err != nil {
		m.logger.WarnContext(ctx, "failed to restore temporary value", "key", k, "error", err)
	}
	return v, true, nil
}

// RemoveTemporary removes request-scoped state from both stores.
func (m *Manager) RemoveTemporary(ctx context.Context, key string) error {
	tmp, err := m.temporaryStore()
	if err != nil {
		return err
	}
	k := m.keys.Generate(key)
	if err := tmp.Remove(ctx, k); err != nil {
		return err
	}
	if m.cfg.StoreAuthStateInCookie {
		return m.tiers.Cookies.Remove(ctx, k)
	}
	return nil
}

// SetRequestState stores the state of an interactive request, keyed by its state value.
func (m *Manager) SetRequestState(ctx context.Context, rs *RequestState) error {
	if err := check(rs); err != nil {
		return err
	}
	b, err := marshal(rs)
	if err != nil {
		return err
	}
	return m.SetTemporary(ctx, m.keys.Request(requestStatePrefix+rs.State), b)
}

// GetRequestState returns the request state for state, or nil. Malformed state is removed.
func (m *Manager) GetRequestState(ctx context.Context, state string) (*RequestState, error) {
	key := m.keys.Request(requestStatePrefix + state)
	raw, ok, err := m.GetTemporary(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	rs, err := parse[RequestState](raw)
	if err != nil {
		m.logger.DebugContext(ctx, "dropping malformed request state", "state", state, "error", err)
		return nil, m.RemoveTemporary(ctx, key)
	}
	return rs, nil
}

// ResetRequestCache removes every piece of request state of this client and
// releases the interaction flag if this client holds it.
func (m *Manager) ResetRequestCache(ctx context.Context) error {
	tmp, err := m.temporaryStore()
	if err != nil {
		return err
	}
	prefix := m.keys.Request("")
	var errs []error

	keys, err := keysWithPrefix(ctx, tmp, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		errs = append(errs, tmp.Remove(ctx, k))
	}

	cookies, err := keysWithPrefix(ctx, m.tiers.Cookies, prefix)
	if err != nil {
		return err
	}
	for _, k := range cookies {
		errs = append(errs, m.tiers.Cookies.Remove(ctx, k))
	}

	errs = append(errs, m.EndInteraction(ctx))
	return errors.Join(errs...)
}

// temporaryKeys lists keys of the temporary store that belong to this cache.
// The interaction flag is shared and only released through EndInteraction.
func (m *Manager) temporaryKeys(ctx context.Context, tmp storage.Storage) ([]string, error) {
	all, err := tmp.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range all {
		if m.owns(k) && k != m.keys.InteractionStatus() {
			out = append(out, k)
		}
	}
	return out, nil
}

// owns reports whether a key was written by a cache with this namespace or client id.
func (m *Manager) owns(key string) bool {
	return strings.HasPrefix(key, m.keys.Prefix()) || strings.Contains(key, m.cfg.ClientID)
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
