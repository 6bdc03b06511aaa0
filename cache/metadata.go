package cache

import (
	"context"
	"strings"
)

// GetAppMetadata returns the app metadata for environment, or nil.
func (m *Manager) GetAppMetadata(ctx context.Context, environment string) (*AppMetadata, error) {
	s, err := m.secure()
	if err != nil {
		return nil, err
	}
	return getPlain[AppMetadata](ctx, m, s, m.keys.AppMetadata(environment))
}

// SetAppMetadata stores app metadata under its environment.
func (m *Manager) SetAppMetadata(ctx context.Context, md *AppMetadata) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	return setPlain(ctx, s, m.keys.AppMetadata(md.Environment), md)
}

// AppMetadataKeys returns the keys of every app metadata record of this client.
func (m *Manager) AppMetadataKeys(ctx context.Context) ([]string, error) {
	s, err := m.secure()
	if err != nil {
		return nil, err
	}
	return keysWithPrefix(ctx, s, m.keys.ClientPrefix()+appMetadataSegment+".")
}

// GetAuthorityMetadata returns the cached metadata for host, or nil.
func (m *Manager) GetAuthorityMetadata(ctx context.Context, host string) (*AuthorityMetadata, error) {
	return getPlain[AuthorityMetadata](ctx, m, m.volatile, m.keys.AuthorityMetadata(host))
}

// SetAuthorityMetadata caches md for host in volatile storage.
func (m *Manager) SetAuthorityMetadata(ctx context.Context, host string, md *AuthorityMetadata) error {
	return setPlain(ctx, m.volatile, m.keys.AuthorityMetadata(host), md)
}

// RemoveAuthorityMetadata drops the metadata for host.
func (m *Manager) RemoveAuthorityMetadata(ctx context.Context, host string) error {
	return m.volatile.Remove(ctx, m.keys.AuthorityMetadata(host))
}

// GetServerTelemetry returns the pending server telemetry, or nil.
func (m *Manager) GetServerTelemetry(ctx context.Context) (*ServerTelemetry, error) {
	s, err := m.secure()
	if err != nil {
		return nil, err
	}
	return getPlain[ServerTelemetry](ctx, m, s, m.keys.ServerTelemetry())
}

// SetServerTelemetry replaces the pending server telemetry.
func (m *Manager) SetServerTelemetry(ctx context.Context, st *ServerTelemetry) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	return setPlain(ctx, s, m.keys.ServerTelemetry(), st)
}

// RemoveServerTelemetry drops the pending server telemetry.
func (m *Manager) RemoveServerTelemetry(ctx context.Context) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	return s.Remove(ctx, m.keys.ServerTelemetry())
}

// GetThrottling returns the throttling record for tp, or nil. Records whose
// window has passed are removed.
func (m *Manager) GetThrottling(ctx context.Context, tp Thumbprint) (*Throttling, error) {
	s, err := m.secure()
	if err != nil {
		return nil, err
	}
	key := m.keys.Throttling(tp)
	t, err := getPlain[Throttling](ctx, m, s, key)
	if err != nil || t == nil {
		return nil, err
	}
	if t.Expired(m.now()) {
		if err := s.Remove(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return t, nil
}

// SetThrottling stores a throttling record for tp.
func (m *Manager) SetThrottling(ctx context.Context, tp Thumbprint, t *Throttling) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	return setPlain(ctx, s, m.keys.Throttling(tp), t)
}

// RemoveThrottling drops the throttling record for tp.
func (m *Manager) RemoveThrottling(ctx context.Context, tp Thumbprint) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	return s.Remove(ctx, m.keys.Throttling(tp))
}

type keyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

func keysWithPrefix(ctx context.Context, s keyLister, prefix string) ([]string, error) {
	all, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
