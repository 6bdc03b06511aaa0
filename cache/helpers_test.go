package cache

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/credential-cache/broadcast"
	"github.com/wolfeidau/credential-cache/encryption"
	"github.com/wolfeidau/credential-cache/storage"
)

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

// testOrigin is the state shared by every context of one origin.
type testOrigin struct {
	origin *storage.Origin
	hub    *broadcast.Hub
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o, err := storage.OpenOrigin(filepath.Join(t.TempDir(), "origin.db"), storage.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return &testOrigin{origin: o, hub: broadcast.NewHub()}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o *testOrigin) tiers(sessionID string) Tiers {
	return Tiers{
		Local:   o.origin.Local(),
		Session: o.origin.Session(sessionID),
		Cookies: o.origin.Cookies(),
	}
}

// newManager creates an initialized manager for clientID in the tab sessionID.
func (o *testOrigin) newManager(t *testing.T, cfg Config, sessionID string, opts ...Option) *Manager {
	t.Helper()
	m := o.newUninitialized(t, cfg, sessionID, opts...)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func (o *testOrigin) newUninitialized(t *testing.T, cfg Config, sessionID string, opts ...Option) *Manager {
	t.Helper()
	ep := o.hub.Endpoint(broadcast.DefaultChannelName)
	base := []Option{
		WithChannel(ep),
		WithLogger(discardLogger()),
		WithNow(func() time.Time { return testNow }),
	}
	m, err := New(cfg, o.tiers(sessionID), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = ep.Close()
	})
	return m
}

func testAccount() *Account {
	return &Account{
		HomeAccountID:  "uid.utid",
		Environment:    "login.example.com",
		Realm:          "utid",
		LocalAccountID: "uid",
		Username:       "user@example.com",
		AuthorityType:  AuthorityTypeMSSTS,
		Name:           "Test User",
	}
}

func testIDToken(clientID string) *IDToken {
	return &IDToken{Credential: Credential{
		HomeAccountID:  "uid.utid",
		Environment:    "login.example.com",
		CredentialType: CredentialTypeIDToken,
		ClientID:       clientID,
		Secret:         "header.payload.signature",
		Realm:          "utid",
	}}
}

func testAccessToken(clientID string, expiresOn time.Time) *AccessToken {
	return &AccessToken{Credential: Credential{
		HomeAccountID:  "uid.utid",
		Environment:    "login.example.com",
		CredentialType: CredentialTypeAccessToken,
		ClientID:       clientID,
		Secret:         "access-token-secret",
		Realm:          "utid",
		Target:         "User.Read openid profile",
		CachedAt:       testNow.Add(-time.Minute).Unix(),
		ExpiresOn:      expiresOn.Unix(),
		TokenType:      "Bearer",
	}}
}

func testRefreshToken(clientID string) *RefreshToken {
	return &RefreshToken{Credential: Credential{
		HomeAccountID:  "uid.utid",
		Environment:    "login.example.com",
		CredentialType: CredentialTypeRefreshToken,
		ClientID:       clientID,
		Secret:         "refresh-token-secret",
	}}
}

// ciphertextEntries counts durable values that are encryption envelopes.
func ciphertextEntries(t *testing.T, o *testOrigin) int {
	t.Helper()
	ctx := context.Background()
	keys, err := o.origin.Local().Keys(ctx)
	require.NoError(t, err)
	n := 0
	for _, k := range keys {
		raw, err := o.origin.Local().Get(ctx, k)
		require.NoError(t, err)
		if _, err := encryption.ParseEnvelope(raw); err == nil {
			n++
		}
	}
	return n
}
