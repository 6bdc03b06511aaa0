package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/credential-cache/encryption"
	"github.com/wolfeidau/credential-cache/storage"
	"github.com/wolfeidau/credential-cache/storage/structured"
)

func TestManager_Uninitialized(t *testing.T) {
	ctx := context.Background()
	m := newTestOrigin(t).newUninitialized(t, Config{ClientID: "client-1"}, "tab-1")

	_, err := m.GetAccount(ctx, "credcache.account.x")
	require.ErrorIs(t, err, ErrUninitialized)
	require.ErrorIs(t, m.SetAccount(ctx, testAccount()), ErrUninitialized)
	require.ErrorIs(t, m.BeginInteraction(ctx, InteractionTypeRedirect), ErrUninitialized)
	require.ErrorIs(t, m.Clear(ctx), ErrUninitialized)
	_, _, err = m.GetTemporary(ctx, "k")
	require.ErrorIs(t, err, ErrUninitialized)
}

func TestNew_InvalidConfig(t *testing.T) {
	o := newTestOrigin(t)
	_, err := New(Config{}, o.tiers("tab-1"))
	require.Error(t, err)

	_, err = New(Config{ClientID: "client-1"}, Tiers{})
	require.Error(t, err)

	tiers := o.tiers("tab-1")
	tiers.Local = nil
	_, err = New(Config{ClientID: "client-1"}, tiers)
	require.Error(t, err, "a persistent tier is required")
}

func TestManager_EntityRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	cfg := Config{ClientID: "client-1"}
	m := o.newManager(t, cfg, "tab-1")

	account := testAccount()
	idToken := testIDToken("client-1")
	accessToken := testAccessToken("client-1", testNow.Add(time.Hour))
	refreshToken := testRefreshToken("client-1")

	require.NoError(t, m.SetAccount(ctx, account))
	require.NoError(t, m.SetIDToken(ctx, idToken))
	require.NoError(t, m.SetAccessToken(ctx, accessToken))
	require.NoError(t, m.SetRefreshToken(ctx, refreshToken))

	keys := m.Keys()
	accountKey := keys.Account(account)
	idKey := keys.Credential(&idToken.Credential)
	atKey := keys.Credential(&accessToken.Credential)
	rtKey := keys.Credential(&refreshToken.Credential)

	check := func(t *testing.T, m *Manager) {
		t.Helper()
		gotAccount, err := m.GetAccount(ctx, accountKey)
		require.NoError(t, err)
		assert.Equal(t, account, gotAccount)

		gotID, err := m.GetIDToken(ctx, idKey)
		require.NoError(t, err)
		assert.Equal(t, idToken, gotID)

		gotAT, err := m.GetAccessToken(ctx, atKey)
		require.NoError(t, err)
		assert.Equal(t, accessToken, gotAT)

		gotRT, err := m.GetRefreshToken(ctx, rtKey)
		require.NoError(t, err)
		assert.Equal(t, refreshToken, gotRT)
	}

	t.Run("same manager", func(t *testing.T) {
		check(t, m)
	})

	t.Run("fresh manager sharing the secret", func(t *testing.T) {
		check(t, o.newManager(t, cfg, "tab-2"))
	})

	t.Run("fresh manager reading durable records only", func(t *testing.T) {
		fresh := o.newManager(t, cfg, "tab-3")
		s, err := fresh.secure()
		require.NoError(t, err)
		s.ClearInMemory()
		check(t, fresh)
	})

	t.Run("key-maps list every key once", func(t *testing.T) {
		require.NoError(t, m.SetAccount(ctx, account))

		accountKeys, err := m.AccountKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{accountKey}, accountKeys)

		tk, err := m.TokenKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{idKey}, tk.IDToken)
		assert.Equal(t, []string{atKey}, tk.AccessToken)
		assert.Equal(t, []string{rtKey}, tk.RefreshToken)
	})

	t.Run("durable records are ciphertext", func(t *testing.T) {
		raw, err := o.origin.Local().Get(ctx, rtKey)
		require.NoError(t, err)
		assert.NotContains(t, raw, "refresh-token-secret")
	})

	t.Run("invalid entities are rejected", func(t *testing.T) {
		require.ErrorIs(t, m.SetAccount(ctx, &Account{}), ErrMalformedRecord)

		wrongType := testRefreshToken("client-1")
		require.ErrorIs(t, m.SetIDToken(ctx, &IDToken{Credential: wrongType.Credential}), ErrMalformedRecord)
	})
}

func TestManager_KeyMapSelfHealing(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-1"}, "tab-1")

	rt := testRefreshToken("client-1")
	require.NoError(t, m.SetRefreshToken(ctx, rt))
	key := m.Keys().Credential(&rt.Credential)

	// reads are memory first, so the repair only happens once the read
	// reaches the durable tier
	require.NoError(t, o.origin.Local().Remove(ctx, key))
	s, err := m.secure()
	require.NoError(t, err)
	s.ClearInMemory()

	got, err := m.GetRefreshToken(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	tk, err := m.TokenKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, tk.RefreshToken)
}

func TestManager_MalformedRecordReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-1"}, "tab-1")

	key := "credcache.account.broken"
	s, err := m.secure()
	require.NoError(t, err)
	require.NoError(t, s.SetUserData(ctx, key, `{"unexpected":true}`))
	require.NoError(t, m.addKey(ctx, ClassAccount, key))

	got, err := m.GetAccount(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	keys, err := m.AccountKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	ok, err := o.origin.Local().Contains(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_GenerationInvalidation(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	cfg := Config{ClientID: "client-1"}
	m := o.newManager(t, cfg, "tab-1")
	g1 := m.Generation()

	require.NoError(t, m.SetAccount(ctx, testAccount()))
	key := m.Keys().Account(testAccount())

	t.Run("new secret generation drops old entries on import", func(t *testing.T) {
		g2, err := encryption.NewSecret()
		require.NoError(t, err)
		require.NoError(t, o.origin.Cookies().Set(ctx, m.Keys().EncryptionSecret(), g2.String()))

		fresh := o.newManager(t, cfg, "tab-2")
		assert.Equal(t, g2.ID, fresh.Generation())
		assert.NotEqual(t, g1, fresh.Generation())

		got, err := fresh.GetAccount(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)

		keys, err := fresh.AccountKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		ok, err := o.origin.Local().Contains(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed secret clears the origin store", func(t *testing.T) {
		fresh := o.newManager(t, cfg, "tab-3")
		require.NoError(t, fresh.SetAccount(ctx, testAccount()))
		require.NoError(t, o.origin.Cookies().Set(ctx, m.Keys().EncryptionSecret(), "corrupt"))

		again := o.newManager(t, cfg, "tab-4")
		keys, err := o.origin.Local().Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
		assert.NotEqual(t, fresh.Generation(), again.Generation())
	})

	t.Run("RotateKey discards the cache", func(t *testing.T) {
		fresh := o.newManager(t, cfg, "tab-5")
		require.NoError(t, fresh.SetAccount(ctx, testAccount()))
		before := fresh.Generation()

		require.NoError(t, fresh.RotateKey(ctx))
		assert.NotEqual(t, before, fresh.Generation())

		got, err := fresh.GetAccount(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestManager_CrossContextPropagation(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	cfg := Config{ClientID: "client-1"}
	first := o.newManager(t, cfg, "tab-1")
	second := o.newManager(t, cfg, "tab-2")

	rt := testRefreshToken("client-1")
	require.NoError(t, first.SetRefreshToken(ctx, rt))
	key := first.Keys().Credential(&rt.Credential)

	s, err := second.secure()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := s.Memory().Get(ctx, key)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// the durable record is gone, so only the mirrored plaintext can answer
	require.NoError(t, o.origin.Local().Remove(ctx, key))
	got, err := second.GetRefreshToken(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, rt, got)

	require.NoError(t, first.RemoveRefreshToken(ctx, key))
	require.Eventually(t, func() bool {
		ok, _ := s.Memory().Contains(ctx, key)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_EndToEnd(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	cfg := Config{ClientID: "client-1"}

	m := o.newManager(t, cfg, "tab-1")

	_, err := o.origin.Cookies().Get(ctx, m.Keys().EncryptionSecret())
	require.NoError(t, err, "secret created")
	keys, err := o.origin.Local().Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "durable store empty")
	s, err := m.secure()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Memory().Len(), "volatile store empty")

	rt := testRefreshToken("client-1")
	require.NoError(t, m.SetRefreshToken(ctx, rt))
	key := m.Keys().Credential(&rt.Credential)

	tk, err := m.TokenKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, tk.RefreshToken)
	assert.Equal(t, 1, ciphertextEntries(t, o))

	mirrored, err := s.Memory().Get(ctx, key)
	require.NoError(t, err)
	var fromMirror RefreshToken
	require.NoError(t, json.Unmarshal([]byte(mirrored), &fromMirror))
	assert.Equal(t, *rt, fromMirror)

	// a second context without a broadcast channel relies on its import pass
	second, err := New(cfg, o.tiers("tab-2"), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, second.Initialize(ctx))
	defer second.Close()

	s2, err := second.secure()
	require.NoError(t, err)
	imported, err := s2.Memory().Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, mirrored, imported)
}

func TestManager_StructuredFallback(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)

	sq, err := structured.New(t.TempDir() + "/records.db")
	require.NoError(t, err)
	defer sq.Close()

	tiers := o.tiers("tab-1")
	tiers.Local = unavailableTier{}
	tiers.Structured = sq

	m, err := New(Config{ClientID: "client-1"}, tiers, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, m.Initialize(ctx))
	defer m.Close()

	require.NoError(t, m.SetAccount(ctx, testAccount()))
	keys, err := sq.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, m.Keys().Account(testAccount()))
}

func TestManager_StructuredOnlyReload(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	path := filepath.Join(t.TempDir(), "records.db")

	open := func(t *testing.T) *Manager {
		t.Helper()
		sq, err := structured.New(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sq.Close() })

		tiers := o.tiers("tab-1")
		tiers.Local = nil
		tiers.Structured = sq
		m, err := New(Config{ClientID: "client-1"}, tiers,
			WithLogger(discardLogger()),
			WithNow(func() time.Time { return testNow }),
		)
		require.NoError(t, err)
		require.NoError(t, m.Initialize(ctx))
		t.Cleanup(func() { _ = m.Close() })
		return m
	}

	first := open(t)
	require.NoError(t, first.SetAccount(ctx, testAccount()))
	require.NoError(t, first.SetAppMetadata(ctx, &AppMetadata{ClientID: "client-1", Environment: "login.example.com"}))
	stale := Thumbprint{ClientID: "client-1", Authority: "a", Scopes: []string{"x"}}
	require.NoError(t, first.SetThrottling(ctx, stale, &Throttling{ThrottleTime: testNow.Add(-time.Second).UnixMilli()}))

	second := open(t)

	got, err := second.GetAccount(ctx, second.Keys().Account(testAccount()))
	require.NoError(t, err)
	assert.Equal(t, testAccount(), got)

	mdKeys, err := second.AppMetadataKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second.Keys().AppMetadata("login.example.com")}, mdKeys)

	removed, err := second.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestManager_MemoryLocation(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-1", CacheLocation: LocationMemory}, "tab-1")

	require.NoError(t, m.SetAccount(ctx, testAccount()))
	keys, err := o.origin.Local().Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	got, err := m.GetAccount(ctx, m.Keys().Account(testAccount()))
	require.NoError(t, err)
	assert.NotNil(t, got)
}

type unavailableTier struct{}

func (unavailableTier) Initialize(context.Context) error { return storage.ErrStoreUnavailable }
func (unavailableTier) Get(context.Context, string) (string, error) {
	return "", storage.ErrStoreUnavailable
}
func (unavailableTier) Set(context.Context, string, string) error { return storage.ErrStoreUnavailable }
func (unavailableTier) Remove(context.Context, string) error      { return storage.ErrStoreUnavailable }
func (unavailableTier) Keys(context.Context) ([]string, error) {
	return nil, storage.ErrStoreUnavailable
}
func (unavailableTier) Contains(context.Context, string) (bool, error) {
	return false, storage.ErrStoreUnavailable
}
