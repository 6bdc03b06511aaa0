package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccounts_Filter(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-1"}, "tab-1")

	first := testAccount()
	second := testAccount()
	second.HomeAccountID = "uid2.utid"
	second.LocalAccountID = "uid2"
	second.Username = "other@example.com"
	require.NoError(t, m.SetAccount(ctx, first))
	require.NoError(t, m.SetAccount(ctx, second))

	all, err := m.GetAllAccounts(ctx, AccountFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byName, err := m.GetAllAccounts(ctx, AccountFilter{Username: "OTHER@example.com"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, second, byName[0])

	none, err := m.GetAllAccounts(ctx, AccountFilter{Realm: "elsewhere"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAccounts_RemoveAccountRemovesCredentials(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-1"}, "tab-1")

	a := testAccount()
	require.NoError(t, m.SetAccount(ctx, a))
	require.NoError(t, m.SetIDToken(ctx, testIDToken("client-1")))
	require.NoError(t, m.SetAccessToken(ctx, testAccessToken("client-1", testNow.Add(time.Hour))))
	require.NoError(t, m.SetRefreshToken(ctx, testRefreshToken("client-1")))

	other := testRefreshToken("client-1")
	other.HomeAccountID = "someone.else"
	require.NoError(t, m.SetRefreshToken(ctx, other))

	require.NoError(t, m.RemoveAccount(ctx, m.Keys().Account(a)))

	accounts, err := m.AccountKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	tk, err := m.TokenKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, tk.IDToken)
	assert.Empty(t, tk.AccessToken)
	assert.Equal(t, []string{m.Keys().Credential(&other.Credential)}, tk.RefreshToken)

	require.NoError(t, m.RemoveAccount(ctx, m.Keys().Account(a)), "removing a missing account is a no-op")
}

func TestAccounts_ActiveAccount(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-1"}, "tab-1")

	active, err := m.GetActiveAccount(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	a := testAccount()
	require.NoError(t, m.SetAccount(ctx, a))
	require.NoError(t, m.SetActiveAccount(ctx, a))

	active, err = m.GetActiveAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, active)

	t.Run("a filter for a removed account heals", func(t *testing.T) {
		require.NoError(t, m.RemoveAccount(ctx, m.Keys().Account(a)))

		active, err := m.GetActiveAccount(ctx)
		require.NoError(t, err)
		assert.Nil(t, active)

		ok, err := o.origin.Local().Contains(ctx, m.Keys().ActiveAccount())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("nil clears", func(t *testing.T) {
		require.NoError(t, m.SetAccount(ctx, a))
		require.NoError(t, m.SetActiveAccount(ctx, a))
		require.NoError(t, m.SetActiveAccount(ctx, nil))

		active, err := m.GetActiveAccount(ctx)
		require.NoError(t, err)
		assert.Nil(t, active)
	})
}

func TestCredentials_Filter(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-1"}, "tab-1")

	bearer := testAccessToken("client-1", testNow.Add(time.Hour))
	pop := testAccessToken("client-1", testNow.Add(time.Hour))
	pop.CredentialType = CredentialTypeAccessTokenWithAuthScheme
	pop.TokenType = "pop"
	pop.KeyID = "kid"
	require.NoError(t, m.SetAccessToken(ctx, bearer))
	require.NoError(t, m.SetAccessToken(ctx, pop))

	tests := []struct {
		name   string
		filter CredentialFilter
		want   []*AccessToken
	}{
		{name: "bearer only", filter: CredentialFilter{TokenType: "bearer"}, want: []*AccessToken{bearer}},
		{name: "pop", filter: CredentialFilter{TokenType: "POP"}, want: []*AccessToken{pop}},
		{name: "scope subset", filter: CredentialFilter{TokenType: "Bearer", Scopes: []string{"user.read", "OPENID"}}, want: []*AccessToken{bearer}},
		{name: "scope missing", filter: CredentialFilter{Scopes: []string{"Mail.Send"}}, want: nil},
		{name: "other realm", filter: CredentialFilter{Realm: "elsewhere"}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.GetAccessTokens(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
