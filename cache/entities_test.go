package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("valid account", func(t *testing.T) {
		b, err := json.Marshal(testAccount())
		require.NoError(t, err)

		a, err := ParseAccount(string(b))
		require.NoError(t, err)
		assert.Equal(t, testAccount(), a)
	})

	t.Run("credential times are stored as strings", func(t *testing.T) {
		at := testAccessToken("client-1", testNow)
		b, err := json.Marshal(at)
		require.NoError(t, err)
		assert.Contains(t, string(b), `"expiresOn":"`)

		got, err := ParseAccessToken(string(b))
		require.NoError(t, err)
		assert.Equal(t, at, got)
	})

	malformed := map[string]func() (any, error){
		"not JSON": func() (any, error) { return ParseAccount("nope") },
		"unknown field": func() (any, error) {
			return ParseAccount(`{"homeAccountId":"h","environment":"e","authorityType":"MSSTS","extra":1}`)
		},
		"missing required field": func() (any, error) {
			return ParseAccount(`{"environment":"e","authorityType":"MSSTS"}`)
		},
		"unknown authority type": func() (any, error) {
			return ParseAccount(`{"homeAccountId":"h","environment":"e","authorityType":"Other"}`)
		},
		"credential of another class": func() (any, error) {
			b, _ := json.Marshal(testRefreshToken("client-1"))
			return ParseIDToken(string(b))
		},
		"credential without secret": func() (any, error) {
			return ParseRefreshToken(`{"homeAccountId":"h","environment":"e","credentialType":"RefreshToken","clientId":"c"}`)
		},
	}
	for name, fn := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := fn()
			require.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestExpiry(t *testing.T) {
	at := testAccessToken("client-1", testNow)
	assert.True(t, at.Expired(testNow))
	assert.False(t, at.Expired(testNow.Add(-time.Second)))

	md := &AuthorityMetadata{CanonicalAuthority: "https://login.example.com/utid", ExpiresAt: testNow.Unix()}
	assert.True(t, md.Expired(testNow))
	assert.False(t, md.Expired(testNow.Add(-time.Second)))

	th := &Throttling{ThrottleTime: testNow.UnixMilli()}
	assert.True(t, th.Expired(testNow))
	assert.False(t, th.Expired(testNow.Add(-time.Millisecond)))
}

func TestScopeSet(t *testing.T) {
	s := ScopeSet("User.Read openid  profile")
	assert.True(t, s.ContainsAll([]string{"user.read", "OPENID"}))
	assert.True(t, s.ContainsAll(nil))
	assert.False(t, s.ContainsAll([]string{"Mail.Read"}))
}
