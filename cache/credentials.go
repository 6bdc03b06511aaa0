package cache

import (
	"context"
	"strings"
)

// CredentialFilter selects credentials. Empty fields match anything.
type CredentialFilter struct {
	HomeAccountID       string
	Environment         string
	Realm               string
	ClientID            string
	FamilyID            string
	TokenType           string
	RequestedClaimsHash string

	// Scopes must all be present in the credential's target, ignoring case.
	Scopes []string
}

func (f CredentialFilter) matches(c *Credential) bool {
	if !matchField(f.HomeAccountID, c.HomeAccountID) ||
		!matchField(f.Environment, c.Environment) ||
		!matchField(f.Realm, c.Realm) ||
		!matchField(f.ClientID, c.ClientID) ||
		!matchField(f.FamilyID, c.FamilyID) ||
		!matchField(f.RequestedClaimsHash, c.RequestedClaimsHash) {
		return false
	}
	if f.TokenType != "" && !strings.EqualFold(f.TokenType, tokenTypeOrBearer(c.TokenType)) {
		return false
	}
	return ScopeSet(c.Target).ContainsAll(f.Scopes)
}

func tokenTypeOrBearer(t string) string {
	if t == "" {
		return "Bearer"
	}
	return t
}

// ScopeSet is a space separated scope string.
type ScopeSet string

// Scopes returns the lower-cased scopes.
func (s ScopeSet) Scopes() []string {
	fields := strings.Fields(string(s))
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// ContainsAll reports whether every scope in want is in s, ignoring case.
func (s ScopeSet) ContainsAll(want []string) bool {
	have := make(map[string]struct{})
	for _, scope := range s.Scopes() {
		have[scope] = struct{}{}
	}
	for _, w := range want {
		if _, ok := have[strings.ToLower(strings.TrimSpace(w))]; !ok {
			return false
		}
	}
	return true
}

// GetIDToken returns the ID token at key, or nil.
func (m *Manager) GetIDToken(ctx context.Context, key string) (*IDToken, error) {
	return getUserData(ctx, m, ClassIDToken, key, ParseIDToken)
}

// SetIDToken stores t under its canonical key.
func (m *Manager) SetIDToken(ctx context.Context, t *IDToken) error {
	if err := checkCredential(&t.Credential, CredentialTypeIDToken); err != nil {
		return err
	}
	return m.setUserData(ctx, ClassIDToken, m.keys.Credential(&t.Credential), t)
}

// RemoveIDToken removes the ID token at key.
func (m *Manager) RemoveIDToken(ctx context.Context, key string) error {
	return m.removeUserData(ctx, ClassIDToken, key)
}

// GetAccessToken returns the access token at key, or nil.
func (m *Manager) GetAccessToken(ctx context.Context, key string) (*AccessToken, error) {
	return getUserData(ctx, m, ClassAccessToken, key, ParseAccessToken)
}

// SetAccessToken stores t under its canonical key.
func (m *Manager) SetAccessToken(ctx context.Context, t *AccessToken) error {
	if err := checkCredential(&t.Credential, CredentialTypeAccessToken, CredentialTypeAccessTokenWithAuthScheme); err != nil {
		return err
	}
	return m.setUserData(ctx, ClassAccessToken, m.keys.Credential(&t.Credential), t)
}

// RemoveAccessToken removes the access token at key.
func (m *Manager) RemoveAccessToken(ctx context.Context, key string) error {
	return m.removeUserData(ctx, ClassAccessToken, key)
}

// GetRefreshToken returns the refresh token at key, or nil.
func (m *Manager) GetRefreshToken(ctx context.Context, key string) (*RefreshToken, error) {
	return getUserData(ctx, m, ClassRefreshToken, key, ParseRefreshToken)
}

// SetRefreshToken stores t under its canonical key.
func (m *Manager) SetRefreshToken(ctx context.Context, t *RefreshToken) error {
	if err := checkCredential(&t.Credential, CredentialTypeRefreshToken); err != nil {
		return err
	}
	return m.setUserData(ctx, ClassRefreshToken, m.keys.Credential(&t.Credential), t)
}

// RemoveRefreshToken removes the refresh token at key.
func (m *Manager) RemoveRefreshToken(ctx context.Context, key string) error {
	return m.removeUserData(ctx, ClassRefreshToken, key)
}

// GetIDTokens returns the cached ID tokens matching filter.
func (m *Manager) GetIDTokens(ctx context.Context, filter CredentialFilter) ([]*IDToken, error) {
	return listCredentials(ctx, m, ClassIDToken, filter, m.GetIDToken, func(t *IDToken) *Credential { return &t.Credential })
}

// GetAccessTokens returns the cached access tokens matching filter.
func (m *Manager) GetAccessTokens(ctx context.Context, filter CredentialFilter) ([]*AccessToken, error) {
	return listCredentials(ctx, m, ClassAccessToken, filter, m.GetAccessToken, func(t *AccessToken) *Credential { return &t.Credential })
}

// GetRefreshTokens returns the cached refresh tokens matching filter.
func (m *Manager) GetRefreshTokens(ctx context.Context, filter CredentialFilter) ([]*RefreshToken, error) {
	return listCredentials(ctx, m, ClassRefreshToken, filter, m.GetRefreshToken, func(t *RefreshToken) *Credential { return &t.Credential })
}

func listCredentials[T any](ctx context.Context, m *Manager, class Class, filter CredentialFilter,
	get func(context.Context, string) (*T, error), base func(*T) *Credential,
) ([]*T, error) {
	keys, err := m.keyMap(ctx, class)
	if err != nil {
		return nil, err
	}
	var out []*T
	for _, key := range keys {
		t, err := get(ctx, key)
		if err != nil {
			return nil, err
		}
		if t != nil && filter.matches(base(t)) {
			out = append(out, t)
		}
	}
	return out, nil
}

func checkCredential(c *Credential, want ...CredentialType) error {
	if err := check(c); err != nil {
		return err
	}
	return checkType(c.CredentialType, want...)
}
