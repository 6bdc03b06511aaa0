package cache

import (
	"context"
	"errors"
	"strings"
)

// AccountFilter selects accounts. Empty fields match anything.
type AccountFilter struct {
	HomeAccountID  string
	LocalAccountID string
	Environment    string
	Realm          string
	Username       string
}

func (f AccountFilter) matches(a *Account) bool {
	return matchField(f.HomeAccountID, a.HomeAccountID) &&
		matchField(f.LocalAccountID, a.LocalAccountID) &&
		matchField(f.Environment, a.Environment) &&
		matchField(f.Realm, a.Realm) &&
		matchField(f.Username, a.Username)
}

func matchField(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

// GetAccount returns the account stored at key, or nil if there is none.
func (m *Manager) GetAccount(ctx context.Context, key string) (*Account, error) {
	return getUserData(ctx, m, ClassAccount, key, ParseAccount)
}

// SetAccount stores a under its canonical key.
func (m *Manager) SetAccount(ctx context.Context, a *Account) error {
	if err := check(a); err != nil {
		return err
	}
	return m.setUserData(ctx, ClassAccount, m.keys.Account(a), a)
}

// RemoveAccount removes the account at key and every credential issued to it.
func (m *Manager) RemoveAccount(ctx context.Context, key string) error {
	a, err := m.GetAccount(ctx, key)
	if err != nil {
		return err
	}
	if a != nil {
		if err := m.removeAccountCredentials(ctx, a); err != nil {
			return err
		}
	}
	return m.removeUserData(ctx, ClassAccount, key)
}

func (m *Manager) removeAccountCredentials(ctx context.Context, a *Account) error {
	filter := CredentialFilter{HomeAccountID: a.HomeAccountID, Environment: a.Environment}
	var errs []error

	ids, err := m.GetIDTokens(ctx, filter)
	if err != nil {
		return err
	}
	for _, t := range ids {
		errs = append(errs, m.RemoveIDToken(ctx, m.keys.Credential(&t.Credential)))
	}

	ats, err := m.GetAccessTokens(ctx, filter)
	if err != nil {
		return err
	}
	for _, t := range ats {
		errs = append(errs, m.RemoveAccessToken(ctx, m.keys.Credential(&t.Credential)))
	}

	rts, err := m.GetRefreshTokens(ctx, filter)
	if err != nil {
		return err
	}
	for _, t := range rts {
		errs = append(errs, m.RemoveRefreshToken(ctx, m.keys.Credential(&t.Credential)))
	}
	return errors.Join(errs...)
}

// GetAllAccounts returns every cached account matching filter.
func (m *Manager) GetAllAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error) {
	keys, err := m.AccountKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Account
	for _, key := range keys {
		a, err := m.GetAccount(ctx, key)
		if err != nil {
			return nil, err
		}
		if a != nil && filter.matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// SetActiveAccount marks a as the active account. A nil account clears it.
func (m *Manager) SetActiveAccount(ctx context.Context, a *Account) error {
	s, err := m.secure()
	if err != nil {
		return err
	}
	if a == nil {
		return s.Remove(ctx, m.keys.ActiveAccount())
	}
	return setPlain(ctx, s, m.keys.ActiveAccount(), &ActiveAccountFilter{
		HomeAccountID:  a.HomeAccountID,
		LocalAccountID: a.LocalAccountID,
		TenantID:       a.Realm,
	})
}

// GetActiveAccount returns the active account, or nil. A filter naming an
// account that is no longer cached is removed.
func (m *Manager) GetActiveAccount(ctx context.Context) (*Account, error) {
	s, err := m.secure()
	if err != nil {
		return nil, err
	}
	filter, err := getPlain[ActiveAccountFilter](ctx, m, s, m.keys.ActiveAccount())
	if err != nil || filter == nil {
		return nil, err
	}
	accounts, err := m.GetAllAccounts(ctx, AccountFilter{
		HomeAccountID:  filter.HomeAccountID,
		LocalAccountID: filter.LocalAccountID,
		Realm:          filter.TenantID,
	})
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		_ = s.Remove(ctx, m.keys.ActiveAccount())
		return nil, nil
	}
	return accounts[0], nil
}
