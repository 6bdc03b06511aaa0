package cache

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/credential-cache/telemetry"
)

// Clear removes everything this cache stored: temporary state first, then
// accounts, credentials and app metadata, then any remaining key of this
// namespace or client in the persistent store, and finally the memory mirror.
// Clear is idempotent.
func (m *Manager) Clear(ctx context.Context) error {
	ctx = m.tag(ctx)
	s, err := m.secure()
	if err != nil {
		return err
	}
	tmp, err := m.temporaryStore()
	if err != nil {
		return err
	}

	removed := 0
	var errs []error
	remove := func(err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		removed++
	}

	// A temporary tier that is also the persistent tier holds entities too;
	// its keys are left to the secure store below so removals are announced.
	if tmp != m.persistentStore() {
		tmpKeys, err := m.temporaryKeys(ctx, tmp)
		if err != nil {
			return err
		}
		for _, k := range tmpKeys {
			remove(tmp.Remove(ctx, k))
		}
	}
	if err := m.ResetRequestCache(ctx); err != nil {
		errs = append(errs, err)
	}

	accountKeys, err := m.AccountKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range accountKeys {
		remove(m.removeUserData(ctx, ClassAccount, k))
	}
	for _, class := range credentialClasses {
		keys, err := m.keyMap(ctx, class)
		if err != nil {
			return err
		}
		for _, k := range keys {
			remove(m.removeUserData(ctx, class, k))
		}
	}

	mdKeys, err := m.AppMetadataKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range mdKeys {
		remove(s.Remove(ctx, k))
	}

	rest, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range rest {
		if m.owns(k) && k != m.keys.InteractionStatus() {
			remove(s.Remove(ctx, k))
		}
	}

	s.ClearInMemory()
	m.volatile.Clear()

	telemetry.RecordCacheClear(ctx, removed)
	m.logger.InfoContext(ctx, "cache cleared", "removed", removed)
	return errors.Join(errs...)
}

// RemoveExpiredTokens removes access tokens that have expired and throttling
// records whose window has passed. It returns how many records were removed.
func (m *Manager) RemoveExpiredTokens(ctx context.Context) (int, error) {
	ctx = m.tag(ctx)
	s, err := m.secure()
	if err != nil {
		return 0, err
	}
	now := m.now()
	removed := 0
	var errs []error

	tokens, err := m.GetAccessTokens(ctx, CredentialFilter{})
	if err != nil {
		return 0, err
	}
	for _, t := range tokens {
		if !t.Expired(now) {
			continue
		}
		if err := m.RemoveAccessToken(ctx, m.keys.Credential(&t.Credential)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	throttled, err := keysWithPrefix(ctx, s, m.keys.ClientPrefix()+throttlingSegment+".")
	if err != nil {
		return removed, err
	}
	for _, k := range throttled {
		t, err := getPlain[Throttling](ctx, m, s, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if t != nil && !t.Expired(now) {
			continue
		}
		if err := s.Remove(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

// Sweep adapts RemoveExpiredTokens to the expiry manager.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	removed, err := m.RemoveExpiredTokens(ctx)
	telemetry.RecordSweep(ctx, removed, time.Since(start))
	return removed, err
}
