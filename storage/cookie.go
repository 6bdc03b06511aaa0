package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MaxCookieSize is the platform ceiling for one name=value pair.
// Values larger than this belong in the origin-persistent store.
const MaxCookieSize = 4096

// CookieAttributes controls how a side-channel entry is written.
type CookieAttributes struct {
	// Lifetime is how long the entry lives. Zero writes a session entry that
	// survives until ClearSessionCookies is called.
	Lifetime time.Duration

	// SameSite is the cross-site attribute. SameSiteNoneMode is required for
	// entries read by embedded contexts.
	SameSite http.SameSite

	// Secure marks the entry as transport-integrity protected.
	Secure bool
}

// CookieStore is the side-channel tier: small values shared by every context of
// the origin, with per-entry expiry and cookie attributes. Entries are kept in
// Set-Cookie form in a backing Storage.
type CookieStore struct {
	backing  Storage
	now      func() time.Time
	defaults CookieAttributes
}

// CookieOption configures a CookieStore.
type CookieOption func(*CookieStore)

// WithClock sets the time function used for expiry checks.
func WithClock(now func() time.Time) CookieOption {
	return func(c *CookieStore) {
		c.now = now
	}
}

// WithDefaultAttributes sets the attributes used by Set.
func WithDefaultAttributes(attrs CookieAttributes) CookieOption {
	return func(c *CookieStore) {
		c.defaults = attrs
	}
}

// NewCookieStore creates a side-channel store over backing.
func NewCookieStore(backing Storage, opts ...CookieOption) *CookieStore {
	c := &CookieStore{
		backing: backing,
		now:     time.Now,
		defaults: CookieAttributes{
			SameSite: http.SameSiteLaxMode,
			Secure:   true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize prepares the backing store.
func (c *CookieStore) Initialize(ctx context.Context) error {
	return c.backing.Initialize(ctx)
}

// Get returns the unescaped value for name. Expired entries are removed and
// reported as ErrNotFound.
func (c *CookieStore) Get(ctx context.Context, name string) (string, error) {
	cookie, err := c.load(ctx, name)
	if err != nil {
		return "", err
	}
	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return "", fmt.Errorf("unescaping cookie %s: %w", name, err)
	}
	return value, nil
}

// Set writes value using the store's default attributes.
func (c *CookieStore) Set(ctx context.Context, name, value string) error {
	return c.SetCookie(ctx, name, value, c.defaults)
}

// SetCookie writes value with explicit attributes.
func (c *CookieStore) SetCookie(ctx context.Context, name, value string, attrs CookieAttributes) error {
	escaped := url.QueryEscape(value)
	if len(name)+1+len(escaped) > MaxCookieSize {
		return fmt.Errorf("cookie %s is %d bytes: %w", name, len(name)+1+len(escaped), ErrValueTooLarge)
	}

	cookie := &http.Cookie{
		Name:     name,
		Value:    escaped,
		Path:     "/",
		SameSite: attrs.SameSite,
		Secure:   attrs.Secure,
	}
	if attrs.Lifetime > 0 {
		cookie.Expires = c.now().Add(attrs.Lifetime).UTC()
	}

	line := cookie.String()
	if line == "" {
		return fmt.Errorf("invalid cookie name %q", name)
	}
	return c.backing.Set(ctx, name, line)
}

// Remove deletes the entry.
func (c *CookieStore) Remove(ctx context.Context, name string) error {
	return c.backing.Remove(ctx, name)
}

// Keys returns the names of all unexpired entries.
func (c *CookieStore) Keys(ctx context.Context) ([]string, error) {
	names, err := c.backing.Keys(ctx)
	if err != nil {
		return nil, err
	}
	live := names[:0]
	for _, name := range names {
		if _, err := c.load(ctx, name); err == nil {
			live = append(live, name)
		}
	}
	return live, nil
}

// Contains reports whether an unexpired entry exists.
func (c *CookieStore) Contains(ctx context.Context, name string) (bool, error) {
	_, err := c.load(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Attributes returns the stored attributes of an entry.
func (c *CookieStore) Attributes(ctx context.Context, name string) (*http.Cookie, error) {
	return c.load(ctx, name)
}

// ClearSessionCookies removes every entry written without a lifetime,
// which is what happens when a browsing session ends.
func (c *CookieStore) ClearSessionCookies(ctx context.Context) error {
	names, err := c.backing.Keys(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		cookie, err := c.load(ctx, name)
		if err != nil {
			continue
		}
		if cookie.Expires.IsZero() {
			if err := c.backing.Remove(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *CookieStore) load(ctx context.Context, name string) (*http.Cookie, error) {
	line, err := c.backing.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	cookie, err := http.ParseSetCookie(line)
	if err != nil {
		// unreadable entries are dropped like expired ones
		_ = c.backing.Remove(ctx, name)
		return nil, ErrNotFound
	}
	if !cookie.Expires.IsZero() && !c.now().Before(cookie.Expires) {
		_ = c.backing.Remove(ctx, name)
		return nil, ErrNotFound
	}
	return cookie, nil
}

// Compile-time interface checks
var _ Storage = (*CookieStore)(nil)
