package cache

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wolfeidau/credential-cache/broadcast"
)

// Location names a storage tier for a class of cache data.
type Location string

const (
	LocationLocal   Location = "local"
	LocationSession Location = "session"
	LocationMemory  Location = "memory"
)

// Default configuration values
const (
	DefaultNamespace               = "credcache"
	DefaultCacheLocation           = LocationLocal
	DefaultTemporaryLocation       = LocationSession
	DefaultTemporaryCookieLifetime = 24 * time.Hour
)

// Config holds the cache manager's configuration.
type Config struct {
	// ClientID is the application the cache belongs to.
	ClientID string `json:"client_id" validate:"required"`

	// Namespace prefixes every key the cache writes.
	Namespace string `json:"namespace" validate:"required,excludesall=."`

	// CacheLocation is where accounts and credentials live.
	CacheLocation Location `json:"cache_location" validate:"oneof=local session memory"`

	// TemporaryLocation is where request state lives during an interaction.
	TemporaryLocation Location `json:"temporary_location" validate:"oneof=local session memory"`

	// StoreAuthStateInCookie also writes request state to the side-channel store.
	StoreAuthStateInCookie bool `json:"store_auth_state_in_cookie"`

	// TemporaryCookieLifetime is the lifetime of request-state cookies.
	TemporaryCookieLifetime time.Duration `json:"temporary_cookie_lifetime" validate:"gte=0"`

	// ChannelName is the broadcast channel shared by every context of the origin.
	ChannelName string `json:"channel_name"`
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.CacheLocation == "" {
		c.CacheLocation = DefaultCacheLocation
	}
	if c.TemporaryLocation == "" {
		c.TemporaryLocation = DefaultTemporaryLocation
	}
	if c.TemporaryCookieLifetime == 0 {
		c.TemporaryCookieLifetime = DefaultTemporaryCookieLifetime
	}
	if c.ChannelName == "" {
		c.ChannelName = broadcast.DefaultChannelName
	}
}

// Validate validates the configuration using struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
