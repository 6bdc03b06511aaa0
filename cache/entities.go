package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedRecord is returned when a stored or supplied record does not
// have the shape of its entity class.
var ErrMalformedRecord = errors.New("cache: malformed record")

var validate = validator.New()

// AuthorityType identifies the kind of authority that issued an account.
type AuthorityType string

const (
	AuthorityTypeMSSTS   AuthorityType = "MSSTS"
	AuthorityTypeADFS    AuthorityType = "ADFS"
	AuthorityTypeMSA     AuthorityType = "MSA"
	AuthorityTypeGeneric AuthorityType = "Generic"
)

// Account is a signed-in identity.
type Account struct {
	HomeAccountID  string        `json:"homeAccountId" validate:"required"`
	Environment    string        `json:"environment" validate:"required"`
	Realm          string        `json:"realm"`
	LocalAccountID string        `json:"localAccountId"`
	Username       string        `json:"username"`
	AuthorityType  AuthorityType `json:"authorityType" validate:"required,oneof=MSSTS ADFS MSA Generic"`
	Name           string        `json:"name,omitempty"`
	ClientInfo     string        `json:"clientInfo,omitempty"`
	LastModifiedAt int64         `json:"lastModificationTime,string,omitempty"`
}

// CredentialType tags each credential variant.
type CredentialType string

const (
	CredentialTypeIDToken                   CredentialType = "IdToken"
	CredentialTypeAccessToken               CredentialType = "AccessToken"
	CredentialTypeAccessTokenWithAuthScheme CredentialType = "AccessToken_With_AuthScheme"
	CredentialTypeRefreshToken              CredentialType = "RefreshToken"
)

// Credential holds the fields shared by every credential variant.
// Times are seconds since the epoch.
type Credential struct {
	HomeAccountID       string         `json:"homeAccountId" validate:"required"`
	Environment         string         `json:"environment" validate:"required"`
	CredentialType      CredentialType `json:"credentialType" validate:"required"`
	ClientID            string         `json:"clientId" validate:"required"`
	Secret              string         `json:"secret" validate:"required"`
	Realm               string         `json:"realm,omitempty"`
	Target              string         `json:"target,omitempty"`
	CachedAt            int64          `json:"cachedAt,string,omitempty"`
	ExpiresOn           int64          `json:"expiresOn,string,omitempty"`
	ExtendedExpiresOn   int64          `json:"extendedExpiresOn,string,omitempty"`
	TokenType           string         `json:"tokenType,omitempty"`
	FamilyID            string         `json:"familyId,omitempty"`
	RequestedClaimsHash string         `json:"requestedClaimsHash,omitempty"`
	KeyID               string         `json:"keyId,omitempty"`
	LastUpdatedAt       int64          `json:"lastUpdatedAt,string,omitempty"`
}

// IDToken is an identity token.
type IDToken struct {
	Credential
}

// AccessToken is an access token for a set of scopes.
type AccessToken struct {
	Credential
}

// Expired reports whether the token expires at or before now.
func (a *AccessToken) Expired(now time.Time) bool {
	return a.ExpiresOn > 0 && a.ExpiresOn <= now.Unix()
}

// RefreshToken is a refresh token, optionally shared by a family of clients.
type RefreshToken struct {
	Credential
}

// AppMetadata records per-client facts such as family membership.
type AppMetadata struct {
	ClientID    string `json:"clientId" validate:"required"`
	Environment string `json:"environment" validate:"required"`
	FamilyID    string `json:"familyId,omitempty"`
}

// AuthorityMetadata is discovery metadata for an authority. It is only ever
// kept in volatile storage.
type AuthorityMetadata struct {
	Aliases               []string `json:"aliases"`
	PreferredCache        string   `json:"preferred_cache"`
	PreferredNetwork      string   `json:"preferred_network"`
	CanonicalAuthority    string   `json:"canonical_authority" validate:"required"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	Issuer                string   `json:"issuer"`
	AliasesFromNetwork    bool     `json:"aliasesFromNetwork"`
	EndpointsFromNetwork  bool     `json:"endpointsFromNetwork"`
	ExpiresAt             int64    `json:"expiresAt"`
}

// Expired reports whether the metadata should be refreshed.
func (a *AuthorityMetadata) Expired(now time.Time) bool {
	return a.ExpiresAt <= now.Unix()
}

// ServerTelemetry accumulates request telemetry sent with the next token request.
type ServerTelemetry struct {
	FailedRequests []string `json:"failedRequests"`
	Errors         []string `json:"errors"`
	CacheHits      int      `json:"cacheHits"`
}

// Throttling records that requests matching a thumbprint must wait.
// ThrottleTime is milliseconds since the epoch.
type Throttling struct {
	ThrottleTime int64    `json:"throttleTime" validate:"required"`
	Error        string   `json:"error,omitempty"`
	ErrorCodes   []string `json:"errorCodes,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	SubError     string   `json:"subError,omitempty"`
}

// Expired reports whether the throttle window has passed.
func (t *Throttling) Expired(now time.Time) bool {
	return t.ThrottleTime <= now.UnixMilli()
}

// ActiveAccountFilter identifies the account chosen as active.
type ActiveAccountFilter struct {
	HomeAccountID  string `json:"homeAccountId" validate:"required"`
	LocalAccountID string `json:"localAccountId"`
	TenantID       string `json:"tenantId,omitempty"`
}

// RequestState is the temporary state of an in-flight interactive request.
type RequestState struct {
	State         string `json:"state" validate:"required"`
	Nonce         string `json:"nonce,omitempty"`
	Authority     string `json:"authority,omitempty"`
	OriginURI     string `json:"originUri,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// InteractionType is the kind of interaction holding the interaction flag.
type InteractionType string

const (
	InteractionTypeRedirect InteractionType = "redirect"
	InteractionTypePopup    InteractionType = "popup"
	InteractionTypeSilent   InteractionType = "silent"
	InteractionTypeSignOut  InteractionType = "signout"
)

// InteractionStatus is the value of the interaction flag.
type InteractionStatus struct {
	ClientID string          `json:"clientId" validate:"required"`
	Type     InteractionType `json:"type" validate:"required"`
}

// parse decodes raw into v, rejecting unknown fields and values that fail
// validation. All failures wrap ErrMalformedRecord.
func parse[T any](raw string) (*T, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if err := validate.Struct(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return &v, nil
}

// check validates a record supplied by a caller before it is written.
func check(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return nil
}

// ParseAccount decodes and validates an account record.
func ParseAccount(raw string) (*Account, error) {
	return parse[Account](raw)
}

// ParseIDToken decodes and validates an ID token record.
func ParseIDToken(raw string) (*IDToken, error) {
	t, err := parse[IDToken](raw)
	if err != nil {
		return nil, err
	}
	if err := checkType(t.CredentialType, CredentialTypeIDToken); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseAccessToken decodes and validates an access token record.
func ParseAccessToken(raw string) (*AccessToken, error) {
	t, err := parse[AccessToken](raw)
	if err != nil {
		return nil, err
	}
	if err := checkType(t.CredentialType, CredentialTypeAccessToken, CredentialTypeAccessTokenWithAuthScheme); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseRefreshToken decodes and validates a refresh token record.
func ParseRefreshToken(raw string) (*RefreshToken, error) {
	t, err := parse[RefreshToken](raw)
	if err != nil {
		return nil, err
	}
	if err := checkType(t.CredentialType, CredentialTypeRefreshToken); err != nil {
		return nil, err
	}
	return t, nil
}

func checkType(got CredentialType, want ...CredentialType) error {
	for _, w := range want {
		if strings.EqualFold(string(got), string(w)) {
			return nil
		}
	}
	return fmt.Errorf("%w: credential type %q", ErrMalformedRecord, got)
}
