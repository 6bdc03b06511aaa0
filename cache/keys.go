package cache

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Key suffixes under the namespace.
const (
	accountSegment           = "account"
	keysSegment              = "keys"
	appMetadataSegment       = "appmetadata"
	authorityMetadataSegment = "authority-metadata"
	serverTelemetrySegment   = "server-telemetry"
	throttlingSegment        = "throttling"
	activeAccountSegment     = "active-account-filters"
	requestSegment           = "request"
	interactionStatusKey     = "interaction.status"
	encryptionSecretKey      = "cache.encryption"
)

// Keys derives storage keys for one namespace and client id.
type Keys struct {
	namespace string
	clientID  string
}

// NewKeys creates a key builder.
func NewKeys(namespace, clientID string) Keys {
	return Keys{namespace: namespace, clientID: clientID}
}

// Prefix is the namespace prefix shared by every key.
func (k Keys) Prefix() string {
	return k.namespace + "."
}

// ClientPrefix is the prefix of every client-scoped key.
func (k Keys) ClientPrefix() string {
	return k.namespace + "." + k.clientID + "."
}

// Generate turns a caller supplied key into a storage key. JSON object keys are
// re-encoded canonically, keys already under the namespace are used as is, and
// anything else is scoped to the client.
func (k Keys) Generate(key string) string {
	if strings.HasPrefix(strings.TrimSpace(key), "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(key), &obj); err == nil {
			b, err := json.Marshal(obj)
			if err == nil {
				return string(b)
			}
		}
	}
	if strings.HasPrefix(key, k.Prefix()) {
		return key
	}
	return k.ClientPrefix() + key
}

// Account returns the shared key of an account.
func (k Keys) Account(a *Account) string {
	id := strings.Join([]string{a.HomeAccountID, a.Environment, a.Realm}, "-")
	return k.Prefix() + accountSegment + "." + strings.ToLower(id)
}

// Credential returns the client-scoped key of a credential.
func (k Keys) Credential(c *Credential) string {
	clientOrFamily := c.ClientID
	if c.CredentialType == CredentialTypeRefreshToken && c.FamilyID != "" {
		clientOrFamily = c.FamilyID
	}
	parts := []string{c.HomeAccountID, c.Environment, clientOrFamily, c.Realm, c.Target, c.RequestedClaimsHash}
	if c.TokenType != "" && !strings.EqualFold(c.TokenType, "bearer") {
		parts = append(parts, c.TokenType)
	}
	return k.ClientPrefix() + strings.ToLower(string(c.CredentialType)) + "." + strings.ToLower(strings.Join(parts, "-"))
}

// KeyMap returns the key of the key-map for class.
func (k Keys) KeyMap(class Class) string {
	if class == ClassAccount {
		return k.Prefix() + accountSegment + "." + keysSegment
	}
	return k.ClientPrefix() + keysSegment + "." + string(class)
}

// AppMetadata returns the key of the app metadata for environment.
func (k Keys) AppMetadata(environment string) string {
	return k.ClientPrefix() + appMetadataSegment + "." + strings.ToLower(environment)
}

// AuthorityMetadata returns the key of the metadata for an authority host.
func (k Keys) AuthorityMetadata(host string) string {
	return k.ClientPrefix() + authorityMetadataSegment + "." + strings.ToLower(host)
}

// ServerTelemetry returns the key of the server telemetry record.
func (k Keys) ServerTelemetry() string {
	return k.ClientPrefix() + serverTelemetrySegment
}

// Throttling returns the key of the throttling record for a request thumbprint.
func (k Keys) Throttling(t Thumbprint) string {
	return k.ClientPrefix() + throttlingSegment + "." + t.Hash().String()
}

// ActiveAccount returns the key of the active account filter.
func (k Keys) ActiveAccount() string {
	return k.ClientPrefix() + activeAccountSegment
}

// Request returns the temporary key for a piece of request state.
func (k Keys) Request(name string) string {
	return k.ClientPrefix() + requestSegment + "." + name
}

// InteractionStatus returns the key of the interaction flag.
func (k Keys) InteractionStatus() string {
	return k.Prefix() + interactionStatusKey
}

// EncryptionSecret returns the side-channel entry holding the encryption secret.
func (k Keys) EncryptionSecret() string {
	return k.Prefix() + encryptionSecretKey
}

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ClaimsHash returns the requested-claims hash stored on credentials.
func ClaimsHash(claims string) string {
	if claims == "" {
		return ""
	}
	return HashBytes([]byte(claims)).String()
}

// Thumbprint identifies a token request for throttling.
type Thumbprint struct {
	ClientID      string   `json:"clientId"`
	Authority     string   `json:"authority"`
	Scopes        []string `json:"scopes"`
	HomeAccountID string   `json:"homeAccountIdentifier,omitempty"`
	ClaimsHash    string   `json:"claims,omitempty"`
}

// Hash digests the thumbprint. Scope order and case do not matter.
func (t Thumbprint) Hash() Hash {
	scopes := make([]string, len(t.Scopes))
	for i, s := range t.Scopes {
		scopes[i] = strings.ToLower(s)
	}
	sort.Strings(scopes)
	t.Scopes = scopes
	t.Authority = strings.ToLower(t.Authority)
	b, _ := json.Marshal(t)
	return HashBytes(b)
}
