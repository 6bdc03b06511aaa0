// Package encryption implements the at-rest protection for cached credentials.
//
// A base key and a generation id live together in the side-channel secret
// record. Every entry is sealed under its own key derived from the working key
// with a random per-entry nonce, and tagged with the generation id so that a
// rotated secret makes all older entries unreadable.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the base key in bytes.
	KeySize = 32

	// NonceSize is the size of the per-entry HKDF salt in bytes.
	NonceSize = 32

	workingKeyInfo = "credential-cache working key"
)

var (
	// ErrDecryptFailed means the envelope could not be opened: wrong context,
	// tampered data or a corrupt field.
	ErrDecryptFailed = errors.New("encryption: decrypt failed")

	// ErrWrongGeneration means the envelope was sealed under a different secret.
	ErrWrongGeneration = errors.New("encryption: wrong key generation")

	// ErrUnencrypted means the stored value is not an envelope at all.
	ErrUnencrypted = errors.New("encryption: unencrypted legacy value")

	// ErrMalformedSecret means the side-channel secret record is unusable.
	ErrMalformedSecret = errors.New("encryption: malformed secret record")
)

var b64 = base64.RawURLEncoding

// Secret is the side-channel record holding the base key.
type Secret struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// NewSecret generates a fresh base key under a new generation id.
func NewSecret() (*Secret, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating base key: %w", err)
	}
	return &Secret{ID: uuid.NewString(), Key: b64.EncodeToString(key)}, nil
}

// ParseSecret decodes a secret record. Anything that is not a JSON object with a
// non-empty id and a KeySize key returns ErrMalformedSecret.
func ParseSecret(raw string) (*Secret, error) {
	var s Secret
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSecret, err)
	}
	if s.ID == "" || s.Key == "" {
		return nil, fmt.Errorf("%w: missing id or key", ErrMalformedSecret)
	}
	key, err := b64.DecodeString(s.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSecret, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrMalformedSecret, len(key))
	}
	return &s, nil
}

// String returns the record in its stored form.
func (s *Secret) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Envelope is the stored form of an encrypted value.
type Envelope struct {
	ID    string `json:"id"`
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// ParseEnvelope decodes raw as an envelope. A value that is not a JSON object,
// or lacks any of the three fields, is treated as an unencrypted legacy value.
func ParseEnvelope(raw string) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, ErrUnencrypted
	}
	var env Envelope
	for name, dst := range map[string]*string{"id": &env.ID, "nonce": &env.Nonce, "data": &env.Data} {
		v, ok := fields[name]
		if !ok {
			return nil, ErrUnencrypted
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, ErrUnencrypted
		}
	}
	return &env, nil
}

// Cipher seals and opens envelopes for one generation.
type Cipher struct {
	id         string
	workingKey []byte
}

// NewCipher derives the working key from secret.
func NewCipher(secret *Secret) (*Cipher, error) {
	base, err := b64.DecodeString(secret.Key)
	if err != nil || len(base) != KeySize {
		return nil, ErrMalformedSecret
	}
	working, err := derive(base, nil, workingKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Cipher{id: secret.ID, workingKey: working}, nil
}

// ID returns the generation id.
func (c *Cipher) ID() string {
	return c.id
}

// Encrypt seals plaintext under a fresh per-entry key bound to context and
// returns the envelope in stored form.
func (c *Cipher) Encrypt(plaintext []byte, context string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	aead, err := c.aead(nonce, context)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, make([]byte, aead.NonceSize()), plaintext, nil)

	b, err := json.Marshal(Envelope{
		ID:    c.id,
		Nonce: b64.EncodeToString(nonce),
		Data:  b64.EncodeToString(sealed),
	})
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return string(b), nil
}

// Decrypt classifies and opens a stored value. It returns ErrUnencrypted,
// ErrWrongGeneration or ErrDecryptFailed for values that cannot be used.
func (c *Cipher) Decrypt(raw string, context string) ([]byte, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if env.ID != c.id {
		return nil, ErrWrongGeneration
	}
	nonce, err := b64.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrDecryptFailed, err)
	}
	data, err := b64.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrDecryptFailed, err)
	}
	aead, err := c.aead(nonce, context)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, make([]byte, aead.NonceSize()), data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// aead builds the per-entry AES-256-GCM instance. The IV is fixed at zero
// because every entry key is used exactly once.
func (c *Cipher) aead(nonce []byte, context string) (cipher.AEAD, error) {
	key, err := derive(c.workingKey, nonce, context)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return aead, nil
}

func derive(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return out, nil
}

// ContextFor returns the encryption context for key: the client id when the key
// is scoped to that client, otherwise the shared empty context.
func ContextFor(key, clientID string) string {
	if clientID != "" && strings.Contains(key, clientID) {
		return clientID
	}
	return ""
}
