package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultKeyPrefix prefixes generated keys when the caller gives none.
const DefaultKeyPrefix = "txn_dev"

// LookupPrefixLen is how many leading characters of a key are stored in the clear.
const LookupPrefixLen = 16

// MaxKeyPrefixLen bounds caller-chosen prefixes so that at least eight random
// characters fall inside the lookup prefix.
const MaxKeyPrefixLen = 7

// Key statuses.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// ErrKeyNotFound is returned by key stores when no row matches.
var ErrKeyNotFound = errors.New("api key not found")

// ErrPrefixTooLong is returned by GenerateKey for prefixes over MaxKeyPrefixLen.
var ErrPrefixTooLong = fmt.Errorf("key prefix longer than %d characters", MaxKeyPrefixLen)

// APIKey is a persisted key. The plaintext is never stored.
type APIKey struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Prefix    string     `json:"prefix"`
	KeyHash   string     `json:"-"`
	Salt      string     `json:"-"`
	Alias     string     `json:"alias,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Usable reports whether the key is active and unexpired at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.Status != StatusActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// GeneratedKey is the output of GenerateKey. Plaintext is shown once.
type GeneratedKey struct {
	Plaintext string
	Prefix    string
	Salt      string
	Hash      string
}

// GenerateKey returns "<prefix>_<base64url(24 random bytes)>" with its lookup
// prefix, a 16-byte hex salt and the salted hash.
func GenerateKey(prefix string) (GeneratedKey, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if len(prefix) > MaxKeyPrefixLen {
		return GeneratedKey{}, ErrPrefixTooLong
	}
	random := make([]byte, 24)
	if _, err := rand.Read(random); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate key: %w", err)
	}
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate salt: %w", err)
	}

	plaintext := prefix + "_" + base64.RawURLEncoding.EncodeToString(random)
	salt := hex.EncodeToString(saltBytes)
	return GeneratedKey{
		Plaintext: plaintext,
		Prefix:    LookupPrefix(plaintext),
		Salt:      salt,
		Hash:      HashKey(plaintext, salt),
	}, nil
}

// LookupPrefix returns the first LookupPrefixLen characters of credential,
// or "" if it is shorter.
func LookupPrefix(credential string) string {
	if len(credential) < LookupPrefixLen {
		return ""
	}
	return credential[:LookupPrefixLen]
}

// HashKey is HMAC-SHA256 keyed by the hex salt string over the plaintext.
func HashKey(plaintext, salt string) string {
	m := hmac.New(sha256.New, []byte(salt))
	m.Write([]byte(plaintext))
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyKey recomputes the hash and compares in constant time.
func VerifyKey(plaintext, salt, expectedHash string) bool {
	want, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(HashKey(plaintext, salt))
	return subtle.ConstantTimeCompare(got, want) == 1
}
