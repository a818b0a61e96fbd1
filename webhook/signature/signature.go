package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SecretPrefix is the prefix for base64-encoded signing secrets
	SecretPrefix = "whsec_"

	// Scheme identifies the signing algorithm in the signature header
	Scheme = "sha256"

	// HeaderName is the HTTP header carrying the payload signature
	HeaderName = "X-Webhook-Signature"

	// MinSecretBytes is the minimum recommended secret size (192 bits)
	MinSecretBytes = 24

	// MaxSecretBytes is the maximum recommended secret size (512 bits)
	MaxSecretBytes = 64
)

// Secret represents a webhook signing secret
type Secret struct {
	raw    []byte
	base64 string
}

// GenerateSecret creates a new cryptographically secure signing secret
// between MinSecretBytes and MaxSecretBytes in size.
func GenerateSecret(size int) (Secret, error) {
	if size < MinSecretBytes || size > MaxSecretBytes {
		return Secret{}, fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}

	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return Secret{}, fmt.Errorf("generating random bytes: %w", err)
	}

	return Secret{
		raw:    bytes,
		base64: SecretPrefix + base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// ParseSecret parses a base64-encoded secret with the whsec_ prefix
func ParseSecret(encoded string) (Secret, error) {
	if !strings.HasPrefix(encoded, SecretPrefix) {
		return Secret{}, fmt.Errorf("secret must start with %s prefix", SecretPrefix)
	}

	b64 := strings.TrimPrefix(encoded, SecretPrefix)
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Secret{}, fmt.Errorf("decoding base64 secret: %w", err)
	}

	if len(raw) < MinSecretBytes || len(raw) > MaxSecretBytes {
		return Secret{}, fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}

	return Secret{
		raw:    raw,
		base64: encoded,
	}, nil
}

// String returns the base64-encoded secret with prefix
func (s Secret) String() string {
	return s.base64
}

// Bytes returns the raw secret bytes
func (s Secret) Bytes() []byte {
	return s.raw
}

// IsZero reports whether the secret is unset
func (s Secret) IsZero() bool {
	return len(s.raw) == 0
}

// Redacted returns the secret safe for logs and API responses:
// the prefix plus the last four characters of the encoding.
func (s Secret) Redacted() string {
	if s.base64 == "" {
		return ""
	}
	if len(s.base64) <= len(SecretPrefix)+4 {
		return SecretPrefix + "****"
	}
	return SecretPrefix + "****" + s.base64[len(s.base64)-4:]
}

// Equal compares two secrets in constant time.
// Used by the legacy body-embedded key check on ingestion.
func (s Secret) Equal(other string) bool {
	return subtle.ConstantTimeCompare([]byte(s.base64), []byte(other)) == 1
}

// Sign computes the HMAC-SHA256 signature over the exact payload bytes,
// hex-encoded. Receivers must verify against the literal bytes received,
// never a re-serialized form.
func Sign(secret Secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret.raw)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify verifies a hex-encoded signature using constant-time comparison.
// Returns false for any malformed signature rather than an error, so a
// crafted header can never distinguish decode failure from mismatch.
func Verify(secret Secret, payload []byte, hexSig string) bool {
	expected, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret.raw)
	mac.Write(payload)
	calculated := mac.Sum(nil)

	return subtle.ConstantTimeCompare(expected, calculated) == 1
}

// BuildHeader builds the signature header value: sha256=<hex>
func BuildHeader(hexSig string) string {
	return fmt.Sprintf("%s=%s", Scheme, hexSig)
}

// ParseHeader parses a signature header value in the format: sha256=<hex>
func ParseHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("signature header is empty")
	}

	parts := strings.SplitN(header, "=", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid signature format, expected 'scheme=signature'")
	}
	if parts[0] != Scheme {
		return "", fmt.Errorf("unsupported signature scheme: %s", parts[0])
	}
	if parts[1] == "" {
		return "", fmt.Errorf("signature is empty")
	}

	return parts[1], nil
}
