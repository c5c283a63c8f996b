package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RefreshTokenBytes is the entropy of an opaque refresh token.
const RefreshTokenBytes = 32

// OpaqueToken is a token handed to a client together with the hash the
// server keeps. The plain value is never stored.
type OpaqueToken struct {
	Value string
	Hash  string
}

// NewOpaqueToken returns a random base64url token of n bytes.
func NewOpaqueToken(n int) (OpaqueToken, error) {
	if n <= 0 {
		n = RefreshTokenBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return OpaqueToken{}, fmt.Errorf("read random bytes: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)
	return OpaqueToken{Value: value, Hash: HashToken(value)}, nil
}

// HashToken is the hex sha256 of a token, used as its storage key.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MatchToken compares a presented token against a stored hash in constant
// time.
func MatchToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}
