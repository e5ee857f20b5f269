package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandBytes fills the provided slice with cryptographically secure random
// bytes.
func RandBytes(out []byte) ([]byte, error) {
	if len(out) == 0 {
		return out, fmt.Errorf("output slice is empty")
	}
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("rand read: %w", err)
	}
	return out, nil
}

// NewOpaqueToken returns a URL-safe random token of n source bytes. Used for
// reconnection tokens, where the token string itself carries no structure.
func NewOpaqueToken(n int) (string, error) {
	buf, err := RandBytes(make([]byte, n))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
