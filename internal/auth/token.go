package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewAgentToken generates the opaque shared secret bound to an accepted
// registration. 32 bytes of entropy, URL-safe without padding.
func NewAgentToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("unable to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
