package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewConfigToken generates a 128-bit random URL-safe token bound to a
// ClientDevice at creation time. Per §4.4 it is never reissued;
// re-provisioning always creates a new ClientDevice with a new token.
func NewConfigToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("tokens: generate config token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
