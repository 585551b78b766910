// Package wireguard provides key generation and device-control helpers for
// the overlay's WireGuard plane. The Control Plane only ever generates
// keypairs for Client Devices (§4.4: "Node private keys never leave the
// node"); Node keys are generated on the node and only the public half is
// ever sent to the Hub.
package wireguard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a WireGuard X25519 keypair, base64-encoded the way `wg
// genkey`/`wg pubkey` represent them.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair creates a new X25519 keypair, used server-side only for
// Client Devices (C11) and for the Hub's own identity.
func GenerateKeyPair() (KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("wireguard: read random: %w", err)
	}
	// Clamp per RFC 7748 / WireGuard's Curve25519 convention.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("wireguard: derive public key: %w", err)
	}

	return KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// ValidPublicKey reports whether s decodes to exactly 32 bytes, the
// InvalidArgument check named in §4's "bad public key length" error.
func ValidPublicKey(s string) bool {
	b, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(b) == 32
}
