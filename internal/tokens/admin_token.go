// Package tokens implements the Key/Token Manager (C4): the admin token,
// config tokens for Client Devices, and HMAC-signed bearer session tokens
// for Node Agents.
package tokens

import "crypto/subtle"

// AdminToken compares the caller-supplied header value against the
// configured shared secret in constant time, so failures never leak timing
// information distinguishing "missing" from "wrong".
type AdminToken struct {
	secret []byte
}

func NewAdminToken(secret string) *AdminToken {
	return &AdminToken{secret: []byte(secret)}
}

func (a *AdminToken) Verify(presented string) bool {
	if len(presented) == 0 || len(a.secret) == 0 {
		return false
	}
	p := []byte(presented)
	if len(p) != len(a.secret) {
		// still run a constant-time compare against a same-length buffer
		// to avoid a length-based timing signal, then fail.
		dummy := make([]byte, len(a.secret))
		subtle.ConstantTimeCompare(dummy, a.secret)
		return false
	}
	return subtle.ConstantTimeCompare(p, a.secret) == 1
}
