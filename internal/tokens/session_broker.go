package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionClaims are the claims embedded in a node's bearer session token,
// issued at approval time and presented on every subsequent agent call.
type SessionClaims struct {
	TokenID   string `json:"tid"`
	NodeID    string `json:"nid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Issuer    string `json:"iss"`
}

// SessionToken is a signed token handed back to a Node Agent.
type SessionToken struct {
	Token       string `json:"token"`
	TokenID     string `json:"token_id"`
	Attribution string `json:"attribution"`
	ExpiresAt   int64  `json:"expires_at"`
}

// SessionBrokerConfig configures the broker; adapted one-for-one from the
// teacher's TokenBrokerConfig, renamed to node/session vocabulary.
type SessionBrokerConfig struct {
	HMACSecret          string
	PreviousHMACSecret  string
	RotationGracePeriod time.Duration
	DefaultTTL          time.Duration
	Issuer              string
}

// SessionBroker issues and validates HMAC-signed bearer tokens bound to a
// node, with key-rotation grace window and a revocation set so a revoked
// node's outstanding token stops working immediately.
type SessionBroker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	defaultTTL time.Duration
	issuer     string

	activeTokens  map[string]*SessionClaims
	revokedTokens map[string]time.Time
	nodeTokens    map[string][]string // nodeID -> active token ids, for RevokeAllForNode
}

func NewSessionBroker(cfg SessionBrokerConfig) *SessionBroker {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "zt-hub"
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 2 * time.Minute
	}

	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		secret = []byte("zt-dev-hmac-secret-change-in-production")
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousHMACSecret != "" {
		prevSecret = []byte(cfg.PreviousHMACSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &SessionBroker{
		secret: secret, prevSecret: prevSecret, graceUntil: graceUntil,
		defaultTTL: cfg.DefaultTTL, issuer: cfg.Issuer,
		activeTokens:  make(map[string]*SessionClaims),
		revokedTokens: make(map[string]time.Time),
		nodeTokens:    make(map[string][]string),
	}
}

// Issue mints a session token for a node that has just been approved (or
// re-synced after a key rotation).
func (b *SessionBroker) Issue(nodeID string) (*SessionToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	tokenID := uuid.NewString()

	claims := &SessionClaims{
		TokenID:   tokenID,
		NodeID:    nodeID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(b.defaultTTL).Unix(),
		Issuer:    b.issuer,
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("tokens: serialize session claims: %w", err)
	}

	sig := b.sign(claimsJSON)
	tokenStr := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." +
		base64.RawURLEncoding.EncodeToString(sig)

	tokenHash := sha256.Sum256([]byte(tokenStr))
	attribution := fmt.Sprintf("%s:%s:%d", nodeID,
		base64.RawURLEncoding.EncodeToString(tokenHash[:8]), now.Unix())

	b.activeTokens[tokenID] = claims
	b.nodeTokens[nodeID] = append(b.nodeTokens[nodeID], tokenID)

	return &SessionToken{
		Token: tokenStr, TokenID: tokenID, Attribution: attribution,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// Verify validates a bearer token's signature, expiry, and revocation
// status, trying the previous key during a rotation grace window.
func (b *SessionBroker) Verify(tokenStr string) (*SessionClaims, error) {
	parts := splitToken(tokenStr)
	if len(parts) != 2 {
		return nil, errors.New("tokens: invalid token format")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("tokens: invalid token encoding: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("tokens: invalid signature encoding: %w", err)
	}

	expected := b.sign(claimsJSON)
	valid := hmac.Equal(sig, expected)

	if !valid {
		b.mu.RLock()
		hasPrev := len(b.prevSecret) > 0 && time.Now().Before(b.graceUntil)
		prev := b.prevSecret
		b.mu.RUnlock()
		if hasPrev {
			mac := hmac.New(sha256.New, prev)
			mac.Write(claimsJSON)
			valid = hmac.Equal(sig, mac.Sum(nil))
		}
	}
	if !valid {
		return nil, errors.New("tokens: invalid token signature")
	}

	var claims SessionClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("tokens: invalid token claims: %w", err)
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("tokens: token expired")
	}

	b.mu.RLock()
	_, revoked := b.revokedTokens[claims.TokenID]
	b.mu.RUnlock()
	if revoked {
		return nil, errors.New("tokens: token has been revoked")
	}

	return &claims, nil
}

// RevokeAllForNode revokes every outstanding token for a node — called on
// suspend/revoke so the agent's current session stops working immediately
// rather than at natural expiry.
func (b *SessionBroker) RevokeAllForNode(nodeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	now := time.Now()
	for _, tokenID := range b.nodeTokens[nodeID] {
		if _, ok := b.activeTokens[tokenID]; ok {
			delete(b.activeTokens, tokenID)
			b.revokedTokens[tokenID] = now
			count++
		}
	}
	b.nodeTokens[nodeID] = nil
	return count
}

// RotateKey atomically rotates the HMAC signing secret; the previous key
// stays valid through the configured grace window so in-flight tokens
// aren't invalidated mid-rotation.
func (b *SessionBroker) RotateKey(newSecret string, grace time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prevSecret = b.secret
	b.graceUntil = time.Now().Add(grace)
	b.secret = []byte(newSecret)
}

// SweepExpired removes expired tokens and revocation entries older than an
// hour. Nothing in this module calls it; the trust sweeper does not.
func (b *SessionBroker) SweepExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().Unix()
	swept := 0
	for tokenID, claims := range b.activeTokens {
		if now > claims.ExpiresAt {
			delete(b.activeTokens, tokenID)
			swept++
		}
	}
	cutoff := time.Now().Add(-1 * time.Hour)
	for tokenID, revokedAt := range b.revokedTokens {
		if revokedAt.Before(cutoff) {
			delete(b.revokedTokens, tokenID)
		}
	}
	return swept
}

func (b *SessionBroker) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
