package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash returns a stable content hash of a plan (or any canonical-JSON-able
// value), the "content hash accompanies each plan" determinism property
// from §4.6/§8 — adapted from the teacher's snapshot-service hash pattern.
func Hash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("policy: marshal for hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
