// Package auth implements API key authentication for the gateway. Unlike
// the teacher's multi-tenant org/team/role model, this gateway has a
// single flat list of accepted keys (no DB-backed CRUD, no per-key
// budgets) — it fronts one upstream account pool, not a marketplace of
// tenants.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// KeyAuth authenticates requests against a fixed set of accepted API
// keys, stored as SHA-256 hashes so the accepted plaintext keys are not
// retained after construction.
type KeyAuth struct {
	hashes map[string]struct{}
}

// NewKeyAuth builds a KeyAuth from plaintext keys (e.g. loaded from
// config/environment at startup).
func NewKeyAuth(keys []string) *KeyAuth {
	k := &KeyAuth{hashes: make(map[string]struct{}, len(keys))}
	for _, key := range keys {
		k.hashes[hashKey(key)] = struct{}{}
	}
	return k
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate extracts a bearer token (Authorization: Bearer ... or
// X-API-Key) and validates it in constant time against the accepted
// set. An empty accepted set means authentication is disabled.
func (k *KeyAuth) Authenticate(r *http.Request) error {
	if len(k.hashes) == 0 {
		return nil
	}

	raw := extractKey(r)
	if raw == "" {
		return gateway.ErrUnauthorized
	}

	candidate := hashKey(raw)
	for known := range k.hashes {
		if subtle.ConstantTimeCompare([]byte(known), []byte(candidate)) == 1 {
			return nil
		}
	}
	return gateway.ErrUnauthorized
}

func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return after
		}
	}
	return r.Header.Get("X-API-Key")
}
