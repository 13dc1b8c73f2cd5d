// Package apikey authenticates API callers by static keys. Keys are stored
// as SHA-256 hashes and compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rhuss/drivercore/pkg/auth"
)

// HeaderAPIKey carries a key for clients that cannot send bearer tokens.
const HeaderAPIKey = "X-API-Key"

// Entry configures one key and the identity it grants.
type Entry struct {
	Key      string
	Identity auth.Identity
}

type hashedEntry struct {
	hash     [32]byte
	identity auth.Identity
}

// Authenticator validates keys against a static set.
type Authenticator struct {
	keys []hashedEntry
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New hashes the given keys; plaintext keys are not retained.
func New(entries []Entry) *Authenticator {
	a := &Authenticator{keys: make([]hashedEntry, 0, len(entries))}
	for _, e := range entries {
		a.keys = append(a.keys, hashedEntry{
			hash:     sha256.Sum256([]byte(e.Key)),
			identity: e.Identity,
		})
	}
	return a
}

// Authenticate reads the key from X-API-Key or a bearer token. It abstains
// when neither is present and rejects unknown keys.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	key, ok := credential(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if key == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	sum := sha256.Sum256([]byte(key))
	match := -1
	for i := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], a.keys[i].hash[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	id := a.keys[match].identity
	return auth.Result{Decision: auth.Yes, Identity: &id}
}

func credential(r *http.Request) (string, bool) {
	if k, ok := r.Header[http.CanonicalHeaderKey(HeaderAPIKey)]; ok && len(k) > 0 {
		return strings.TrimSpace(k[0]), true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
}
