package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// KeyLookup resolves persisted keys by their lookup prefix.
type KeyLookup interface {
	GetByPrefix(ctx context.Context, prefix string) (*APIKey, error)
}

// Gate decides whether a credential may proceed.
type Gate struct {
	allow []string
	keys  KeyLookup
	now   func() time.Time
}

// NewGate builds a gate over a static allow-list. keys may be nil, which
// disables persisted-key lookup.
func NewGate(allow []string, keys KeyLookup) *Gate {
	return &Gate{allow: allow, keys: keys, now: time.Now}
}

// Authenticate resolves credential to an identity. ok is false when the
// credential is rejected. err is non-nil only when the key store failed.
//
// A persisted key that matches, is active, and is unexpired always admits.
// Otherwise an empty allow-list admits everyone and a non-empty one admits
// only its members.
func (g *Gate) Authenticate(ctx context.Context, credential string) (Identity, bool, error) {
	if g.keys != nil && credential != "" {
		id, ok, err := g.lookupPersisted(ctx, credential)
		if err != nil {
			return Identity{}, false, err
		}
		if ok {
			return id, true, nil
		}
	}

	if len(g.allow) == 0 {
		return Identity{Credential: credential}, true, nil
	}
	if credential == "" {
		return Identity{}, false, nil
	}
	admitted := false
	for _, k := range g.allow {
		// No early exit: membership timing does not depend on position.
		if constantTimeEqual(credential, k) {
			admitted = true
		}
	}
	if !admitted {
		return Identity{}, false, nil
	}
	return Identity{Credential: credential}, true, nil
}

func (g *Gate) lookupPersisted(ctx context.Context, credential string) (Identity, bool, error) {
	prefix := LookupPrefix(credential)
	if prefix == "" {
		return Identity{}, false, nil
	}
	k, err := g.keys.GetByPrefix(ctx, prefix)
	if errors.Is(err, ErrKeyNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("lookup api key: %w", err)
	}
	if !k.Usable(g.now()) || !VerifyKey(credential, k.Salt, k.KeyHash) {
		return Identity{}, false, nil
	}
	return Identity{Credential: credential, KeyID: k.ID, ProjectID: k.ProjectID}, true, nil
}

// Middleware authenticates each request and attaches its Identity.
// Rejected credentials get 401 {"error":"Unauthorized"}.
func (g *Gate) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok, err := g.Authenticate(r.Context(), ExtractCredential(r))
			if err != nil {
				logger.Error("authentication failed", "path", r.URL.Path, "error", err)
				writeJSONError(w, http.StatusInternalServerError, "Internal error")
				return
			}
			if !ok {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
