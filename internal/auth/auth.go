package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a credential is required and not accepted.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the caller resolved for one request. It is never persisted by
// the gate; KeyID and ProjectID are set only for persisted keys.
type Identity struct {
	Credential string
	KeyID      string
	ProjectID  string
}

// Anonymous reports whether no credential was presented.
func (i Identity) Anonymous() bool {
	return i.Credential == ""
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the gate middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// ExtractCredential returns the presented API key: the x-api-key header if
// non-empty, otherwise an "Authorization: Bearer <key>" token (scheme is
// case-insensitive). Returns "" when neither is present.
func ExtractCredential(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("x-api-key")); k != "" {
		return k
	}
	authz := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(authz) >= len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return strings.TrimSpace(authz[len(prefix):])
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RequireAdmin guards admin routes with the x-admin-key header. An empty
// adminKey rejects every request.
func RequireAdmin(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !constantTimeEqual(r.Header.Get("x-admin-key"), adminKey) {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
