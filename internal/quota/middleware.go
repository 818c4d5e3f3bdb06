package quota

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/a-laz/transactly/internal/auth"
)

// KeyFor returns the bucket key for a request: the caller's credential,
// else the client address host, else "anon".
func KeyFor(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id.Credential != "" {
		return "rl:" + id.Credential
	}
	if host := clientHost(r.RemoteAddr); host != "" {
		return "rl:" + host
	}
	return "rl:anon"
}

func clientHost(remote string) string {
	if remote == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// resolve picks the bucket key and shape for r. A project with an override
// gets one bucket shared by all of its keys; everything else uses KeyFor and
// the limiter defaults.
func (l *Limiter) resolve(r *http.Request, logger *slog.Logger) (string, Config) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id.ProjectID == "" || l.overrides == nil {
		return KeyFor(r), l.cfg
	}
	cfg, found, err := l.overrides.QuotaFor(r.Context(), id.ProjectID)
	if err != nil {
		logger.Warn("quota override lookup failed", "project_id", id.ProjectID, "error", err)
		return KeyFor(r), l.cfg
	}
	if !found {
		return KeyFor(r), l.cfg
	}
	return ProjectKey(id.ProjectID), cfg
}

// Middleware admits or rejects each request against l. Rejections get 429
// with Retry-After. Store failures are logged and the request is admitted.
func Middleware(l *Limiter, logger *slog.Logger, onReject func(key string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, cfg := l.resolve(r, logger)
			d, err := l.AdmitWith(r.Context(), key, cfg)
			if err != nil {
				logger.Error("rate limit check failed", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				if onReject != nil {
					onReject(key)
				}
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
