package idempotency

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a-laz/transactly/internal/auth"
	"github.com/a-laz/transactly/internal/metrics"
	"github.com/zeebo/blake3"
)

// ErrFingerprintMismatch means a key was reused with a different request body.
var ErrFingerprintMismatch = errors.New("Idempotency-Key reuse with different request")

// Response headers.
const (
	HeaderReplay  = "Idempotent-Replay"
	DefaultHeader = "Idempotency-Key"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 128

// DefaultTTL is how long a stored response is replayed.
const DefaultTTL = 24 * time.Hour

// DefaultMaxBodyBytes caps the request body read for fingerprinting.
const DefaultMaxBodyBytes = 1 << 20

// Config controls which requests are cached and for how long.
type Config struct {
	Header          string
	TTL             time.Duration
	StrictBodyMatch bool
	// MaxBodyBytes caps the buffered request body; larger bodies get 413.
	MaxBodyBytes int64
	// SweepProbability is the chance an intercepted request triggers Sweep.
	SweepProbability float64
}

// Cache replays stored responses for repeated unsafe requests.
type Cache struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	locks  keyLocks
	now    func() time.Time
	rand   func() float64
}

// New returns a cache. Zero config fields take defaults.
func New(cfg Config, store Store, logger *slog.Logger) *Cache {
	if cfg.Header == "" {
		cfg.Header = DefaultHeader
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.SweepProbability == 0 {
		cfg.SweepProbability = 0.01
	}
	return &Cache{
		cfg:    cfg,
		store:  store,
		logger: logger,
		locks:  keyLocks{m: make(map[string]*keyLock)},
		now:    time.Now,
		rand:   rand.Float64,
	}
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// ScopeKey builds the record key for a request.
func ScopeKey(identity, method, path, key string) string {
	if identity == "" {
		identity = "anon"
	}
	return identity + ":" + strings.ToUpper(method) + ":" + path + ":" + key
}

// Fingerprint is the hex blake3-256 digest of a request body.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Middleware wraps next with replay caching.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !unsafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(c.cfg.Header))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > MaxKeyLength {
			writeError(w, http.StatusBadRequest, c.cfg.Header+" too long")
			return
		}

		ctx := r.Context()
		now := c.now()
		if c.rand() < c.cfg.SweepProbability {
			if n, err := c.store.Sweep(ctx, now.Add(-c.cfg.TTL)); err != nil {
				c.logger.Warn("idempotency sweep failed", "error", err)
			} else if n > 0 {
				c.logger.Debug("idempotency sweep", "removed", n)
			}
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fp := Fingerprint(body)

		var identity string
		if id, ok := auth.IdentityFromContext(ctx); ok {
			identity = id.Credential
		}
		scope := ScopeKey(identity, r.Method, r.URL.Path, key)

		unlock := c.locks.lock(scope)
		defer unlock()

		rec, err := c.store.Get(ctx, scope)
		if err != nil {
			c.logger.Error("idempotency lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		liveSince := c.now().Add(-c.cfg.TTL)
		if rec != nil && !rec.StoredAt.Before(liveSince) {
			if c.cfg.StrictBodyMatch && rec.Fingerprint != "" && rec.Fingerprint != fp {
				writeError(w, http.StatusConflict, ErrFingerprintMismatch.Error())
				return
			}
			c.replay(w, rec, key)
			return
		}

		rw := newRecorder()
		next.ServeHTTP(rw, r)

		status := rw.statusCode()
		if status < http.StatusInternalServerError {
			stored := Record{
				ScopeKey:    scope,
				Status:      status,
				Body:        rw.body.Bytes(),
				Header:      flatten(rw.header),
				Fingerprint: fp,
				StoredAt:    c.now(),
			}
			if _, err := c.store.PutIfAbsent(ctx, stored, liveSince); err != nil {
				c.logger.Error("idempotency store failed", "error", err)
			}
		}

		rw.header.Set(c.cfg.Header, key)
		rw.flushTo(w)
	})
}

func (c *Cache) replay(w http.ResponseWriter, rec *Record, key string) {
	metrics.IdempotentReplaysTotal.Inc()
	h := w.Header()
	for k, v := range rec.Header {
		h.Del(k)
		for _, one := range strings.Split(v, "\n") {
			h.Add(k, one)
		}
	}
	h.Set(HeaderReplay, "true")
	h.Set(c.cfg.Header, key)
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

// flatten stores each header as one string. Repeated values are joined with
// a newline, which cannot occur inside a header value, and split on replay.
func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = strings.Join(v, "\n")
		}
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// recorder buffers a handler's response so it can be stored before sending.
type recorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *recorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *recorder) flushTo(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range r.header {
		h[k] = v
	}
	w.WriteHeader(r.statusCode())
	_, _ = w.Write(r.body.Bytes())
}

// keyLocks serializes requests sharing a scope key within this process.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
