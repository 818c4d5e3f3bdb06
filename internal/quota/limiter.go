package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrContention is returned when a bucket could not be updated after
// repeated compare-and-swap conflicts.
var ErrContention = errors.New("quota: bucket update contention")

const maxCASAttempts = 16

// Bucket is one identity's token state.
type Bucket struct {
	Tokens     float64
	LastRefill time.Time
}

// Store holds buckets. CompareAndSwap replaces the bucket at key with next
// only if it still equals old (or is still absent when found is false).
type Store interface {
	Get(ctx context.Context, key string) (Bucket, bool, error)
	CompareAndSwap(ctx context.Context, key string, old Bucket, found bool, next Bucket) (bool, error)
}

// Config is the bucket shape shared by every key.
type Config struct {
	Capacity        float64
	RefillPerMinute float64
}

// Decision is the outcome of one admission.
type Decision struct {
	Allowed bool
	// RetryAfter is whole seconds until one token is available. Zero when allowed.
	RetryAfter int
	Remaining  float64
}

// Limiter is a token-bucket rate limiter over a Store.
type Limiter struct {
	cfg       Config
	store     Store
	overrides OverrideSource
	now       func() time.Time
}

// NewLimiter returns a limiter. Capacity below 1 or a non-positive refill is
// replaced by the defaults (60, 60/min).
func NewLimiter(cfg Config, store Store) *Limiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 60
	}
	if cfg.RefillPerMinute <= 0 {
		cfg.RefillPerMinute = 60
	}
	return &Limiter{cfg: cfg, store: store, now: time.Now}
}

// Config returns the limiter's default bucket shape.
func (l *Limiter) Config() Config { return l.cfg }

// WithOverrides makes the limiter consult src for per-project quotas.
func (l *Limiter) WithOverrides(src OverrideSource) *Limiter {
	l.overrides = src
	return l
}

// Admit consumes one token from key's bucket if available, using the
// default bucket shape.
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, error) {
	return l.AdmitWith(ctx, key, l.cfg)
}

// AdmitWith is Admit with an explicit bucket shape.
func (l *Limiter) AdmitWith(ctx context.Context, key string, cfg Config) (Decision, error) {
	for i := 0; i < maxCASAttempts; i++ {
		cur, found, err := l.store.Get(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("get bucket %s: %w", key, err)
		}
		next, d := step(cfg, cur, found, l.now())
		ok, err := l.store.CompareAndSwap(ctx, key, cur, found, next)
		if err != nil {
			return Decision{}, fmt.Errorf("store bucket %s: %w", key, err)
		}
		if ok {
			return d, nil
		}
	}
	return Decision{}, ErrContention
}

func (c Config) refillPerMs() float64 {
	return c.RefillPerMinute / 60000
}

// step refills the bucket to now and tries to take one token. The refilled
// bucket is returned on both paths so a rejection still persists the refill.
func step(cfg Config, cur Bucket, found bool, now time.Time) (Bucket, Decision) {
	b := cur
	if !found {
		b = Bucket{Tokens: cfg.Capacity, LastRefill: now}
	}

	elapsedMs := float64(now.Sub(b.LastRefill)) / float64(time.Millisecond)
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	b.Tokens = math.Min(cfg.Capacity, b.Tokens+elapsedMs*cfg.refillPerMs())
	b.LastRefill = now

	if b.Tokens < 1 {
		retry := int(math.Ceil((1 - b.Tokens) / cfg.refillPerMs() / 1000))
		if retry < 1 {
			retry = 1
		}
		return b, Decision{Allowed: false, RetryAfter: retry, Remaining: b.Tokens}
	}
	b.Tokens--
	return b, Decision{Allowed: true, Remaining: b.Tokens}
}
