// Package doctor checks a loaded configuration for deployment problems the
// loader accepts but an operator should hear about, and optionally checks
// the configured backends.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/a-laz/transactly/internal/config"
	"github.com/a-laz/transactly/internal/storage"
)

const minSecretLen = 16

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all static checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateAuth(r)
	d.validateWebhooks(r)
	d.warnSharedState(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// Connect opens the database and, for the redis backend, pings redis. Failures
// are recorded as errors on r.
func (d *Doctor) Connect(ctx context.Context, r *Result) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, d.cfg.Database.Driver, d.cfg.Database.DSN)
	if err != nil {
		d.addError(r, "connectivity", "database.dsn", err.Error())
	} else {
		_ = db.Close()
	}

	if d.cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     d.cfg.Redis.Addr,
			Password: d.cfg.Redis.Password,
			DB:       d.cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			d.addError(r, "connectivity", "redis.addr", fmt.Sprintf("ping %s: %v", d.cfg.Redis.Addr, err))
		}
	}

	r.Valid = len(r.Errors) == 0
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if d.cfg.Service.LockPath == "" {
		d.addWarning(r, "service", "service.lock_path",
			"no dispatcher lock; two processes on one database will both deliver")
	}
}

func (d *Doctor) validateAuth(r *Result) {
	a := d.cfg.Auth
	switch {
	case a.AdminKey == "":
		d.addWarning(r, "auth", "auth.admin_key", "admin key is empty; operator routes reject every request")
	case len(a.AdminKey) < minSecretLen:
		d.addWarning(r, "auth", "auth.admin_key", fmt.Sprintf("admin key is shorter than %d characters", minSecretLen))
	}

	if len(a.APIKeys) == 0 && !a.UseDBKeys {
		d.addWarning(r, "auth", "auth.api_keys", "no API keys configured; the client API admits every caller")
	}

	seen := map[string]int{}
	for i, k := range a.APIKeys {
		field := fmt.Sprintf("auth.api_keys[%d]", i)
		if prev, ok := seen[k]; ok {
			d.addWarning(r, "auth", field, fmt.Sprintf("duplicate of auth.api_keys[%d]", prev))
			continue
		}
		seen[k] = i
		if a.AdminKey != "" && k == a.AdminKey {
			d.addError(r, "auth", field, "client API key must differ from the admin key")
		}
	}
}

func (d *Doctor) validateWebhooks(r *Result) {
	w := d.cfg.Webhooks
	switch {
	case w.Secret == "":
		d.addWarning(r, "webhooks", "webhooks.secret", "webhooks.secret is empty; the dispatcher will not run")
	case len(w.Secret) < minSecretLen:
		d.addWarning(r, "webhooks", "webhooks.secret", fmt.Sprintf("signing secret is shorter than %d characters", minSecretLen))
	}

	if w.InvoiceTarget != "" {
		u, err := url.Parse(w.InvoiceTarget)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			d.addError(r, "webhooks", "webhooks.invoice_target", fmt.Sprintf("not an http(s) URL: %q", w.InvoiceTarget))
		}
	}

	if w.LeaseTimeout == 0 {
		d.addWarning(r, "webhooks", "webhooks.lease_timeout",
			"rows left delivering by a crashed process are never reaped")
	} else if w.LeaseTimeout <= w.Timeout {
		d.addError(r, "webhooks", "webhooks.lease_timeout",
			fmt.Sprintf("must exceed webhooks.timeout (%s); in-flight deliveries would be reaped", w.Timeout))
	}

	if w.DeliveriesPerSecond < 0 {
		d.addError(r, "webhooks", "webhooks.deliveries_per_second", "must not be negative")
	}
}

// warnSharedState flags per-process backends on a database that several
// replicas are likely to share.
func (d *Doctor) warnSharedState(r *Result) {
	if d.cfg.Database.Driver != "pgx" {
		return
	}
	if d.cfg.RateLimit.Backend == "memory" {
		d.addWarning(r, "scaling", "rate_limit.backend",
			"memory buckets are per process; each replica admits the full capacity")
	}
	if d.cfg.Idempotency.Backend == "memory" {
		d.addWarning(r, "scaling", "idempotency.backend",
			"memory cache is per process; a retry landing on another replica is not replayed")
	}
	if !strings.HasPrefix(d.cfg.Database.DSN, "postgres://") && !strings.HasPrefix(d.cfg.Database.DSN, "postgresql://") {
		d.addWarning(r, "database", "database.dsn", "pgx DSN is not a postgres:// URL")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
