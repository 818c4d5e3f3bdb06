package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/a-laz/transactly/internal/storage"
)

// Period is the window a project quota's limit is expressed over.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Minutes returns the period length in minutes, or 0 when unknown.
func (p Period) Minutes() float64 {
	switch p {
	case PeriodMinute:
		return 1
	case PeriodHour:
		return 60
	case PeriodDay:
		return 24 * 60
	}
	return 0
}

// MaxPeriod is the longest quota period. A bucket shaped by any override
// refills completely within it, since burst never exceeds the limit.
const MaxPeriod = 24 * time.Hour

// DefaultOverrideCacheTTL is how long a project's resolved quota is reused.
const DefaultOverrideCacheTTL = 30 * time.Second

var (
	ErrInvalidOverride  = errors.New("invalid quota override")
	ErrOverrideNotFound = errors.New("quota override not found")
)

// Override replaces the default bucket shape for one project and period.
// Limit requests are allowed per period; Burst caps the bucket and defaults
// to Limit.
type Override struct {
	ProjectID string    `json:"projectId" validate:"required,max=128"`
	Period    Period    `json:"period" validate:"required,oneof=minute hour day"`
	Limit     int       `json:"limit" validate:"required,gt=0"`
	Burst     int       `json:"burst,omitempty" validate:"gte=0,ltefield=Limit"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Config converts the override into a token-bucket shape.
func (o Override) Config() Config {
	capacity := o.Burst
	if capacity <= 0 {
		capacity = o.Limit
	}
	return Config{
		Capacity:        float64(capacity),
		RefillPerMinute: float64(o.Limit) / o.Period.Minutes(),
	}
}

// Strictest returns the bucket shape of the override with the slowest refill.
// Ties go to the smaller capacity.
func Strictest(overrides []Override) (Config, bool) {
	var (
		best  Config
		found bool
	)
	for _, o := range overrides {
		if o.Period.Minutes() == 0 || o.Limit <= 0 {
			continue
		}
		c := o.Config()
		if !found || c.RefillPerMinute < best.RefillPerMinute ||
			(c.RefillPerMinute == best.RefillPerMinute && c.Capacity < best.Capacity) {
			best, found = c, true
		}
	}
	return best, found
}

// ProjectKey is the bucket key shared by every key of a project with an
// override.
func ProjectKey(projectID string) string {
	return "rl:project:" + projectID
}

// OverrideSource resolves a project's bucket shape. found is false when the
// project has no override.
type OverrideSource interface {
	QuotaFor(ctx context.Context, projectID string) (cfg Config, found bool, err error)
}

type cachedQuota struct {
	cfg   Config
	found bool
	at    time.Time
}

// SQLOverrideStore persists overrides in the project_quotas table and caches
// resolved shapes per project.
type SQLOverrideStore struct {
	db       *storage.DB
	validate *validator.Validate
	now      func() time.Time
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cachedQuota
}

// NewSQLOverrideStore returns an override store over db.
func NewSQLOverrideStore(db *storage.DB) *SQLOverrideStore {
	return &SQLOverrideStore{
		db:       db,
		validate: validator.New(),
		now:      time.Now,
		ttl:      DefaultOverrideCacheTTL,
		cache:    make(map[string]cachedQuota),
	}
}

// Upsert stores o, replacing any override for the same project and period.
func (s *SQLOverrideStore) Upsert(ctx context.Context, o Override) (Override, error) {
	if err := s.validate.StructCtx(ctx, o); err != nil {
		return Override{}, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	o.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO project_quotas(id, project_id, period, request_limit, burst, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  request_limit = excluded.request_limit,
  burst = excluded.burst,
  updated_at = excluded.updated_at;
`, o.ProjectID+":"+string(o.Period), o.ProjectID, string(o.Period), o.Limit, o.Burst, storage.FormatTime(o.UpdatedAt))
	if err != nil {
		return Override{}, fmt.Errorf("upsert quota override: %w", err)
	}
	s.forget(o.ProjectID)
	return o, nil
}

// Delete removes the override for projectID and period.
func (s *SQLOverrideStore) Delete(ctx context.Context, projectID string, period Period) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_quotas WHERE id = ?;`, projectID+":"+string(period))
	if err != nil {
		return fmt.Errorf("delete quota override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete quota override rows affected: %w", err)
	}
	s.forget(projectID)
	if n == 0 {
		return ErrOverrideNotFound
	}
	return nil
}

// List returns projectID's overrides ordered by period.
func (s *SQLOverrideStore) List(ctx context.Context, projectID string) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT project_id, period, request_limit, burst, updated_at
FROM project_quotas
WHERE project_id = ?
ORDER BY period;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list quota overrides: %w", err)
	}
	defer rows.Close()

	out := []Override{}
	for rows.Next() {
		var (
			o       Override
			period  string
			updated string
		)
		if err := rows.Scan(&o.ProjectID, &period, &o.Limit, &o.Burst, &updated); err != nil {
			return nil, fmt.Errorf("scan quota override: %w", err)
		}
		o.Period = Period(period)
		if o.UpdatedAt, err = storage.ParseTime(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quota overrides: %w", err)
	}
	return out, nil
}

// QuotaFor resolves projectID's strictest override.
func (s *SQLOverrideStore) QuotaFor(ctx context.Context, projectID string) (Config, bool, error) {
	now := s.now()
	s.mu.Lock()
	c, ok := s.cache[projectID]
	s.mu.Unlock()
	if ok && now.Sub(c.at) < s.ttl {
		return c.cfg, c.found, nil
	}

	list, err := s.List(ctx, projectID)
	if err != nil {
		return Config{}, false, err
	}
	cfg, found := Strictest(list)

	s.mu.Lock()
	s.cache[projectID] = cachedQuota{cfg: cfg, found: found, at: now}
	s.mu.Unlock()
	return cfg, found, nil
}

func (s *SQLOverrideStore) forget(projectID string) {
	s.mu.Lock()
	delete(s.cache, projectID)
	s.mu.Unlock()
}
