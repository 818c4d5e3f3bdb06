package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-laz/transactly/internal/auth"
	"github.com/a-laz/transactly/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOverrideStore(t *testing.T) *SQLOverrideStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "quotas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLOverrideStore(db)
}

func TestOverrideConfig(t *testing.T) {
	tests := []struct {
		name string
		o    Override
		want Config
	}{
		{"minute", Override{Period: PeriodMinute, Limit: 120}, Config{Capacity: 120, RefillPerMinute: 120}},
		{"hour with burst", Override{Period: PeriodHour, Limit: 600, Burst: 50}, Config{Capacity: 50, RefillPerMinute: 10}},
		{"day", Override{Period: PeriodDay, Limit: 1440}, Config{Capacity: 1440, RefillPerMinute: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.o.Config())
		})
	}
}

func TestStrictestPicksSlowestRefill(t *testing.T) {
	_, found := Strictest(nil)
	assert.False(t, found)

	cfg, found := Strictest([]Override{
		{Period: PeriodMinute, Limit: 100},
		{Period: PeriodHour, Limit: 600},
		{Period: PeriodDay, Limit: 100000},
	})
	require.True(t, found)
	assert.Equal(t, Config{Capacity: 600, RefillPerMinute: 10}, cfg)

	cfg, _ = Strictest([]Override{
		{Period: PeriodMinute, Limit: 10},
		{Period: PeriodHour, Limit: 600, Burst: 5},
	})
	assert.Equal(t, Config{Capacity: 5, RefillPerMinute: 10}, cfg)
}

func TestSQLOverrideStoreUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newOverrideStore(t)

	_, err := s.Upsert(ctx, Override{ProjectID: "prj_1", Period: PeriodMinute, Limit: 100, Burst: 20})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Override{ProjectID: "prj_1", Period: PeriodHour, Limit: 3000})
	require.NoError(t, err)
	saved, err := s.Upsert(ctx, Override{ProjectID: "prj_1", Period: PeriodMinute, Limit: 50})
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())
	_, err = s.Upsert(ctx, Override{ProjectID: "prj_2", Period: PeriodDay, Limit: 10})
	require.NoError(t, err)

	list, err := s.List(ctx, "prj_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, PeriodHour, list[0].Period)
	assert.Equal(t, 3000, list[0].Limit)
	assert.Equal(t, PeriodMinute, list[1].Period)
	assert.Equal(t, 50, list[1].Limit)
	assert.Equal(t, 0, list[1].Burst)

	empty, err := s.List(ctx, "prj_none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLOverrideStoreValidation(t *testing.T) {
	ctx := context.Background()
	s := newOverrideStore(t)

	for _, o := range []Override{
		{Period: PeriodMinute, Limit: 1},
		{ProjectID: "p", Period: "week", Limit: 1},
		{ProjectID: "p", Period: PeriodMinute},
		{ProjectID: "p", Period: PeriodMinute, Limit: 10, Burst: 11},
		{ProjectID: "p", Period: PeriodMinute, Limit: 10, Burst: -1},
	} {
		_, err := s.Upsert(ctx, o)
		assert.ErrorIs(t, err, ErrInvalidOverride, "%+v", o)
	}
}

func TestSQLOverrideStoreQuotaForCaches(t *testing.T) {
	ctx := context.Background()
	s := newOverrideStore(t)
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = clk.Now

	_, found, err := s.QuotaFor(ctx, "prj_1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.Upsert(ctx, Override{ProjectID: "prj_1", Period: PeriodMinute, Limit: 30})
	require.NoError(t, err)
	cfg, found, err := s.QuotaFor(ctx, "prj_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Config{Capacity: 30, RefillPerMinute: 30}, cfg)

	// A write from another process only shows up once the entry expires.
	_, err = s.db.ExecContext(ctx, `UPDATE project_quotas SET request_limit = 6 WHERE id = 'prj_1:minute';`)
	require.NoError(t, err)
	cfg, _, _ = s.QuotaFor(ctx, "prj_1")
	assert.Equal(t, float64(30), cfg.Capacity)
	clk.Advance(DefaultOverrideCacheTTL)
	cfg, _, _ = s.QuotaFor(ctx, "prj_1")
	assert.Equal(t, float64(6), cfg.Capacity)

	require.NoError(t, s.Delete(ctx, "prj_1", PeriodMinute))
	_, found, err = s.QuotaFor(ctx, "prj_1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, s.Delete(ctx, "prj_1", PeriodMinute), ErrOverrideNotFound)
}

type stubOverrides struct {
	byProject map[string]Config
	err       error
}

func (s stubOverrides) QuotaFor(_ context.Context, projectID string) (Config, bool, error) {
	if s.err != nil {
		return Config{}, false, s.err
	}
	cfg, ok := s.byProject[projectID]
	return cfg, ok, nil
}

func TestMiddlewareAppliesProjectOverride(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, _ := newTestLimiter(5, 60, NewMemoryStore())
	l.WithOverrides(stubOverrides{byProject: map[string]Config{
		"prj_small": {Capacity: 2, RefillPerMinute: 1},
	}})

	var rejected []string
	h := Middleware(l, logger, func(key string) { rejected = append(rejected, key) })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	call := func(id auth.Identity) int {
		r := httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
		r = r.WithContext(auth.WithIdentity(r.Context(), id))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	// Two keys of the overridden project draw from one bucket of 2.
	assert.Equal(t, http.StatusOK, call(auth.Identity{Credential: "k1", ProjectID: "prj_small"}))
	assert.Equal(t, http.StatusOK, call(auth.Identity{Credential: "k2", ProjectID: "prj_small"}))
	assert.Equal(t, http.StatusTooManyRequests, call(auth.Identity{Credential: "k1", ProjectID: "prj_small"}))
	assert.Equal(t, []string{ProjectKey("prj_small")}, rejected)

	// Other projects keep the per-key default of 5.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, call(auth.Identity{Credential: "k3", ProjectID: "prj_other"}))
	}
	assert.Equal(t, http.StatusTooManyRequests, call(auth.Identity{Credential: "k3", ProjectID: "prj_other"}))
}

func TestMiddlewareFallsBackWhenOverrideLookupFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, _ := newTestLimiter(1, 60, NewMemoryStore())
	l.WithOverrides(stubOverrides{err: errors.New("db down")})

	var rejected []string
	h := Middleware(l, logger, func(key string) { rejected = append(rejected, key) })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	call := func() int {
		r := httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
		r = r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{Credential: "k1", ProjectID: "prj_1"}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call())
	assert.Equal(t, http.StatusTooManyRequests, call())
	assert.Equal(t, []string{"rl:k1"}, rejected)
}
