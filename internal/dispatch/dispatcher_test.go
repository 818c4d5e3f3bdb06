package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/outbox"
	"github.com/a-laz/transactly/internal/storage"
	"github.com/a-laz/transactly/internal/webhook"
)

const testSecret = "whsec_test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	ob    *outbox.Outbox
	disp  *Dispatcher
	clock *fakeClock
	hub   *events.Hub
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ob := outbox.New(db).WithClock(clock.Now)
	hub := events.NewHub(64)

	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	d := New(cfg, ob, hub, testLogger())
	d.now = clock.Now
	d.jitter = func() time.Duration { return 0 }
	return &harness{ob: ob, disp: d, clock: clock, hub: hub}
}

type target struct {
	srv   *httptest.Server
	calls atomic.Int32
	mu    sync.Mutex
	reqs  []*http.Request
	body  [][]byte
}

// newTarget answers with statuses in order, repeating the last one.
func newTarget(t *testing.T, statuses ...int) *target {
	t.Helper()
	tg := &target{}
	tg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(tg.calls.Add(1))
		b, _ := io.ReadAll(r.Body)
		tg.mu.Lock()
		tg.reqs = append(tg.reqs, r)
		tg.body = append(tg.body, b)
		tg.mu.Unlock()

		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(tg.srv.Close)
	return tg
}

func (h *harness) enqueue(t *testing.T, id, url string) {
	t.Helper()
	_, err := h.ob.Enqueue(context.Background(), outbox.Event{
		ID:        id,
		Type:      "invoice.created",
		TargetURL: url,
		Payload:   json.RawMessage(`{"invoiceId":"inv_1","amount":1200}`),
	})
	require.NoError(t, err)
}

func TestTickDeadLettersAfterMaxAttempts(t *testing.T) {
	tg := newTarget(t, http.StatusInternalServerError)
	h := newHarness(t, Config{})
	h.enqueue(t, "evt_dead", tg.srv.URL)
	ctx := context.Background()

	for i := 1; i <= DefaultMaxAttempts; i++ {
		res, err := h.disp.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Claimed, "tick %d", i)
		if i < DefaultMaxAttempts {
			assert.Equal(t, 1, res.Retried)
		} else {
			assert.Equal(t, 1, res.DeadLettered)
		}
		h.clock.Advance(MaxDelay + MaxJitter)
	}

	res, err := h.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Equal(t, int32(DefaultMaxAttempts), tg.calls.Load())

	row, err := h.ob.Get(ctx, "evt_dead")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDead, row.Status)
	assert.Equal(t, DefaultMaxAttempts, row.Attempts)
	require.NotNil(t, row.LastError)
	assert.Equal(t, "HTTP 500", *row.LastError)

	dead, err := h.ob.ListDead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "evt_dead-dlq", dead[0].ID)
	assert.Equal(t, "evt_dead", dead[0].OutboxID)
	assert.Equal(t, DefaultMaxAttempts, dead[0].Attempts)
}

func TestTickDeliversOnThirdAttempt(t *testing.T) {
	tg := newTarget(t, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK)
	h := newHarness(t, Config{})
	h.enqueue(t, "evt_ok", tg.srv.URL)
	ctx := context.Background()

	var last Result
	for i := 0; i < 3; i++ {
		res, err := h.disp.Tick(ctx)
		require.NoError(t, err)
		last = res
		h.clock.Advance(MaxDelay + MaxJitter)
	}
	assert.Equal(t, 1, last.Delivered)

	row, err := h.ob.Get(ctx, "evt_ok")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, row.Status)
	assert.Equal(t, 2, row.Attempts)

	dead, err := h.ob.ListDead(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRetryIsNotDueBeforeBackoff(t *testing.T) {
	tg := newTarget(t, http.StatusInternalServerError)
	h := newHarness(t, Config{})
	h.enqueue(t, "evt_wait", tg.srv.URL)
	ctx := context.Background()

	_, err := h.disp.Tick(ctx)
	require.NoError(t, err)

	row, err := h.ob.Get(ctx, "evt_wait")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, row.Status)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.NextAttemptAt)
	assert.Equal(t, Backoff(1), row.NextAttemptAt.Sub(h.clock.Now()))

	h.clock.Advance(Backoff(1) - time.Millisecond)
	res, err := h.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	h.clock.Advance(time.Millisecond)
	res, err = h.disp.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
}

func TestDeliverySignsPayload(t *testing.T) {
	tg := newTarget(t, http.StatusNoContent)
	h := newHarness(t, Config{})
	h.enqueue(t, "evt_sig", tg.srv.URL)

	_, err := h.disp.Tick(context.Background())
	require.NoError(t, err)

	tg.mu.Lock()
	defer tg.mu.Unlock()
	require.Len(t, tg.reqs, 1)
	r := tg.reqs[0]
	body := tg.body[0]

	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, "evt_sig", r.Header.Get(webhook.HeaderID))
	assert.Equal(t, "invoice.created", r.Header.Get(webhook.HeaderEvent))
	assert.Equal(t, webhook.AlgorithmSHA256, r.Header.Get(webhook.HeaderAlgorithm))
	assert.JSONEq(t, `{"invoiceId":"inv_1","amount":1200}`, string(body))

	sig := webhook.SignatureFromHeaders(r.Header)
	assert.True(t, webhook.Verify(testSecret, body, sig, webhook.DefaultTolerance, h.clock.Now()))
	assert.False(t, webhook.Verify("other", body, sig, webhook.DefaultTolerance, h.clock.Now()))
}

func TestTimeoutIsRetried(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	h := newHarness(t, Config{Timeout: 50 * time.Millisecond})
	h.enqueue(t, "evt_slow", srv.URL)

	res, err := h.disp.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	row, err := h.ob.Get(context.Background(), "evt_slow")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, row.Status)
	require.NotNil(t, row.LastError)
	assert.NotContains(t, *row.LastError, "HTTP ")
}

func TestUnreachableTargetIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newHarness(t, Config{})
	h.enqueue(t, "evt_down", url)

	res, err := h.disp.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
}

func TestLifecycleEventsPublished(t *testing.T) {
	tg := newTarget(t, http.StatusInternalServerError, http.StatusOK)
	h := newHarness(t, Config{})
	h.enqueue(t, "evt_ev", tg.srv.URL)
	ch, cancel := h.hub.Subscribe()
	defer cancel()

	_, err := h.disp.Tick(context.Background())
	require.NoError(t, err)
	h.clock.Advance(MaxDelay + MaxJitter)
	_, err = h.disp.Tick(context.Background())
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("got events %v", types)
		}
	}
	assert.Equal(t, []string{events.WebhookRetryScheduled, events.WebhookDelivered}, types)
}

func TestStartStop(t *testing.T) {
	tg := newTarget(t, http.StatusOK)
	h := newHarness(t, Config{Interval: 10 * time.Millisecond, LeaseTimeout: time.Minute})
	h.enqueue(t, "evt_loop", tg.srv.URL)

	require.NoError(t, h.disp.Start(context.Background()))
	assert.Error(t, h.disp.Start(context.Background()))

	require.Eventually(t, func() bool {
		row, err := h.ob.Get(context.Background(), "evt_loop")
		return err == nil && row.Status == outbox.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	h.disp.Stop()
	h.disp.Stop()
}

func TestShutdownReleasesPacedRows(t *testing.T) {
	for _, tc := range []struct {
		name     string
		shutdown func(cancel context.CancelFunc, d *Dispatcher)
	}{
		{"stop", func(_ context.CancelFunc, d *Dispatcher) { d.Stop() }},
		{"context", func(cancel context.CancelFunc, d *Dispatcher) { cancel(); d.Stop() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tg := newTarget(t, http.StatusOK)
			// One token up front, then one every two seconds.
			h := newHarness(t, Config{Interval: 10 * time.Millisecond, DeliveriesPerSecond: 0.5})
			for _, id := range []string{"evt_p1", "evt_p2", "evt_p3", "evt_p4"} {
				h.enqueue(t, id, tg.srv.URL)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, h.disp.Start(ctx))
			require.Eventually(t, func() bool { return tg.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

			begin := time.Now()
			tc.shutdown(cancel, h.disp)
			assert.Less(t, time.Since(begin), time.Second)
			assert.Equal(t, int32(1), tg.calls.Load())

			counts, err := h.ob.Counts(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, counts[string(outbox.StatusDelivered)])
			assert.Equal(t, 3, counts[string(outbox.StatusPending)])
			assert.Zero(t, counts[string(outbox.StatusDelivering)])
		})
	}
}

func TestStartupReapRecoversStaleLease(t *testing.T) {
	tg := newTarget(t, http.StatusOK)
	h := newHarness(t, Config{Interval: 10 * time.Millisecond, LeaseTimeout: time.Minute})
	h.enqueue(t, "evt_orphan", tg.srv.URL)

	// Simulate a process that claimed the row and died.
	rows, err := h.ob.ClaimDue(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	h.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.disp.Start(ctx))
	require.Eventually(t, func() bool {
		row, err := h.ob.Get(context.Background(), "evt_orphan")
		return err == nil && row.Status == outbox.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	h.disp.Stop()
}

func TestBackoffIsBoundedAndNonDecreasing(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(0))
	assert.Equal(t, 4*time.Second, Backoff(1))
	assert.Equal(t, 128*time.Second, Backoff(6))
	assert.Equal(t, MaxDelay, Backoff(7))
	assert.Equal(t, MaxDelay, Backoff(1000))

	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		d := Backoff(n)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", n)
		assert.LessOrEqual(t, d, MaxDelay)
		prev = d
	}
	for i := 0; i < 100; i++ {
		j := randomJitter()
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, MaxJitter)
	}
}

func TestDeliveryErrorMessage(t *testing.T) {
	assert.Equal(t, "HTTP 503", (&DeliveryError{StatusCode: 503}).Error())

	base := errors.New("connection refused")
	err := &DeliveryError{Err: base}
	assert.Equal(t, "connection refused", err.Error())
	assert.ErrorIs(t, err, base)
}
