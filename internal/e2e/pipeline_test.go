package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-laz/transactly/internal/api"
	"github.com/a-laz/transactly/internal/auth"
	"github.com/a-laz/transactly/internal/dispatch"
	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/idempotency"
	"github.com/a-laz/transactly/internal/log"
	"github.com/a-laz/transactly/internal/outbox"
	"github.com/a-laz/transactly/internal/quota"
	"github.com/a-laz/transactly/internal/storage"
	"github.com/a-laz/transactly/internal/webhook"
)

const (
	clientKey = "key_e2e"
	adminKey  = "admin_e2e"
	secret    = "whsec_e2e"
)

// clock is a movable time source shared by the outbox.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stack struct {
	api        *httptest.Server
	receiver   *httptest.Server
	outbox     *outbox.Outbox
	hub        *events.Hub
	clock      *clock
	mu         sync.Mutex
	deliveries []webhook.Delivery
}

func (s *stack) received() []webhook.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webhook.Delivery(nil), s.deliveries...)
}

// newStack wires storage, admission, outbox and a signed receiver that
// answers 500 to its first failFirst deliveries.
func newStack(t *testing.T, failFirst int) *stack {
	t.Helper()
	log.Setup("error", "text")
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := &stack{
		hub:   events.NewHub(64),
		clock: &clock{t: time.Now()},
	}
	s.outbox = outbox.New(db).WithClock(s.clock.Now)

	rcv := webhook.NewReceiver(webhook.ReceiverConfig{Secret: secret, FailFirst: failFirst},
		webhook.SinkFunc(func(_ context.Context, d webhook.Delivery) error {
			s.mu.Lock()
			s.deliveries = append(s.deliveries, d)
			s.mu.Unlock()
			return nil
		}), log.WithComponent("receiver"))
	s.receiver = httptest.NewServer(rcv.Handler())
	t.Cleanup(s.receiver.Close)

	server := api.New(api.Config{
		AdminKey:      adminKey,
		InvoiceTarget: s.receiver.URL + webhook.DefaultPath,
	}, api.Deps{
		Gate:        auth.NewGate([]string{clientKey}, nil),
		Limiter:     quota.NewLimiter(quota.Config{Capacity: 10, RefillPerMinute: 60}, quota.NewMemoryStore()),
		Idempotency: idempotency.New(idempotency.Config{TTL: time.Hour}, idempotency.NewMemoryStore(), log.WithComponent("idempotency")),
		Outbox:      s.outbox,
		Events:      s.hub,
	}, log.WithComponent("api"))
	s.api = httptest.NewServer(server.Handler())
	t.Cleanup(s.api.Close)
	return s
}

func (s *stack) dispatcher(maxAttempts int) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		Secret:      secret,
		MaxAttempts: maxAttempts,
		Timeout:     2 * time.Second,
	}, s.outbox, s.hub, log.WithComponent("dispatch"))
}

func (s *stack) createInvoice(t *testing.T, idemKey string) (int, api.Invoice) {
	t.Helper()
	body := []byte(`{"amount":1250,"currency":"usd","description":"e2e"}`)
	req, err := http.NewRequest(http.MethodPost, s.api.URL+"/api/invoices", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", clientKey)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var inv api.Invoice
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inv))
	return resp.StatusCode, inv
}

func (s *stack) admin(t *testing.T, method, path string, dst any) int {
	t.Helper()
	req, err := http.NewRequest(method, s.api.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("x-admin-key", adminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func TestInvoiceWebhookDeliveredAfterRetry(t *testing.T) {
	s := newStack(t, 1)
	ctx := context.Background()

	sub, cancel := s.hub.Subscribe()
	defer cancel()

	status, inv := s.createInvoice(t, "order-1")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "USD", inv.Currency)

	// The replayed request returns the cached invoice and enqueues nothing new.
	status, again := s.createInvoice(t, "order-1")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, inv.ID, again.ID)

	depth, err := s.outbox.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	d := s.dispatcher(6)

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Empty(t, s.received())

	// Not yet due.
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	s.clock.Advance(10 * time.Minute)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, "evt_"+inv.ID, got[0].ID)
	assert.Equal(t, "invoice.created", got[0].Event)
	var payload api.Invoice
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, inv.ID, payload.ID)
	assert.Equal(t, int64(1250), payload.Amount)

	row, err := s.outbox.Get(ctx, "evt_"+inv.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, row.Status)
	assert.Equal(t, 1, row.Attempts)

	var seen []string
	for len(seen) < 3 {
		select {
		case e := <-sub:
			seen = append(seen, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
	assert.Equal(t, []string{events.WebhookEnqueued, events.WebhookRetryScheduled, events.WebhookDelivered}, seen)
}

func TestDeadLetterReplayedThroughAdminAPI(t *testing.T) {
	s := newStack(t, 2)
	ctx := context.Background()

	status, inv := s.createInvoice(t, "")
	require.Equal(t, http.StatusCreated, status)
	id := "evt_" + inv.ID

	d := s.dispatcher(2)
	for i := 0; i < 2; i++ {
		_, err := d.Tick(ctx)
		require.NoError(t, err)
		s.clock.Advance(10 * time.Minute)
	}

	var dead api.RowsResponse[outbox.DeadLetter]
	require.Equal(t, http.StatusOK, s.admin(t, http.MethodGet, "/api/webhooks/dlq", &dead))
	require.Len(t, dead.Rows, 1)
	assert.Equal(t, id+"-dlq", dead.Rows[0].ID)
	assert.Equal(t, 2, dead.Rows[0].Attempts)

	var ok api.OKResponse
	require.Equal(t, http.StatusOK, s.admin(t, http.MethodPost, "/api/webhooks/replay/"+dead.Rows[0].ID, &ok))
	assert.Equal(t, id, ok.OutboxID)

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, s.received(), 1)

	var rows api.RowsResponse[outbox.Row]
	require.Equal(t, http.StatusOK, s.admin(t, http.MethodGet, "/api/webhooks/outbox?status=delivered", &rows))
	require.Len(t, rows.Rows, 1)
	assert.Equal(t, id, rows.Rows[0].ID)
}

func TestClientAPIRejectsUnknownKey(t *testing.T) {
	s := newStack(t, 0)

	req, err := http.NewRequest(http.MethodPost, s.api.URL+"/api/invoices", bytes.NewReader([]byte(`{"amount":1,"currency":"usd"}`)))
	require.NoError(t, err)
	req.Header.Set("x-api-key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	depth, err := s.outbox.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}
