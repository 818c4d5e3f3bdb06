package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-laz/transactly/internal/storage"
)

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

func newOutbox(t *testing.T) (*Outbox, *clock) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(db).WithClock(c.Now), c
}

func invoiceEvent(id string) Event {
	return Event{
		ID:        id,
		Type:      "invoice.created",
		TargetURL: "http://127.0.0.1:4000/webhook",
		Payload:   json.RawMessage(`{"id":"` + id + `"}`),
	}
}

func TestEnqueueStoresPendingDueNow(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	id, err := ob.Enqueue(ctx, invoiceEvent("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", id)

	row, err := ob.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, 0, row.Attempts)
	assert.Equal(t, "evt_1", row.EventID)
	assert.Equal(t, "invoice.created", row.EventType)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(row.Payload))
	require.NotNil(t, row.NextAttemptAt)
	assert.True(t, row.NextAttemptAt.Equal(c.Now()))
	assert.Nil(t, row.LastError)
}

func TestEnqueueGeneratesIDAndDefaultsPayload(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	ctx := context.Background()

	id, err := ob.Enqueue(ctx, Event{Type: "ping", TargetURL: "https://example.com/hook"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	row, err := ob.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(row.Payload))
}

func TestEnqueueRejectsInvalidEvents(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)

	tests := []struct {
		name string
		ev   Event
	}{
		{"missing type", Event{TargetURL: "https://example.com"}},
		{"missing target", Event{Type: "x"}},
		{"bad target", Event{Type: "x", TargetURL: "not a url"}},
		{"bad payload", Event{Type: "x", TargetURL: "https://example.com", Payload: json.RawMessage(`{nope`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ob.Enqueue(context.Background(), tt.ev)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestEnqueueDuplicateID(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_dup"))
	require.NoError(t, err)
	_, err = ob.Enqueue(ctx, invoiceEvent("evt_dup"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestClaimDueRespectsScheduleAndLimit(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ob.Enqueue(ctx, invoiceEvent(fmt.Sprintf("evt_%d", i)))
		require.NoError(t, err)
		c.Advance(time.Millisecond)
	}

	rows, err := ob.ClaimDue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "evt_0", rows[0].ID)
	assert.Equal(t, "evt_1", rows[1].ID)
	for _, r := range rows {
		assert.Equal(t, StatusDelivering, r.Status)
	}

	rows, err = ob.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "evt_2", rows[0].ID)

	rows, err = ob.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClaimDueSkipsFutureRows(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_a"))
	require.NoError(t, err)
	rows, err := ob.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, ob.ScheduleRetry(ctx, "evt_a", 1, c.Now().Add(time.Minute), "boom"))

	rows, err = ob.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	c.Advance(time.Minute)
	rows, err = ob.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "boom", *rows[0].LastError)
}

func TestClaimDueConcurrentClaimersNeverShareRows(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		_, err := ob.Enqueue(ctx, invoiceEvent(fmt.Sprintf("evt_%02d", i)))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rows, err := ob.ClaimDue(ctx, 3)
				if err != nil {
					t.Errorf("ClaimDue: %v", err)
					return
				}
				if len(rows) == 0 {
					return
				}
				mu.Lock()
				for _, r := range rows {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %s claimed %d times", id, n)
	}
}

func TestTransitionsRequireClaim(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_x"))
	require.NoError(t, err)

	assert.ErrorIs(t, ob.MarkDelivered(ctx, "evt_x"), ErrNotClaimed)
	assert.ErrorIs(t, ob.ScheduleRetry(ctx, "evt_x", 1, c.Now(), "e"), ErrNotClaimed)

	require.NoError(t, ob.MarkDelivering(ctx, "evt_x"))
	assert.ErrorIs(t, ob.MarkDelivering(ctx, "evt_x"), ErrNotClaimed)

	require.NoError(t, ob.MarkDelivered(ctx, "evt_x"))
	row, err := ob.Get(ctx, "evt_x")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, row.Status)
}

func TestDeadLetterMovesRowAndKeepsSource(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_d"))
	require.NoError(t, err)
	rows, err := ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	row.Attempts = 6
	dlqID, err := ob.DeadLetter(ctx, row, "HTTP 500")
	require.NoError(t, err)
	assert.Equal(t, "evt_d-dlq", dlqID)

	src, err := ob.Get(ctx, "evt_d")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, src.Status)
	assert.Equal(t, 6, src.Attempts)
	require.NotNil(t, src.LastError)
	assert.Equal(t, "HTTP 500", *src.LastError)

	dead, err := ob.ListDead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "evt_d", dead[0].OutboxID)
	assert.Equal(t, "evt_d", dead[0].EventID)
	assert.Equal(t, 6, dead[0].Attempts)
	assert.JSONEq(t, `{"id":"evt_d"}`, string(dead[0].Payload))

	// A second exhaustion on an unclaimed row must not write another DLQ row.
	_, err = ob.DeadLetter(ctx, row, "again")
	assert.ErrorIs(t, err, ErrNotClaimed)
	dead, err = ob.ListDead(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestReplayRearmsAndSequencesDeadLetters(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_r"))
	require.NoError(t, err)

	exhaust := func() string {
		rows, err := ob.ClaimDue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		rows[0].Attempts = 6
		id, err := ob.DeadLetter(ctx, rows[0], "HTTP 503")
		require.NoError(t, err)
		return id
	}

	first := exhaust()
	assert.Equal(t, "evt_r-dlq", first)

	c.Advance(time.Second)
	outboxID, err := ob.Replay(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "evt_r", outboxID)

	row, err := ob.Get(ctx, outboxID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, 0, row.Attempts)
	assert.Nil(t, row.LastError)

	second := exhaust()
	assert.Equal(t, "evt_r-dlq-2", second)

	dead, err := ob.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, second, dead[0].ID)

	_, err = ob.Replay(ctx, "missing-dlq")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayRecreatesMissingSource(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_gone"))
	require.NoError(t, err)
	rows, err := ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	rows[0].Attempts = 6
	dlqID, err := ob.DeadLetter(ctx, rows[0], "x")
	require.NoError(t, err)

	_, err = ob.db.ExecContext(ctx, `DELETE FROM webhooks_outbox WHERE id = ?;`, "evt_gone")
	require.NoError(t, err)

	outboxID, err := ob.Replay(ctx, dlqID)
	require.NoError(t, err)
	row, err := ob.Get(ctx, outboxID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, "invoice.created", row.EventType)
}

func TestRequeueResetsRow(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_q"))
	require.NoError(t, err)
	_, err = ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ob.ScheduleRetry(ctx, "evt_q", 3, c.Now().Add(time.Hour), "HTTP 502"))

	c.Advance(time.Second)
	require.NoError(t, ob.Requeue(ctx, "evt_q"))

	row, err := ob.Get(ctx, "evt_q")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, 0, row.Attempts)
	assert.Nil(t, row.LastError)
	require.NotNil(t, row.NextAttemptAt)
	assert.True(t, row.NextAttemptAt.Equal(c.Now()))

	assert.ErrorIs(t, ob.Requeue(ctx, "nope"), ErrNotFound)
}

func TestRequeueRefusesClaimedAndDeliveredRows(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_busy"))
	require.NoError(t, err)
	rows, err := ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// A row in flight stays with its dispatcher.
	assert.ErrorIs(t, ob.Requeue(ctx, "evt_busy"), ErrNotRequeueable)
	again, err := ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, ob.MarkDelivered(ctx, "evt_busy"))
	assert.ErrorIs(t, ob.Requeue(ctx, "evt_busy"), ErrNotRequeueable)

	row, err := ob.Get(ctx, "evt_busy")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, row.Status)
	assert.Equal(t, 0, row.Attempts)
}

func TestReplayRefusesRowInFlight(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_twice"))
	require.NoError(t, err)
	rows, err := ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	rows[0].Attempts = 6
	dlqID, err := ob.DeadLetter(ctx, rows[0], "HTTP 500")
	require.NoError(t, err)

	_, err = ob.Replay(ctx, dlqID)
	require.NoError(t, err)
	_, err = ob.ClaimDue(ctx, 1)
	require.NoError(t, err)

	_, err = ob.Replay(ctx, dlqID)
	assert.ErrorIs(t, err, ErrNotRequeueable)

	row, err := ob.Get(ctx, "evt_twice")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivering, row.Status)
}

func TestReapStaleReturnsExpiredLeases(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_stale"))
	require.NoError(t, err)
	_, err = ob.ClaimDue(ctx, 1)
	require.NoError(t, err)

	n, err := ob.ReapStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(6 * time.Minute)
	n, err = ob.ReapStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "evt_stale", rows[0].ID)
}

func TestListFiltersAndOrders(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ob.Enqueue(ctx, invoiceEvent(fmt.Sprintf("evt_l%d", i)))
		require.NoError(t, err)
		c.Advance(time.Second)
	}
	require.NoError(t, ob.MarkDelivering(ctx, "evt_l0"))
	require.NoError(t, ob.MarkDelivered(ctx, "evt_l0"))

	all, err := ob.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "evt_l0", all[0].ID)

	pending, err := ob.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "evt_l2", pending[0].ID)

	one, err := ob.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = ob.List(ctx, Filter{Status: "bogus"})
	assert.Error(t, err)

	depth, err := ob.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	counts, err := ob.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[string(StatusPending)])
	assert.Equal(t, 1, counts[string(StatusDelivered)])
	assert.Equal(t, 0, counts["dlq"])
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, DefaultListLimit, ClampLimit(-3))
	assert.Equal(t, 1, ClampLimit(1))
	assert.Equal(t, MaxListLimit, ClampLimit(5000))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	ob, _ := newOutbox(t)
	_, err := ob.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = ob.GetDead(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeadLettersForListsHistoryOldestFirst(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, invoiceEvent("evt_h"))
	require.NoError(t, err)
	_, err = ob.Enqueue(ctx, invoiceEvent("evt_other"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rows, err := ob.ClaimDue(ctx, 2)
		require.NoError(t, err)
		for _, r := range rows {
			if r.ID != "evt_h" {
				require.NoError(t, ob.MarkDelivered(ctx, r.ID))
				continue
			}
			r.Attempts = 6
			_, err := ob.DeadLetter(ctx, r, fmt.Sprintf("HTTP 50%d", i))
			require.NoError(t, err)
		}
		c.Advance(time.Minute)
		if i == 0 {
			_, err = ob.Replay(ctx, "evt_h-dlq")
			require.NoError(t, err)
		}
	}

	hist, err := ob.DeadLettersFor(ctx, "evt_h")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "evt_h-dlq", hist[0].ID)
	assert.Equal(t, "evt_h-dlq-2", hist[1].ID)
	assert.Equal(t, "HTTP 501", *hist[1].Error)

	none, err := ob.DeadLettersFor(ctx, "evt_other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPurgeDeliveredKeepsLiveRows(t *testing.T) {
	t.Parallel()
	ob, c := newOutbox(t)
	ctx := context.Background()

	for _, id := range []string{"evt_old", "evt_pending"} {
		_, err := ob.Enqueue(ctx, invoiceEvent(id))
		require.NoError(t, err)
	}
	rows, err := ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, ob.MarkDelivered(ctx, rows[0].ID))
	delivered := rows[0].ID

	c.Advance(48 * time.Hour)
	_, err = ob.Enqueue(ctx, invoiceEvent("evt_new"))
	require.NoError(t, err)
	rows, err = ob.ClaimDue(ctx, 10)
	require.NoError(t, err)
	for _, r := range rows {
		if r.ID == "evt_new" {
			require.NoError(t, ob.MarkDelivered(ctx, r.ID))
		} else {
			require.NoError(t, ob.ScheduleRetry(ctx, r.ID, 1, c.Now(), "HTTP 500"))
		}
	}

	n, err := ob.PurgeDelivered(ctx, c.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ob.Get(ctx, delivered)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{"evt_new", "evt_pending", "evt_old"} {
		if id == delivered {
			continue
		}
		_, err := ob.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("a", maxErrorBytes-1) + "é" + "tail"
	got := truncate(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxErrorBytes-1), got)

	assert.Equal(t, "bad", truncate("b\xffad"))
	assert.Equal(t, "short", truncate("  short \n"))

	ob, _ := newOutbox(t)
	ctx := context.Background()
	_, err := ob.Enqueue(ctx, invoiceEvent("evt_utf8"))
	require.NoError(t, err)
	_, err = ob.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ob.ScheduleRetry(ctx, "evt_utf8", 1, time.Now(), long))
	row, err := ob.Get(ctx, "evt_utf8")
	require.NoError(t, err)
	require.NotNil(t, row.LastError)
	assert.True(t, utf8.ValidString(*row.LastError))
	assert.LessOrEqual(t, len(*row.LastError), maxErrorBytes)
}
