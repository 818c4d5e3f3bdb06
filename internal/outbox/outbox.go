package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/a-laz/transactly/internal/storage"
)

const maxErrorBytes = 2048

const rowColumns = `id, event_id, event_type, target_url, payload, status, attempts,
  next_attempt_at, last_error, created_at, updated_at`

// Outbox stores webhook events until they are delivered or dead-lettered.
type Outbox struct {
	db       *storage.DB
	validate *validator.Validate
	now      func() time.Time
}

func New(db *storage.DB) *Outbox {
	return &Outbox{db: db, validate: validator.New(), now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

// Enqueue validates ev and stores it as pending and due immediately.
func (o *Outbox) Enqueue(ctx context.Context, ev Event) (string, error) {
	if err := o.validate.StructCtx(ctx, ev); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}

	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := storage.FormatTime(o.now())

	res, err := o.db.ExecContext(ctx, `
INSERT INTO webhooks_outbox(
  id, event_id, event_type, target_url, payload, status, attempts,
  next_attempt_at, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, id, id, ev.Type, ev.TargetURL, string(payload), StatusPending, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("enqueue webhook rows affected: %w", err)
	} else if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	return id, nil
}

// ClaimDue moves up to limit due pending rows to delivering and returns them.
// The select and the status change are one statement, so two dispatchers
// never receive the same row.
func (o *Outbox) ClaimDue(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 10
	}
	now := storage.FormatTime(o.now())

	lockClause := ""
	if o.db.Dialect == storage.Postgres {
		lockClause = "FOR UPDATE SKIP LOCKED"
	}
	rows, err := o.db.QueryContext(ctx, `
WITH due AS (
  SELECT id
  FROM webhooks_outbox
  WHERE status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
  ORDER BY next_attempt_at ASC, id ASC
  LIMIT ?
  `+lockClause+`
)
UPDATE webhooks_outbox
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM due) AND status = ?
RETURNING `+rowColumns+`;
`, StatusPending, now, limit, StatusDelivering, now, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim due webhooks: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("claim due webhooks: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due webhooks: %w", err)
	}
	// RETURNING order is unspecified.
	sortByNextAttempt(out)
	return out, nil
}

// MarkDelivering claims a single pending row.
func (o *Outbox) MarkDelivering(ctx context.Context, id string) error {
	return o.transition(ctx, `
UPDATE webhooks_outbox SET status = ?, updated_at = ?
WHERE id = ? AND status = ?;
`, StatusDelivering, storage.FormatTime(o.now()), id, StatusPending)
}

// MarkDelivered finishes a claimed row.
func (o *Outbox) MarkDelivered(ctx context.Context, id string) error {
	return o.transition(ctx, `
UPDATE webhooks_outbox SET status = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND status = ?;
`, StatusDelivered, storage.FormatTime(o.now()), id, StatusDelivering)
}

// ScheduleRetry returns a claimed row to pending, due at next.
func (o *Outbox) ScheduleRetry(ctx context.Context, id string, attempts int, next time.Time, errMsg string) error {
	return o.transition(ctx, `
UPDATE webhooks_outbox
SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?;
`, StatusPending, attempts, storage.FormatTime(next), truncate(errMsg), storage.FormatTime(o.now()), id, StatusDelivering)
}

func (o *Outbox) transition(ctx context.Context, query string, args ...any) error {
	res, err := o.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update webhook rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// DeadLetter copies a claimed row into the DLQ and marks it dead. row.Attempts
// is recorded as the final attempt count. Both writes commit together.
func (o *Outbox) DeadLetter(ctx context.Context, row Row, errMsg string) (string, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := storage.FormatTime(o.now())
	errMsg = truncate(errMsg)

	res, err := tx.ExecContext(ctx, `
UPDATE webhooks_outbox
SET status = ?, attempts = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?;
`, StatusDead, row.Attempts, errMsg, now, row.ID, StatusDelivering)
	if err != nil {
		return "", fmt.Errorf("mark webhook dead: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("mark webhook dead rows affected: %w", err)
	} else if n == 0 {
		return "", ErrNotClaimed
	}

	var prior int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhooks_dlq WHERE outbox_id = ?;`, row.ID).Scan(&prior); err != nil {
		return "", fmt.Errorf("count dead letters: %w", err)
	}
	dlqID := row.ID + "-dlq"
	if prior > 0 {
		dlqID = fmt.Sprintf("%s-dlq-%d", row.ID, prior+1)
	}

	payload := row.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO webhooks_dlq(id, outbox_id, event_id, event_type, target_url, payload, error, attempts, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, dlqID, row.ID, row.EventID, row.EventType, row.TargetURL, string(payload), errMsg, row.Attempts, now)
	if err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit dead letter: %w", err)
	}
	return dlqID, nil
}

// ReapStale returns delivering rows untouched for longer than lease to
// pending so another tick can pick them up.
func (o *Outbox) ReapStale(ctx context.Context, lease time.Duration) (int, error) {
	now := o.now()
	res, err := o.db.ExecContext(ctx, `
UPDATE webhooks_outbox
SET status = ?, next_attempt_at = ?, updated_at = ?
WHERE status = ? AND updated_at < ?;
`, StatusPending, storage.FormatTime(now), storage.FormatTime(now), StatusDelivering, storage.FormatTime(now.Add(-lease)))
	if err != nil {
		return 0, fmt.Errorf("reap stale webhooks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap stale webhooks rows affected: %w", err)
	}
	return int(n), nil
}

// Get loads a single row.
func (o *Outbox) Get(ctx context.Context, id string) (*Row, error) {
	r, err := scanRow(o.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM webhooks_outbox WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var (
		r         Row
		payload   string
		status    string
		nextAt    sql.NullString
		lastError sql.NullString
		createdAt string
		updatedAt string
	)
	if err := s.Scan(&r.ID, &r.EventID, &r.EventType, &r.TargetURL, &payload, &status, &r.Attempts,
		&nextAt, &lastError, &createdAt, &updatedAt); err != nil {
		return Row{}, err
	}
	r.Payload = json.RawMessage(payload)
	r.Status = Status(status)
	if nextAt.Valid {
		if t, err := storage.ParseTime(nextAt.String); err == nil {
			r.NextAttemptAt = &t
		}
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return r, nil
}

func sortByNextAttempt(rows []Row) {
	key := func(r Row) string {
		if r.NextAttemptAt == nil {
			return r.ID
		}
		return storage.FormatTime(*r.NextAttemptAt) + r.ID
	}
	sort.SliceStable(rows, func(i, j int) bool { return key(rows[i]) < key(rows[j]) })
}

// truncate trims s to at most maxErrorBytes of valid UTF-8, cutting on a
// rune boundary.
func truncate(s string) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "")
	if len(s) <= maxErrorBytes {
		return s
	}
	cut := maxErrorBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
