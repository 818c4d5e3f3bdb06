package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/a-laz/transactly/internal/storage"
)

// List returns rows newest-updated first.
func (o *Outbox) List(ctx context.Context, f Filter) ([]Row, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", f.Status)
	}
	limit := ClampLimit(f.Limit)

	query := `SELECT ` + rowColumns + ` FROM webhooks_outbox`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list webhooks: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDead returns dead letters newest first.
func (o *Outbox) ListDead(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := o.db.QueryContext(ctx, `
SELECT id, outbox_id, event_id, event_type, target_url, payload, error, attempts, created_at
FROM webhooks_dlq
ORDER BY created_at DESC, id DESC
LIMIT ?;
`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDead loads one dead letter.
func (o *Outbox) GetDead(ctx context.Context, id string) (*DeadLetter, error) {
	d, err := scanDeadLetter(o.db.QueryRowContext(ctx, `
SELECT id, outbox_id, event_id, event_type, target_url, payload, error, attempts, created_at
FROM webhooks_dlq WHERE id = ?;
`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &d, nil
}

// DeadLettersFor lists every dead letter recorded for one outbox row, oldest
// first.
func (o *Outbox) DeadLettersFor(ctx context.Context, outboxID string) ([]DeadLetter, error) {
	rows, err := o.db.QueryContext(ctx, `
SELECT id, outbox_id, event_id, event_type, target_url, payload, error, attempts, created_at
FROM webhooks_dlq
WHERE outbox_id = ?
ORDER BY created_at ASC, id ASC;
`, outboxID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters for %s: %w", outboxID, err)
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters for %s: %w", outboxID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PurgeDelivered deletes delivered rows last updated before olderThan.
// Pending, delivering, failed and dead rows are never touched.
func (o *Outbox) PurgeDelivered(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := o.db.ExecContext(ctx, `
DELETE FROM webhooks_outbox WHERE status = ? AND updated_at < ?;
`, StatusDelivered, storage.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge delivered webhooks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge delivered rows affected: %w", err)
	}
	return int(n), nil
}

// rearmable lists the statuses a row may be re-armed from. Delivering rows
// belong to a dispatcher and delivered rows are final.
const rearmable = `status IN ('pending', 'failed', 'dead')`

// Requeue resets a pending, failed or dead row to a fresh pending state, due
// now. Other rows return ErrNotRequeueable.
func (o *Outbox) Requeue(ctx context.Context, id string) error {
	now := storage.FormatTime(o.now())
	res, err := o.db.ExecContext(ctx, `
UPDATE webhooks_outbox
SET status = ?, attempts = 0, next_attempt_at = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND `+rearmable+`;
`, StatusPending, now, now, id)
	if err != nil {
		return fmt.Errorf("requeue webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue webhook rows affected: %w", err)
	}
	if n == 0 {
		if _, err := o.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRequeueable
	}
	return nil
}

// Replay re-arms the outbox row behind a dead letter and returns its id. The
// dead letter is kept. A source row that no longer exists is recreated from
// the dead letter's snapshot; one that is delivering or delivered returns
// ErrNotRequeueable.
func (o *Outbox) Replay(ctx context.Context, dlqID string) (string, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d, err := scanDeadLetter(tx.QueryRowContext(ctx, `
SELECT id, outbox_id, event_id, event_type, target_url, payload, error, attempts, created_at
FROM webhooks_dlq WHERE id = ?;
`, dlqID))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load dead letter: %w", err)
	}

	now := storage.FormatTime(o.now())
	res, err := tx.ExecContext(ctx, `
UPDATE webhooks_outbox
SET status = ?, attempts = 0, next_attempt_at = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND `+rearmable+`;
`, StatusPending, now, now, d.OutboxID)
	if err != nil {
		return "", fmt.Errorf("replay webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("replay webhook rows affected: %w", err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM webhooks_outbox WHERE id = ?;`, d.OutboxID).Scan(&status)
		if err == nil {
			return "", ErrNotRequeueable
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("load webhook: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO webhooks_outbox(
  id, event_id, event_type, target_url, payload, status, attempts,
  next_attempt_at, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
`, d.OutboxID, d.EventID, d.EventType, d.TargetURL, string(d.Payload), StatusPending, now, now, now)
		if err != nil {
			return "", fmt.Errorf("recreate webhook: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit replay: %w", err)
	}
	return d.OutboxID, nil
}

// Depth is the number of pending rows.
func (o *Outbox) Depth(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhooks_outbox WHERE status = ?;`, StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return n, nil
}

// Counts returns the number of rows per status plus the DLQ size under "dlq".
func (o *Outbox) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhooks_outbox GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("outbox counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("outbox counts: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox counts: %w", err)
	}

	var dead int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhooks_dlq;`).Scan(&dead); err != nil {
		return nil, fmt.Errorf("dlq count: %w", err)
	}
	out["dlq"] = dead
	return out, nil
}

func scanDeadLetter(s scanner) (DeadLetter, error) {
	var (
		d         DeadLetter
		payload   string
		errMsg    sql.NullString
		createdAt string
	)
	if err := s.Scan(&d.ID, &d.OutboxID, &d.EventID, &d.EventType, &d.TargetURL, &payload, &errMsg,
		&d.Attempts, &createdAt); err != nil {
		return DeadLetter{}, err
	}
	d.Payload = json.RawMessage(payload)
	if errMsg.Valid {
		d.Error = &errMsg.String
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		d.CreatedAt = t
	}
	return d, nil
}
