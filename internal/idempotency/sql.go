package idempotency

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/a-laz/transactly/internal/storage"
)

// SQLStore keeps records in the idempotency_records table so replays survive
// restarts and are shared across API processes on the same database.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore returns a store over db.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Get returns the record for scopeKey, or nil.
func (s *SQLStore) Get(ctx context.Context, scopeKey string) (*Record, error) {
	var (
		rec         Record
		body        string
		headers     string
		fingerprint sql.NullString
		storedAt    string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT scope_key, status, body, headers, fingerprint, stored_at
FROM idempotency_records WHERE scope_key = ?;
`, scopeKey).Scan(&rec.ScopeKey, &rec.Status, &body, &headers, &fingerprint, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	if rec.Body, err = base64.StdEncoding.DecodeString(body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &rec.Header); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	rec.Fingerprint = fingerprint.String
	if rec.StoredAt, err = storage.ParseTime(storedAt); err != nil {
		return nil, fmt.Errorf("parse stored_at: %w", err)
	}
	return &rec, nil
}

// PutIfAbsent inserts rec, replacing only an expired row.
func (s *SQLStore) PutIfAbsent(ctx context.Context, rec Record, liveSince time.Time) (bool, error) {
	headers, err := json.Marshal(rec.Header)
	if err != nil {
		return false, fmt.Errorf("encode headers: %w", err)
	}
	var fingerprint any
	if rec.Fingerprint != "" {
		fingerprint = rec.Fingerprint
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records(scope_key, status, body, headers, fingerprint, stored_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(scope_key) DO UPDATE SET
  status = excluded.status,
  body = excluded.body,
  headers = excluded.headers,
  fingerprint = excluded.fingerprint,
  stored_at = excluded.stored_at
WHERE idempotency_records.stored_at < ?;
`, rec.ScopeKey, rec.Status, base64.StdEncoding.EncodeToString(rec.Body), string(headers), fingerprint,
		storage.FormatTime(rec.StoredAt), storage.FormatTime(liveSince))
	if err != nil {
		return false, fmt.Errorf("put idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put idempotency record rows affected: %w", err)
	}
	return n > 0, nil
}

// Sweep deletes records stored before olderThan.
func (s *SQLStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE stored_at < ?;`, storage.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(n), nil
}
