package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/a-laz/transactly/internal/storage"
	"github.com/google/uuid"
)

// CreateKeyRequest describes a key to mint.
type CreateKeyRequest struct {
	ID        string     `json:"id,omitempty"`
	ProjectID string     `json:"projectId" validate:"required"`
	Prefix    string     `json:"prefix,omitempty" validate:"omitempty,max=7,printascii"`
	Alias     string     `json:"alias,omitempty" validate:"omitempty,max=128"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SQLKeyStore persists API keys in the api_keys table.
type SQLKeyStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQLKeyStore returns a key store over db.
func NewSQLKeyStore(db *storage.DB) *SQLKeyStore {
	return &SQLKeyStore{db: db, now: time.Now}
}

// Create mints and stores a key, returning the row and the one-time plaintext.
func (s *SQLKeyStore) Create(ctx context.Context, req CreateKeyRequest) (*APIKey, string, error) {
	if req.ProjectID == "" {
		return nil, "", fmt.Errorf("projectId is required")
	}
	gen, err := GenerateKey(req.Prefix)
	if err != nil {
		return nil, "", err
	}
	id := req.ID
	if id == "" {
		id = "key_" + uuid.NewString()
	}
	k := &APIKey{
		ID:        id,
		ProjectID: req.ProjectID,
		Prefix:    gen.Prefix,
		KeyHash:   gen.Hash,
		Salt:      gen.Salt,
		Alias:     req.Alias,
		Status:    StatusActive,
		CreatedAt: s.now().UTC(),
		ExpiresAt: req.ExpiresAt,
	}

	var expires any
	if k.ExpiresAt != nil {
		expires = storage.FormatTime(*k.ExpiresAt)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys(id, project_id, prefix, key_hash, salt, alias, status, created_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, k.ID, k.ProjectID, k.Prefix, k.KeyHash, k.Salt, nullString(k.Alias), k.Status, storage.FormatTime(k.CreatedAt), expires)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}
	return k, gen.Plaintext, nil
}

// GetByPrefix returns the key with the given lookup prefix or ErrKeyNotFound.
func (s *SQLKeyStore) GetByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, prefix, key_hash, salt, alias, status, created_at, expires_at
FROM api_keys WHERE prefix = ? LIMIT 1;
`, prefix)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

// ListByProject returns a project's keys, newest first.
func (s *SQLKeyStore) ListByProject(ctx context.Context, projectID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, prefix, key_hash, salt, alias, status, created_at, expires_at
FROM api_keys WHERE project_id = ?
ORDER BY created_at DESC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return out, nil
}

// Revoke marks a key revoked. Returns ErrKeyNotFound for unknown ids.
func (s *SQLKeyStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET status = ? WHERE id = ?;`, StatusRevoked, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(r rowScanner) (*APIKey, error) {
	var (
		k         APIKey
		alias     sql.NullString
		createdAt string
		expiresAt sql.NullString
	)
	if err := r.Scan(&k.ID, &k.ProjectID, &k.Prefix, &k.KeyHash, &k.Salt, &alias, &k.Status, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	k.Alias = alias.String
	t, err := storage.ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	k.CreatedAt = t
	if expiresAt.Valid {
		t, err := storage.ParseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		k.ExpiresAt = &t
	}
	return &k, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
