package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/a-laz/transactly/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	gen, err := GenerateKey("")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gen.Plaintext, DefaultKeyPrefix+"_"))
	// 24 random bytes is 32 base64url characters without padding.
	assert.Len(t, gen.Plaintext, len(DefaultKeyPrefix)+1+32)
	assert.Equal(t, gen.Plaintext[:LookupPrefixLen], gen.Prefix)
	assert.Len(t, gen.Salt, 32)
	assert.Equal(t, HashKey(gen.Plaintext, gen.Salt), gen.Hash)
	assert.True(t, VerifyKey(gen.Plaintext, gen.Salt, gen.Hash))
	assert.False(t, VerifyKey(gen.Plaintext+"x", gen.Salt, gen.Hash))
	assert.False(t, VerifyKey(gen.Plaintext, gen.Salt, "not-hex"))

	other, err := GenerateKey("live")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(other.Plaintext, "live_"))
	assert.NotEqual(t, gen.Plaintext, other.Plaintext)
	assert.NotEqual(t, gen.Salt, other.Salt)
}

func TestLookupPrefix(t *testing.T) {
	assert.Equal(t, "", LookupPrefix("short"))
	assert.Equal(t, "0123456789abcdef", LookupPrefix("0123456789abcdefXYZ"))
}

func TestAPIKeyUsable(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.True(t, (&APIKey{Status: StatusActive}).Usable(now))
	assert.True(t, (&APIKey{Status: StatusActive, ExpiresAt: &future}).Usable(now))
	assert.False(t, (&APIKey{Status: StatusActive, ExpiresAt: &past}).Usable(now))
	assert.False(t, (&APIKey{Status: StatusRevoked}).Usable(now))
}

func newKeyStore(t *testing.T) *SQLKeyStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLKeyStore(db)
}

func TestSQLKeyStoreCustomPrefixKeepsKeysDistinct(t *testing.T) {
	ctx := context.Background()
	s := newKeyStore(t)

	a, plainA, err := s.Create(ctx, CreateKeyRequest{ProjectID: "prj_1", Prefix: "acme_pr"})
	require.NoError(t, err)
	b, plainB, err := s.Create(ctx, CreateKeyRequest{ProjectID: "prj_1", Prefix: "acme_pr"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Prefix, b.Prefix)
	assert.True(t, strings.HasPrefix(plainA, "acme_pr_"))

	got, err := s.GetByPrefix(ctx, LookupPrefix(plainB))
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, _, err = s.Create(ctx, CreateKeyRequest{ProjectID: "prj_1", Prefix: "acme_production"})
	assert.ErrorIs(t, err, ErrPrefixTooLong)
}

func TestSQLKeyStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newKeyStore(t)

	k, plaintext, err := s.Create(ctx, CreateKeyRequest{ProjectID: "prj_1", Alias: "ci"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, k.Status)
	assert.True(t, strings.HasPrefix(plaintext, k.Prefix))

	got, err := s.GetByPrefix(ctx, k.Prefix)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, "ci", got.Alias)
	assert.True(t, VerifyKey(plaintext, got.Salt, got.KeyHash))

	// The gate admits the freshly minted key through the store.
	id, ok, err := NewGate([]string{"static"}, s).Authenticate(ctx, plaintext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "prj_1", id.ProjectID)

	require.NoError(t, s.Revoke(ctx, k.ID))
	got, err = s.GetByPrefix(ctx, k.Prefix)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)

	_, ok, err = NewGate([]string{"static"}, s).Authenticate(ctx, plaintext)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Revoke(ctx, "missing"), ErrKeyNotFound)
	_, err = s.GetByPrefix(ctx, "nope-nope-nope-n")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSQLKeyStoreListByProject(t *testing.T) {
	ctx := context.Background()
	s := newKeyStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	expires := base.Add(48 * time.Hour)
	first, _, err := s.Create(ctx, CreateKeyRequest{ProjectID: "prj_a", ExpiresAt: &expires})
	require.NoError(t, err)
	second, _, err := s.Create(ctx, CreateKeyRequest{ProjectID: "prj_a"})
	require.NoError(t, err)
	_, _, err = s.Create(ctx, CreateKeyRequest{ProjectID: "prj_b"})
	require.NoError(t, err)

	keys, err := s.ListByProject(ctx, "prj_a")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, second.ID, keys[0].ID)
	assert.Equal(t, first.ID, keys[1].ID)
	require.NotNil(t, keys[1].ExpiresAt)
	assert.True(t, keys[1].ExpiresAt.Equal(expires))

	_, _, err = s.Create(ctx, CreateKeyRequest{})
	assert.Error(t, err)
}
