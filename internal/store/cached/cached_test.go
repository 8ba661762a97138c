package cached_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store/cached"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *cached.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.sqlite3") + "?_foreign_keys=on"
	backend, err := sqlite.Open(context.Background(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return cached.New(backend, 16)
}

func TestGetCachesResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, []byte("idx"), []byte("payload"), nil)
	require.NoError(t, err)

	first, err := s.Get(ctx, id)
	require.NoError(t, err)
	second, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestUpdatePayloadInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, []byte("idx"), []byte("old"), nil)
	require.NoError(t, err)

	_, err = s.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.UpdatePayload(ctx, id, []byte("new")))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), rec.EncryptedPayload)
}

func TestDeleteInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, []byte("idx"), []byte("payload"), nil)
	require.NoError(t, err)

	_, err = s.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	require.Error(t, err)
}
