package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.sqlite3") + "?_foreign_keys=on"
	s, err := sqlite.Open(context.Background(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, []byte("idx-1"), []byte("payload-1"), nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("idx-1"), rec.EncryptedIndex)
	require.Equal(t, []byte("payload-1"), rec.EncryptedPayload)
	require.False(t, rec.CreatedAt.IsZero())
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 999)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestInsertWithRangeBits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bits := [][]byte{[]byte("b0"), []byte("b1"), []byte("b2")}
	id, err := s.Insert(ctx, []byte("idx"), []byte("payload"), bits)
	require.NoError(t, err)

	got, err := s.ScanRangeBits(ctx, id)
	require.NoError(t, err)
	require.Equal(t, bits, got)
}

func TestInsertBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reqs := []store.InsertRequest{
		{EncryptedIndex: []byte("i1"), EncryptedPayload: []byte("p1")},
		{EncryptedIndex: []byte("i2"), EncryptedPayload: []byte("p2")},
	}
	ids, err := s.InsertBatch(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	recs, err := s.GetMany(ctx, ids)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestUpdatePayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, []byte("idx"), []byte("old"), nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdatePayload(ctx, id, []byte("new")))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), rec.EncryptedPayload)
}

func TestUpdatePayloadNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdatePayload(context.Background(), 12345, []byte("x"))
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestDeleteRemovesRecordAndRangeBits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, []byte("idx"), []byte("payload"), [][]byte{[]byte("b0")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	require.True(t, errs.Is(err, errs.NotFound))

	bits, err := s.ScanRangeBits(ctx, id)
	require.NoError(t, err)
	require.Empty(t, bits)
}

func TestDeleteBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Insert(ctx, []byte("i1"), []byte("p1"), nil)
	require.NoError(t, err)
	id2, err := s.Insert(ctx, []byte("i2"), []byte("p2"), nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteBatch(ctx, []uint64{id1, id2}))

	recs, err := s.GetMany(ctx, []uint64{id1, id2})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestScanIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []byte("a"), []byte("pa"), nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, []byte("b"), []byte("pb"), nil)
	require.NoError(t, err)

	it, err := s.ScanIndex(ctx)
	require.NoError(t, err)
	defer it.Close()

	var seen [][]byte
	for {
		row, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, row.EncryptedIndex)
	}
	require.Len(t, seen, 2)
}

func TestDedupSharesReferenceRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte("duplicate-payload")
	id1, err := s.Insert(ctx, []byte("i1"), payload, nil)
	require.NoError(t, err)
	id2, err := s.Insert(ctx, []byte("i2"), payload, nil)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	n, err := s.CleanupReferences(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "both records still reference the payload")

	require.NoError(t, s.Delete(ctx, id1))
	require.NoError(t, s.Delete(ctx, id2))

	n, err = s.CleanupReferences(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "the shared reference row should now be orphaned")
}
