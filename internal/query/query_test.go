package query_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/fhe"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/keystore"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/query"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

var testParams = fhe.Params{
	PolyModulusDegree: 4096,
	CoeffModulusBits:  []int{54, 54},
	PlainModulus:      65537,
}

const testRangeWidth = 16

func newTestEvaluator(t *testing.T) (*query.Evaluator, store.Store, *fhe.Engine) {
	t.Helper()
	ks, err := keystore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	engine, err := fhe.NewEngine(context.Background(), testParams, ks, keystore.DefaultFileNames, fhe.Options{
		Password:  "Abcdef12!",
		CacheSize: 64,
	})
	require.NoError(t, err)

	dsn := "file:" + filepath.Join(t.TempDir(), "test.sqlite3") + "?_foreign_keys=on"
	st, err := sqlite.Open(context.Background(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return query.New(st, engine, testRangeWidth, 64, 64), st, engine
}

func insertWithIndex(t *testing.T, ctx context.Context, st store.Store, engine *fhe.Engine, idx int64, payload []byte) uint64 {
	t.Helper()
	encIdx, err := engine.EncryptInt(idx)
	require.NoError(t, err)
	id, err := st.Insert(ctx, encIdx, payload, nil)
	require.NoError(t, err)
	return id
}

func insertWithRange(t *testing.T, ctx context.Context, st store.Store, engine *fhe.Engine, idx, v int64, payload []byte) uint64 {
	t.Helper()
	encIdx, err := engine.EncryptInt(idx)
	require.NoError(t, err)
	bits, err := engine.EncryptForRange(v, testRangeWidth)
	require.NoError(t, err)
	id, err := st.Insert(ctx, encIdx, payload, bits)
	require.NoError(t, err)
	return id
}

func TestSearchByIndex(t *testing.T) {
	ev, st, engine := newTestEvaluator(t)
	ctx := context.Background()

	id1 := insertWithIndex(t, ctx, st, engine, 42, []byte("a"))
	_ = insertWithIndex(t, ctx, st, engine, 7, []byte("b"))

	ids, err := ev.SearchByIndex(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, []uint64{id1}, ids)

	none, err := ev.SearchByIndex(ctx, 999)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSearchByIndexIsCached(t *testing.T) {
	ev, st, engine := newTestEvaluator(t)
	ctx := context.Background()

	id1 := insertWithIndex(t, ctx, st, engine, 42, []byte("a"))

	first, err := ev.SearchByIndex(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, []uint64{id1}, first)

	// Insert a second match for the same value directly through the
	// backend, bypassing the evaluator; the cached result must not change
	// until InvalidateCaches is called.
	_ = insertWithIndex(t, ctx, st, engine, 42, []byte("b"))

	stale, err := ev.SearchByIndex(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, first, stale)

	ev.InvalidateCaches()
	fresh, err := ev.SearchByIndex(ctx, 42)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
}

func TestSearchByMultipleIndices(t *testing.T) {
	ev, st, engine := newTestEvaluator(t)
	ctx := context.Background()

	id1 := insertWithIndex(t, ctx, st, engine, 1, []byte("a"))
	id2 := insertWithIndex(t, ctx, st, engine, 2, []byte("b"))

	results, err := ev.SearchByMultipleIndices(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []uint64{id1}, results[1])
	require.Equal(t, []uint64{id2}, results[2])
	require.Empty(t, results[3])
}

func TestSearchByRange(t *testing.T) {
	ev, st, engine := newTestEvaluator(t)
	ctx := context.Background()

	idMatch := insertWithRange(t, ctx, st, engine, 100, 20, []byte("in"))
	_ = insertWithRange(t, ctx, st, engine, 101, 200, []byte("out"))
	_ = insertWithIndex(t, ctx, st, engine, 102, []byte("no-range"))

	lo, hi := int64(10), int64(50)
	ids, err := ev.SearchByRange(ctx, &lo, &hi)
	require.NoError(t, err)
	require.Equal(t, []uint64{idMatch}, ids)
}

func TestDeleteByIndex(t *testing.T) {
	ev, st, engine := newTestEvaluator(t)
	ctx := context.Background()

	id := insertWithIndex(t, ctx, st, engine, 5, []byte("a"))

	n, err := ev.DeleteByIndex(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = st.Get(ctx, id)
	require.Error(t, err)
}

func TestUpdateByIndex(t *testing.T) {
	ev, st, engine := newTestEvaluator(t)
	ctx := context.Background()

	id := insertWithIndex(t, ctx, st, engine, 9, []byte("old"))

	n, err := ev.UpdateByIndex(ctx, 9, []byte("new"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), rec.EncryptedPayload)
}
