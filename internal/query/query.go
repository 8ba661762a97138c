// Package query answers equality and range queries over the encrypted
// index: a linear scan through store.Store.ScanIndex/ScanRangeBits and
// fhe.Engine's comparators, with result caches layered on top of the
// scan. The index is opaque to the server, so the scans are linear by
// construction.
package query

import (
	"context"
	"fmt"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/fhe"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/lrucache"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
)

// Evaluator answers equality and range queries by scanning the encrypted
// index, caching results by query shape. It does not know about the
// record cache held by store/cached.Store; secdb.Engine invalidates both
// the equality and range caches explicitly after every mutating call.
type Evaluator struct {
	store      store.Store
	engine     *fhe.Engine
	rangeWidth int
	eqCache    *lrucache.Cache[int64, []uint64]
	rangeCache *lrucache.Cache[string, []uint64]
}

// New returns an Evaluator over store using engine for comparisons.
// rangeWidth is W, the per-bit range-index width. eqCacheSize and
// rangeCacheSize bound the equality and range result caches respectively.
func New(st store.Store, engine *fhe.Engine, rangeWidth, eqCacheSize, rangeCacheSize int) *Evaluator {
	return &Evaluator{
		store:      st,
		engine:     engine,
		rangeWidth: rangeWidth,
		eqCache:    lrucache.New[int64, []uint64](eqCacheSize),
		rangeCache: lrucache.New[string, []uint64](rangeCacheSize),
	}
}

// InvalidateCaches clears both the equality and range result caches.
// Callers (internal/secdb) invoke it after every successful
// insert/update/delete, since any mutation can change query results.
func (q *Evaluator) InvalidateCaches() {
	q.eqCache.Clear()
	q.rangeCache.Clear()
}

// SearchByIndex returns the ids whose encrypted index compares equal to
// value, consulting the equality cache first.
func (q *Evaluator) SearchByIndex(ctx context.Context, value int64) ([]uint64, error) {
	if ids, ok := q.eqCache.Get(value); ok {
		return ids, nil
	}

	encQ, err := q.engine.EncryptInt(value)
	if err != nil {
		return nil, err
	}

	ids, err := q.scanEquals(ctx, encQ)
	if err != nil {
		return nil, err
	}

	q.eqCache.Put(value, ids)
	return ids, nil
}

func (q *Evaluator) scanEquals(ctx context.Context, encQ []byte) ([]uint64, error) {
	it, err := q.store.ScanIndex(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []uint64
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		eq, err := q.engine.CompareEqual(row.EncryptedIndex, encQ)
		if err != nil {
			return nil, err
		}
		if eq {
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

// SearchByMultipleIndices resolves every value in values, serving cached
// values directly and running a single combined scan for the rest.
func (q *Evaluator) SearchByMultipleIndices(ctx context.Context, values []int64) (map[int64][]uint64, error) {
	out := make(map[int64][]uint64, len(values))
	var uncached []int64
	encQ := make(map[int64][]byte)

	for _, v := range values {
		if ids, ok := q.eqCache.Get(v); ok {
			out[v] = ids
			continue
		}
		if _, seen := encQ[v]; seen {
			continue
		}
		enc, err := q.engine.EncryptInt(v)
		if err != nil {
			return nil, err
		}
		encQ[v] = enc
		uncached = append(uncached, v)
	}
	if len(uncached) == 0 {
		return out, nil
	}

	it, err := q.store.ScanIndex(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	matches := make(map[int64][]uint64, len(uncached))
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		for _, v := range uncached {
			eq, err := q.engine.CompareEqual(row.EncryptedIndex, encQ[v])
			if err != nil {
				return nil, err
			}
			if eq {
				matches[v] = append(matches[v], row.ID)
			}
		}
	}

	for _, v := range uncached {
		ids := matches[v]
		q.eqCache.Put(v, ids)
		out[v] = ids
	}
	return out, nil
}

func rangeCacheKey(min, max *int64) string {
	lo, hi := "*", "*"
	if min != nil {
		lo = fmt.Sprintf("%d", *min)
	}
	if max != nil {
		hi = fmt.Sprintf("%d", *max)
	}
	return lo + "-" + hi
}

// SearchByRange returns the ids of records with range bits satisfying
// min <= v <= max (either bound may be nil), consulting the range cache
// under the "min-max" key first. Records without range bits are skipped.
func (q *Evaluator) SearchByRange(ctx context.Context, min, max *int64) ([]uint64, error) {
	key := rangeCacheKey(min, max)
	if ids, ok := q.rangeCache.Get(key); ok {
		return ids, nil
	}

	it, err := q.store.ScanIndex(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []uint64
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		bits, err := q.store.ScanRangeBits(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		if len(bits) == 0 {
			continue
		}

		in, err := q.engine.InRange(bits, min, max, q.rangeWidth)
		if err != nil {
			return nil, err
		}
		if in {
			ids = append(ids, row.ID)
		}
	}

	q.rangeCache.Put(key, ids)
	return ids, nil
}

// UpdateByIndex searches by value then overwrites the encrypted payload
// of every matching record, returning the number updated.
func (q *Evaluator) UpdateByIndex(ctx context.Context, value int64, newEncPayload []byte) (int, error) {
	ids, err := q.SearchByIndex(ctx, value)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.store.UpdatePayload(ctx, id, newEncPayload); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// DeleteByIndex searches by value then deletes every matching record,
// returning the number deleted.
func (q *Evaluator) DeleteByIndex(ctx context.Context, value int64) (int, error) {
	ids, err := q.SearchByIndex(ctx, value)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.store.DeleteBatch(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// UpdateByRange searches by range then overwrites the encrypted payload
// of every matching record, returning the number updated.
func (q *Evaluator) UpdateByRange(ctx context.Context, min, max *int64, newEncPayload []byte) (int, error) {
	ids, err := q.SearchByRange(ctx, min, max)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.store.UpdatePayload(ctx, id, newEncPayload); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// DeleteByRange searches by range then deletes every matching record,
// returning the number deleted.
func (q *Evaluator) DeleteByRange(ctx context.Context, min, max *int64) (int, error) {
	ids, err := q.SearchByRange(ctx, min, max)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.store.DeleteBatch(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
