// Package cached wraps any store.Store with an in-process LRU cache of
// records keyed by id, so repeat Get calls for hot ids skip the backend
// round trip. The cache self-invalidates on every mutating call that
// touches the ids it holds; it does not know about QueryEvaluator's
// equality/range result caches, which invalidate separately (see
// internal/secdb).
package cached

import (
	"context"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/lrucache"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
)

// Store decorates an underlying store.Store with a record-by-id LRU cache.
type Store struct {
	store.Store
	records *lrucache.Cache[uint64, store.Record]
}

// New wraps backend with a record cache of the given capacity.
func New(backend store.Store, capacity int) *Store {
	return &Store{
		Store:   backend,
		records: lrucache.New[uint64, store.Record](capacity),
	}
}

// Get returns the cached record if present, otherwise loads it from the
// backend and caches the result.
func (s *Store) Get(ctx context.Context, id uint64) (store.Record, error) {
	if r, ok := s.records.Get(id); ok {
		return r, nil
	}
	r, err := s.Store.Get(ctx, id)
	if err != nil {
		return store.Record{}, err
	}
	s.records.Put(id, r)
	return r, nil
}

// GetMany serves whatever it can from cache and fills the rest from the
// backend, caching any newly loaded records. Cached records come first, in
// ids order, followed by the backend-loaded records in the order the
// backend returns them.
func (s *Store) GetMany(ctx context.Context, ids []uint64) ([]store.Record, error) {
	out := make([]store.Record, 0, len(ids))
	var miss []uint64
	for _, id := range ids {
		if r, ok := s.records.Get(id); ok {
			out = append(out, r)
		} else {
			miss = append(miss, id)
		}
	}
	if len(miss) == 0 {
		return out, nil
	}

	loaded, err := s.Store.GetMany(ctx, miss)
	if err != nil {
		return nil, err
	}
	for _, r := range loaded {
		s.records.Put(r.ID, r)
		out = append(out, r)
	}
	return out, nil
}

// Insert stores a new record; there is nothing to invalidate since the id
// did not previously exist.
func (s *Store) Insert(ctx context.Context, encIdx, encPayload []byte, rangeBits [][]byte) (uint64, error) {
	return s.Store.Insert(ctx, encIdx, encPayload, rangeBits)
}

// InsertBatch stores new records; there is nothing to invalidate.
func (s *Store) InsertBatch(ctx context.Context, records []store.InsertRequest) ([]uint64, error) {
	return s.Store.InsertBatch(ctx, records)
}

// UpdatePayload updates the backend then evicts id from the record cache.
func (s *Store) UpdatePayload(ctx context.Context, id uint64, newEncPayload []byte) error {
	if err := s.Store.UpdatePayload(ctx, id, newEncPayload); err != nil {
		return err
	}
	s.records.Remove(id)
	return nil
}

// Delete removes the record from the backend then evicts it from cache.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.records.Remove(id)
	return nil
}

// DeleteBatch removes records from the backend then evicts each from cache.
func (s *Store) DeleteBatch(ctx context.Context, ids []uint64) error {
	if err := s.Store.DeleteBatch(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		s.records.Remove(id)
	}
	return nil
}

// CleanupReferences delegates directly; it never touches the record cache.
func (s *Store) CleanupReferences(ctx context.Context) (int, error) {
	return s.Store.CleanupReferences(ctx)
}
