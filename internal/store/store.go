// Package store defines the persistence contract for encrypted records:
// the Record/ReferenceEntry data model, the Store interface every backend
// (postgres, sqlite) implements, and the small reference-fingerprint cache
// shared by both backends.
package store

import (
	"context"
	"sync"
	"time"
)

// Record is one stored row: an immutable encrypted index, a mutable
// encrypted payload, and an optional ordered per-bit range index.
type Record struct {
	ID               uint64
	EncryptedIndex   []byte
	EncryptedPayload []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RangeBits        [][]byte // len 0 or W, MSB -> LSB; no back-reference to Record
}

// ReferenceEntry is a content-addressed, deduplicated payload ciphertext.
// Hash is the hex-encoded xxhash64 fingerprint from internal/codec; it is
// never used for authentication, only as a dedup key.
type ReferenceEntry struct {
	Hash             string
	EncryptedPayload []byte
}

// InsertRequest is one row of an InsertBatch call.
type InsertRequest struct {
	EncryptedIndex   []byte
	EncryptedPayload []byte
	RangeBits        [][]byte
}

// IndexRow is one row yielded by ScanIndex: a record id paired with its
// encrypted index ciphertext.
type IndexRow struct {
	ID             uint64
	EncryptedIndex []byte
}

// IndexIterator streams (id, encrypted_index) pairs for QueryEvaluator's
// equality scan. Callers must call Close when done, even on early return.
type IndexIterator interface {
	Next(ctx context.Context) (IndexRow, bool, error)
	Close() error
}

// Store is the persistence contract mediating between the cryptographic
// primitives and the three backing tables: Records, References,
// RangeBits.
type Store interface {
	Insert(ctx context.Context, encIdx, encPayload []byte, rangeBits [][]byte) (uint64, error)
	InsertBatch(ctx context.Context, records []InsertRequest) ([]uint64, error)
	Get(ctx context.Context, id uint64) (Record, error)
	GetMany(ctx context.Context, ids []uint64) ([]Record, error)
	UpdatePayload(ctx context.Context, id uint64, newEncPayload []byte) error
	Delete(ctx context.Context, id uint64) error
	DeleteBatch(ctx context.Context, ids []uint64) error
	ScanIndex(ctx context.Context) (IndexIterator, error)
	ScanRangeBits(ctx context.Context, id uint64) ([][]byte, error)
	CleanupReferences(ctx context.Context) (int, error)
	Close() error
}

// RefCache is the process-local fingerprint -> reference-id cache used
// during insert/update to skip a repeat probe on duplicate payloads
// within a batch. It is cleared by CleanupReferences.
type RefCache struct {
	mu sync.Mutex
	m  map[string]int64
}

// NewRefCache returns an empty RefCache.
func NewRefCache() *RefCache {
	return &RefCache{m: make(map[string]int64)}
}

// Get returns the cached reference id for hash, if known.
func (c *RefCache) Get(hash string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.m[hash]
	return id, ok
}

// Put records hash's reference id.
func (c *RefCache) Put(hash string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[hash] = id
}

// Clear empties the cache; called after CleanupReferences.
func (c *RefCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]int64)
}
