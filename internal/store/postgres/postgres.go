// Package postgres is the store.Store backend for production
// deployments. It drives github.com/jackc/pgx/v5/pgxpool directly with
// hand-written SQL (the three tables here are too simple to justify an
// ORM) and row-locks UpdatePayload against concurrent writers.
package postgres

import (
	"context"
	_ "embed"
	"time"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/codec"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/config"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	registrystoredb "github.com/0wnerDied/Homomorphic-SecureDB/internal/registry/storedb"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	registrystoredb.Register(registrystoredb.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (store.Store, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil {
				return nil, errs.New("postgres.Loader", errs.Malformed)
			}
			return Open(ctx, cfg.DatabaseURL, nil)
		},
	})
}

// Store is a pgxpool-backed store.Store.
type Store struct {
	pool    *pgxpool.Pool
	ref     *store.RefCache
	timeout time.Duration
	log     *log.Logger
}

// Open connects to dsn, ensures the schema exists, and returns a ready
// Store. A nil logger defaults to log.Default().
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.Wrap("postgres.Open", errs.DbError, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap("postgres.Open", errs.DbError, err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, errs.Wrap("postgres.Open", errs.DbError, err)
	}

	timeout := 30 * time.Second
	if cfg := config.FromContext(ctx); cfg != nil && cfg.QueryTimeout > 0 {
		timeout = cfg.QueryTimeout
	}
	return &Store{pool: pool, ref: store.NewRefCache(), timeout: timeout, log: logger}, nil
}

// opCtx bounds one store operation by the configured query timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) upsertReference(ctx context.Context, tx pgx.Tx, encPayload []byte) error {
	hash := codec.Fingerprint(encPayload)
	if _, ok := s.ref.Get(hash); ok {
		return nil
	}

	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO reference_table (hash, encrypted_payload) VALUES ($1, $2)
		 ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		 RETURNING id`,
		hash, encPayload).Scan(&id)
	if err != nil {
		return errs.Wrap("postgres.upsertReference", errs.DbError, err)
	}
	s.ref.Put(hash, id)
	return nil
}

// Insert stores one record in a single transaction: upsert the payload's
// Reference, insert the Record, then insert W RangeBits rows if present.
func (s *Store) Insert(ctx context.Context, encIdx, encPayload []byte, rangeBits [][]byte) (uint64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, errs.Wrap("postgres.Insert", errs.DbError, err)
	}
	defer tx.Rollback(ctx)

	id, err := s.insertOne(ctx, tx, encIdx, encPayload, rangeBits)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errs.Wrap("postgres.Insert", errs.DbError, err)
	}
	return id, nil
}

func (s *Store) insertOne(ctx context.Context, tx pgx.Tx, encIdx, encPayload []byte, rangeBits [][]byte) (uint64, error) {
	if err := s.upsertReference(ctx, tx, encPayload); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var id64 int64
	err := tx.QueryRow(ctx,
		`INSERT INTO encrypted_records (encrypted_index, encrypted_payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		encIdx, encPayload, now, now).Scan(&id64)
	if err != nil {
		return 0, errs.Wrap("postgres.insertOne", errs.DbError, err)
	}
	id := uint64(id64)

	batch := &pgx.Batch{}
	for i, bit := range rangeBits {
		batch.Queue(
			`INSERT INTO range_query_indices (record_id, bit_position, encrypted_bit) VALUES ($1, $2, $3)`,
			id, i, bit)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return 0, errs.Wrap("postgres.insertOne", errs.DbError, err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, errs.Wrap("postgres.insertOne", errs.DbError, err)
		}
	}
	return id, nil
}

// InsertBatch stores every record in records under a single transaction;
// a single failure aborts the whole batch.
func (s *Store) InsertBatch(ctx context.Context, records []store.InsertRequest) ([]uint64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	batchID := uuid.New()
	s.log.Debug("postgres insert batch", "batch_id", batchID, "count", len(records))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap("postgres.InsertBatch", errs.DbError, err)
	}
	defer tx.Rollback(ctx)

	ids := make([]uint64, 0, len(records))
	for _, r := range records {
		id, err := s.insertOne(ctx, tx, r.EncryptedIndex, r.EncryptedPayload, r.RangeBits)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap("postgres.InsertBatch", errs.DbError, err)
	}
	return ids, nil
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id uint64) (store.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var r store.Record
	r.ID = id
	err := s.pool.QueryRow(ctx,
		`SELECT encrypted_index, encrypted_payload, created_at, updated_at
		 FROM encrypted_records WHERE id = $1`, id).
		Scan(&r.EncryptedIndex, &r.EncryptedPayload, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return store.Record{}, errs.New("postgres.Get", errs.NotFound)
	}
	if err != nil {
		return store.Record{}, errs.Wrap("postgres.Get", errs.DbError, err)
	}
	return r, nil
}

// GetMany loads many records by id with a single ANY($1) query.
func (s *Store) GetMany(ctx context.Context, ids []uint64) ([]store.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, encrypted_index, encrypted_payload, created_at, updated_at
		 FROM encrypted_records WHERE id = ANY($1)`, toInt64s(ids))
	if err != nil {
		return nil, errs.Wrap("postgres.GetMany", errs.DbError, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var r store.Record
		var id64 int64
		if err := rows.Scan(&id64, &r.EncryptedIndex, &r.EncryptedPayload, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errs.Wrap("postgres.GetMany", errs.DbError, err)
		}
		r.ID = uint64(id64)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("postgres.GetMany", errs.DbError, err)
	}
	return out, nil
}

func toInt64s(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// UpdatePayload replaces a record's encrypted_payload, upserting a
// Reference for the new ciphertext. The record row is locked with
// SELECT ... FOR UPDATE for the duration of the transaction so concurrent
// updates to the same id serialize instead of racing.
func (s *Store) UpdatePayload(ctx context.Context, id uint64, newEncPayload []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap("postgres.UpdatePayload", errs.DbError, err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM encrypted_records WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err == pgx.ErrNoRows {
		return errs.New("postgres.UpdatePayload", errs.NotFound)
	}
	if err != nil {
		return errs.Wrap("postgres.UpdatePayload", errs.DbError, err)
	}

	if err := s.upsertReference(ctx, tx, newEncPayload); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE encrypted_records SET encrypted_payload = $1, updated_at = $2 WHERE id = $3`,
		newEncPayload, time.Now().UTC(), id); err != nil {
		return errs.Wrap("postgres.UpdatePayload", errs.DbError, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap("postgres.UpdatePayload", errs.DbError, err)
	}
	return nil
}

// Delete removes a record and its RangeBits in a single transaction.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	return s.DeleteBatch(ctx, []uint64{id})
}

// DeleteBatch removes many records and their RangeBits in one transaction.
func (s *Store) DeleteBatch(ctx context.Context, ids []uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if len(ids) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap("postgres.DeleteBatch", errs.DbError, err)
	}
	defer tx.Rollback(ctx)

	idArr := toInt64s(ids)
	if _, err := tx.Exec(ctx,
		`DELETE FROM range_query_indices WHERE record_id = ANY($1)`, idArr); err != nil {
		return errs.Wrap("postgres.DeleteBatch", errs.DbError, err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM encrypted_records WHERE id = ANY($1)`, idArr); err != nil {
		return errs.Wrap("postgres.DeleteBatch", errs.DbError, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap("postgres.DeleteBatch", errs.DbError, err)
	}
	return nil
}

// postgresIndexIterator streams (id, encrypted_index) pairs to QueryEvaluator.
type postgresIndexIterator struct {
	rows pgx.Rows
}

func (it *postgresIndexIterator) Next(ctx context.Context) (store.IndexRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.IndexRow{}, false, err
	}
	if !it.rows.Next() {
		return store.IndexRow{}, false, it.rows.Err()
	}
	var id64 int64
	var row store.IndexRow
	if err := it.rows.Scan(&id64, &row.EncryptedIndex); err != nil {
		return store.IndexRow{}, false, errs.Wrap("postgres.ScanIndex", errs.DbError, err)
	}
	row.ID = uint64(id64)
	return row, true, nil
}

func (it *postgresIndexIterator) Close() error {
	it.rows.Close()
	return nil
}

// ScanIndex streams every (id, encrypted_index) pair for QueryEvaluator's
// equality scan.
func (s *Store) ScanIndex(ctx context.Context) (store.IndexIterator, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, encrypted_index FROM encrypted_records`)
	if err != nil {
		return nil, errs.Wrap("postgres.ScanIndex", errs.DbError, err)
	}
	return &postgresIndexIterator{rows: rows}, nil
}

// ScanRangeBits returns a record's range-index ciphertexts ordered MSB to
// LSB by bit_position.
func (s *Store) ScanRangeBits(ctx context.Context, id uint64) ([][]byte, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT encrypted_bit FROM range_query_indices WHERE record_id = $1 ORDER BY bit_position ASC`, id)
	if err != nil {
		return nil, errs.Wrap("postgres.ScanRangeBits", errs.DbError, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var bit []byte
		if err := rows.Scan(&bit); err != nil {
			return nil, errs.Wrap("postgres.ScanRangeBits", errs.DbError, err)
		}
		out = append(out, bit)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("postgres.ScanRangeBits", errs.DbError, err)
	}
	return out, nil
}

// CleanupReferences deletes every Reference row whose fingerprint is not
// referenced by any Record, clears the reference fingerprint cache, and
// returns the deletion count.
func (s *Store) CleanupReferences(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, errs.Wrap("postgres.CleanupReferences", errs.DbError, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM reference_table
		WHERE hash NOT IN (
			SELECT DISTINCT hash FROM reference_table r
			JOIN encrypted_records er ON er.encrypted_payload = r.encrypted_payload
		)`)
	if err != nil {
		return 0, errs.Wrap("postgres.CleanupReferences", errs.DbError, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errs.Wrap("postgres.CleanupReferences", errs.DbError, err)
	}
	s.ref.Clear()
	return int(tag.RowsAffected()), nil
}
