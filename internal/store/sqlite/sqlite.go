// Package sqlite is the embeddable store.Store backend used by the CLI's
// default configuration and by the test suite, so the engine runs without
// a live Postgres server. It drives github.com/mattn/go-sqlite3 directly
// through database/sql with the same hand-written SQL style as the
// postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/codec"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/config"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	registrystoredb "github.com/0wnerDied/Homomorphic-SecureDB/internal/registry/storedb"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	registrystoredb.Register(registrystoredb.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (store.Store, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil {
				return nil, errs.New("sqlite.Loader", errs.Malformed)
			}
			return Open(ctx, cfg.DatabaseURL, nil)
		},
	})
}

// Store is a single-writer sqlite-backed store.Store.
type Store struct {
	db      *sql.DB
	ref     *store.RefCache
	timeout time.Duration
	log     *log.Logger
}

// Open opens (creating if necessary) the sqlite database at dsn and
// ensures the schema exists. A nil logger defaults to log.Default().
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap("sqlite.Open", errs.DbError, err)
	}
	// sqlite has no real concurrent-writer story; a single connection
	// avoids SQLITE_BUSY under concurrent callers and keeps transaction
	// semantics simple.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, errs.Wrap("sqlite.Open", errs.DbError, err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, errs.Wrap("sqlite.Open", errs.DbError, err)
	}

	timeout := 30 * time.Second
	if cfg := config.FromContext(ctx); cfg != nil && cfg.QueryTimeout > 0 {
		timeout = cfg.QueryTimeout
	}
	return &Store{db: db, ref: store.NewRefCache(), timeout: timeout, log: logger}, nil
}

// opCtx bounds one store operation by the configured query timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Wrap("sqlite.Close", errs.DbError, err)
	}
	return nil
}

func (s *Store) upsertReference(ctx context.Context, tx *sql.Tx, encPayload []byte) error {
	hash := codec.Fingerprint(encPayload)
	if _, ok := s.ref.Get(hash); ok {
		return nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO reference_table (hash, encrypted_payload) VALUES (?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		hash, encPayload)
	if err != nil {
		return errs.Wrap("sqlite.upsertReference", errs.DbError, err)
	}
	// LastInsertId is stale when the ON CONFLICT arm fired, so only cache
	// the id for rows this statement actually inserted.
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		if id, err := res.LastInsertId(); err == nil {
			s.ref.Put(hash, id)
		}
	}
	return nil
}

// Insert stores one record in a single transaction: upsert the payload's
// Reference, insert the Record, then insert W RangeBits rows if present.
func (s *Store) Insert(ctx context.Context, encIdx, encPayload []byte, rangeBits [][]byte) (uint64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap("sqlite.Insert", errs.DbError, err)
	}
	defer tx.Rollback()

	id, err := s.insertOne(ctx, tx, encIdx, encPayload, rangeBits)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap("sqlite.Insert", errs.DbError, err)
	}
	return id, nil
}

func (s *Store) insertOne(ctx context.Context, tx *sql.Tx, encIdx, encPayload []byte, rangeBits [][]byte) (uint64, error) {
	if err := s.upsertReference(ctx, tx, encPayload); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO encrypted_records (encrypted_index, encrypted_payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		encIdx, encPayload, now, now)
	if err != nil {
		return 0, errs.Wrap("sqlite.insertOne", errs.DbError, err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Wrap("sqlite.insertOne", errs.DbError, err)
	}
	id := uint64(id64)

	for i, bit := range rangeBits {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO range_query_indices (record_id, bit_position, encrypted_bit) VALUES (?, ?, ?)`,
			id, i, bit); err != nil {
			return 0, errs.Wrap("sqlite.insertOne", errs.DbError, err)
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
	s.log.Debug("sqlite insert batch", "batch_id", batchID, "count", len(records))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap("sqlite.InsertBatch", errs.DbError, err)
	}
	defer tx.Rollback()

	ids := make([]uint64, 0, len(records))
	for _, r := range records {
		id, err := s.insertOne(ctx, tx, r.EncryptedIndex, r.EncryptedPayload, r.RangeBits)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap("sqlite.InsertBatch", errs.DbError, err)
	}
	return ids, nil
}

func scanRecord(row interface {
	Scan(dest ...any) error
}, id uint64) (store.Record, error) {
	var r store.Record
	r.ID = id
	if err := row.Scan(&r.EncryptedIndex, &r.EncryptedPayload, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return store.Record{}, err
	}
	return r, nil
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id uint64) (store.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT encrypted_index, encrypted_payload, created_at, updated_at
		 FROM encrypted_records WHERE id = ?`, id)
	r, err := scanRecord(row, id)
	if err == sql.ErrNoRows {
		return store.Record{}, errs.New("sqlite.Get", errs.NotFound)
	}
	if err != nil {
		return store.Record{}, errs.Wrap("sqlite.Get", errs.DbError, err)
	}
	return r, nil
}

// GetMany loads many records by id with a single IN query.
func (s *Store) GetMany(ctx context.Context, ids []uint64) ([]store.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT id, encrypted_index, encrypted_payload, created_at, updated_at
		 FROM encrypted_records WHERE id IN (%s)`, joinPlaceholders(placeholders))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap("sqlite.GetMany", errs.DbError, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ID, &r.EncryptedIndex, &r.EncryptedPayload, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errs.Wrap("sqlite.GetMany", errs.DbError, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("sqlite.GetMany", errs.DbError, err)
	}
	return out, nil
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

// UpdatePayload replaces a record's encrypted_payload, upserting a
// Reference for the new ciphertext and touching updated_at. sqlite has no
// row-level locking; the surrounding transaction serializes against the
// single connection instead (see the row-lock note in internal/store/postgres).
func (s *Store) UpdatePayload(ctx context.Context, id uint64, newEncPayload []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("sqlite.UpdatePayload", errs.DbError, err)
	}
	defer tx.Rollback()

	if err := s.upsertReference(ctx, tx, newEncPayload); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE encrypted_records SET encrypted_payload = ?, updated_at = ? WHERE id = ?`,
		newEncPayload, time.Now().UTC(), id)
	if err != nil {
		return errs.Wrap("sqlite.UpdatePayload", errs.DbError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap("sqlite.UpdatePayload", errs.DbError, err)
	}
	if n == 0 {
		return errs.New("sqlite.UpdatePayload", errs.NotFound)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap("sqlite.UpdatePayload", errs.DbError, err)
	}
	return nil
}

// Delete removes a record and its RangeBits (RangeBits first, then the
// Record) in a single transaction.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("sqlite.DeleteBatch", errs.DbError, err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := joinPlaceholders(placeholders)

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM range_query_indices WHERE record_id IN (%s)`, inClause),
		args...); err != nil {
		return errs.Wrap("sqlite.DeleteBatch", errs.DbError, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM encrypted_records WHERE id IN (%s)`, inClause),
		args...); err != nil {
		return errs.Wrap("sqlite.DeleteBatch", errs.DbError, err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap("sqlite.DeleteBatch", errs.DbError, err)
	}
	return nil
}

// sqliteIndexIterator streams (id, encrypted_index) pairs to QueryEvaluator.
type sqliteIndexIterator struct {
	rows *sql.Rows
}

func (it *sqliteIndexIterator) Next(ctx context.Context) (store.IndexRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.IndexRow{}, false, err
	}
	if !it.rows.Next() {
		return store.IndexRow{}, false, it.rows.Err()
	}
	var row store.IndexRow
	if err := it.rows.Scan(&row.ID, &row.EncryptedIndex); err != nil {
		return store.IndexRow{}, false, errs.Wrap("sqlite.ScanIndex", errs.DbError, err)
	}
	return row, true, nil
}

func (it *sqliteIndexIterator) Close() error { return it.rows.Close() }

// ScanIndex streams every (id, encrypted_index) pair for QueryEvaluator's
// equality scan.
func (s *Store) ScanIndex(ctx context.Context) (store.IndexIterator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, encrypted_index FROM encrypted_records`)
	if err != nil {
		return nil, errs.Wrap("sqlite.ScanIndex", errs.DbError, err)
	}
	return &sqliteIndexIterator{rows: rows}, nil
}

// ScanRangeBits returns a record's range-index ciphertexts ordered MSB to
// LSB by bit_position.
func (s *Store) ScanRangeBits(ctx context.Context, id uint64) ([][]byte, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT encrypted_bit FROM range_query_indices WHERE record_id = ? ORDER BY bit_position ASC`, id)
	if err != nil {
		return nil, errs.Wrap("sqlite.ScanRangeBits", errs.DbError, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var bit []byte
		if err := rows.Scan(&bit); err != nil {
			return nil, errs.Wrap("sqlite.ScanRangeBits", errs.DbError, err)
		}
		out = append(out, bit)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("sqlite.ScanRangeBits", errs.DbError, err)
	}
	return out, nil
}

// CleanupReferences deletes every Reference row whose fingerprint is not
// referenced by any Record, clears the reference fingerprint cache, and
// returns the deletion count.
func (s *Store) CleanupReferences(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap("sqlite.CleanupReferences", errs.DbError, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM reference_table
		WHERE hash NOT IN (
			SELECT DISTINCT hash FROM reference_table r
			JOIN encrypted_records er ON er.encrypted_payload = r.encrypted_payload
		)`)
	if err != nil {
		return 0, errs.Wrap("sqlite.CleanupReferences", errs.DbError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap("sqlite.CleanupReferences", errs.DbError, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap("sqlite.CleanupReferences", errs.DbError, err)
	}
	s.ref.Clear()
	return int(n), nil
}
