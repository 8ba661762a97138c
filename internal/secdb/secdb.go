// Package secdb is the orchestrating facade that composes the keystore,
// FHE engine, symmetric cipher, store backend, and query evaluator into
// the single plaintext-in/plaintext-out API that cmd/securedb and the
// integration tests drive.
package secdb

import (
	"context"
	"crypto/rand"
	"errors"
	"os"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/config"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/fhe"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/keystore"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/query"
	registrystoredb "github.com/0wnerDied/Homomorphic-SecureDB/internal/registry/storedb"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store/cached"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/symcipher"
	"github.com/charmbracelet/log"

	// registered store backends
	_ "github.com/0wnerDied/Homomorphic-SecureDB/internal/store/postgres"
	_ "github.com/0wnerDied/Homomorphic-SecureDB/internal/store/sqlite"
)

const symKeyName = "aes.key"

// Engine is the top-level handle on an encrypted record store: it owns
// the keystore, the FHE engine, the unwrapped symmetric key, the store
// backend (record-cached), and the query evaluator, and exposes plaintext
// operations that internally encrypt/decrypt and index/search.
type Engine struct {
	ks     *keystore.Store
	fhe    *fhe.Engine
	symKey [32]byte
	store  store.Store
	query  *query.Evaluator
	cfg    config.Config
	log    *log.Logger
}

// Open loads (or, on first run, generates) every key, connects to the
// configured store backend, and returns a ready Engine.
func Open(ctx context.Context, cfg config.Config, password string) (*Engine, error) {
	logger := log.Default()
	ctx = config.WithContext(ctx, &cfg)

	ks, err := keystore.Open(cfg.KeysDir, logger)
	if err != nil {
		return nil, err
	}

	symKey, err := loadOrCreateSymKey(ks, password)
	if err != nil {
		return nil, err
	}

	engine, err := fhe.NewEngine(ctx, fhe.DefaultParams, ks, keystore.DefaultFileNames, fhe.Options{
		Password:         password,
		CacheSize:        cfg.FHECacheSize,
		CompressionLevel: cfg.CompressionLevel,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	loader, err := registrystoredb.Select(cfg.DatastoreType)
	if err != nil {
		return nil, errs.Wrap("secdb.Open", errs.Malformed, err)
	}
	backend, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	cs := cached.New(backend, cfg.RecordCacheSize)

	eval := query.New(cs, engine, cfg.RangeBits, cfg.EqualityCacheSize, cfg.RangeCacheSize)

	return &Engine{
		ks:     ks,
		fhe:    engine,
		symKey: symKey,
		store:  cs,
		query:  eval,
		cfg:    cfg,
		log:    logger,
	}, nil
}

func loadOrCreateSymKey(ks *keystore.Store, password string) ([32]byte, error) {
	key, err := ks.LoadSymKey(symKeyName, password)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return [32]byte{}, err
	}

	var fresh [32]byte
	if _, err := rand.Read(fresh[:]); err != nil {
		return [32]byte{}, errs.Wrap("secdb.loadOrCreateSymKey", errs.IoError, err)
	}
	if err := ks.SaveSymKey(symKeyName, fresh, password); err != nil {
		return [32]byte{}, err
	}
	return fresh, nil
}

// InsertRecord encrypts index and payload, optionally builds the per-bit
// range index, stores the record, and invalidates the query caches since
// a new row can be a match for any existing cached query.
func (e *Engine) InsertRecord(ctx context.Context, index int64, payload []byte, withRange bool) (uint64, error) {
	encIdx, err := e.fhe.EncryptInt(index)
	if err != nil {
		return 0, err
	}
	encPayload, err := symcipher.Encrypt(e.symKey, payload)
	if err != nil {
		return 0, err
	}

	var rangeBits [][]byte
	if withRange {
		rangeBits, err = e.fhe.EncryptForRange(index, e.cfg.RangeBits)
		if err != nil {
			return 0, err
		}
	}

	id, err := e.store.Insert(ctx, encIdx, encPayload, rangeBits)
	if err != nil {
		return 0, err
	}
	e.query.InvalidateCaches()
	return id, nil
}

// GetRecord loads and decrypts a record by id, returning its plaintext
// index value and payload.
func (e *Engine) GetRecord(ctx context.Context, id uint64) (int64, []byte, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	index, err := e.fhe.DecryptInt(rec.EncryptedIndex)
	if err != nil {
		return 0, nil, err
	}
	payload, err := symcipher.Decrypt(e.symKey, rec.EncryptedPayload)
	if err != nil {
		return 0, nil, err
	}
	return index, payload, nil
}

// UpdatePayload re-encrypts payload under the current symmetric key and
// overwrites the stored record, invalidating the query caches.
func (e *Engine) UpdatePayload(ctx context.Context, id uint64, payload []byte) error {
	encPayload, err := symcipher.Encrypt(e.symKey, payload)
	if err != nil {
		return err
	}
	if err := e.store.UpdatePayload(ctx, id, encPayload); err != nil {
		return err
	}
	e.query.InvalidateCaches()
	return nil
}

// DeleteRecord removes a record and invalidates the query caches.
func (e *Engine) DeleteRecord(ctx context.Context, id uint64) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.query.InvalidateCaches()
	return nil
}

// SearchEqual returns the ids of records whose index equals index.
func (e *Engine) SearchEqual(ctx context.Context, index int64) ([]uint64, error) {
	return e.query.SearchByIndex(ctx, index)
}

// SearchRange returns the ids of records whose range-indexed value falls
// within [min, max] (either bound may be nil).
func (e *Engine) SearchRange(ctx context.Context, min, max *int64) ([]uint64, error) {
	return e.query.SearchByRange(ctx, min, max)
}

// RotateFHE generates a fresh BFV key bundle, backs up the current key
// files to timestamped .bak siblings, and writes the new bundle in place.
// Stored records are not re-encrypted: their index ciphertexts stop being
// decryptable once an engine opens against the new bundle. The rotation
// takes effect at the next Open; this engine keeps using the bundle it
// loaded.
func (e *Engine) RotateFHE(password string) error {
	bundle, err := fhe.GenerateBundle(fhe.DefaultParams, false)
	if err != nil {
		return err
	}
	if err := e.ks.RotateFHE(keystore.DefaultFileNames, keystore.DefaultFileNames, bundle, password); err != nil {
		return err
	}
	e.log.Info("rotated FHE key bundle", "dir", e.cfg.KeysDir)
	return nil
}

// BackupKeys archives the whole key directory as a gzipped tar, returning
// the archive path. An empty dir defaults to <keys-dir>/backups.
func (e *Engine) BackupKeys(dir string) (string, error) {
	return e.ks.Backup(dir)
}

// Cleanup removes orphaned reference rows and returns the deletion count.
// It does not touch the query caches: a reference cleanup never changes
// which record ids match a query.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	return e.store.CleanupReferences(ctx)
}

// Close releases the store backend's connections.
func (e *Engine) Close() error {
	return e.store.Close()
}
