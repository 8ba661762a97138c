// Package config holds process-wide settings read once at startup: a
// single Config struct plus environment overrides and a context.Context
// carrier. The core packages under internal/ receive a Config (or the
// values they need) explicitly rather than reading package globals.
package config

import (
	"context"
	"os"
	"strconv"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context, or nil if none was set.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config is the process-wide configuration for the encrypted record store.
type Config struct {
	// KeysDir is the directory holding BFV and symmetric key material.
	KeysDir string

	// DatastoreType selects the store backend: "sqlite" or "postgres".
	DatastoreType string
	// DatabaseURL is the connection string/path for the selected backend.
	DatabaseURL string
	// QueryTimeout bounds each individual store operation. The streaming
	// ScanIndex iterator is not bounded by it.
	QueryTimeout time.Duration

	// RecordCacheSize, EqualityCacheSize and RangeCacheSize size the three
	// LRU caches described in the data model (record-by-id, equality-query
	// results, range-query results).
	RecordCacheSize   int
	EqualityCacheSize int
	RangeCacheSize    int

	// FHECacheSize bounds the FheEngine's encrypt/decrypt result caches.
	FHECacheSize int

	// CompressionLevel is the zstd level used by the Codec (default 9).
	CompressionLevel int

	// RangeBits is W, the per-bit range-index width (default 32).
	RangeBits int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		KeysDir:           "./keys",
		DatastoreType:     "sqlite",
		DatabaseURL:       "file:securedb.sqlite3?_foreign_keys=on",
		QueryTimeout:      30 * time.Second,
		RecordCacheSize:   1000,
		EqualityCacheSize: 1000,
		RangeCacheSize:    1000,
		FHECacheSize:      2000,
		CompressionLevel:  9,
		RangeBits:         32,
	}
}

// ApplyEnv overlays SECUREDB_-prefixed environment variables onto cfg.
// Environment overrides take precedence over whatever cfg already holds.
func (cfg *Config) ApplyEnv() {
	if v := os.Getenv("SECUREDB_KEYS_DIR"); v != "" {
		cfg.KeysDir = v
	}
	if v := os.Getenv("SECUREDB_DATASTORE_TYPE"); v != "" {
		cfg.DatastoreType = v
	}
	if v := os.Getenv("SECUREDB_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SECUREDB_QUERY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueryTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SECUREDB_RECORD_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecordCacheSize = n
		}
	}
	if v := os.Getenv("SECUREDB_EQUALITY_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EqualityCacheSize = n
		}
	}
	if v := os.Getenv("SECUREDB_RANGE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RangeCacheSize = n
		}
	}
	if v := os.Getenv("SECUREDB_FHE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FHECacheSize = n
		}
	}
	if v := os.Getenv("SECUREDB_COMPRESSION_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CompressionLevel = n
		}
	}
	if v := os.Getenv("SECUREDB_RANGE_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RangeBits = n
		}
	}
}
