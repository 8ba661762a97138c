// Package codec handles ciphertext-transport compression and the
// non-cryptographic fingerprinting used to key dedup/reference tables.
package codec

import (
	"bytes"
	"io"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses ciphertext payloads for storage/transport and computes
// fingerprints for dedup reference keys. It is safe for concurrent use.
type Codec struct {
	level zstd.EncoderLevel
}

// New returns a Codec using the given zstd compression level (1-22),
// mapped onto zstd.EncoderLevel: <=1 is SpeedFastest, 2-6 SpeedDefault,
// 7-12 SpeedBetterCompression, and anything higher SpeedBestCompression.
// Out-of-range values are clamped to the nearest end of that scale.
func New(level int) *Codec {
	return &Codec{level: levelFor(level)}
}

func levelFor(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Compress zstd-compresses data.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, errs.Wrap("codec.Compress", errs.IoError, err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress. A corrupt or truncated frame yields a
// CorruptCiphertext error.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap("codec.Decompress", errs.CorruptCiphertext, err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, errs.Wrap("codec.Decompress", errs.CorruptCiphertext, err)
	}
	return out, nil
}

// Fingerprint returns the xxhash64 digest of data, hex-encoded, for use as
// a reference-table dedup key. It is never used for authentication.
func Fingerprint(data []byte) string {
	h := xxhash.Sum64(data)
	return toHex(h)
}

const hexDigits = "0123456789abcdef"

func toHex(v uint64) string {
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
