package codec_test

import (
	"testing"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/codec"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	c := codec.New(9)
	original := []byte("the quick brown fox jumps over the lazy dog, repeated repeated repeated")

	compressed, err := c.Compress(original)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	decompressed, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestDecompressCorrupt(t *testing.T) {
	c := codec.New(9)
	_, err := c.Decompress([]byte("not a zstd frame"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CorruptCiphertext))
}

func TestFingerprintDeterministic(t *testing.T) {
	a := codec.Fingerprint([]byte("hello"))
	b := codec.Fingerprint([]byte("hello"))
	c := codec.Fingerprint([]byte("world"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestLevelOutOfRangeStillWorks(t *testing.T) {
	c := codec.New(100)
	out, err := c.Compress([]byte("data"))
	require.NoError(t, err)

	back, err := c.Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), back)
}
