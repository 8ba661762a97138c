package symcipher_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/symcipher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randomKey(t)
	plaintext := []byte("a record payload that needs sealing")

	ciphertext, err := symcipher.Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, ciphertext, 12+16+len(plaintext))

	got, err := symcipher.Decrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	key := randomKey(t)
	plaintext := []byte("same plaintext twice")

	a, err := symcipher.Encrypt(key, plaintext)
	require.NoError(t, err)
	b, err := symcipher.Encrypt(key, plaintext)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "distinct nonces must yield distinct ciphertexts")
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := randomKey(t)
	other := randomKey(t)
	ciphertext, err := symcipher.Encrypt(key, []byte("secret"))
	require.NoError(t, err)

	_, err = symcipher.Decrypt(other, ciphertext)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Tampered))
}

func TestDecryptTamperedFails(t *testing.T) {
	key := randomKey(t)
	ciphertext, err := symcipher.Encrypt(key, []byte("secret payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = symcipher.Decrypt(key, ciphertext)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Tampered))
}

func TestDecryptTooShortIsMalformed(t *testing.T) {
	key := randomKey(t)
	_, err := symcipher.Decrypt(key, []byte("short"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Malformed))
}

func TestBatchRoundTrip(t *testing.T) {
	key := randomKey(t)
	plaintexts := [][]byte{[]byte("one"), []byte("two"), []byte("three")}

	ciphertexts, err := symcipher.EncryptBatch(key, plaintexts)
	require.NoError(t, err)
	require.Len(t, ciphertexts, 3)

	got, err := symcipher.DecryptBatch(key, ciphertexts)
	require.NoError(t, err)
	assert.Equal(t, plaintexts, got)
}
