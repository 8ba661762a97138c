package keystore_test

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

func newStore(t *testing.T) *keystore.Store {
	t.Helper()
	s, _ := newStoreWithDir(t)
	return s
}

func newStoreWithDir(t *testing.T) (*keystore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := keystore.Open(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func randomKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return key
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, keystore.ValidatePassword("Abcdef12"))
	assert.NoError(t, keystore.ValidatePassword("abcdef!!"))
	assert.Error(t, keystore.ValidatePassword("abcdefgh"))

	err := keystore.ValidatePassword("alllowercase")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.WeakPassword))
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	s := newStore(t)
	key := randomKey(t)

	wrapped, err := s.WrapSymKey(key, "Abcdef12!")
	require.NoError(t, err)

	got, err := s.UnwrapSymKey(wrapped, "Abcdef12!")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestUnwrapWrongPasswordFailsBeforeGCM(t *testing.T) {
	s := newStore(t)
	key := randomKey(t)

	wrapped, err := s.WrapSymKey(key, "Abcdef12!")
	require.NoError(t, err)

	_, err = s.UnwrapSymKey(wrapped, "Abcdef12?")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.WrongPassword))
}

func TestUnwrapTamperedCiphertextFailsWithTampered(t *testing.T) {
	s := newStore(t)
	key := randomKey(t)

	wrapped, err := s.WrapSymKey(key, "Abcdef12!")
	require.NoError(t, err)
	wrapped.Body[len(wrapped.Body)-1] ^= 0xFF // corrupt ciphertext only

	_, err = s.UnwrapSymKey(wrapped, "Abcdef12!")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Tampered))
}

func TestUnwrapUnsupportedVersion(t *testing.T) {
	s := newStore(t)
	wrapped := keystore.WrappedKey{Body: []byte{7, 1, 2, 3}}
	_, err := s.UnwrapSymKey(wrapped, "whatever")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UnsupportedVersion))
}

func TestUnwrapLegacyV0(t *testing.T) {
	s := newStore(t)
	password := "Abcdef12!"
	key := randomKey(t)

	var salt [16]byte
	_, err := rand.Read(salt[:])
	require.NoError(t, err)

	kwrap := pbkdf2.Key([]byte(password), salt[:], 100_000, 32, sha256.New)
	block, err := aes.NewCipher(kwrap)
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	padded := pkcs7Pad(key[:], aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body := append([]byte{0}, iv...)
	body = append(body, ciphertext...)
	var wrapped keystore.WrappedKey
	wrapped.Salt = salt
	wrapped.Body = body

	got, err := s.UnwrapSymKey(wrapped, password)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte{}, data...), padding...)
}

func TestSaveLoadSymKey(t *testing.T) {
	s := newStore(t)
	key := randomKey(t)

	require.NoError(t, s.SaveSymKey("aes.key", key, "Abcdef12!"))

	got, err := s.LoadSymKey("aes.key", "Abcdef12!")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestSaveSymKeyRejectsWeakPassword(t *testing.T) {
	s := newStore(t)
	key := randomKey(t)
	err := s.SaveSymKey("aes.key", key, "weakweak")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.WeakPassword))
}

func TestSaveLoadFHEFullBundle(t *testing.T) {
	s := newStore(t)
	bundle := keystore.FHEBlob{
		Params: []byte("serialized-params"),
		Public: []byte("serialized-public-key"),
		Secret: []byte("serialized-secret-key"),
		Relin:  []byte("serialized-relin-key"),
		Galois: []byte("serialized-galois-key"),
	}

	require.NoError(t, s.SaveFHE(bundle, keystore.DefaultFileNames, "Abcdef12!"))

	got, err := s.LoadFHE(keystore.DefaultFileNames, "Abcdef12!")
	require.NoError(t, err)
	assert.Equal(t, bundle.Params, got.Params)
	assert.Equal(t, bundle.Public, got.Public)
	assert.Equal(t, bundle.Secret, got.Secret)
	assert.Equal(t, bundle.Relin, got.Relin)
	assert.Equal(t, bundle.Galois, got.Galois)
}

func TestSaveLoadFHEEncryptOnly(t *testing.T) {
	s := newStore(t)
	bundle := keystore.FHEBlob{
		Params: []byte("serialized-params"),
		Public: []byte("serialized-public-key"),
	}

	require.NoError(t, s.SaveFHE(bundle, keystore.DefaultFileNames, ""))

	got, err := s.LoadFHE(keystore.DefaultFileNames, "")
	require.NoError(t, err)
	assert.Equal(t, bundle.Params, got.Params)
	assert.Equal(t, bundle.Public, got.Public)
	assert.Nil(t, got.Secret)
}

func TestBackupRestore(t *testing.T) {
	s := newStore(t)
	key := randomKey(t)
	require.NoError(t, s.SaveSymKey("aes.key", key, "Abcdef12!"))

	archive, err := s.Backup("")
	require.NoError(t, err)
	assert.FileExists(t, archive)

	restoreDir := t.TempDir()
	restoreStore, err := keystore.Open(restoreDir, nil)
	require.NoError(t, err)

	require.NoError(t, restoreStore.Restore(archive, "Abcdef12!"))

	got, err := restoreStore.LoadSymKey("aes.key", "Abcdef12!")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestRotateFHEBacksUpOldFiles(t *testing.T) {
	s, dir := newStoreWithDir(t)
	oldBundle := keystore.FHEBlob{
		Params: []byte("old-params"),
		Public: []byte("old-public"),
	}
	require.NoError(t, s.SaveFHE(oldBundle, keystore.DefaultFileNames, ""))

	newBundle := keystore.FHEBlob{
		Params: []byte("new-params"),
		Public: []byte("new-public"),
	}
	require.NoError(t, s.RotateFHE(keystore.DefaultFileNames, keystore.DefaultFileNames, newBundle, ""))

	got, err := s.LoadFHE(keystore.DefaultFileNames, "")
	require.NoError(t, err)
	assert.Equal(t, newBundle.Params, got.Params)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	foundBak := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bak" {
			foundBak = true
		}
	}
	assert.True(t, foundBak)
}
