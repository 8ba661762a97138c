// Package keystore implements the password-protected, directory-backed
// storage of the symmetric record key and the BFV key bundle: derivation,
// authenticated wrapping, versioned unwrap, backup, and rotation.
package keystore

import (
	"archive/tar"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/codec"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/symcipher"
	"github.com/charmbracelet/log"
	"golang.org/x/crypto/pbkdf2"
)

const (
	versionCurrent byte = 1
	versionLegacy  byte = 0

	pbkdf2Iterations = 100_000
	saltSize         = 16
	verificationSize = 8
	verificationMsg  = "VALID_KEY_CHECK"
)

// FileNames is the set of on-disk file names a KeyBundle is split across.
type FileNames struct {
	Context string
	Public  string
	Secret  string
	Relin   string
	Galois  string
	AES     string // wrapped K_sec companion for Secret
}

// DefaultFileNames is the standard key-directory layout. The AES companion
// derives its name from the secret-key file so it never collides with the
// record cipher's own aes.key.
var DefaultFileNames = FileNames{
	Context: "context.con",
	Public:  "public.key",
	Secret:  "secret.key",
	Relin:   "relin.key",
	Galois:  "galois.key",
	AES:     "secret_aes.key",
}

// FHEBlob is the directory-I/O counterpart of a BFV key bundle: raw,
// already-serialized key material with no dependency on package fhe (the
// dependency runs the other way — fhe imports keystore).
type FHEBlob struct {
	Params []byte
	Public []byte
	Secret []byte // nil in encrypt-only mode
	Relin  []byte
	Galois []byte
}

// WrappedKey is a password-wrapped 32-byte key, as stored on disk.
type WrappedKey struct {
	Salt [saltSize]byte
	Body []byte // V || nonce(12) || gcm_tag(16) || verification_tag(8) || ciphertext  (V=1)
}

// Marshal serializes a WrappedKey to its on-disk byte layout.
func (w WrappedKey) Marshal() []byte {
	out := make([]byte, 0, saltSize+len(w.Body))
	out = append(out, w.Salt[:]...)
	out = append(out, w.Body...)
	return out
}

// UnmarshalWrappedKey parses the on-disk layout produced by Marshal.
func UnmarshalWrappedKey(data []byte) (WrappedKey, error) {
	if len(data) < saltSize+1 {
		return WrappedKey{}, errs.New("keystore.UnmarshalWrappedKey", errs.Malformed)
	}
	var w WrappedKey
	copy(w.Salt[:], data[:saltSize])
	w.Body = data[saltSize:]
	return w, nil
}

// Store is a directory of key material protected by a single password.
type Store struct {
	dir   string
	log   *log.Logger
	codec *codec.Codec
}

// Open returns a Store rooted at dir, creating it (owner-only permissions)
// if it does not exist. A nil logger defaults to log.Default().
func Open(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap("keystore.Open", errs.IoError, err)
	}
	return &Store{dir: dir, log: logger, codec: codec.New(9)}, nil
}

// ValidatePassword requires at least two of {uppercase, lowercase, digit,
// non-alphanumeric} character classes.
func ValidatePassword(password string) error {
	var upper, lower, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, other} {
		if ok {
			classes++
		}
	}
	if classes < 2 {
		return errs.New("keystore.ValidatePassword", errs.WeakPassword)
	}
	return nil
}

func deriveWrapKey(password string, salt [saltSize]byte) [32]byte {
	derived := pbkdf2.Key([]byte(password), salt[:], pbkdf2Iterations, 32, sha256.New)
	var out [32]byte
	copy(out[:], derived)
	for i := range derived {
		derived[i] = 0
	}
	return out
}

func verificationTag(kwrap [32]byte) []byte {
	mac := hmac.New(sha256.New, kwrap[:])
	mac.Write([]byte(verificationMsg))
	return mac.Sum(nil)[:verificationSize]
}

// WrapSymKey seals a raw 32-byte key under a password-derived key,
// producing the V=1 on-disk layout.
func (s *Store) WrapSymKey(key [32]byte, password string) (WrappedKey, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return WrappedKey{}, errs.Wrap("keystore.WrapSymKey", errs.IoError, err)
	}

	kwrap := deriveWrapKey(password, salt)
	defer zero(kwrap[:])

	block, err := aes.NewCipher(kwrap[:])
	if err != nil {
		return WrappedKey{}, errs.Wrap("keystore.WrapSymKey", errs.IoError, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return WrappedKey{}, errs.Wrap("keystore.WrapSymKey", errs.IoError, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return WrappedKey{}, errs.Wrap("keystore.WrapSymKey", errs.IoError, err)
	}

	sealed := gcm.Seal(nil, nonce, key[:], nil)
	tagOffset := len(sealed) - gcm.Overhead()
	ciphertext := sealed[:tagOffset]
	gcmTag := sealed[tagOffset:]
	vtag := verificationTag(kwrap)

	body := make([]byte, 0, 1+len(nonce)+len(gcmTag)+len(vtag)+len(ciphertext))
	body = append(body, versionCurrent)
	body = append(body, nonce...)
	body = append(body, gcmTag...)
	body = append(body, vtag...)
	body = append(body, ciphertext...)

	return WrappedKey{Salt: salt, Body: body}, nil
}

// UnwrapSymKey recovers the raw 32-byte key, supporting both the current
// (V=1) and legacy (V=0) on-disk formats.
func (s *Store) UnwrapSymKey(w WrappedKey, password string) ([32]byte, error) {
	var zeroKey [32]byte
	if len(w.Body) < 1 {
		return zeroKey, errs.New("keystore.UnwrapSymKey", errs.Malformed)
	}

	switch w.Body[0] {
	case versionCurrent:
		return s.unwrapV1(w, password)
	case versionLegacy:
		s.log.Warn("unwrapping legacy V0 key (unauthenticated CBC); write path always emits V1")
		return s.unwrapV0(w, password)
	default:
		return zeroKey, errs.New("keystore.UnwrapSymKey", errs.UnsupportedVersion)
	}
}

func (s *Store) unwrapV1(w WrappedKey, password string) ([32]byte, error) {
	var zeroKey [32]byte
	const headerLen = 1 + 12 + 16 + verificationSize
	if len(w.Body) < headerLen {
		return zeroKey, errs.New("keystore.UnwrapSymKey", errs.Malformed)
	}

	nonce := w.Body[1:13]
	gcmTag := w.Body[13:29]
	vtag := w.Body[29:37]
	ciphertext := w.Body[37:]

	kwrap := deriveWrapKey(password, w.Salt)
	defer zero(kwrap[:])

	expected := verificationTag(kwrap)
	if subtle.ConstantTimeCompare(expected, vtag) != 1 {
		return zeroKey, errs.New("keystore.UnwrapSymKey", errs.WrongPassword)
	}

	block, err := aes.NewCipher(kwrap[:])
	if err != nil {
		return zeroKey, errs.Wrap("keystore.UnwrapSymKey", errs.IoError, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return zeroKey, errs.Wrap("keystore.UnwrapSymKey", errs.IoError, err)
	}

	sealed := append(append([]byte{}, ciphertext...), gcmTag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return zeroKey, errs.Wrap("keystore.UnwrapSymKey", errs.Tampered, err)
	}
	if len(plaintext) != 32 {
		return zeroKey, errs.New("keystore.UnwrapSymKey", errs.Malformed)
	}

	var key [32]byte
	copy(key[:], plaintext)
	return key, nil
}

func (s *Store) unwrapV0(w WrappedKey, password string) ([32]byte, error) {
	var zeroKey [32]byte
	const ivSize = 16
	if len(w.Body) < 1+ivSize || (len(w.Body)-1-ivSize)%aes.BlockSize != 0 {
		return zeroKey, errs.New("keystore.UnwrapSymKey", errs.Malformed)
	}

	iv := w.Body[1 : 1+ivSize]
	ciphertext := w.Body[1+ivSize:]

	kwrap := deriveWrapKey(password, w.Salt)
	defer zero(kwrap[:])

	block, err := aes.NewCipher(kwrap[:])
	if err != nil {
		return zeroKey, errs.Wrap("keystore.UnwrapSymKey", errs.IoError, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpadPKCS7(plaintext)
	if err != nil {
		// No authentication on this path; a padding failure is the only
		// available wrong-password signal.
		return zeroKey, errs.Wrap("keystore.UnwrapSymKey", errs.WrongPassword, err)
	}
	if len(unpadded) != 32 {
		return zeroKey, errs.New("keystore.UnwrapSymKey", errs.Malformed)
	}

	var key [32]byte
	copy(key[:], unpadded)
	return key, nil
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SaveSymKey wraps key under password and writes it to name under the
// store directory. The password must satisfy ValidatePassword.
func (s *Store) SaveSymKey(name string, key [32]byte, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	wrapped, err := s.WrapSymKey(key, password)
	if err != nil {
		return err
	}
	return s.writeFile(name, wrapped.Marshal())
}

// LoadSymKey reads and unwraps the key stored at name.
func (s *Store) LoadSymKey(name string, password string) ([32]byte, error) {
	var zeroKey [32]byte
	data, err := s.readFile(name)
	if err != nil {
		return zeroKey, err
	}
	wrapped, err := UnmarshalWrappedKey(data)
	if err != nil {
		return zeroKey, err
	}
	return s.UnwrapSymKey(wrapped, password)
}

// SaveFHE writes a key bundle to disk: Params/Public/Relin/Galois are
// zstd-compressed in the clear; Secret (if present) is zstd-compressed
// then sealed under a fresh random K_sec, with K_sec itself
// password-wrapped alongside in names.AES.
func (s *Store) SaveFHE(b FHEBlob, names FileNames, password string) error {
	compressedParams, err := s.codec.Compress(b.Params)
	if err != nil {
		return errs.Wrap("keystore.SaveFHE", errs.IoError, err)
	}
	if err := s.writeFile(names.Context, compressedParams); err != nil {
		return err
	}

	compressedPub, err := s.codec.Compress(b.Public)
	if err != nil {
		return errs.Wrap("keystore.SaveFHE", errs.IoError, err)
	}
	if err := s.writeFile(names.Public, compressedPub); err != nil {
		return err
	}

	if b.Relin != nil {
		compressed, err := s.codec.Compress(b.Relin)
		if err != nil {
			return errs.Wrap("keystore.SaveFHE", errs.IoError, err)
		}
		if err := s.writeFile(names.Relin, compressed); err != nil {
			return err
		}
	}
	if b.Galois != nil {
		compressed, err := s.codec.Compress(b.Galois)
		if err != nil {
			return errs.Wrap("keystore.SaveFHE", errs.IoError, err)
		}
		if err := s.writeFile(names.Galois, compressed); err != nil {
			return err
		}
	}

	if b.Secret == nil {
		return nil
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	compressedSecret, err := s.codec.Compress(b.Secret)
	if err != nil {
		return errs.Wrap("keystore.SaveFHE", errs.IoError, err)
	}

	var ksec [32]byte
	if _, err := rand.Read(ksec[:]); err != nil {
		return errs.Wrap("keystore.SaveFHE", errs.IoError, err)
	}
	defer zero(ksec[:])

	sealedSecret, err := symcipher.Encrypt(ksec, compressedSecret)
	if err != nil {
		return errs.Wrap("keystore.SaveFHE", errs.IoError, err)
	}
	if err := s.writeFile(names.Secret, sealedSecret); err != nil {
		return err
	}

	return s.SaveSymKey(names.AES, ksec, password)
}

// LoadFHE reverses SaveFHE. When the secret-key file is absent, the
// returned blob's Secret field is nil (encrypt-only mode).
func (s *Store) LoadFHE(names FileNames, password string) (FHEBlob, error) {
	var blob FHEBlob

	compressedParams, err := s.readFile(names.Context)
	if err != nil {
		return blob, err
	}
	blob.Params, err = s.codec.Decompress(compressedParams)
	if err != nil {
		return blob, err
	}

	compressedPub, err := s.readFile(names.Public)
	if err != nil {
		return blob, err
	}
	blob.Public, err = s.codec.Decompress(compressedPub)
	if err != nil {
		return blob, err
	}

	if data, err := s.readFile(names.Relin); err == nil {
		if blob.Relin, err = s.codec.Decompress(data); err != nil {
			return blob, err
		}
	}
	if data, err := s.readFile(names.Galois); err == nil {
		if blob.Galois, err = s.codec.Decompress(data); err != nil {
			return blob, err
		}
	}

	if _, statErr := os.Stat(filepath.Join(s.dir, names.Secret)); statErr != nil {
		return blob, nil
	}

	ksec, err := s.LoadSymKey(names.AES, password)
	if err != nil {
		return blob, err
	}
	defer zero(ksec[:])

	sealedSecret, err := s.readFile(names.Secret)
	if err != nil {
		return blob, err
	}
	compressedSecret, err := symcipher.Decrypt(ksec, sealedSecret)
	if err != nil {
		return blob, err
	}
	blob.Secret, err = s.codec.Decompress(compressedSecret)
	if err != nil {
		return blob, err
	}
	return blob, nil
}

// RotateFHE backs up the files named by oldNames to timestamped ".bak"
// siblings, then writes newBundle under newNames.
func (s *Store) RotateFHE(oldNames, newNames FileNames, newBundle FHEBlob, password string) error {
	ts := time.Now().UTC().Format("20060102T150405Z")
	for _, name := range []string{oldNames.Context, oldNames.Public, oldNames.Secret, oldNames.Relin, oldNames.Galois, oldNames.AES} {
		if name == "" {
			continue
		}
		src := filepath.Join(s.dir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(s.dir, fmt.Sprintf("%s.%s.bak", name, ts))
		if err := copyFile(src, dst); err != nil {
			return errs.Wrap("keystore.RotateFHE", errs.IoError, err)
		}
	}
	return s.SaveFHE(newBundle, newNames, password)
}

// Backup writes a gzipped tar of the entire key directory into dir
// (defaulting to "<store-dir>/backups" when dir is empty) and returns the
// archive's path.
func (s *Store) Backup(dir string) (string, error) {
	if dir == "" {
		dir = filepath.Join(s.dir, "backups")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errs.Wrap("keystore.Backup", errs.IoError, err)
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	archivePath := filepath.Join(dir, fmt.Sprintf("keys_backup_%s.tar.gz", ts))

	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", errs.Wrap("keystore.Backup", errs.IoError, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Dir(path) == dir {
			return nil // skip the backups directory itself
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(contents)
		return err
	})
	if err != nil {
		return "", errs.Wrap("keystore.Backup", errs.IoError, err)
	}
	if err := tw.Close(); err != nil {
		return "", errs.Wrap("keystore.Backup", errs.IoError, err)
	}
	if err := gz.Close(); err != nil {
		return "", errs.Wrap("keystore.Backup", errs.IoError, err)
	}
	return archivePath, nil
}

// Restore extracts archive into a scoped temporary directory, optionally
// probes one wrapped key file with password, then copies the files into
// the store directory.
func (s *Store) Restore(archive, password string) error {
	tmpDir, err := os.MkdirTemp("", "securedb-restore-*")
	if err != nil {
		return errs.Wrap("keystore.Restore", errs.IoError, err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractTarGz(archive, tmpDir); err != nil {
		return errs.Wrap("keystore.Restore", errs.IoError, err)
	}

	if password != "" {
		if err := probePassword(tmpDir, password); err != nil {
			return err
		}
	}

	err = filepath.Walk(tmpDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(tmpDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(s.dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return err
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, contents, 0o600)
	})
	if err != nil {
		return errs.Wrap("keystore.Restore", errs.IoError, err)
	}
	return nil
}

func probePassword(dir, password string) error {
	data, err := os.ReadFile(filepath.Join(dir, DefaultFileNames.AES))
	if err != nil {
		return nil // nothing to probe against
	}
	wrapped, err := UnmarshalWrappedKey(data)
	if err != nil {
		return nil
	}
	probe := &Store{dir: dir, log: log.Default(), codec: codec.New(9)}
	_, err = probe.UnwrapSymKey(wrapped, password)
	return err
}

func extractTarGz(archive, destDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil { // #nosec G110 -- bounded by source archive
			out.Close()
			return err
		}
		out.Close()
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func (s *Store) writeFile(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errs.Wrap("keystore", errs.IoError, err)
	}
	return nil
}

func (s *Store) readFile(name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap("keystore", errs.IoError, err)
	}
	return data, nil
}
