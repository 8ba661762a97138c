// Package symcipher implements the single AES-256-GCM record cipher used
// to seal record payloads once a caller already holds the raw symmetric
// key (key wrapping/derivation lives in internal/keystore).
package symcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// Encrypt seals plaintext under key, returning nonce(12)||tag(16)||ciphertext.
func Encrypt(key [32]byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errs.Wrap("symcipher.Encrypt", errs.IoError, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap("symcipher.Encrypt", errs.IoError, err)
	}

	// gcm.Seal emits ciphertext||tag; the wire layout wants the tag between
	// the nonce and the ciphertext, so split and reorder.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagOffset := len(sealed) - tagSize
	out := make([]byte, 0, nonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[tagOffset:]...)
	out = append(out, sealed[:tagOffset]...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt. A blob shorter than the
// nonce+tag header yields errs.Malformed; an authentication failure
// (wrong key or tampered bytes) yields errs.Tampered.
func Decrypt(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+tagSize {
		return nil, errs.New("symcipher.Decrypt", errs.Malformed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, errs.Wrap("symcipher.Decrypt", errs.IoError, err)
	}

	nonce := ciphertext[:nonceSize]
	tag := ciphertext[nonceSize : nonceSize+tagSize]
	body := ciphertext[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errs.Wrap("symcipher.Decrypt", errs.Tampered, err)
	}
	return plaintext, nil
}

// EncryptBatch encrypts each plaintext independently with a fresh nonce.
func EncryptBatch(key [32]byte, plaintexts [][]byte) ([][]byte, error) {
	out := make([][]byte, len(plaintexts))
	for i, pt := range plaintexts {
		ct, err := Encrypt(key, pt)
		if err != nil {
			return nil, err
		}
		out[i] = ct
	}
	return out, nil
}

// DecryptBatch decrypts each ciphertext independently.
func DecryptBatch(key [32]byte, ciphertexts [][]byte) ([][]byte, error) {
	out := make([][]byte, len(ciphertexts))
	for i, ct := range ciphertexts {
		pt, err := Decrypt(key, ct)
		if err != nil {
			return nil, err
		}
		out[i] = pt
	}
	return out, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
