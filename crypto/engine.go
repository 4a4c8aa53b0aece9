// Package crypto implements the vault's symmetric AEAD primitives: single-shot
// and streaming authenticated encryption, HMAC integrity witnesses, and a
// cryptographically secure random byte source. It holds no keys and no
// storage layout knowledge; everything above it (blobpool, vaultindex,
// storageengine, transfer) composes these primitives.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of a VaultKey or MasterKey.
const KeySize = 32

// Key is an opaque 256-bit symmetric secret. The zero Key is never valid
// cryptographic material; it exists only so Key can be used as a map value.
type Key [KeySize]byte

const (
	nonceSize = chacha20poly1305.NonceSize // 12
	tagSize   = chacha20poly1305.Overhead  // 16
)

// Engine provides the vault's AEAD, HMAC, and random-byte primitives. It is
// safe for concurrent use; all methods are stateless over an injected RNG.
type Engine struct {
	rand io.Reader
}

// NewEngine returns an Engine backed by the system CSPRNG.
func NewEngine() *Engine {
	return &Engine{rand: rand.Reader}
}

// RandomBytes returns n cryptographically secure random bytes.
func (e *Engine) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(e.rand, buf); err != nil {
		return nil, ErrRandomSourceUnavailable
	}
	return buf, nil
}

// EncryptedSize returns the exact single-shot ciphertext size for a given plaintext size.
func (e *Engine) EncryptedSize(plainSize int) int {
	return nonceSize + plainSize + tagSize
}

// Encrypt performs single-shot AEAD encryption. The output framing is
// nonce(12) || ciphertext || tag(16). Each call uses a fresh random nonce,
// so encrypting the same plaintext twice never produces the same bytes.
func (e *Engine) Encrypt(plaintext []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	nonce, err := e.RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, nonceSize+len(plaintext)+tagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt is the inverse of Encrypt. Returns ErrTagMismatch on authentication
// failure (wrong key, corrupted ciphertext) and ErrMalformedFrame if framed
// is too short to contain a nonce and tag.
func (e *Engine) Decrypt(framed []byte, key Key) ([]byte, error) {
	if len(framed) < nonceSize+tagSize {
		return nil, ErrMalformedFrame
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	nonce := framed[:nonceSize]
	ciphertext := framed[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrTagMismatch
	}

	return plaintext, nil
}

// HMAC computes HMAC-SHA-256 of data under key. Used as a backup integrity witness.
func (e *Engine) HMAC(data []byte, key Key) []byte {
	h := hmac.New(sha256.New, key[:])
	h.Write(data) //nolint:errcheck
	return h.Sum(nil)
}
