package crypto

import "errors"

// Sentinel errors returned by the crypto engine. Callers branch on these
// with errors.Is rather than matching strings.
var (
	// ErrRandomSourceUnavailable indicates the system CSPRNG failed to produce bytes. Fatal.
	ErrRandomSourceUnavailable = errors.New("crypto: random source unavailable")

	// ErrTagMismatch indicates AEAD authentication failed: wrong key or tampered ciphertext.
	ErrTagMismatch = errors.New("crypto: authentication tag mismatch")

	// ErrMalformedFrame indicates the framed ciphertext is too short or has an invalid shape.
	ErrMalformedFrame = errors.New("crypto: malformed frame")

	// ErrUnsupportedVersion indicates a streaming frame was written by a newer format version.
	ErrUnsupportedVersion = errors.New("crypto: unsupported streaming version")
)
