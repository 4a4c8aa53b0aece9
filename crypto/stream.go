package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// StreamingMagic identifies the on-disk streaming-AEAD frame format.
const StreamingMagic uint32 = 0x5643_4b31 // "VCK1"

const (
	streamVersion = 1

	// defaultChunkSizeLog2 yields a 256 KiB default plaintext chunk size.
	defaultChunkSizeLog2 = 18
	defaultChunkSize     = 1 << defaultChunkSizeLog2

	streamHeaderSize   = 4 + 1 + 1 + 2 // magic | version | chunk_size_log2 | reserved
	chunkLenPrefixSize = 4
	chunkOverhead      = chunkLenPrefixSize + nonceSize + tagSize
)

// EncryptStream reads all of src and writes the streaming AEAD framing to w:
// magic(4) | version(1) | chunk_size_log2(1) | reserved(2) | [len(4) | nonce(12) | ciphertext | tag(16)]*
// Each chunk uses an independent random nonce under key. Returns the number
// of bytes written to w.
func (e *Engine) EncryptStream(w io.Writer, src io.Reader, key Key) (int64, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return 0, err
	}

	var header [streamHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], StreamingMagic)
	header[4] = streamVersion
	header[5] = defaultChunkSizeLog2

	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}

	written := int64(streamHeaderSize)
	buf := make([]byte, defaultChunkSize)

	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			frame, nonce, err := e.sealChunk(aead, buf[:n])
			if err != nil {
				return written, err
			}

			var lenPrefix [chunkLenPrefixSize]byte
			binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(nonce)+len(frame)))

			if _, err := w.Write(lenPrefix[:]); err != nil {
				return written, err
			}
			if _, err := w.Write(nonce); err != nil {
				return written, err
			}
			if _, err := w.Write(frame); err != nil {
				return written, err
			}

			written += int64(chunkLenPrefixSize + len(nonce) + len(frame))
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func (e *Engine) sealChunk(aead cipher.AEAD, plaintext []byte) (ciphertextAndTag []byte, nonce []byte, err error) {
	nonce, err = e.RandomBytes(nonceSize)
	if err != nil {
		return nil, nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return sealed, nonce, nil
}

// DecryptStream reads the streaming AEAD framing from r (exactly length bytes,
// as supplied by the caller) and writes the
// decrypted plaintext to w. Authentication failure on any chunk aborts and
// returns ErrTagMismatch; the caller must treat partially-written output as
// invalid.
func (e *Engine) DecryptStream(w io.Writer, r io.Reader, length int64, key Key) error {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return err
	}

	var header [streamHeaderSize]byte
	if length < streamHeaderSize {
		return ErrMalformedFrame
	}
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return ErrMalformedFrame
	}

	if binary.LittleEndian.Uint32(header[0:4]) != StreamingMagic {
		return ErrMalformedFrame
	}
	if header[4] != streamVersion {
		return ErrUnsupportedVersion
	}

	remaining := length - streamHeaderSize
	var lenPrefix [chunkLenPrefixSize]byte

	for remaining > 0 {
		if remaining < chunkLenPrefixSize {
			return ErrMalformedFrame
		}
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			return ErrMalformedFrame
		}
		remaining -= chunkLenPrefixSize

		chunkLen := binary.LittleEndian.Uint32(lenPrefix[:])
		if int64(chunkLen) > remaining || chunkLen < nonceSize+tagSize {
			return ErrMalformedFrame
		}

		chunk := make([]byte, chunkLen)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return ErrMalformedFrame
		}
		remaining -= int64(chunkLen)

		nonce := chunk[:nonceSize]
		ciphertext := chunk[nonceSize:]

		plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return ErrTagMismatch
		}

		if _, err := w.Write(plaintext); err != nil {
			return err
		}
	}

	return nil
}

// IsStreamingFrame reports whether b begins with the streaming AEAD magic,
// allowing decrypt_file to auto-detect single-shot vs streaming content.
func IsStreamingFrame(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(b[0:4]) == StreamingMagic
}

// EncryptedContentSize computes the exact on-disk ciphertext byte count for a
// plaintext of the given size, using the same single-shot/streaming threshold
// as EncryptFile, so callers can pre-allocate blob space before encrypting.
func (e *Engine) EncryptedContentSize(plainSize int64) int64 {
	if plainSize <= SingleShotMaxSize {
		return int64(nonceSize) + plainSize + int64(tagSize)
	}
	return streamingContentSize(plainSize)
}

func streamingContentSize(plainSize int64) int64 {
	total := int64(streamHeaderSize)

	fullChunks := plainSize / defaultChunkSize
	remainder := plainSize % defaultChunkSize

	total += fullChunks * int64(defaultChunkSize+chunkOverhead)
	if remainder > 0 {
		total += remainder + int64(chunkOverhead)
	}

	return total
}

// SingleShotMaxSize is the plaintext size threshold at or below which
// EncryptFile uses single-shot AEAD instead of the streaming format.
const SingleShotMaxSize = 1 << 20 // 1 MiB
