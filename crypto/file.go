package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"time"
)

// FileHeader is the metadata encrypted alongside every stored file. It
// decrypts from the first framed segment of a file's on-disk bytes.
// Thumbnail, when present, is a caller-supplied pre-generated thumbnail
// (the engine never renders one itself) and is encrypted as part of this
// same header, i.e. "wrapped under MasterKey" alongside the rest of it.
type FileHeader struct {
	FileID       [16]byte  `json:"file_id"`
	Filename     string    `json:"filename"`
	Mime         string    `json:"mime"`
	OriginalSize uint64    `json:"original_size"`
	CreatedAt    time.Time `json:"created_at"`
	Thumbnail    []byte    `json:"thumbnail,omitempty"`
}

const headerLenPrefixSize = 4

// EncryptFile builds a FileHeader, encrypts it and the content
// under key, and returns the full on-disk framing:
// header_size_u32_le | encrypted_header | encrypted_content.
// Content at or below SingleShotMaxSize is encrypted single-shot; larger
// content uses the streaming format.
func (e *Engine) EncryptFile(data []byte, filename, mime string, key Key, fileID [16]byte, createdAt time.Time) ([]byte, error) {
	return e.EncryptFileWithThumbnail(data, filename, mime, nil, key, fileID, createdAt)
}

// EncryptFileWithThumbnail is EncryptFile with an optional pre-generated
// thumbnail, encrypted as part of the header.
func (e *Engine) EncryptFileWithThumbnail(data []byte, filename, mime string, thumbnail []byte, key Key, fileID [16]byte, createdAt time.Time) ([]byte, error) {
	header := FileHeader{
		FileID:       fileID,
		Filename:     filename,
		Mime:         mime,
		OriginalSize: uint64(len(data)),
		CreatedAt:    createdAt,
		Thumbnail:    thumbnail,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}

	encryptedHeader, err := e.Encrypt(headerJSON, key)
	if err != nil {
		return nil, err
	}

	var encryptedContent []byte
	if len(data) <= SingleShotMaxSize {
		encryptedContent, err = e.Encrypt(data, key)
		if err != nil {
			return nil, err
		}
	} else {
		var buf bytes.Buffer
		if _, err := e.EncryptStream(&buf, bytes.NewReader(data), key); err != nil {
			return nil, err
		}
		encryptedContent = buf.Bytes()
	}

	out := make([]byte, 0, headerLenPrefixSize+len(encryptedHeader)+len(encryptedContent))
	var lenPrefix [headerLenPrefixSize]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(encryptedHeader)))
	out = append(out, lenPrefix[:]...)
	out = append(out, encryptedHeader...)
	out = append(out, encryptedContent...)

	return out, nil
}

// DecryptFile is the inverse of EncryptFile. It transparently accepts both
// single-shot and streaming content, distinguished by sniffing the streaming
// magic at the content offset.
func (e *Engine) DecryptFile(framed []byte, key Key) (FileHeader, []byte, error) {
	var header FileHeader

	if len(framed) < headerLenPrefixSize {
		return header, nil, ErrMalformedFrame
	}

	headerLen := binary.LittleEndian.Uint32(framed[:headerLenPrefixSize])
	rest := framed[headerLenPrefixSize:]
	if uint32(len(rest)) < headerLen {
		return header, nil, ErrMalformedFrame
	}

	encryptedHeader := rest[:headerLen]
	encryptedContent := rest[headerLen:]

	headerJSON, err := e.Decrypt(encryptedHeader, key)
	if err != nil {
		return header, nil, err
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return header, nil, ErrMalformedFrame
	}

	var content []byte
	if IsStreamingFrame(encryptedContent) {
		var buf bytes.Buffer
		if err := e.DecryptStream(&buf, bytes.NewReader(encryptedContent), int64(len(encryptedContent)), key); err != nil {
			return header, nil, err
		}
		content = buf.Bytes()
	} else {
		content, err = e.Decrypt(encryptedContent, key)
		if err != nil {
			return header, nil, err
		}
	}

	return header, content, nil
}

// EncryptFileStreamingTo reads from srcPath in chunks and writes the full
// on-disk framing (header + streamed content) to dst without holding the
// entire plaintext in memory. Returns the total bytes written.
func (e *Engine) EncryptFileStreamingTo(dst io.Writer, srcPath, filename, mime string, key Key, fileID [16]byte, createdAt time.Time) (int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	header := FileHeader{
		FileID:       fileID,
		Filename:     filename,
		Mime:         mime,
		OriginalSize: uint64(info.Size()),
		CreatedAt:    createdAt,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}

	encryptedHeader, err := e.Encrypt(headerJSON, key)
	if err != nil {
		return 0, err
	}

	var lenPrefix [headerLenPrefixSize]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(encryptedHeader)))

	written := int64(0)
	if _, err := dst.Write(lenPrefix[:]); err != nil {
		return written, err
	}
	written += headerLenPrefixSize

	if _, err := dst.Write(encryptedHeader); err != nil {
		return written, err
	}
	written += int64(len(encryptedHeader))

	if info.Size() <= SingleShotMaxSize {
		data, err := io.ReadAll(f)
		if err != nil {
			return written, err
		}
		encryptedContent, err := e.Encrypt(data, key)
		if err != nil {
			return written, err
		}
		if _, err := dst.Write(encryptedContent); err != nil {
			return written, err
		}
		written += int64(len(encryptedContent))
		return written, nil
	}

	n, err := e.EncryptStream(dst, f, key)
	written += n
	return written, err
}

// DecryptFileStreamingFromTo reads length framed bytes from src and writes
// the decrypted file (header parsed, content streamed) to dstPath. Peak
// memory is bounded by one plaintext chunk for streaming content.
func (e *Engine) DecryptFileStreamingFromTo(src io.Reader, length int64, key Key, dstPath string) (FileHeader, error) {
	var header FileHeader

	var lenPrefix [headerLenPrefixSize]byte
	if length < headerLenPrefixSize {
		return header, ErrMalformedFrame
	}
	if _, err := io.ReadFull(src, lenPrefix[:]); err != nil {
		return header, ErrMalformedFrame
	}
	remaining := length - headerLenPrefixSize

	headerLen := int64(binary.LittleEndian.Uint32(lenPrefix[:]))
	if headerLen > remaining {
		return header, ErrMalformedFrame
	}

	encryptedHeader := make([]byte, headerLen)
	if _, err := io.ReadFull(src, encryptedHeader); err != nil {
		return header, ErrMalformedFrame
	}
	remaining -= headerLen

	headerJSON, err := e.Decrypt(encryptedHeader, key)
	if err != nil {
		return header, err
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return header, ErrMalformedFrame
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return header, err
	}
	defer out.Close() //nolint:errcheck

	// Peek at the content's magic to decide single-shot vs streaming.
	peek := make([]byte, 4)
	n, _ := io.ReadFull(src, peek)
	contentPrefix := peek[:n]
	contentReader := io.MultiReader(bytes.NewReader(contentPrefix), io.LimitReader(src, remaining-int64(n)))

	if n == 4 && IsStreamingFrame(contentPrefix) {
		if err := e.DecryptStream(out, contentReader, remaining, key); err != nil {
			return header, err
		}
		return header, nil
	}

	content, err := io.ReadAll(contentReader)
	if err != nil {
		return header, err
	}

	plaintext, err := e.Decrypt(content, key)
	if err != nil {
		return header, err
	}

	if _, err := out.Write(plaintext); err != nil {
		return header, err
	}

	return header, nil
}

