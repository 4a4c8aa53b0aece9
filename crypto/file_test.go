package crypto

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptFileSingleShot(t *testing.T) {
	e := NewEngine()
	key := testKey(0x55)
	fileID := [16]byte{1, 2, 3}
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	data := []byte("hello vault")
	framed, err := e.EncryptFile(data, "note.txt", "text/plain", key, fileID, createdAt)
	require.NoError(t, err)

	header, content, err := e.DecryptFile(framed, key)
	require.NoError(t, err)

	require.Equal(t, "note.txt", header.Filename)
	require.Equal(t, "text/plain", header.Mime)
	require.Equal(t, uint64(len(data)), header.OriginalSize)
	require.Equal(t, data, content)
}

func TestEncryptDecryptFileWithThumbnail(t *testing.T) {
	e := NewEngine()
	key := testKey(0x56)
	fileID := [16]byte{2, 3, 4}
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	data := []byte("hello vault with a thumbnail")
	thumbnail := []byte{0xFF, 0xD8, 0xFF, 0xAB, 0xCD}

	framed, err := e.EncryptFileWithThumbnail(data, "photo.jpg", "image/jpeg", thumbnail, key, fileID, createdAt)
	require.NoError(t, err)

	header, content, err := e.DecryptFile(framed, key)
	require.NoError(t, err)

	require.Equal(t, "photo.jpg", header.Filename)
	require.Equal(t, thumbnail, header.Thumbnail)
	require.Equal(t, data, content)
}

func TestEncryptDecryptFileStreamingThreshold(t *testing.T) {
	e := NewEngine()
	key := testKey(0x66)
	fileID := [16]byte{9, 9, 9}
	createdAt := time.Now().UTC().Truncate(time.Second)

	data := bytes.Repeat([]byte{0xAB}, SingleShotMaxSize+4096)
	framed, err := e.EncryptFile(data, "big.bin", "application/octet-stream", key, fileID, createdAt)
	require.NoError(t, err)

	header, content, err := e.DecryptFile(framed, key)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), header.OriginalSize)
	require.Equal(t, data, content)
}

func TestEncryptFileWrongKeyFailsOnHeader(t *testing.T) {
	e := NewEngine()
	key := testKey(0x77)
	other := testKey(0x78)

	framed, err := e.EncryptFile([]byte("data"), "f.txt", "text/plain", key, [16]byte{}, time.Now().UTC())
	require.NoError(t, err)

	_, _, err = e.DecryptFile(framed, other)
	require.Equal(t, ErrTagMismatch, err)
}

func TestEncryptFileStreamingToAndDecryptFileStreamingFromTo(t *testing.T) {
	e := NewEngine()
	key := testKey(0x88)
	fileID := [16]byte{4, 5, 6}
	createdAt := time.Now().UTC().Truncate(time.Second)

	srcDir, err := ioutil.TempDir("", "filecrypt-src")
	require.NoError(t, err)
	defer os.RemoveAll(srcDir) //nolint:errcheck

	srcPath := srcDir + "/plain.bin"
	data := bytes.Repeat([]byte{0x5A}, 2*defaultChunkSize+123)
	require.NoError(t, ioutil.WriteFile(srcPath, data, 0o600))

	var encrypted bytes.Buffer
	n, err := e.EncryptFileStreamingTo(&encrypted, srcPath, "plain.bin", "application/octet-stream", key, fileID, createdAt)
	require.NoError(t, err)
	require.Equal(t, int64(encrypted.Len()), n)

	dstDir, err := ioutil.TempDir("", "filecrypt-dst")
	require.NoError(t, err)
	defer os.RemoveAll(dstDir) //nolint:errcheck
	dstPath := dstDir + "/restored.bin"

	header, err := e.DecryptFileStreamingFromTo(bytes.NewReader(encrypted.Bytes()), int64(encrypted.Len()), key, dstPath)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), header.OriginalSize)

	restored, err := ioutil.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, data, restored)
}

func TestDecryptFileMalformedFrame(t *testing.T) {
	e := NewEngine()
	_, _, err := e.DecryptFile([]byte{1, 2}, testKey(0x01))
	require.Equal(t, ErrMalformedFrame, err)
}
