package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptStreamRoundTrip(t *testing.T) {
	e := NewEngine()
	key := testKey(0x11)

	// Span multiple chunks: 3 full chunks plus a partial one.
	plaintext := bytes.Repeat([]byte("0123456789abcdef"), (3*defaultChunkSize+1000)/16+1)
	plaintext = plaintext[:3*defaultChunkSize+1000]

	var encrypted bytes.Buffer
	n, err := e.EncryptStream(&encrypted, bytes.NewReader(plaintext), key)
	require.NoError(t, err)
	require.Equal(t, int64(encrypted.Len()), n)

	require.True(t, IsStreamingFrame(encrypted.Bytes()))

	var decrypted bytes.Buffer
	err = e.DecryptStream(&decrypted, bytes.NewReader(encrypted.Bytes()), int64(encrypted.Len()), key)
	require.NoError(t, err)

	require.Equal(t, plaintext, decrypted.Bytes())
}

func TestEncryptedContentSizeMatchesActualOutput(t *testing.T) {
	e := NewEngine()
	key := testKey(0x22)

	sizes := []int64{0, 1, 100, SingleShotMaxSize, SingleShotMaxSize + 1, 3*defaultChunkSize + 7}
	for _, size := range sizes {
		plaintext := bytes.Repeat([]byte{0xCD}, int(size))

		var got int64
		if size <= SingleShotMaxSize {
			ciphertext, err := e.Encrypt(plaintext, key)
			require.NoError(t, err)
			got = int64(len(ciphertext))
		} else {
			var buf bytes.Buffer
			n, err := e.EncryptStream(&buf, bytes.NewReader(plaintext), key)
			require.NoError(t, err)
			got = n
		}

		require.Equal(t, e.EncryptedContentSize(size), got, "size=%d", size)
	}
}

func TestDecryptStreamTamperedChunkFails(t *testing.T) {
	e := NewEngine()
	key := testKey(0x33)
	plaintext := bytes.Repeat([]byte{0x01}, defaultChunkSize+10)

	var encrypted bytes.Buffer
	_, err := e.EncryptStream(&encrypted, bytes.NewReader(plaintext), key)
	require.NoError(t, err)

	tampered := encrypted.Bytes()
	tampered[len(tampered)-1] ^= 0xFF

	var out bytes.Buffer
	err = e.DecryptStream(&out, bytes.NewReader(tampered), int64(len(tampered)), key)
	require.Equal(t, ErrTagMismatch, err)
}

func TestDecryptStreamWrongVersionFails(t *testing.T) {
	e := NewEngine()
	key := testKey(0x44)
	plaintext := []byte("short plaintext")

	var encrypted bytes.Buffer
	_, err := e.EncryptStream(&encrypted, bytes.NewReader(plaintext), key)
	require.NoError(t, err)

	tampered := encrypted.Bytes()
	tampered[4] = 0xFF // version byte

	var out bytes.Buffer
	err = e.DecryptStream(&out, bytes.NewReader(tampered), int64(len(tampered)), key)
	require.Equal(t, ErrUnsupportedVersion, err)
}

func TestIsStreamingFrameRejectsShortInput(t *testing.T) {
	require.False(t, IsStreamingFrame([]byte{0x01, 0x02}))
}
