package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(b byte) Key {
	var k Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := NewEngine()
	key := testKey(0x42)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, err := e.Encrypt(plaintext, key)
	require.NoError(t, err)
	require.Equal(t, e.EncryptedSize(len(plaintext)), len(ciphertext))

	got, err := e.Decrypt(ciphertext, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncryptNondeterministic(t *testing.T) {
	e := NewEngine()
	key := testKey(0x01)
	plaintext := []byte("same plaintext twice")

	a, err := e.Encrypt(plaintext, key)
	require.NoError(t, err)
	b, err := e.Encrypt(plaintext, key)
	require.NoError(t, err)

	require.NotEqual(t, a, b)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	e := NewEngine()
	ciphertext, err := e.Encrypt([]byte("secret"), testKey(0x01))
	require.NoError(t, err)

	_, err = e.Decrypt(ciphertext, testKey(0x02))
	require.Equal(t, ErrTagMismatch, err)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	e := NewEngine()
	ciphertext, err := e.Encrypt([]byte("secret message"), testKey(0x03))
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = e.Decrypt(tampered, testKey(0x03))
	require.Equal(t, ErrTagMismatch, err)
}

func TestDecryptMalformedFrameTooShort(t *testing.T) {
	e := NewEngine()
	_, err := e.Decrypt([]byte("short"), testKey(0x01))
	require.Equal(t, ErrMalformedFrame, err)
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	e := NewEngine()
	key := testKey(0x09)

	ciphertext, err := e.Encrypt(nil, key)
	require.NoError(t, err)

	got, err := e.Decrypt(ciphertext, key)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRandomBytesLengthAndUniqueness(t *testing.T) {
	e := NewEngine()

	a, err := e.RandomBytes(32)
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := e.RandomBytes(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHMACDeterministic(t *testing.T) {
	e := NewEngine()
	key := testKey(0x07)
	data := []byte("integrity witness payload")

	a := e.HMAC(data, key)
	b := e.HMAC(data, key)
	require.Equal(t, a, b)

	c := e.HMAC(append(data, 'x'), key)
	require.NotEqual(t, a, c)
}
