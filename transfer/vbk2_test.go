package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVBK2RoundTrip(t *testing.T) {
	blobs := []PackedBlob{
		{BlobID: "primary", Data: []byte("primary container bytes")},
		{BlobID: "abc123", Data: []byte("expansion container bytes")},
	}
	indexes := []PackedIndex{
		{FileName: "vault_index.json.enc", Data: []byte("index bytes")},
	}

	payload, err := EncodeVBK2(blobs, indexes)
	require.NoError(t, err)

	gotBlobs, gotIndexes, err := DecodeVBK2(payload)
	require.NoError(t, err)
	require.Equal(t, blobs, gotBlobs)
	require.Equal(t, indexes, gotIndexes)
}

func TestEncodeVBK2EmptyBlobsAndIndexes(t *testing.T) {
	payload, err := EncodeVBK2(nil, nil)
	require.NoError(t, err)

	blobs, indexes, err := DecodeVBK2(payload)
	require.NoError(t, err)
	require.Empty(t, blobs)
	require.Empty(t, indexes)
}

func TestDecodeVBK2DetectsLegacyV1Payload(t *testing.T) {
	legacy := []byte("this is a raw legacy v1 primary blob with no VBK2 header at all")

	blobs, indexes, err := DecodeVBK2(legacy)
	require.NoError(t, err)
	require.Nil(t, indexes)
	require.Len(t, blobs, 1)
	require.Equal(t, "primary", blobs[0].BlobID)
	require.Equal(t, legacy, blobs[0].Data)
}

func TestDecodeVBK2RejectsTruncatedPayload(t *testing.T) {
	blobs := []PackedBlob{{BlobID: "primary", Data: []byte("some data")}}
	payload, err := EncodeVBK2(blobs, nil)
	require.NoError(t, err)

	truncated := payload[:len(payload)-5]
	_, _, err = DecodeVBK2(truncated)
	require.Equal(t, ErrMalformedBackupPayload, err)
}

func TestDecodeVBK2RejectsFutureVersion(t *testing.T) {
	blobs := []PackedBlob{{BlobID: "primary", Data: []byte("x")}}
	payload, err := EncodeVBK2(blobs, nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), payload...)
	tampered[4] = vbk2Version + 1

	_, _, err = DecodeVBK2(tampered)
	require.Equal(t, ErrUnsupportedBackupVersion, err)
}
