package blobpool

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kopia-vault/vaultcore/crypto"
)

func newTestPool(t *testing.T) (*Pool, func()) {
	dir, err := ioutil.TempDir("", "blobpool")
	require.NoError(t, err)

	var footerKey [16]byte
	copy(footerKey[:], []byte("0123456789abcdef"))

	p := New(dir, footerKey, crypto.NewEngine())
	return p, func() { os.RemoveAll(dir) } //nolint:errcheck
}

func TestEnsureReadyCreatesPrimary(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())

	info, err := os.Stat(p.PrimaryPath())
	require.NoError(t, err)
	require.Equal(t, int64(DefaultContainerSize), info.Size())

	cap, err := p.PrimaryCapacity()
	require.NoError(t, err)
	require.Equal(t, int64(DefaultContainerSize-FooterSize), cap)
}

func TestEnsureReadyIdempotent(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())

	before, err := p.ReadRange(Descriptor{BlobID: PrimaryBlobID, FileName: PrimaryFileName}, 0, 64)
	require.NoError(t, err)

	require.NoError(t, p.EnsureReady())

	after, err := p.ReadRange(Descriptor{BlobID: PrimaryBlobID, FileName: PrimaryFileName}, 0, 64)
	require.NoError(t, err)

	require.Equal(t, before, after)
}

func TestFooterRoundTrip(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())

	cursor, err := p.ReadFooter()
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)

	require.NoError(t, p.WriteFooter(12345))

	cursor, err = p.ReadFooter()
	require.NoError(t, err)
	require.Equal(t, int64(12345), cursor)
}

func TestFooterWrongKeyReadsZero(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())
	require.NoError(t, p.WriteFooter(999))

	var otherKey [16]byte
	copy(otherKey[:], []byte("fedcba9876543210"))
	other := New(p.dir, otherKey, crypto.NewEngine())

	cursor, err := other.ReadFooter()
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)
}

func TestWriteAtAndReadRange(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())

	d := Descriptor{BlobID: PrimaryBlobID, FileName: PrimaryFileName}
	payload := []byte("the quick brown fox jumps over the lazy dog")

	require.NoError(t, p.WriteAt(d, 1000, payload))

	got, err := p.ReadRange(d, 1000, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCreateExpansion(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())

	d, err := p.CreateExpansion("abc123")
	require.NoError(t, err)

	require.False(t, d.IsPrimary())
	require.Equal(t, int64(DefaultContainerSize), d.Capacity)

	info, err := os.Stat(p.filePathForBlob(d))
	require.NoError(t, err)
	require.Equal(t, int64(DefaultContainerSize), info.Size())
}

func TestCreatePrimarySizedUsesRequestedCapacity(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	const capacity = 128 << 10

	d, err := p.CreatePrimarySized(capacity)
	require.NoError(t, err)
	require.True(t, d.IsPrimary())
	require.Equal(t, int64(capacity), d.Capacity)

	info, err := os.Stat(p.PrimaryPath())
	require.NoError(t, err)
	require.Equal(t, int64(capacity), info.Size())
}

func TestSecureOverwriteChangesBytes(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())

	d := Descriptor{BlobID: PrimaryBlobID, FileName: PrimaryFileName}
	original := bytes.Repeat([]byte{0xAB}, 256)
	require.NoError(t, p.WriteAt(d, 0, original))

	require.NoError(t, p.SecureOverwrite(d, 0, int64(len(original))))

	overwritten, err := p.ReadRange(d, 0, int64(len(original)))
	require.NoError(t, err)

	require.NotEqual(t, original, overwritten)
}

func TestWipeContainerRemovesExpansionFile(t *testing.T) {
	p, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, p.EnsureReady())

	d, err := p.CreateExpansion("toremove")
	require.NoError(t, err)

	require.NoError(t, p.WipeContainer(d))

	_, err = os.Stat(p.filePathForBlob(d))
	require.True(t, os.IsNotExist(err))
}
