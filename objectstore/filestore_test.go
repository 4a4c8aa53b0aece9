package objectstore

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FileStore, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "objectstore")
	require.NoError(t, err)
	s, err := NewFileStore(FileOptions{Path: dir})
	if err != nil {
		os.RemoveAll(dir) //nolint:errcheck
		require.NoError(t, err)
	}
	return s, func() { os.RemoveAll(dir) } //nolint:errcheck
}

func TestPutGetRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	payload := []byte("chunk payload")

	err := s.Put(ctx, "chunk-1", KindSharedVaultChunk, bytes.NewReader(payload), int64(len(payload)), PutDefault)
	require.NoError(t, err)

	got, err := s.Get(ctx, "chunk-1")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPutWithoutOverwriteFailsOnCollision(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	err := s.Put(ctx, "k", KindVaultBackup, bytes.NewReader([]byte("a")), 1, PutDefault)
	require.NoError(t, err)

	err = s.Put(ctx, "k", KindVaultBackup, bytes.NewReader([]byte("b")), 1, PutDefault)
	require.Equal(t, ErrKeyExists, err)

	err = s.Put(ctx, "k", KindVaultBackup, bytes.NewReader([]byte("b")), 1, PutOverwrite)
	require.NoError(t, err)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "b", string(got))
}

func TestGetRange(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	payload := []byte("0123456789")
	err := s.Put(ctx, "k", KindVaultBackupChunk, bytes.NewReader(payload), int64(len(payload)), PutDefault)
	require.NoError(t, err)

	got, err := s.GetRange(ctx, "k", 3, 4)
	require.NoError(t, err)
	require.Equal(t, "3456", string(got))
}

func TestDeleteAndExists(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	err := s.Put(ctx, "k", KindSharedVault, bytes.NewReader([]byte("x")), 1, PutDefault)
	require.NoError(t, err)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Delete(ctx, "k"))

	exists, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGetMissingKeyReturnsErrKeyNotFound(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	_, err := s.Get(context.Background(), "missing")
	require.Equal(t, ErrKeyNotFound, err)
}

func TestListReturnsMatchingPrefix(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	err := s.Put(ctx, "share-abc-chunk-0", KindSharedVaultChunk, bytes.NewReader([]byte("1")), 1, PutDefault)
	require.NoError(t, err)
	err = s.Put(ctx, "share-abc-chunk-1", KindSharedVaultChunk, bytes.NewReader([]byte("2")), 1, PutDefault)
	require.NoError(t, err)
	err = s.Put(ctx, "backup-xyz", KindVaultBackup, bytes.NewReader([]byte("3")), 1, PutDefault)
	require.NoError(t, err)

	ch, err := s.List(ctx, "share-abc")
	require.NoError(t, err)

	count := 0
	for m := range ch {
		require.Equal(t, KindSharedVaultChunk, m.Kind)
		count++
	}
	require.Equal(t, 2, count)
}
