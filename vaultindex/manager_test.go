package vaultindex

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kopia-vault/vaultcore/crypto"
)

func newTestMasterKey(t *testing.T) crypto.Key {
	t.Helper()
	var k crypto.Key
	copy(k[:], []byte("master-key-for-tests-0123456789"))
	return k
}

// FooterSizeForTest mirrors blobpool.FooterSize, so these tests need not
// import blobpool.
const FooterSizeForTest = 16

func TestInitAndLoadRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "vaultindex")
	require.NoError(t, err)
	defer os.RemoveAll(dir) //nolint:errcheck

	engine := crypto.NewEngine()
	masterKey := newTestMasterKey(t)

	m := New(dir, masterKey, engine)
	vaultKey, err := m.Init("vault-1", 50<<20-FooterSizeForTest)
	require.NoError(t, err)

	m2 := New(dir, masterKey, engine)
	require.NoError(t, m2.Load("vault-1"))

	gotKey, err := m2.VaultKey()
	require.NoError(t, err)
	require.Equal(t, vaultKey, gotKey)

	snap, err := m2.Snapshot()
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, snap.SchemaVersion)
	require.Len(t, snap.Blobs, 1)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	dir, err := ioutil.TempDir("", "vaultindex")
	require.NoError(t, err)
	defer os.RemoveAll(dir) //nolint:errcheck

	m := New(dir, newTestMasterKey(t), crypto.NewEngine())
	require.Equal(t, ErrIndexNotFound, m.Load("vault-1"))
}

func TestWithLockPersistsMutation(t *testing.T) {
	dir, err := ioutil.TempDir("", "vaultindex")
	require.NoError(t, err)
	defer os.RemoveAll(dir) //nolint:errcheck

	engine := crypto.NewEngine()
	masterKey := newTestMasterKey(t)

	m := New(dir, masterKey, engine)
	_, err = m.Init("vault-1", 50<<20-FooterSizeForTest)
	require.NoError(t, err)

	err = m.WithLock(func(idx *Index) error {
		idx.Files["abc123"] = FileRecord{
			BlobID:        "primary",
			Offset:        0,
			EncryptedSize: 128,
			PlainSize:     100,
			Filename:      "photo.jpg",
			Mime:          "image/jpeg",
		}
		return nil
	})
	require.NoError(t, err)

	m2 := New(dir, masterKey, engine)
	require.NoError(t, m2.Load("vault-1"))

	snap, err := m2.Snapshot()
	require.NoError(t, err)
	rec, ok := snap.Files["abc123"]
	require.True(t, ok)
	require.Equal(t, "photo.jpg", rec.Filename)
}

func TestWithLockErrorSkipsSave(t *testing.T) {
	dir, err := ioutil.TempDir("", "vaultindex")
	require.NoError(t, err)
	defer os.RemoveAll(dir) //nolint:errcheck

	engine := crypto.NewEngine()
	masterKey := newTestMasterKey(t)

	m := New(dir, masterKey, engine)
	_, err = m.Init("vault-1", 50<<20-FooterSizeForTest)
	require.NoError(t, err)

	sentinel := ErrEntryExists
	err = m.WithLock(func(idx *Index) error {
		idx.Files["should-not-persist"] = FileRecord{Filename: "x"}
		return sentinel
	})
	require.Equal(t, sentinel, err)

	m2 := New(dir, masterKey, engine)
	require.NoError(t, m2.Load("vault-1"))
	snap, err := m2.Snapshot()
	require.NoError(t, err)
	_, ok := snap.Files["should-not-persist"]
	require.False(t, ok)
}

func TestRewrapChangesMasterKey(t *testing.T) {
	dir, err := ioutil.TempDir("", "vaultindex")
	require.NoError(t, err)
	defer os.RemoveAll(dir) //nolint:errcheck

	engine := crypto.NewEngine()
	oldMaster := newTestMasterKey(t)

	m := New(dir, oldMaster, engine)
	vaultKey, err := m.Init("vault-1", 50<<20-FooterSizeForTest)
	require.NoError(t, err)

	var newMaster crypto.Key
	copy(newMaster[:], []byte("a-different-master-key-9876543"))

	require.NoError(t, m.Rewrap(newMaster))

	loadedOld := New(dir, oldMaster, engine)
	require.Error(t, loadedOld.Load("vault-1"))

	loadedNew := New(dir, newMaster, engine)
	require.NoError(t, loadedNew.Load("vault-1"))
	gotKey, err := loadedNew.VaultKey()
	require.NoError(t, err)
	require.Equal(t, vaultKey, gotKey)
}
