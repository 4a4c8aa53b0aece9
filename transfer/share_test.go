package transfer

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kopia-vault/vaultcore/crypto"
	"github.com/kopia-vault/vaultcore/objectstore"
)

func newTestShareStore(t *testing.T) (objectstore.Store, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "transfer-share")
	require.NoError(t, err)
	s, err := objectstore.NewFileStore(objectstore.FileOptions{Path: dir})
	if err != nil {
		os.RemoveAll(dir) //nolint:errcheck
		require.NoError(t, err)
	}
	return s, func() { os.RemoveAll(dir) } //nolint:errcheck
}

func testSourceFiles() []SourceFile {
	return []SourceFile{
		{
			Fingerprint: "fp-1",
			Filename:    "note.txt",
			Mime:        "text/plain",
			Data:        []byte("share this with a friend"),
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			Fingerprint: "fp-2",
			Filename:    "photo.jpg",
			Mime:        "image/jpeg",
			Data:        []byte("photo bytes"),
			Thumbnail:   []byte{0xFF, 0xD8, 0xAB},
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestShareUploadAndDownloadRoundTrip(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := u.Upload(ctx, staging, testSourceFiles(), "owner-fingerprint", SharePolicy{Revocable: true, Note: "for a friend"}, "correct horse battery staple", now)
	require.NoError(t, err)

	got, err := u.DownloadAndImport(ctx, "correct horse battery staple")
	require.NoError(t, err)
	require.Len(t, got.Files, 2)
	require.Equal(t, "owner-fingerprint", got.OwnerFingerprint)
	require.True(t, got.Policy.Revocable)
	require.Equal(t, "for a friend", got.Policy.Note)

	byFingerprint := map[string][]byte{}
	for _, f := range got.Files {
		byFingerprint[f.Fingerprint] = f.Data
	}
	require.Equal(t, []byte("share this with a friend"), byFingerprint["fp-1"])
	require.Equal(t, []byte("photo bytes"), byFingerprint["fp-2"])
}

func TestShareDownloadWrongPhraseFails(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()

	_, err := u.Upload(ctx, staging, testSourceFiles(), "owner", SharePolicy{}, "correct phrase", time.Now().UTC())
	require.NoError(t, err)

	_, err = u.DownloadAndImport(ctx, "wrong phrase")
	require.Error(t, err)
}

func TestShareExpiredDownloadFails(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), -time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()

	_, err := u.Upload(ctx, staging, testSourceFiles(), "owner", SharePolicy{}, "phrase", time.Now().UTC())
	require.NoError(t, err)

	_, err = u.DownloadAndImport(ctx, "phrase")
	require.Equal(t, ErrShareExpired, err)
}

func TestShareRevokeBlocksDownload(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()

	_, err := u.Upload(ctx, staging, testSourceFiles(), "owner", SharePolicy{}, "phrase", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, u.Revoke(ctx, "phrase"))

	_, err = u.DownloadAndImport(ctx, "phrase")
	require.Equal(t, ErrShareRevoked, err)
}

func TestShareResumeUploadsWhateverWasStaged(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()
	now := time.Now().UTC()

	manifest, err := u.stageSnapshot(staging, "share-fixed-id", PhraseVaultID("phrase"), testSourceFiles(), "owner", SharePolicy{}, "phrase", false, now, now)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, shareChunkKey(manifest.ShareVaultID, 0)))

	shareVaultID, err := u.Resume(ctx, staging, now)
	require.NoError(t, err)
	require.Equal(t, "share-fixed-id", shareVaultID)

	exists, err := store.Exists(ctx, shareChunkKey(manifest.ShareVaultID, 0))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestShareClaimOnceBlocksSecondRecipient(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()

	_, err := u.Upload(ctx, staging, testSourceFiles(), "owner", SharePolicy{}, "alpha bravo charlie", time.Now().UTC())
	require.NoError(t, err)

	_, err = u.DownloadAndImport(ctx, "alpha bravo charlie")
	require.NoError(t, err)

	_, err = u.DownloadAndImport(ctx, "alpha bravo charlie")
	require.Equal(t, ErrShareAlreadyClaimed, err)
}

func TestShareSyncReusesShareVaultIDAndKeepsClaimedStatus(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()

	shareVaultID, err := u.Upload(ctx, staging, testSourceFiles(), "owner", SharePolicy{AllowResync: true}, "phrase", time.Now().UTC())
	require.NoError(t, err)

	imported, err := u.DownloadAndImport(ctx, "phrase")
	require.NoError(t, err)
	require.Len(t, imported.Files, 2)

	updated := testSourceFiles()
	updated[0].Data = []byte("updated content")

	require.NoError(t, u.Sync(ctx, staging, updated, "phrase", time.Now().UTC()))

	manifest, err := u.getManifest(ctx, PhraseVaultID("phrase"))
	require.NoError(t, err)
	require.Equal(t, shareVaultID, manifest.ShareVaultID)
	require.True(t, manifest.Claimed)
}

func TestShareSyncRejectsRevokedShare(t *testing.T) {
	store, cleanup := newTestShareStore(t)
	defer cleanup()

	u := NewShareUploader(store, crypto.NewEngine(), time.Hour)
	staging := NewStagingArea(t.TempDir())
	ctx := context.Background()

	_, err := u.Upload(ctx, staging, testSourceFiles(), "owner", SharePolicy{}, "phrase", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, u.Revoke(ctx, "phrase"))

	err = u.Sync(ctx, staging, testSourceFiles(), "phrase", time.Now().UTC())
	require.Equal(t, ErrShareRevoked, err)
}

func TestSharePhraseNormalizationIsUniform(t *testing.T) {
	variants := []string{
		"Alpha Bravo Charlie",
		"  alpha   bravo charlie  ",
		"ALPHA BRAVO CHARLIE",
		"alpha bravo charlie",
	}

	id := PhraseVaultID(variants[0])
	key := DeriveShareKey(variants[0])

	for _, v := range variants[1:] {
		require.Equal(t, id, PhraseVaultID(v))
		require.Equal(t, key, DeriveShareKey(v))
	}

	require.NotEqual(t, id, PhraseVaultID("alpha bravo charliee"))
}
