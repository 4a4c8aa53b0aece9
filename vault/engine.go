// Package vault is the single entry point a host application uses: it
// wires crypto, blobpool, vaultindex, and storageengine into one vault
// handle, and transfer into that vault's share and backup pipelines.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/kopia-vault/vaultcore/crypto"
	"github.com/kopia-vault/vaultcore/objectstore"
	"github.com/kopia-vault/vaultcore/storageengine"
	"github.com/kopia-vault/vaultcore/transfer"
)

// Engine is one open vault: its local encrypted file storage plus the
// transfer pipelines for sharing the whole vault and backing it up to
// remote object storage. A host embedding this library holds one Engine
// per vault it manages; nothing here is a package-level singleton.
type Engine struct {
	dir       string
	vaultID   string
	masterKey crypto.Key

	storage *storageengine.Engine
	staging *transfer.StagingArea

	shareUploader  *transfer.ShareUploader
	backupUploader *transfer.BackupUploader
}

// Config bundles what's needed to open a vault and optionally wire it to
// remote storage for sharing and backup. Store may be nil if the host only
// needs local storage, in which case Share* and Backup* methods return
// ErrRemoteStoreNotConfigured.
type Config struct {
	Dir               string
	VaultID           string
	MasterKey         storageengine.MasterKeyProvider
	Store             objectstore.Store
	ShareTTL          time.Duration
	ExpansionCapacity int64
}

// Open opens or initializes a vault per cfg, wiring its local storage
// engine and, if cfg.Store is set, its transfer pipelines.
func Open(cfg Config) (*Engine, error) {
	masterKey, err := cfg.MasterKey.MasterKey()
	if err != nil {
		return nil, errors.Wrap(err, "resolving master key")
	}

	var opts []storageengine.Option
	if cfg.ExpansionCapacity > 0 {
		opts = append(opts, storageengine.WithExpansionCapacity(cfg.ExpansionCapacity))
	}

	se, err := storageengine.Open(cfg.Dir, cfg.VaultID, masterKey, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "opening storage engine")
	}

	e := &Engine{
		dir:       cfg.Dir,
		vaultID:   cfg.VaultID,
		masterKey: masterKey,
		storage:   se,
		staging:   transfer.NewStagingArea(cfg.Dir),
	}

	if cfg.Store != nil {
		ttl := cfg.ShareTTL
		if ttl <= 0 {
			ttl = 7 * 24 * time.Hour
		}
		ce := se.CryptoEngine()
		e.shareUploader = transfer.NewShareUploader(cfg.Store, ce, ttl)
		e.backupUploader = transfer.NewBackupUploader(cfg.Store, ce)
	}

	return e, nil
}

// Storage returns the underlying local storage engine, for callers that
// need operations vault.Engine doesn't forward directly (e.g. Compact).
func (e *Engine) Storage() *storageengine.Engine { return e.storage }

// OwnerFingerprint is this vault's stable identity as seen by anyone it
// shares with: the hex SHA-256 digest of its vault ID. There is no
// separate identity concept in the storage engine to draw on, so the
// vault ID itself — already unique per vault — stands in for it.
func (e *Engine) OwnerFingerprint() string {
	sum := sha256.Sum256([]byte(e.vaultID))
	return hex.EncodeToString(sum[:])
}

// StoreFile stores data locally and returns its fingerprint.
func (e *Engine) StoreFile(data []byte, filename, mime string) (string, error) {
	return e.storage.StoreFile(data, filename, mime)
}

// StoreFileWithThumbnail is StoreFile with a caller-supplied pre-generated
// thumbnail carried alongside the file's own encrypted header.
func (e *Engine) StoreFileWithThumbnail(data []byte, filename, mime string, thumbnail []byte) (string, error) {
	return e.storage.StoreFileWithThumbnail(data, filename, mime, thumbnail)
}

// RetrieveFile decrypts and returns a stored file's content by fingerprint.
func (e *Engine) RetrieveFile(fingerprint string) ([]byte, error) {
	_, data, err := e.storage.RetrieveFile(fingerprint)
	return data, err
}

// DeleteFile removes a stored file.
func (e *Engine) DeleteFile(fingerprint string) error {
	return e.storage.DeleteFile(fingerprint)
}

// liveSourceFiles decrypts every currently stored file (content and
// thumbnail) into the shape the share pipeline re-encrypts under a
// share key.
func (e *Engine) liveSourceFiles() ([]transfer.SourceFile, error) {
	summaries, err := e.storage.ListFiles()
	if err != nil {
		return nil, err
	}

	files := make([]transfer.SourceFile, 0, len(summaries))
	for _, s := range summaries {
		header, data, err := e.storage.RetrieveFile(s.Fingerprint)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s for share", s.Fingerprint)
		}
		files = append(files, transfer.SourceFile{
			Fingerprint: s.Fingerprint,
			Filename:    header.Filename,
			Mime:        header.Mime,
			Data:        data,
			Thumbnail:   header.Thumbnail,
			CreatedAt:   header.CreatedAt,
		})
	}
	return files, nil
}

// ShareVault re-encrypts every file currently stored in this vault (and
// each file's thumbnail) under a key derived from phrase and uploads the
// resulting SharedVaultSnapshot as a new share, returning its ShareVaultID.
func (e *Engine) ShareVault(ctx context.Context, phrase string, policy transfer.SharePolicy) (string, error) {
	if e.shareUploader == nil {
		return "", ErrRemoteStoreNotConfigured
	}

	files, err := e.liveSourceFiles()
	if err != nil {
		return "", err
	}

	return e.shareUploader.Upload(ctx, e.staging, files, e.OwnerFingerprint(), policy, phrase, time.Now().UTC())
}

// ResumeShareUpload uploads whatever share is currently staged but not yet
// fully uploaded, without re-deriving the share key or re-encrypting
// anything.
func (e *Engine) ResumeShareUpload(ctx context.Context) (string, error) {
	if e.shareUploader == nil {
		return "", ErrRemoteStoreNotConfigured
	}
	return e.shareUploader.Resume(ctx, e.staging, time.Now().UTC())
}

// SyncSharedVault re-uploads this vault's current live files over an
// existing share (looked up by phrase), so a recipient who already
// claimed it sees updated content on their next sync.
func (e *Engine) SyncSharedVault(ctx context.Context, phrase string) error {
	if e.shareUploader == nil {
		return ErrRemoteStoreNotConfigured
	}

	files, err := e.liveSourceFiles()
	if err != nil {
		return err
	}

	return e.shareUploader.Sync(ctx, e.staging, files, phrase, time.Now().UTC())
}

// ImportShare downloads and decrypts every file from a share by phrase
// alone, storing each as a new file in this vault (preferring each file's
// own decrypted thumbnail, if it carried one). Only the first caller to
// reach a given share across all recipients succeeds; everyone else gets
// ErrShareAlreadyClaimed even if they hold the correct phrase. Returns the
// fingerprints assigned to the imported files in this vault.
func (e *Engine) ImportShare(ctx context.Context, phrase string) ([]string, error) {
	if e.shareUploader == nil {
		return nil, ErrRemoteStoreNotConfigured
	}

	imported, err := e.shareUploader.DownloadAndImport(ctx, phrase)
	if err != nil {
		return nil, err
	}

	fingerprints := make([]string, 0, len(imported.Files))
	for _, f := range imported.Files {
		fp, err := e.storage.StoreFileWithThumbnail(f.Data, f.Header.Filename, f.Header.Mime, f.Header.Thumbnail)
		if err != nil {
			return fingerprints, errors.Wrapf(err, "importing shared file %s", f.Fingerprint)
		}
		fingerprints = append(fingerprints, fp)
	}

	return fingerprints, nil
}

// RevokeShare marks a previously uploaded share's manifest revoked and
// deletes its chunks from remote storage; a later ImportShare by the same
// phrase gets ErrShareRevoked.
func (e *Engine) RevokeShare(ctx context.Context, phrase string) error {
	if e.shareUploader == nil {
		return ErrRemoteStoreNotConfigured
	}
	return e.shareUploader.Revoke(ctx, phrase)
}

// SweepStaging reaps pending uploads and backups that have outlived their
// TTL, returning the count of each that was reaped.
func (e *Engine) SweepStaging(now time.Time) (uploadsReaped, backupsReaped int) {
	return e.staging.Sweep(now)
}

// BackupVault packs the vault's containers and index into a VBK2 payload,
// seals it with an HMAC integrity witness, stages it to disk, and uploads
// it as a new versioned backup, returning its ID.
func (e *Engine) BackupVault(ctx context.Context, hostName string) (string, error) {
	if e.backupUploader == nil {
		return "", ErrRemoteStoreNotConfigured
	}

	packed, err := e.backupUploader.Pack(e.storage, hostName)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if _, err := e.backupUploader.Stage(e.staging, packed, now); err != nil {
		return "", err
	}

	if err := e.backupUploader.Upload(ctx, e.staging, now); err != nil {
		return "", err
	}

	return packed.BackupID, nil
}

// ResumeBackupUpload drives whatever backup is currently staged but not
// yet fully uploaded through to completion, without repacking the vault.
func (e *Engine) ResumeBackupUpload(ctx context.Context) error {
	if e.backupUploader == nil {
		return ErrRemoteStoreNotConfigured
	}
	return e.backupUploader.Upload(ctx, e.staging, time.Now().UTC())
}

// RestoreVault downloads a backup, verifies its HMAC integrity witness
// before attempting any decryption, and overwrites this vault's on-disk
// containers and index with the restored contents, then reopens local
// storage against the freshly restored files. Returns the number of blobs
// restored. Operates on an already-open vault: the vault key needed to
// verify and decrypt the backup comes from this Engine's live storage
// engine, not from the backup itself.
func (e *Engine) RestoreVault(ctx context.Context, backupID string) (int, error) {
	if e.backupUploader == nil {
		return 0, ErrRemoteStoreNotConfigured
	}

	vaultKey, err := e.storage.VaultKey()
	if err != nil {
		return 0, err
	}

	blobs, indexes, _, err := e.backupUploader.Restore(ctx, backupID, vaultKey)
	if err != nil {
		return 0, err
	}

	seBlobs := make([]storageengine.BlobSnapshot, 0, len(blobs))
	for _, b := range blobs {
		seBlobs = append(seBlobs, storageengine.BlobSnapshot{BlobID: b.BlobID, Data: b.Data})
	}
	seIndexes := make([]storageengine.IndexSnapshot, 0, len(indexes))
	for _, idx := range indexes {
		seIndexes = append(seIndexes, storageengine.IndexSnapshot{FileName: idx.FileName, Data: idx.Data})
	}

	restored, err := storageengine.RestoreFromBackup(e.dir, e.masterKey, seBlobs, seIndexes)
	if err != nil {
		return restored, err
	}

	se, err := storageengine.Open(e.dir, e.vaultID, e.masterKey)
	if err != nil {
		return restored, errors.Wrap(err, "reopening restored vault")
	}
	e.storage = se

	return restored, nil
}
