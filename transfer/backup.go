package transfer

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kopia-vault/vaultcore/crypto"
	"github.com/kopia-vault/vaultcore/objectstore"
	"github.com/kopia-vault/vaultcore/storageengine"
)

// BackupManifestVersion is the current on-wire format of a BackupManifest.
// Restore tolerates any version <= BackupManifestVersion it recognizes.
// Bumped to 3 for the addition of the HMAC integrity witness fields.
const BackupManifestVersion = 3

const (
	backupChunkSize = 2 << 20 // 2 MiB, matching the share pipeline's resumable chunk size

	// maxRetryAttempts is the number of restart attempts the retry schedule
	// covers before falling back to a once-a-day retry.
	maxRetryAttempts = 10

	retryBaseSeconds = 60
	retryCapSeconds  = 3600

	// retryFallbackDelay is used once maxRetryAttempts is exhausted: a
	// failed backup keeps retrying, just once per day instead of on a
	// tightening schedule.
	retryFallbackDelay = 24 * time.Hour
)

// BackupManifest describes one full-vault backup: when it was taken, which
// host produced it, where its encrypted payload chunks live, and the
// HMAC-SHA-256 witness Restore verifies before attempting decryption.
type BackupManifest struct {
	Version       int       `json:"version"`
	BackupID      string    `json:"backup_id"`
	VaultID       string    `json:"vault_id"`
	HostName      string    `json:"host_name"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	ChunkCount    int       `json:"chunk_count"`
	ChunkSize     int64     `json:"chunk_size"`
	TotalSize     int64     `json:"total_size"`
	FileCount     int64     `json:"file_count"`
	EncryptedSize int64     `json:"encrypted_size"`
	Checksum      []byte    `json:"checksum"` // HMAC-SHA-256 over the ciphertext, under the vault key
}

func backupManifestKey(backupID string) string { return "backup/" + backupID + "/manifest" }
func backupChunkKey(backupID string, index int) string {
	return fmt.Sprintf("backup/%s/chunk/%06d", backupID, index)
}

// NextRetryDelay returns how long a host should wait before the retryCount-th
// restart attempt of a staged backup upload: min(60*2^(retryCount-1), 3600)
// seconds, or once-a-day once retryCount reaches maxRetryAttempts. retryCount
// is 1-indexed (the first retry after an initial failure passes 1); values
// below 1 are treated as 1.
func NextRetryDelay(retryCount int) time.Duration {
	if retryCount >= maxRetryAttempts {
		return retryFallbackDelay
	}
	if retryCount < 1 {
		retryCount = 1
	}
	seconds := math.Min(float64(retryCapSeconds), retryBaseSeconds*math.Pow(2, float64(retryCount-1)))
	return time.Duration(seconds) * time.Second
}

// BackupUploader drives the two-phase vault backup pipeline: payload is
// packed and staged locally first, then uploaded chunk by chunk, resumable
// across restarts via StagingArea, and can be restored back from a
// manifest of any version this build recognizes.
type BackupUploader struct {
	store  objectstore.Store
	engine *crypto.Engine
}

// NewBackupUploader returns a BackupUploader writing to store.
func NewBackupUploader(store objectstore.Store, engine *crypto.Engine) *BackupUploader {
	return &BackupUploader{store: store, engine: engine}
}

// PackedBackup is the staged, encrypted form of a vault backup, produced by
// Pack and consumed by Stage/Upload.
type PackedBackup struct {
	BackupID  string
	VaultID   string
	HostName  string
	StartTime time.Time
	FileCount int64
	Payload   []byte // AEAD-framed ciphertext of the VBK2 payload
	Checksum  []byte // HMAC-SHA-256 of Payload under the vault key
}

// Pack builds the literal VBK2 binary payload from se's blob and index
// snapshots, seals it under se's vault key, and computes the HMAC-SHA-256
// integrity witness over the resulting ciphertext. The returned PackedBackup
// is ready to be staged to disk and uploaded.
func (u *BackupUploader) Pack(se *storageengine.Engine, hostName string) (PackedBackup, error) {
	blobSnaps, indexSnaps, err := se.SnapshotForBackup()
	if err != nil {
		return PackedBackup{}, errors.Wrap(err, "snapshotting vault for backup")
	}

	blobs := make([]PackedBlob, 0, len(blobSnaps))
	for _, b := range blobSnaps {
		blobs = append(blobs, PackedBlob{BlobID: b.BlobID, Data: b.Data})
	}
	indexes := make([]PackedIndex, 0, len(indexSnaps))
	for _, idx := range indexSnaps {
		indexes = append(indexes, PackedIndex{FileName: idx.FileName, Data: idx.Data})
	}

	vbk2Payload, err := EncodeVBK2(blobs, indexes)
	if err != nil {
		return PackedBackup{}, err
	}

	vaultKey, err := se.VaultKey()
	if err != nil {
		return PackedBackup{}, err
	}

	ciphertext, err := u.engine.Encrypt(vbk2Payload, vaultKey)
	if err != nil {
		return PackedBackup{}, err
	}

	checksum := u.engine.HMAC(ciphertext, vaultKey)

	summaries, err := se.ListFilesLightweight()
	if err != nil {
		return PackedBackup{}, err
	}

	return PackedBackup{
		BackupID:  uuid.NewString(),
		VaultID:   se.VaultID(),
		HostName:  hostName,
		StartTime: time.Now().UTC(),
		FileCount: int64(len(summaries)),
		Payload:   ciphertext,
		Checksum:  checksum,
	}, nil
}

// Stage writes a packed backup's chunks and initial resumption state to
// staging, before any network call is made: the crash-then-resume premise
// requires every byte Upload needs to already be on disk by the time this
// returns.
func (u *BackupUploader) Stage(staging *StagingArea, packed PackedBackup, now time.Time) (PendingBackupState, error) {
	chunks := splitChunks(packed.Payload, backupChunkSize)

	state := PendingBackupState{
		BackupID:      packed.BackupID,
		VaultID:       packed.VaultID,
		HostName:      packed.HostName,
		StartTime:     packed.StartTime,
		FileCount:     packed.FileCount,
		TotalChunks:   len(chunks),
		Checksum:      packed.Checksum,
		EncryptedSize: int64(len(packed.Payload)),
		CreatedAt:     now,
	}

	if err := staging.StageBackup(state, chunks); err != nil {
		return state, err
	}
	return state, nil
}

// Upload drives the staged backup in staging through to completion: it
// uploads any chunk not already present in the remote store, then writes
// the manifest, then clears the staged state. Chunks already present in the
// remote store are skipped, and the staged UploadFinished/ManifestSaved flags
// skip steps that already completed, so calling Upload again after a partial
// failure (network error, process crash) resumes where it left off rather
// than re-sending chunks that already arrived. On failure, retry_count is
// incremented and persisted so the host can schedule the next attempt via
// NextRetryDelay.
func (u *BackupUploader) Upload(ctx context.Context, staging *StagingArea, now time.Time) error {
	state, chunks, err := staging.LoadPendingBackup(now)
	if err != nil {
		return err
	}

	if !state.UploadFinished {
		for i, chunk := range chunks {
			exists, err := u.store.Exists(ctx, backupChunkKey(state.BackupID, i))
			if err != nil {
				return u.failAttempt(staging, state, errors.Wrapf(err, "checking backup chunk %d", i))
			}
			if exists {
				continue
			}
			if err := u.store.Put(ctx, backupChunkKey(state.BackupID, i), objectstore.KindVaultBackupChunk, byteReader(chunk), int64(len(chunk)), objectstore.PutOverwrite); err != nil {
				return u.failAttempt(staging, state, errors.Wrapf(err, "uploading backup chunk %d", i))
			}
		}
		state.UploadFinished = true
		if err := staging.SaveBackupState(state); err != nil {
			return err
		}
	}

	if !state.ManifestSaved {
		manifest := BackupManifest{
			Version:       BackupManifestVersion,
			BackupID:      state.BackupID,
			VaultID:       state.VaultID,
			HostName:      state.HostName,
			StartTime:     state.StartTime,
			EndTime:       now,
			ChunkCount:    state.TotalChunks,
			ChunkSize:     backupChunkSize,
			TotalSize:     state.EncryptedSize,
			FileCount:     state.FileCount,
			EncryptedSize: state.EncryptedSize,
			Checksum:      state.Checksum,
		}

		data, err := json.Marshal(manifest)
		if err != nil {
			return err
		}

		if err := u.store.Put(ctx, backupManifestKey(state.BackupID), objectstore.KindVaultBackup, byteReader(data), int64(len(data)), objectstore.PutOverwrite); err != nil {
			return u.failAttempt(staging, state, errors.Wrap(err, "saving backup manifest"))
		}
		state.ManifestSaved = true
		if err := staging.SaveBackupState(state); err != nil {
			return err
		}
	}

	return staging.ClearBackup()
}

func (u *BackupUploader) failAttempt(staging *StagingArea, state PendingBackupState, cause error) error {
	state.RetryCount++
	if err := staging.SaveBackupState(state); err != nil {
		log.Warn().Err(err).Str("backup_id", state.BackupID).Msg("failed to persist backup retry count")
	}
	log.Warn().Err(cause).Str("backup_id", state.BackupID).Int("retry_count", state.RetryCount).Dur("next_retry", NextRetryDelay(state.RetryCount)).Msg("backup upload attempt failed")
	return cause
}

// Restore fetches a backup manifest and every chunk, verifies the
// HMAC-SHA-256 integrity witness over the assembled ciphertext against the
// manifest's recorded checksum, and only then decrypts and decodes the
// VBK2 payload. A checksum mismatch returns ErrChecksumMismatch without
// ever calling Decrypt. A manifest with no recorded checksum skips this
// check and goes straight to decryption.
func (u *BackupUploader) Restore(ctx context.Context, backupID string, vaultKey crypto.Key) ([]PackedBlob, []PackedIndex, BackupManifest, error) {
	var manifest BackupManifest

	data, err := u.store.Get(ctx, backupManifestKey(backupID))
	if err != nil {
		if err == objectstore.ErrKeyNotFound {
			return nil, nil, manifest, ErrBackupNotFound
		}
		return nil, nil, manifest, err
	}

	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, nil, manifest, errors.Wrap(err, "decoding backup manifest")
	}

	if manifest.Version > BackupManifestVersion {
		return nil, nil, manifest, ErrUnsupportedBackupVersion
	}

	ciphertext := make([]byte, 0, manifest.TotalSize)
	for i := 0; i < manifest.ChunkCount; i++ {
		chunk, err := u.store.Get(ctx, backupChunkKey(backupID, i))
		if err != nil {
			return nil, nil, manifest, errors.Wrapf(err, "downloading backup chunk %d", i)
		}
		ciphertext = append(ciphertext, chunk...)
	}

	if len(manifest.Checksum) > 0 {
		computed := u.engine.HMAC(ciphertext, vaultKey)
		if !hmac.Equal(computed, manifest.Checksum) {
			return nil, nil, manifest, ErrChecksumMismatch
		}
	}

	plaintext, err := u.engine.Decrypt(ciphertext, vaultKey)
	if err != nil {
		return nil, nil, manifest, err
	}

	blobs, indexes, err := DecodeVBK2(plaintext)
	if err != nil {
		return nil, nil, manifest, err
	}

	return blobs, indexes, manifest, nil
}
