package storageengine

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kopia-vault/vaultcore/blobpool"
	"github.com/kopia-vault/vaultcore/crypto"
	"github.com/kopia-vault/vaultcore/vaultindex"
)

// compactionLocks holds one mutex per Engine, serializing Compact calls against a single Engine; compaction
// already holds the index lock for its critical section, but the
// rebuild-and-copy phase happens outside WithLock and must not overlap with
// a second compaction attempt.
var compactionLocks sync.Map // map[*Engine]*sync.Mutex

func (e *Engine) compactionLock() *sync.Mutex {
	v, _ := compactionLocks.LoadOrStore(e, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Compact rebuilds the vault's storage into a single freshly allocated
// primary container holding only live entries, tightly packed, and deletes
// every expansion container once its live data has been copied forward.
// This is the only operation that reclaims space left behind by deletes.
func (e *Engine) Compact() error {
	lock := e.compactionLock()
	if !lock.TryLock() {
		return ErrCompactionInProgress
	}
	defer lock.Unlock()

	snap, err := e.index.Snapshot()
	if err != nil {
		return err
	}

	const compactFileName = "vault_data_compact.bin"
	var liveSize int64
	for _, rec := range snap.Files {
		liveSize += rec.EncryptedSize
	}

	newCapacity := liveSize
	if newCapacity < blobpool.DefaultContainerSize {
		newCapacity = blobpool.DefaultContainerSize
	}

	if err := e.pool.CreateNamedContainer(compactFileName, newCapacity+blobpool.FooterSize); err != nil {
		return errors.Wrap(err, "allocating compaction target")
	}

	newDesc := blobpool.Descriptor{BlobID: "primary", FileName: compactFileName, Capacity: newCapacity}

	newFiles := make(map[string]vaultindex.FileRecord, len(snap.Files))
	var cursor int64
	for fp, rec := range snap.Files {
		oldDesc := descriptorFor(snap.Blobs[rec.BlobID], rec.BlobID)
		data, err := e.pool.ReadRange(oldDesc, rec.Offset, rec.EncryptedSize)
		if err != nil {
			return errors.Wrap(err, "reading live entry during compaction")
		}
		if err := e.pool.WriteAt(newDesc, cursor, data); err != nil {
			return errors.Wrap(err, "writing live entry to compaction target")
		}

		newRec := rec
		newRec.BlobID = "primary"
		newRec.Offset = cursor
		newFiles[fp] = newRec
		cursor += rec.EncryptedSize
	}

	oldExpansions := make([]string, 0, len(snap.Blobs))
	for id := range snap.Blobs {
		if id != "primary" {
			oldExpansions = append(oldExpansions, id)
		}
	}

	if err := e.pool.WipeContainer(blobpool.Descriptor{BlobID: "primary", FileName: blobpool.PrimaryFileName}); err != nil {
		return errors.Wrap(err, "wiping old primary")
	}
	if err := e.pool.RenameContainer(compactFileName, blobpool.PrimaryFileName); err != nil {
		return errors.Wrap(err, "promoting compaction target to primary")
	}

	lockErr := e.index.WithLock(func(idx *vaultindex.Index) error {
		idx.Files = newFiles
		idx.Blobs = map[string]vaultindex.BlobRecord{
			"primary": {FileName: blobpool.PrimaryFileName, Capacity: newCapacity, Cursor: cursor},
		}
		idx.BlobOrder = []string{"primary"}
		return e.syncPrimaryFooter(idx)
	})
	if lockErr != nil {
		return errors.Wrap(lockErr, "persisting compacted index")
	}

	for _, id := range oldExpansions {
		desc := descriptorFor(snap.Blobs[id], id)
		if err := e.pool.WipeContainer(desc); err != nil {
			log.Warn().Str("blob_id", id).Err(err).Msg("storageengine: failed to wipe expansion container after compaction")
		}
	}

	log.Info().Int("live_files", len(newFiles)).Int64("new_capacity", newCapacity).Msg("storageengine: compaction complete")
	return nil
}

// RekeyVault generates a new vault key, re-encrypts every stored file's
// content under it in place (ciphertext length is unchanged by a key swap,
// so offsets never move), and then commits the new key to the index.
// A failure partway through leaves files encrypted under a mix of old and
// new keys; callers should retry rather than commit the index in that state.
func (e *Engine) RekeyVault() error {
	oldKey, err := e.index.VaultKey()
	if err != nil {
		return err
	}

	newKeyBytes, err := e.crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return err
	}
	var newKey crypto.Key
	copy(newKey[:], newKeyBytes)

	snap, err := e.index.Snapshot()
	if err != nil {
		return err
	}

	for fp, rec := range snap.Files {
		desc := descriptorFor(snap.Blobs[rec.BlobID], rec.BlobID)

		framed, err := e.pool.ReadRange(desc, rec.Offset, rec.EncryptedSize)
		if err != nil {
			return errors.Wrapf(err, "reading %s during rekey", fp)
		}

		header, content, err := e.crypto.DecryptFile(framed, oldKey)
		if err != nil {
			return errors.Wrapf(err, "decrypting %s during rekey", fp)
		}

		reframed, err := e.crypto.EncryptFileWithThumbnail(content, header.Filename, header.Mime, header.Thumbnail, newKey, header.FileID, header.CreatedAt)
		if err != nil {
			return errors.Wrapf(err, "re-encrypting %s during rekey", fp)
		}
		if len(reframed) != len(framed) {
			return errors.Errorf("rekey changed on-disk size of %s from %d to %d", fp, len(framed), len(reframed))
		}

		if err := e.pool.WriteAt(desc, rec.Offset, reframed); err != nil {
			return errors.Wrapf(err, "writing rekeyed %s", fp)
		}
	}

	if err := e.index.Rekey(newKey); err != nil {
		return errors.Wrap(err, "committing new vault key")
	}

	log.Info().Int("files", len(snap.Files)).Msg("storageengine: rekey complete")
	return nil
}

// DestroyAll cryptographically wipes every container (primary and every
// expansion) and resets the index to an empty one owning only a freshly
// random-filled primary. The encrypted index file is not removed: it stays
// on disk, rewritten to hold that empty index under the same vault key.
func (e *Engine) DestroyAll() error {
	return e.destroyExcept(nil)
}

// DestroyAllExcept wipes every file not in keepFingerprints, then compacts
// so only the kept files' bytes remain on disk.
func (e *Engine) DestroyAllExcept(keepFingerprints []string) error {
	return e.destroyExcept(keepFingerprints)
}

func (e *Engine) destroyExcept(keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, fp := range keep {
		keepSet[fp] = true
	}

	snap, err := e.index.Snapshot()
	if err != nil {
		return err
	}

	toDelete := make([]string, 0, len(snap.Files))
	for fp := range snap.Files {
		if !keepSet[fp] {
			toDelete = append(toDelete, fp)
		}
	}

	for _, fp := range toDelete {
		if err := e.DeleteFile(fp); err != nil {
			return errors.Wrapf(err, "deleting %s", fp)
		}
	}

	if len(keepSet) == 0 {
		return e.SecureWipeAllBlobs()
	}

	return e.Compact()
}

// SecureWipeAllBlobs cryptographically overwrites every container's bytes
// and deletes the expansion files, leaving only an empty, random-filled
// primary. Used by DestroyAll and directly by hosts implementing a
// panic-wipe feature.
func (e *Engine) SecureWipeAllBlobs() error {
	snap, err := e.index.Snapshot()
	if err != nil {
		return err
	}

	for id, rec := range snap.Blobs {
		if err := e.pool.WipeContainer(descriptorFor(rec, id)); err != nil {
			return errors.Wrapf(err, "wiping blob %s", id)
		}
	}

	if err := e.pool.EnsureReady(); err != nil {
		return err
	}

	capacity, err := e.pool.PrimaryCapacity()
	if err != nil {
		return err
	}

	return e.index.WithLock(func(idx *vaultindex.Index) error {
		idx.Files = map[string]vaultindex.FileRecord{}
		idx.Blobs = map[string]vaultindex.BlobRecord{
			"primary": {FileName: blobpool.PrimaryFileName, Capacity: capacity, Cursor: 0},
		}
		idx.BlobOrder = []string{"primary"}
		return e.syncPrimaryFooter(idx)
	})
}
