package storageengine

import (
	"bytes"
	"time"

	"github.com/kopia-vault/vaultcore/vaultindex"
)

// storeFileStreaming encrypts srcPath directly to a memory buffer using the
// streaming AEAD path (bounded peak memory per chunk) and then runs the
// same allocate-write-index sequence as StoreFile. The encrypted buffer
// still has to be held once before it's written into the blob pool, since
// blobpool.WriteAt takes a single byte slice; only the plaintext read and
// the encryption pass are chunked.
func (e *Engine) storeFileStreaming(srcPath, filename, mime string, plainSize int64) (string, error) {
	vaultKey, err := e.index.VaultKey()
	if err != nil {
		return "", err
	}

	var fileID [16]byte
	idBytes, err := e.crypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	copy(fileID[:], idBytes)

	var framed bytes.Buffer
	if _, err := e.crypto.EncryptFileStreamingTo(&framed, srcPath, filename, mime, vaultKey, fileID, time.Now().UTC()); err != nil {
		return "", err
	}

	fingerprint := e.index.Fingerprint(vaultKey, idBytes)
	framedBytes := framed.Bytes()

	storeErr := e.index.WithLock(func(idx *vaultindex.Index) error {
		if _, exists := idx.Files[fingerprint]; exists {
			return vaultindex.ErrEntryExists
		}

		blobID, offset, err := e.allocate(idx, int64(len(framedBytes)))
		if err != nil {
			return err
		}

		rec := idx.Blobs[blobID]
		desc := descriptorFor(rec, blobID)

		if err := e.pool.WriteAt(desc, offset, framedBytes); err != nil {
			return err
		}

		rec.Cursor = offset + int64(len(framedBytes))
		idx.Blobs[blobID] = rec

		idx.Files[fingerprint] = vaultindex.FileRecord{
			BlobID:        blobID,
			Offset:        offset,
			EncryptedSize: int64(len(framedBytes)),
			PlainSize:     plainSize,
			Filename:      filename,
			Mime:          mime,
			Streaming:     true,
			CreatedAt:     time.Now().UTC(),
		}

		return e.syncPrimaryFooter(idx)
	})
	if storeErr != nil {
		return "", storeErr
	}

	return fingerprint, nil
}
