// Package storageengine composes the crypto, blobpool, and vaultindex
// packages into the vault's file-level store/retrieve/delete/compact/rekey
// API: the single surface the rest of the host app talks to for durable,
// encrypted file storage.
package storageengine

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kopia-vault/vaultcore/blobpool"
	"github.com/kopia-vault/vaultcore/crypto"
	"github.com/kopia-vault/vaultcore/vaultindex"
)

// Engine is the host-facing handle for one vault's on-disk storage. It
// holds no global or package-level state; every dependency (crypto engine,
// blob pool, index manager) is constructed explicitly and owned by the
// Engine instance, so multiple vaults can be open side by side in one process.
type Engine struct {
	vaultID string
	dir     string

	crypto *crypto.Engine
	pool   *blobpool.Pool
	index  *vaultindex.Manager

	expansionCapacity int64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithExpansionCapacity overrides the default size of newly allocated
// expansion containers. Intended for tests; production vaults use
// blobpool.DefaultContainerSize.
func WithExpansionCapacity(size int64) Option {
	return func(e *Engine) { e.expansionCapacity = size }
}

// Open constructs an Engine rooted at dir for vaultID, creating a new vault
// (new vault key, empty index, fresh primary container) if none exists yet,
// or loading and migrating an existing one. masterKey wraps the vault key
// and must come from the host's SecureKeyStore.
func Open(dir, vaultID string, masterKey crypto.Key, opts ...Option) (*Engine, error) {
	ce := crypto.NewEngine()

	var footerKey [16]byte
	copy(footerKey[:], ce.HMAC([]byte("blobpool-footer"), masterKey))

	pool := blobpool.New(dir, footerKey, ce)
	if err := pool.EnsureReady(); err != nil {
		return nil, errors.Wrap(err, "preparing primary container")
	}

	idxMgr := vaultindex.New(dir, masterKey, ce)

	e := &Engine{
		vaultID:           vaultID,
		dir:               dir,
		crypto:            ce,
		pool:              pool,
		index:             idxMgr,
		expansionCapacity: blobpool.DefaultContainerSize,
	}
	for _, opt := range opts {
		opt(e)
	}

	err := idxMgr.Load(vaultID)
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, vaultindex.ErrIndexNotFound):
		capacity, capErr := pool.PrimaryCapacity()
		if capErr != nil {
			return nil, capErr
		}
		if _, initErr := idxMgr.Init(vaultID, capacity); initErr != nil {
			return nil, errors.Wrap(initErr, "initializing new vault index")
		}
		footerCursor, footErr := pool.ReadFooter()
		if footErr != nil {
			return nil, errors.Wrap(footErr, "reading primary cursor footer")
		}
		if footerCursor > 0 && footerCursor <= capacity {
			recoverErr := idxMgr.WithLock(func(idx *vaultindex.Index) error {
				rec := idx.Blobs[blobpool.PrimaryBlobID]
				rec.Cursor = footerCursor
				idx.Blobs[blobpool.PrimaryBlobID] = rec
				return nil
			})
			if recoverErr != nil {
				return nil, errors.Wrap(recoverErr, "recovering primary cursor from footer")
			}
		}
		return e, nil
	default:
		return nil, errors.Wrap(err, "loading vault index")
	}
}

func descriptorFor(rec vaultindex.BlobRecord, blobID string) blobpool.Descriptor {
	return blobpool.Descriptor{BlobID: blobID, FileName: rec.FileName, Capacity: rec.Capacity, Cursor: rec.Cursor}
}

// allocate finds the first container (in creation order) with enough
// remaining capacity for size bytes, creating a new expansion container if
// none has room. Must be called with the index locked.
func (e *Engine) allocate(idx *vaultindex.Index, size int64) (blobID string, offset int64, err error) {
	for _, id := range idx.BlobOrder {
		rec := idx.Blobs[id]
		if rec.Capacity-rec.Cursor >= size {
			return id, rec.Cursor, nil
		}
	}

	newID, err := e.randomBlobID()
	if err != nil {
		return "", 0, err
	}

	capacity := e.expansionCapacity
	if capacity < size {
		capacity = size
	}

	desc, err := e.pool.CreateExpansionSized(newID, capacity)
	if err != nil {
		return "", 0, errors.Wrap(err, "creating expansion container")
	}

	idx.AddBlob(newID, vaultindex.BlobRecord{FileName: desc.FileName, Capacity: desc.Capacity, Cursor: 0})

	return newID, 0, nil
}

// syncPrimaryFooter keeps the blob pool's obfuscated cursor footer in step
// with the index whenever the primary's cursor advances. The footer is
// redundant with the index by design: if the index file is ever lost, the
// footer alone recovers how far the primary was written, bounding the
// blast radius of index corruption to "lost filenames," not "lost cursor."
func (e *Engine) syncPrimaryFooter(idx *vaultindex.Index) error {
	rec, ok := idx.Blobs[blobpool.PrimaryBlobID]
	if !ok {
		return nil
	}
	return e.pool.WriteFooter(rec.Cursor)
}

func (e *Engine) randomBlobID() (string, error) {
	raw, err := e.crypto.RandomBytes(8)
	if err != nil {
		return "", err
	}
	const hextable = "0123456789abcdef"
	out := make([]byte, 16)
	for i, b := range raw {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out), nil
}

// StoreFile encrypts data under the vault key and appends it to the first
// container with room, updating the index atomically. Returns the file's
// fingerprint.
//
// Store algorithm: encrypt first, outside the index lock; then allocate
// space, write ciphertext, write index entry, advance cursor — those steps
// run inside a single WithLock scope, and the index is saved only after all
// of them succeed, so a failure between steps never leaves the index
// pointing at unwritten bytes.
func (e *Engine) StoreFile(data []byte, filename, mime string) (string, error) {
	return e.StoreFileWithThumbnail(data, filename, mime, nil)
}

// StoreFileWithThumbnail is StoreFile with an optional pre-generated
// thumbnail carried alongside the file's own encrypted header. The engine
// never renders a thumbnail itself; it only stores and returns whatever
// bytes the caller supplies.
func (e *Engine) StoreFileWithThumbnail(data []byte, filename, mime string, thumbnail []byte) (string, error) {
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

	framed, err := e.crypto.EncryptFileWithThumbnail(data, filename, mime, thumbnail, vaultKey, fileID, time.Now().UTC())
	if err != nil {
		return "", err
	}

	fingerprint := e.index.Fingerprint(vaultKey, idBytes)

	var written blobpool.Descriptor
	var offsetUsed int64

	storeErr := e.index.WithLock(func(idx *vaultindex.Index) error {
		if _, exists := idx.Files[fingerprint]; exists {
			return vaultindex.ErrEntryExists
		}

		blobID, offset, err := e.allocate(idx, int64(len(framed)))
		if err != nil {
			return err
		}

		rec := idx.Blobs[blobID]
		desc := descriptorFor(rec, blobID)

		if err := e.pool.WriteAt(desc, offset, framed); err != nil {
			return err
		}

		rec.Cursor = offset + int64(len(framed))
		idx.Blobs[blobID] = rec

		idx.Files[fingerprint] = vaultindex.FileRecord{
			BlobID:        blobID,
			Offset:        offset,
			EncryptedSize: int64(len(framed)),
			PlainSize:     int64(len(data)),
			Filename:      filename,
			Mime:          mime,
			Streaming:     len(data) > crypto.SingleShotMaxSize,
			CreatedAt:     time.Now().UTC(),
		}

		written = desc
		offsetUsed = offset
		return e.syncPrimaryFooter(idx)
	})
	if storeErr != nil {
		return "", storeErr
	}

	log.Debug().Str("fingerprint", fingerprint).Str("blob_id", written.BlobID).Int64("offset", offsetUsed).Msg("storageengine: stored file")
	return fingerprint, nil
}

// StoreFileFromPath reads a file from srcPath and stores it, using a
// streaming encryption path when the file is larger than the single-shot
// threshold so the whole plaintext never sits in memory at once.
func (e *Engine) StoreFileFromPath(srcPath, filename, mime string) (string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", err
	}

	if info.Size() <= crypto.SingleShotMaxSize {
		data, err := ioutil.ReadFile(srcPath)
		if err != nil {
			return "", err
		}
		return e.StoreFile(data, filename, mime)
	}

	return e.storeFileStreaming(srcPath, filename, mime, info.Size())
}

// StoreFiles stores a batch of files, continuing past individual failures
// and reporting a per-entry result so callers can retry just the failures.
func (e *Engine) StoreFiles(requests []StoreRequest) []StoreResult {
	results := make([]StoreResult, len(requests))
	for i, req := range requests {
		fp, err := e.StoreFile(req.Data, req.Filename, req.Mime)
		results[i] = StoreResult{Fingerprint: fp, Err: err}
	}
	return results
}

// RetrieveFile decrypts and returns the full content of the file addressed
// by fingerprint.
func (e *Engine) RetrieveFile(fingerprint string) (crypto.FileHeader, []byte, error) {
	vaultKey, err := e.index.VaultKey()
	if err != nil {
		return crypto.FileHeader{}, nil, err
	}

	snap, err := e.index.Snapshot()
	if err != nil {
		return crypto.FileHeader{}, nil, err
	}

	rec, ok := snap.Files[fingerprint]
	if !ok {
		return crypto.FileHeader{}, nil, ErrFileNotFound
	}

	desc := descriptorFor(snap.Blobs[rec.BlobID], rec.BlobID)
	framed, err := e.pool.ReadRange(desc, rec.Offset, rec.EncryptedSize)
	if err != nil {
		return crypto.FileHeader{}, nil, err
	}

	return e.crypto.DecryptFile(framed, vaultKey)
}

// RetrieveToTemp decrypts the file addressed by fingerprint directly to a
// new temporary file, avoiding holding large content in memory, and returns
// its path. The caller owns cleanup of the returned path.
func (e *Engine) RetrieveToTemp(fingerprint string) (crypto.FileHeader, string, error) {
	vaultKey, err := e.index.VaultKey()
	if err != nil {
		return crypto.FileHeader{}, "", err
	}

	snap, err := e.index.Snapshot()
	if err != nil {
		return crypto.FileHeader{}, "", err
	}

	rec, ok := snap.Files[fingerprint]
	if !ok {
		return crypto.FileHeader{}, "", ErrFileNotFound
	}

	desc := descriptorFor(snap.Blobs[rec.BlobID], rec.BlobID)
	framed, err := e.pool.ReadRange(desc, rec.Offset, rec.EncryptedSize)
	if err != nil {
		return crypto.FileHeader{}, "", err
	}

	tmp, err := ioutil.TempFile("", "vault-retrieve-*.bin")
	if err != nil {
		return crypto.FileHeader{}, "", err
	}
	defer tmp.Close() //nolint:errcheck

	header, err := e.crypto.DecryptFileStreamingFromTo(bytes.NewReader(framed), int64(len(framed)), vaultKey, tmp.Name())
	if err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return crypto.FileHeader{}, "", err
	}

	return header, tmp.Name(), nil
}

// DeleteFile removes a file's index entry and cryptographically overwrites
// its on-disk bytes. The space it occupied is reclaimed only by Compact.
func (e *Engine) DeleteFile(fingerprint string) error {
	return e.index.WithLock(func(idx *vaultindex.Index) error {
		rec, ok := idx.Files[fingerprint]
		if !ok {
			return ErrFileNotFound
		}

		desc := descriptorFor(idx.Blobs[rec.BlobID], rec.BlobID)
		if err := e.pool.SecureOverwrite(desc, rec.Offset, rec.EncryptedSize); err != nil {
			return err
		}

		delete(idx.Files, fingerprint)
		return nil
	})
}

// DeleteFiles deletes a batch of files, continuing past individual failures.
func (e *Engine) DeleteFiles(fingerprints []string) []error {
	errs := make([]error, len(fingerprints))
	for i, fp := range fingerprints {
		errs[i] = e.DeleteFile(fp)
	}
	return errs
}

// ListFiles returns metadata for every file currently stored in the vault.
func (e *Engine) ListFiles() ([]FileSummary, error) {
	snap, err := e.index.Snapshot()
	if err != nil {
		return nil, err
	}

	out := make([]FileSummary, 0, len(snap.Files))
	for fp, rec := range snap.Files {
		out = append(out, FileSummary{
			Fingerprint: fp,
			Filename:    rec.Filename,
			Mime:        rec.Mime,
			Size:        rec.PlainSize,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return out, nil
}

// VaultKey returns the vault's current content-encryption key. Exposed for
// the transfer package, which seals share and backup payloads under the
// same key that protects stored file content.
func (e *Engine) VaultKey() (crypto.Key, error) {
	return e.index.VaultKey()
}

// VaultID returns the identifier this Engine was opened with.
func (e *Engine) VaultID() string {
	return e.vaultID
}

// Dir returns the filesystem directory this Engine is rooted at. Exposed so
// the transfer package can stage backup/share payloads next to the vault's
// own on-disk state and so restore can rebuild containers at this path.
func (e *Engine) Dir() string {
	return e.dir
}

// BlobSnapshot is the raw content of one container, taken as of a point in
// time, named after its on-disk identity. Used to assemble the VBK2 backup
// payload: every blob's capacity and the live bytes up to its cursor.
type BlobSnapshot struct {
	BlobID   string
	Capacity int64
	Cursor   int64
	Data     []byte // the first Cursor bytes of the container; the random tail is not captured
}

// IndexSnapshot is the raw bytes of one on-disk index file (the current
// index plus any legacy files still present), named by their file name
// within the vault directory.
type IndexSnapshot struct {
	FileName string
	Data     []byte
}

// indexFileNames lists the on-disk file names considered part of a vault's
// index for backup purposes.
var indexFileNames = []string{vaultindex.IndexFileName}

// SnapshotForBackup reads every container's live bytes (up to its cursor)
// and the index file, for the VBK2 backup payload. It does not decrypt
// anything: backups are sealed at the same ciphertext the vault already
// stores.
func (e *Engine) SnapshotForBackup() ([]BlobSnapshot, []IndexSnapshot, error) {
	snap, err := e.index.Snapshot()
	if err != nil {
		return nil, nil, err
	}

	blobs := make([]BlobSnapshot, 0, len(snap.BlobOrder))
	for _, id := range snap.BlobOrder {
		rec := snap.Blobs[id]
		desc := descriptorFor(rec, id)

		var data []byte
		if rec.Cursor > 0 {
			data, err = e.pool.ReadRange(desc, 0, rec.Cursor)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "reading blob %s for backup", id)
			}
		}

		blobs = append(blobs, BlobSnapshot{
			BlobID:   id,
			Capacity: rec.Capacity,
			Cursor:   rec.Cursor,
			Data:     data,
		})
	}

	indexes := make([]IndexSnapshot, 0, len(indexFileNames))
	for _, name := range indexFileNames {
		data, err := ioutil.ReadFile(filepath.Join(e.dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, errors.Wrapf(err, "reading index file %s for backup", name)
		}
		indexes = append(indexes, IndexSnapshot{FileName: name, Data: data})
	}

	return blobs, indexes, nil
}

// RestoreFromBackup rebuilds a vault's on-disk containers and index files at
// dir from a VBK2 payload's decoded contents, overwriting whatever is there.
// Every blob is recreated at the largest of its snapshot Capacity,
// blobpool.DefaultContainerSize and its live data length, random-filled, with the
// snapshot's live bytes written back at offset 0 — so the restored container
// is indistinguishable in shape from a freshly allocated one, random tail
// included, exactly as spec'd for backup restore. The primary container's
// cursor footer is rewritten to match. Returns the number of blobs restored.
// The caller is responsible for reopening the vault afterward: this function
// does not touch any in-memory vaultindex.Manager state.
func RestoreFromBackup(dir string, masterKey crypto.Key, blobs []BlobSnapshot, indexes []IndexSnapshot) (int, error) {
	ce := crypto.NewEngine()

	var footerKey [16]byte
	copy(footerKey[:], ce.HMAC([]byte("blobpool-footer"), masterKey))

	pool := blobpool.New(dir, footerKey, ce)

	restored := 0
	for _, b := range blobs {
		// The VBK2 wire format carries only a blob's live bytes, not its
		// original capacity, so callers restoring from it pass Capacity 0
		// and the size is derived from what's actually here: Capacity or
		// the production default, whichever is larger, bumped up if the
		// live data itself is larger still.
		capacity := b.Capacity
		if capacity < blobpool.DefaultContainerSize {
			capacity = blobpool.DefaultContainerSize
		}
		if capacity < int64(len(b.Data)) {
			capacity = int64(len(b.Data))
		}
		cursor := int64(len(b.Data))

		var desc blobpool.Descriptor
		var err error

		if b.BlobID == blobpool.PrimaryBlobID {
			desc, err = pool.CreatePrimarySized(capacity)
		} else {
			desc, err = pool.CreateExpansionSized(b.BlobID, capacity)
		}
		if err != nil {
			return restored, errors.Wrapf(err, "recreating blob %s", b.BlobID)
		}

		if len(b.Data) > 0 {
			if err := pool.WriteAt(desc, 0, b.Data); err != nil {
				return restored, errors.Wrapf(err, "writing blob %s", b.BlobID)
			}
		}

		if b.BlobID == blobpool.PrimaryBlobID {
			if err := pool.WriteFooter(cursor); err != nil {
				return restored, errors.Wrap(err, "writing restored cursor footer")
			}
		}

		restored++
	}

	for _, idxFile := range indexes {
		dst := filepath.Join(dir, idxFile.FileName)
		if err := atomicfile.WriteFile(dst, bytes.NewReader(idxFile.Data)); err != nil {
			return restored, errors.Wrapf(err, "restoring index file %s", idxFile.FileName)
		}
	}

	return restored, nil
}

// CryptoEngine returns the crypto.Engine this vault uses, so callers
// composing additional pipelines (transfer's share/backup uploaders) reuse
// the same AEAD/RNG primitives instead of constructing their own.
func (e *Engine) CryptoEngine() *crypto.Engine {
	return e.crypto
}

// RewrapMasterKey re-encrypts the wrapped vault key under newMasterKey
// without touching any stored file's content. Used when the host's
// SecureKeyStore rotates its own master secret independently of the vault.
func (e *Engine) RewrapMasterKey(newMasterKey crypto.Key) error {
	return e.index.Rewrap(newMasterKey)
}

// ListFilesLightweight returns only fingerprints and sizes, skipping
// filename/mime/timestamp population for callers that just need counts or
// storage accounting and want to avoid the allocation cost of full summaries.
func (e *Engine) ListFilesLightweight() ([]FileSummary, error) {
	snap, err := e.index.Snapshot()
	if err != nil {
		return nil, err
	}

	out := make([]FileSummary, 0, len(snap.Files))
	for fp, rec := range snap.Files {
		out = append(out, FileSummary{Fingerprint: fp, Size: rec.PlainSize})
	}
	return out, nil
}
