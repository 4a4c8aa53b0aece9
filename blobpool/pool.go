// Package blobpool maintains one primary container file and zero or more
// expansion container files: pre-allocated, random-filled blobs from which
// the storage engine carves out byte ranges for ciphertext. Unused bytes are
// indistinguishable from the ciphertext that surrounds them.
package blobpool

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kopia-vault/vaultcore/crypto"
)

// PrimaryBlobID is the literal identifier of the always-present primary container.
const PrimaryBlobID = "primary"

// PrimaryFileName is the on-disk name of the primary container.
const PrimaryFileName = "vault_data.bin"

// DefaultContainerSize is the nominal size of newly created containers (both
// primary and expansion). Legacy primaries may be larger; their capacity is
// always derived from the actual file size on disk, never this constant.
const DefaultContainerSize = 50 << 20 // 50 MiB

const randomFillChunkSize = 1 << 20 // 1 MiB

// Descriptor mirrors the index's view of one container: its identity, where
// it lives on disk, how much of it is usable, and how far writes have progressed.
type Descriptor struct {
	BlobID   string
	FileName string
	Capacity int64
	Cursor   int64
}

// IsPrimary reports whether d describes the primary container.
func (d Descriptor) IsPrimary() bool { return d.BlobID == PrimaryBlobID }

// Pool owns the container files for a single vault's on-disk storage.
// It holds no knowledge of files or offsets beyond raw byte ranges — that
// bookkeeping belongs to the index. Callers (the index lock holder) are
// responsible for serializing concurrent access to the same blob.
type Pool struct {
	dir       string
	footerKey [16]byte
	engine    *crypto.Engine

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error
}

// New returns a Pool rooted at dir. footerKey is the stable 16-byte secret
// from the host's SecureKeyStore used to obfuscate the cursor footer.
func New(dir string, footerKey [16]byte, engine *crypto.Engine) *Pool {
	return &Pool{
		dir:       dir,
		footerKey: footerKey,
		engine:    engine,
		ready:     make(chan struct{}),
	}
}

func (p *Pool) path(fileName string) string {
	return filepath.Join(p.dir, fileName)
}

// PrimaryPath returns the on-disk path of the primary container.
func (p *Pool) PrimaryPath() string { return p.path(PrimaryFileName) }

func expansionFileName(blobID string) string { return "vd_" + blobID + ".bin" }

// EnsureReady creates the primary container if it doesn't exist yet,
// random-filling it in 1 MiB chunks and writing a zero cursor footer. It is
// safe to call repeatedly and from multiple goroutines: only the first call
// does work, and every call blocks on the same readiness barrier spec §4.2
// describes for "all operations block ... before touching the primary."
func (p *Pool) EnsureReady() error {
	p.readyOnce.Do(func() {
		defer close(p.ready)

		if err := os.MkdirAll(p.dir, 0o700); err != nil {
			p.readyErr = errors.Wrap(err, "creating vault directory")
			return
		}

		primaryPath := p.PrimaryPath()
		if _, err := os.Stat(primaryPath); err == nil {
			return // already exists
		} else if !os.IsNotExist(err) {
			p.readyErr = errors.Wrap(err, "statting primary container")
			return
		}

		if err := p.createRandomFilledFile(primaryPath, DefaultContainerSize); err != nil {
			p.readyErr = errors.Wrap(err, "allocating primary container")
			return
		}

		if err := p.WriteFooter(0); err != nil {
			p.readyErr = errors.Wrap(err, "writing initial cursor footer")
			return
		}

		log.Debug().Str("path", primaryPath).Msg("blobpool: primary container created")
	})

	<-p.ready
	return p.readyErr
}

func (p *Pool) createRandomFilledFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	var written int64
	for written < size {
		chunk := int64(randomFillChunkSize)
		if remaining := size - written; remaining < chunk {
			chunk = remaining
		}

		buf, err := p.engine.RandomBytes(int(chunk))
		if err != nil {
			return err
		}

		if _, err := f.Write(buf); err != nil {
			return err
		}
		written += chunk
	}

	return nil
}

// PrimaryCapacity returns the usable byte count of the primary container:
// its actual on-disk size minus the reserved footer. Derived from the file
// on disk (not DefaultContainerSize) so legacy larger containers work.
func (p *Pool) PrimaryCapacity() (int64, error) {
	info, err := os.Stat(p.PrimaryPath())
	if err != nil {
		return 0, errors.Wrap(err, "statting primary container")
	}
	return info.Size() - FooterSize, nil
}

// CreateExpansion allocates a new full-capacity, random-filled expansion
// container and returns its descriptor with cursor 0.
func (p *Pool) CreateExpansion(blobID string) (Descriptor, error) {
	return p.CreateExpansionSized(blobID, DefaultContainerSize)
}

// CreateExpansionSized is CreateExpansion with an explicit capacity, letting
// callers (and tests) use smaller expansion containers than the production
// default.
func (p *Pool) CreateExpansionSized(blobID string, capacity int64) (Descriptor, error) {
	fileName := expansionFileName(blobID)
	path := p.path(fileName)

	if err := p.createRandomFilledFile(path, capacity); err != nil {
		return Descriptor{}, errors.Wrap(err, "allocating expansion container")
	}

	return Descriptor{
		BlobID:   blobID,
		FileName: fileName,
		Capacity: capacity,
		Cursor:   0,
	}, nil
}

// CreatePrimarySized recreates the primary container at the canonical path
// with an explicit capacity, random-filled like any other container. Used
// by backup restore, which does not know the original capacity at the time
// a container is rebuilt.
func (p *Pool) CreatePrimarySized(capacity int64) (Descriptor, error) {
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return Descriptor{}, errors.Wrap(err, "creating vault directory")
	}
	if err := p.createRandomFilledFile(p.PrimaryPath(), capacity); err != nil {
		return Descriptor{}, errors.Wrap(err, "recreating primary container")
	}
	return Descriptor{BlobID: PrimaryBlobID, FileName: PrimaryFileName, Capacity: capacity, Cursor: 0}, nil
}

func (p *Pool) filePathForBlob(d Descriptor) string {
	return p.path(d.FileName)
}

// OpenWriter opens the container described by d for read-write access. The
// caller owns seeking and closing; batch callers reuse one writer per blob
// across multiple entries.
func (p *Pool) OpenWriter(d Descriptor) (*os.File, error) {
	f, err := os.OpenFile(p.filePathForBlob(d), os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "opening blob for write")
	}
	return f, nil
}

// OpenReader opens the container described by d for read-only access.
func (p *Pool) OpenReader(d Descriptor) (*os.File, error) {
	f, err := os.Open(p.filePathForBlob(d))
	if err != nil {
		return nil, errors.Wrap(err, "opening blob for read")
	}
	return f, nil
}

// ReadRange reads length bytes at offset from the container described by d.
func (p *Pool) ReadRange(d Descriptor, offset, length int64) ([]byte, error) {
	f, err := p.OpenReader(d)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrap(ErrReadError, err.Error())
	}

	return buf, nil
}

// WriteAt writes data at offset into the container described by d.
func (p *Pool) WriteAt(d Descriptor, offset int64, data []byte) error {
	f, err := p.OpenWriter(d)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteAt(data, offset); err != nil {
		return errors.Wrap(ErrWriteError, err.Error())
	}

	return nil
}

// ReadFooter reads and de-obfuscates the primary's cursor footer. If the
// footer's magic doesn't survive the XOR (fresh random fill, corruption, or
// wrong footer key), the cursor is treated as 0.
func (p *Pool) ReadFooter() (int64, error) {
	info, err := os.Stat(p.PrimaryPath())
	if err != nil {
		return 0, errors.Wrap(err, "statting primary container")
	}

	f, err := os.Open(p.PrimaryPath())
	if err != nil {
		return 0, errors.Wrap(err, "opening primary container")
	}
	defer f.Close() //nolint:errcheck

	var raw [FooterSize]byte
	if _, err := f.ReadAt(raw[:], info.Size()-FooterSize); err != nil {
		return 0, errors.Wrap(ErrReadError, err.Error())
	}

	return int64(decodeFooter(raw, p.footerKey)), nil
}

// WriteFooter obfuscates and writes cursor into the primary's footer.
func (p *Pool) WriteFooter(cursor int64) error {
	info, err := os.Stat(p.PrimaryPath())
	if err != nil {
		return errors.Wrap(err, "statting primary container")
	}

	f, err := os.OpenFile(p.PrimaryPath(), os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrap(err, "opening primary container")
	}
	defer f.Close() //nolint:errcheck

	footer := encodeFooter(uint64(cursor), p.footerKey)
	if _, err := f.WriteAt(footer[:], info.Size()-FooterSize); err != nil {
		return errors.Wrap(ErrWriteError, err.Error())
	}

	return nil
}

// SecureOverwrite writes cryptographically random bytes over [offset, offset+length)
// in the container described by d. Used for per-file tombstone overwrite and
// bulk wipe; belt-and-braces on top of the fact the bytes were already ciphertext.
func (p *Pool) SecureOverwrite(d Descriptor, offset, length int64) error {
	buf, err := p.engine.RandomBytes(int(length))
	if err != nil {
		return errors.Wrap(ErrSecureOverwriteFailed, err.Error())
	}

	if err := p.WriteAt(d, offset, buf); err != nil {
		return errors.Wrap(ErrSecureOverwriteFailed, err.Error())
	}

	return nil
}

// WipeContainer random-overwrites the entire container described by d (its
// actual file size, footer included for the primary) and, for expansion
// containers, deletes the file afterward.
func (p *Pool) WipeContainer(d Descriptor) error {
	path := p.filePathForBlob(d)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "statting container")
	}

	if err := p.SecureOverwrite(d, 0, info.Size()); err != nil {
		return err
	}

	if !d.IsPrimary() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing expansion container")
		}
	}

	return nil
}

// DeleteExpansionFile removes an expansion container's file without
// overwriting its bytes, so callers wipe them first; for the primary it does
// nothing.
func (p *Pool) DeleteExpansionFile(d Descriptor) error {
	if d.IsPrimary() {
		return nil
	}
	path := p.filePathForBlob(d)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing expansion container")
	}
	return nil
}

// CreateNamedContainer allocates a random-filled container at an arbitrary
// path with the given size. Used by compaction to build the replacement
// primary (vault_data_compact.bin) before it's renamed into place.
func (p *Pool) CreateNamedContainer(fileName string, size int64) error {
	return p.createRandomFilledFile(p.path(fileName), size)
}

// RenameContainer renames fromFileName over toFileName within the pool's directory.
func (p *Pool) RenameContainer(fromFileName, toFileName string) error {
	return os.Rename(p.path(fromFileName), p.path(toFileName))
}

// Copy copies length bytes at srcOffset in src to dstOffset in dst, without
// decrypting — used by compaction, which moves raw encrypted bytes blob to blob.
func (p *Pool) Copy(dst io.WriterAt, dstOffset int64, src Descriptor, srcOffset, length int64) error {
	data, err := p.ReadRange(src, srcOffset, length)
	if err != nil {
		return err
	}
	if _, err := dst.WriteAt(data, dstOffset); err != nil {
		return errors.Wrap(ErrWriteError, err.Error())
	}
	return nil
}
