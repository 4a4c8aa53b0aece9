// Package objectstore defines the abstract remote storage surface the
// transfer orchestrator uploads to and downloads from: shared-vault chunks
// and backup manifests/chunks. It mirrors a cloud object store's shape
// (put/get/delete/list by key) without committing to a specific backend.
package objectstore

import (
	"context"
	"io"
	"time"
)

// RecordKind distinguishes the four record shapes the transfer orchestrator
// writes to remote storage.
type RecordKind string

const (
	// KindSharedVault identifies a share's top-level manifest record.
	KindSharedVault RecordKind = "shared_vault"
	// KindSharedVaultChunk identifies one chunk of a share's uploaded content.
	KindSharedVaultChunk RecordKind = "shared_vault_chunk"
	// KindVaultBackup identifies a backup's top-level manifest record.
	KindVaultBackup RecordKind = "vault_backup"
	// KindVaultBackupChunk identifies one chunk of a backup's uploaded content.
	KindVaultBackupChunk RecordKind = "vault_backup_chunk"
)

// PutOptions modifies the behavior of Store.Put, mirroring the
// overwrite-guard pattern used across the pack's storage backends.
type PutOptions int

const (
	// PutDefault fails if the key already exists.
	PutDefault PutOptions = 0
	// PutOverwrite replaces an existing key's content.
	PutOverwrite PutOptions = 1
)

// Metadata describes one stored record without its content.
type Metadata struct {
	Key       string
	Kind      RecordKind
	Length    int64
	Timestamp time.Time
}

// Store is the remote object storage surface the transfer orchestrator
// depends on. Implementations may be a cloud object store, a test double
// backed by the local filesystem, or an in-memory fake.
type Store interface {
	// Put writes data under key, tagged with kind for listing/accounting.
	Put(ctx context.Context, key string, kind RecordKind, data io.Reader, length int64, opts PutOptions) error

	// Get reads the full content stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange reads length bytes at offset within the record stored under
	// key, used for resumable chunked downloads.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Delete removes key. Deleting a key that doesn't exist is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List streams metadata for every key with the given prefix.
	List(ctx context.Context, prefix string) (<-chan Metadata, error)
}
