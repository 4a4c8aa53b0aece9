package vaultindex

import "time"

// CurrentSchemaVersion is the schema version written by this build.
// Loaders accept any version from 1 through this value and migrate forward.
const CurrentSchemaVersion = 3

// FileRecord describes one stored file's location and metadata.
type FileRecord struct {
	BlobID        string    `json:"blob_id"`
	Offset        int64     `json:"offset"`
	EncryptedSize int64     `json:"encrypted_size"`
	PlainSize     int64     `json:"plain_size"`
	Filename      string    `json:"filename"`
	Mime          string    `json:"mime"`
	Streaming     bool      `json:"streaming"`
	CreatedAt     time.Time `json:"created_at"`
}

// BlobRecord tracks a single container's allocation state: which file it
// maps to on disk, how large it is, and how far writes have progressed.
type BlobRecord struct {
	FileName string `json:"file_name"`
	Capacity int64  `json:"capacity"`
	Cursor   int64  `json:"cursor"`
}

// Index is the full decrypted contents of a vault's index file: every
// container it owns and every file stored within them, addressed by
// fingerprint (never by plaintext filename or path).
type Index struct {
	SchemaVersion int                   `json:"schema_version"`
	VaultID       string                `json:"vault_id"`
	Blobs         map[string]BlobRecord `json:"blobs"`
	// BlobOrder records container creation order (primary first) so
	// first-fit allocation is deterministic across process restarts.
	BlobOrder []string              `json:"blob_order"`
	Files     map[string]FileRecord `json:"files"`
}

// newEmptyIndex returns a freshly initialized index for a brand-new vault,
// owning only the primary container at cursor 0.
func newEmptyIndex(vaultID string, primaryCapacity int64) *Index {
	return &Index{
		SchemaVersion: CurrentSchemaVersion,
		VaultID:       vaultID,
		Blobs: map[string]BlobRecord{
			"primary": {FileName: "vault_data.bin", Capacity: primaryCapacity, Cursor: 0},
		},
		BlobOrder: []string{"primary"},
		Files:     map[string]FileRecord{},
	}
}

// AddBlob registers a newly created expansion container, appending it to
// BlobOrder so it participates in first-fit allocation after existing blobs.
func (idx *Index) AddBlob(blobID string, rec BlobRecord) {
	idx.Blobs[blobID] = rec
	idx.BlobOrder = append(idx.BlobOrder, blobID)
}

// clone returns a deep copy of idx, used so callers can inspect a snapshot
// without holding the manager's lock.
func (idx *Index) clone() *Index {
	out := &Index{
		SchemaVersion: idx.SchemaVersion,
		VaultID:       idx.VaultID,
		Blobs:         make(map[string]BlobRecord, len(idx.Blobs)),
		BlobOrder:     append([]string(nil), idx.BlobOrder...),
		Files:         make(map[string]FileRecord, len(idx.Files)),
	}
	for k, v := range idx.Blobs {
		out.Blobs[k] = v
	}
	for k, v := range idx.Files {
		out.Files[k] = v
	}
	return out
}
