package vaultindex

import (
	"encoding/json"
	"sort"
	"time"
)

// fileRecordV1 is the file record shape written by schema version 1: no
// MIME type (clients sniffed it on read) and no streaming flag (everything
// was single-shot before the AEAD stream format existed).
type fileRecordV1 struct {
	BlobID        string    `json:"blob_id"`
	Offset        int64     `json:"offset"`
	EncryptedSize int64     `json:"encrypted_size"`
	PlainSize     int64     `json:"plain_size"`
	Filename      string    `json:"filename"`
	CreatedAt     time.Time `json:"created_at"`
}

type indexV1 struct {
	SchemaVersion int                     `json:"schema_version"`
	Blobs         map[string]BlobRecord   `json:"blobs"`
	Files         map[string]fileRecordV1 `json:"files"`
}

// indexV2 adds Mime and Streaming to each file record but still has no
// vault_id: the vault's identity was implicit in the directory it lived in.
type indexV2 struct {
	SchemaVersion int                   `json:"schema_version"`
	Blobs         map[string]BlobRecord `json:"blobs"`
	Files         map[string]FileRecord `json:"files"`
}

// decodeAndMigrate parses raw JSON of unknown schema version and returns a
// fully migrated, current-schema Index. Migration proceeds one version at a
// time (v1->v2->v3) so every intermediate transformation stays isolated and
// testable on its own.
func decodeAndMigrate(raw []byte, vaultID string) (*Index, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrIndexCorrupted
	}

	switch {
	case probe.SchemaVersion < 1:
		return nil, ErrIndexCorrupted
	case probe.SchemaVersion > CurrentSchemaVersion:
		return nil, ErrUnsupportedSchemaVersion
	}

	idx := &Index{}

	switch probe.SchemaVersion {
	case 1:
		var v1 indexV1
		if err := json.Unmarshal(raw, &v1); err != nil {
			return nil, ErrIndexCorrupted
		}
		v2 := migrateV1ToV2(v1)
		*idx = migrateV2ToV3(v2, vaultID)
	case 2:
		var v2 indexV2
		if err := json.Unmarshal(raw, &v2); err != nil {
			return nil, ErrIndexCorrupted
		}
		*idx = migrateV2ToV3(v2, vaultID)
	case CurrentSchemaVersion:
		if err := json.Unmarshal(raw, idx); err != nil {
			return nil, ErrIndexCorrupted
		}
	default:
		return nil, ErrUnsupportedSchemaVersion
	}

	return idx, nil
}

func migrateV1ToV2(v1 indexV1) indexV2 {
	files := make(map[string]FileRecord, len(v1.Files))
	for fp, r := range v1.Files {
		mime := "application/octet-stream"
		files[fp] = FileRecord{
			BlobID:        r.BlobID,
			Offset:        r.Offset,
			EncryptedSize: r.EncryptedSize,
			PlainSize:     r.PlainSize,
			Filename:      r.Filename,
			Mime:          mime,
			Streaming:     r.PlainSize > streamingThresholdV1,
			CreatedAt:     r.CreatedAt,
		}
	}

	return indexV2{
		SchemaVersion: 2,
		Blobs:         v1.Blobs,
		Files:         files,
	}
}

// streamingThresholdV1 mirrors the single-shot cutoff in effect when v1
// indexes were written, used to infer the Streaming flag retroactively.
const streamingThresholdV1 = 1 << 20

func migrateV2ToV3(v2 indexV2, vaultID string) Index {
	return Index{
		SchemaVersion: CurrentSchemaVersion,
		VaultID:       vaultID,
		Blobs:         v2.Blobs,
		BlobOrder:     deriveBlobOrder(v2.Blobs),
		Files:         v2.Files,
	}
}

// deriveBlobOrder reconstructs a stable creation order for schemas that
// predate BlobOrder: the primary container always comes first, followed by
// every expansion container sorted by id.
func deriveBlobOrder(blobs map[string]BlobRecord) []string {
	order := make([]string, 0, len(blobs))
	if _, ok := blobs["primary"]; ok {
		order = append(order, "primary")
	}

	rest := make([]string, 0, len(blobs))
	for id := range blobs {
		if id == "primary" {
			continue
		}
		rest = append(rest, id)
	}
	sort.Strings(rest)

	return append(order, rest...)
}
