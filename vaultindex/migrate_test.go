package vaultindex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeAndMigrateV1(t *testing.T) {
	v1 := indexV1{
		SchemaVersion: 1,
		Blobs: map[string]BlobRecord{
			"primary": {FileName: "vault_data.bin", Capacity: 1000, Cursor: 200},
		},
		Files: map[string]fileRecordV1{
			"fp1": {
				BlobID:        "primary",
				Offset:        0,
				EncryptedSize: 128,
				PlainSize:     100,
				Filename:      "a.txt",
				CreatedAt:     time.Unix(0, 0).UTC(),
			},
			"fp2": {
				BlobID:        "primary",
				Offset:        128,
				EncryptedSize: 2 << 20,
				PlainSize:     2 << 20,
				Filename:      "big.bin",
				CreatedAt:     time.Unix(0, 0).UTC(),
			},
		},
	}

	raw, err := json.Marshal(v1)
	require.NoError(t, err)

	idx, err := decodeAndMigrate(raw, "vault-9")
	require.NoError(t, err)

	require.Equal(t, CurrentSchemaVersion, idx.SchemaVersion)
	require.Equal(t, "vault-9", idx.VaultID)

	fp1 := idx.Files["fp1"]
	require.Equal(t, "application/octet-stream", fp1.Mime)
	require.False(t, fp1.Streaming)

	fp2 := idx.Files["fp2"]
	require.True(t, fp2.Streaming)
}

func TestDecodeAndMigrateRejectsFutureSchema(t *testing.T) {
	raw := []byte(`{"schema_version": 99}`)
	_, err := decodeAndMigrate(raw, "vault-1")
	require.Equal(t, ErrUnsupportedSchemaVersion, err)
}

func TestDecodeAndMigrateRejectsCorruptJSON(t *testing.T) {
	raw := []byte(`not json`)
	_, err := decodeAndMigrate(raw, "vault-1")
	require.Equal(t, ErrIndexCorrupted, err)
}

func TestDecodeAndMigrateCurrentSchemaPassthrough(t *testing.T) {
	idx := Index{
		SchemaVersion: CurrentSchemaVersion,
		VaultID:       "vault-1",
		Blobs:         map[string]BlobRecord{},
		Files:         map[string]FileRecord{},
	}
	raw, err := json.Marshal(idx)
	require.NoError(t, err)

	got, err := decodeAndMigrate(raw, "vault-1")
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, got.SchemaVersion)
}
