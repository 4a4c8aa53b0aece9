package transfer

import (
	"bytes"
	"encoding/binary"
)

// vbk2Magic identifies the VBK2 backup payload format: "VBK2" read as a
// little-endian uint32 over its ASCII bytes 'V','B','K','2'.
const vbk2Magic uint32 = 0x324B4256

// vbk2Version is the only version this build writes. Restore also accepts
// a bare legacy v1 payload, detected by the absence of the magic rather
// than a version field (v1 never had one).
const vbk2Version uint8 = 2

// PackedBlob is one container's live bytes, as captured by
// storageengine.Engine.SnapshotForBackup, ready for VBK2 encoding.
type PackedBlob struct {
	BlobID string
	Data   []byte
}

// PackedIndex is one on-disk index file's bytes, ready for VBK2 encoding.
type PackedIndex struct {
	FileName string
	Data     []byte
}

// EncodeVBK2 serializes blobs and indexes into the VBK2 binary payload:
//
//	magic(4) | version(1) | blob_count(2) | index_count(2)
//	per blob:  id_len(2) | blob_id | data_len(8) | data
//	per index: name_len(2) | file_name | data_len(4) | data
//
// Every length is little-endian. This is the literal shape sealed (AEAD +
// HMAC) as a vault backup; it captures only the live bytes of each
// container (offset 0 through its cursor), never the random tail, so
// restore must recreate that tail itself.
func EncodeVBK2(blobs []PackedBlob, indexes []PackedIndex) ([]byte, error) {
	var buf bytes.Buffer

	var header [9]byte
	binary.LittleEndian.PutUint32(header[0:4], vbk2Magic)
	header[4] = vbk2Version
	binary.LittleEndian.PutUint16(header[5:7], uint16(len(blobs)))
	binary.LittleEndian.PutUint16(header[7:9], uint16(len(indexes)))
	buf.Write(header[:])

	for _, b := range blobs {
		var idLen [2]byte
		binary.LittleEndian.PutUint16(idLen[:], uint16(len(b.BlobID)))
		buf.Write(idLen[:])
		buf.WriteString(b.BlobID)

		var dataLen [8]byte
		binary.LittleEndian.PutUint64(dataLen[:], uint64(len(b.Data)))
		buf.Write(dataLen[:])
		buf.Write(b.Data)
	}

	for _, idx := range indexes {
		var nameLen [2]byte
		binary.LittleEndian.PutUint16(nameLen[:], uint16(len(idx.FileName)))
		buf.Write(nameLen[:])
		buf.WriteString(idx.FileName)

		var dataLen [4]byte
		binary.LittleEndian.PutUint32(dataLen[:], uint32(len(idx.Data)))
		buf.Write(dataLen[:])
		buf.Write(idx.Data)
	}

	return buf.Bytes(), nil
}

// DecodeVBK2 is the inverse of EncodeVBK2. If payload does not begin with
// the VBK2 magic, it is treated as a legacy v1 payload: a single opaque
// asset equal to the entire primary blob, with no index entries — the
// shape backups had before VBK2 existed.
func DecodeVBK2(payload []byte) ([]PackedBlob, []PackedIndex, error) {
	if len(payload) < 4 || binary.LittleEndian.Uint32(payload[0:4]) != vbk2Magic {
		return []PackedBlob{{BlobID: "primary", Data: payload}}, nil, nil
	}

	if len(payload) < 9 {
		return nil, nil, ErrMalformedBackupPayload
	}

	version := payload[4]
	if version > vbk2Version {
		return nil, nil, ErrUnsupportedBackupVersion
	}

	blobCount := int(binary.LittleEndian.Uint16(payload[5:7]))
	indexCount := int(binary.LittleEndian.Uint16(payload[7:9]))

	offset := 9
	blobs := make([]PackedBlob, 0, blobCount)
	for i := 0; i < blobCount; i++ {
		if offset+2 > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		idLen := int(binary.LittleEndian.Uint16(payload[offset : offset+2]))
		offset += 2

		if offset+idLen > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		blobID := string(payload[offset : offset+idLen])
		offset += idLen

		if offset+8 > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		dataLen := int(binary.LittleEndian.Uint64(payload[offset : offset+8]))
		offset += 8

		if dataLen < 0 || offset+dataLen > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		data := payload[offset : offset+dataLen]
		offset += dataLen

		blobs = append(blobs, PackedBlob{BlobID: blobID, Data: data})
	}

	indexes := make([]PackedIndex, 0, indexCount)
	for i := 0; i < indexCount; i++ {
		if offset+2 > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		nameLen := int(binary.LittleEndian.Uint16(payload[offset : offset+2]))
		offset += 2

		if offset+nameLen > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		fileName := string(payload[offset : offset+nameLen])
		offset += nameLen

		if offset+4 > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		dataLen := int(binary.LittleEndian.Uint32(payload[offset : offset+4]))
		offset += 4

		if dataLen < 0 || offset+dataLen > len(payload) {
			return nil, nil, ErrMalformedBackupPayload
		}
		data := payload[offset : offset+dataLen]
		offset += dataLen

		indexes = append(indexes, PackedIndex{FileName: fileName, Data: data})
	}

	return blobs, indexes, nil
}
