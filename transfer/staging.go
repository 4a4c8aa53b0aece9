package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// Pending TTLs, per the staged-transfer lifecycle: an interrupted share
// upload can be resumed for up to 24h, an interrupted backup pack for up to
// 48h. Past that, the staged entry is considered abandoned and its
// directory is cleared on next load.
const (
	PendingUploadTTL = 24 * time.Hour
	PendingBackupTTL = 48 * time.Hour
)

const (
	pendingUploadDirName = "pending_upload"
	pendingBackupDirName = "pending_backup"

	pendingStateFileName = "state.json"
	svdfDataFileName     = "svdf_data.bin"
)

func chunkFileName(n int) string { return fmt.Sprintf("chunk_%06d.bin", n) }

// PendingShareUpload is the on-disk state of a share upload staged but not
// yet (fully) uploaded: everything Resume needs to pick up where a crashed
// or interrupted Upload left off, without re-deriving the share key or
// re-encrypting the snapshot.
type PendingShareUpload struct {
	PhraseID     string        `json:"phrase_id"`
	ShareVaultID string        `json:"share_vault_id"`
	Manifest     ShareManifest `json:"manifest"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Expired reports whether this entry has outlived PendingUploadTTL.
func (p PendingShareUpload) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > PendingUploadTTL
}

// PendingBackupState is the on-disk state of a backup staged but not yet
// (fully) uploaded, matching the fields a host needs to resume: how many
// chunks there are, the integrity witness to verify against once every
// chunk is back, and how many restart attempts have already been spent.
type PendingBackupState struct {
	BackupID       string    `json:"backup_id"`
	VaultID        string    `json:"vault_id"`
	HostName       string    `json:"host_name"`
	StartTime      time.Time `json:"start_time"`
	FileCount      int64     `json:"file_count"`
	TotalChunks    int       `json:"total_chunks"`
	Checksum       []byte    `json:"checksum"`
	EncryptedSize  int64     `json:"encrypted_size"`
	UploadFinished bool      `json:"upload_finished"`
	ManifestSaved  bool      `json:"manifest_saved"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether this entry has outlived PendingBackupTTL.
func (p PendingBackupState) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > PendingBackupTTL
}

// StagingArea persists the in-flight state of the two-phase "stage, then
// upload" pipelines to disk, under dir/pending_upload and dir/pending_backup,
// so a crash between staging and a completed network round-trip loses
// nothing: every byte needed to resume is written before the first network
// call is made. Only one share upload and one backup may be in flight at a
// time per vault, mirroring the singular on-disk directories spec'd for them.
type StagingArea struct {
	dir string
}

// NewStagingArea returns a StagingArea rooted at dir (the vault's own
// directory): pending_upload and pending_backup live alongside the vault's
// containers and index.
func NewStagingArea(dir string) *StagingArea {
	return &StagingArea{dir: dir}
}

func (s *StagingArea) uploadDir() string { return filepath.Join(s.dir, pendingUploadDirName) }
func (s *StagingArea) backupDir() string { return filepath.Join(s.dir, pendingBackupDirName) }

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling staged state")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "creating staging directory")
	}
	return atomicfile.WriteFile(path, bytes.NewReader(data))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "creating staging directory")
	}
	return atomicfile.WriteFile(path, bytes.NewReader(data))
}

// StageUpload writes a share upload's manifest and already-encrypted
// payload to pending_upload, before any network call is made. Overwrites
// any previously staged (and presumably abandoned) upload.
func (s *StagingArea) StageUpload(phraseID, shareVaultID string, manifest ShareManifest, payload []byte, now time.Time) error {
	pending := PendingShareUpload{
		PhraseID:     phraseID,
		ShareVaultID: shareVaultID,
		Manifest:     manifest,
		CreatedAt:    now,
	}

	if err := writeJSONAtomic(filepath.Join(s.uploadDir(), pendingStateFileName), pending); err != nil {
		return errors.Wrap(err, "staging share upload state")
	}
	if err := writeFileAtomic(filepath.Join(s.uploadDir(), svdfDataFileName), payload); err != nil {
		return errors.Wrap(err, "staging share upload payload")
	}
	return nil
}

// LoadPendingUpload reads back a staged share upload and its payload. If
// the staged entry has outlived PendingUploadTTL, the directory is cleared
// first and ErrNoPendingUpload is returned, just as if nothing had ever
// been staged.
func (s *StagingArea) LoadPendingUpload(now time.Time) (PendingShareUpload, []byte, error) {
	var pending PendingShareUpload

	statePath := filepath.Join(s.uploadDir(), pendingStateFileName)
	raw, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return pending, nil, ErrNoPendingUpload
		}
		return pending, nil, errors.Wrap(err, "reading staged upload state")
	}
	if err := json.Unmarshal(raw, &pending); err != nil {
		return pending, nil, errors.Wrap(err, "decoding staged upload state")
	}

	if pending.Expired(now) {
		_ = s.ClearUpload()
		return PendingShareUpload{}, nil, ErrNoPendingUpload
	}

	payload, err := os.ReadFile(filepath.Join(s.uploadDir(), svdfDataFileName))
	if err != nil {
		return pending, nil, errors.Wrap(err, "reading staged upload payload")
	}

	return pending, payload, nil
}

// ClearUpload removes the pending_upload directory entirely, once an
// upload completes or is abandoned.
func (s *StagingArea) ClearUpload() error {
	if err := os.RemoveAll(s.uploadDir()); err != nil {
		return errors.Wrap(err, "clearing staged upload")
	}
	return nil
}

// StageBackup writes a backup's chunk files and initial state to
// pending_backup, before any network call is made.
func (s *StagingArea) StageBackup(state PendingBackupState, chunks [][]byte) error {
	if err := writeJSONAtomic(filepath.Join(s.backupDir(), pendingStateFileName), state); err != nil {
		return errors.Wrap(err, "staging backup state")
	}
	for i, chunk := range chunks {
		path := filepath.Join(s.backupDir(), chunkFileName(i))
		if err := writeFileAtomic(path, chunk); err != nil {
			return errors.Wrapf(err, "staging backup chunk %d", i)
		}
	}
	return nil
}

// SaveBackupState persists an updated PendingBackupState (retry_count,
// upload_finished, manifest_saved) without touching the staged chunk files.
func (s *StagingArea) SaveBackupState(state PendingBackupState) error {
	return writeJSONAtomic(filepath.Join(s.backupDir(), pendingStateFileName), state)
}

// LoadPendingBackup reads back a staged backup's state and chunk files. If
// the staged entry has outlived PendingBackupTTL, the directory is cleared
// first and ErrNoPendingBackup is returned.
func (s *StagingArea) LoadPendingBackup(now time.Time) (PendingBackupState, [][]byte, error) {
	var state PendingBackupState

	statePath := filepath.Join(s.backupDir(), pendingStateFileName)
	raw, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil, ErrNoPendingBackup
		}
		return state, nil, errors.Wrap(err, "reading staged backup state")
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, nil, errors.Wrap(err, "decoding staged backup state")
	}

	if state.Expired(now) {
		_ = s.ClearBackup()
		return PendingBackupState{}, nil, ErrNoPendingBackup
	}

	chunks := make([][]byte, state.TotalChunks)
	for i := range chunks {
		data, err := os.ReadFile(filepath.Join(s.backupDir(), chunkFileName(i)))
		if err != nil {
			return state, nil, errors.Wrapf(err, "reading staged backup chunk %d", i)
		}
		chunks[i] = data
	}

	return state, chunks, nil
}

// ClearBackup removes the pending_backup directory entirely, once a backup
// completes or is abandoned.
func (s *StagingArea) ClearBackup() error {
	if err := os.RemoveAll(s.backupDir()); err != nil {
		return errors.Wrap(err, "clearing staged backup")
	}
	return nil
}

// Sweep reaps the staged upload and/or backup if either has outlived its
// TTL as of now, returning which were reaped (0 or 1 each, since at most
// one of each is ever staged at a time).
func (s *StagingArea) Sweep(now time.Time) (uploadsReaped, backupsReaped int) {
	_, uploadExistedBefore := os.Stat(s.uploadDir())
	if _, _, err := s.LoadPendingUpload(now); err != nil && uploadExistedBefore == nil {
		if _, err := os.Stat(s.uploadDir()); os.IsNotExist(err) {
			uploadsReaped++
		}
	}

	_, backupExistedBefore := os.Stat(s.backupDir())
	if _, _, err := s.LoadPendingBackup(now); err != nil && backupExistedBefore == nil {
		if _, err := os.Stat(s.backupDir()); os.IsNotExist(err) {
			backupsReaped++
		}
	}

	return uploadsReaped, backupsReaped
}
