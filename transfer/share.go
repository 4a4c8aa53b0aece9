// Package transfer implements the vault's outbound data-movement pipelines:
// one-off encrypted shares addressed by a human-memorable phrase, and
// versioned full-vault backups with staged, resumable, retrying uploads.
package transfer

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kopia-vault/vaultcore/crypto"
	"github.com/kopia-vault/vaultcore/objectstore"
)

const (
	// ShareManifestVersion is the current on-wire format of a ShareManifest.
	// Bumped to 3 for the SharedVaultSnapshot envelope (owner_fingerprint,
	// claimed, AEAD-sealed policy) replacing the single-opaque-blob shape.
	ShareManifestVersion = 3

	// SharePhraseIterations is the PBKDF2 round count for deriving a share
	// key from its human-readable phrase. Deliberately expensive: a share
	// phrase is lower entropy than a generated key and must resist offline
	// guessing against a captured manifest.
	SharePhraseIterations = 800000

	// shareKeySalt is fixed and public, not random per-share. A recipient
	// holding only the phrase must be able to derive both the lookup id
	// (PhraseVaultID) and the symmetric key without first fetching
	// anything from the store, so nothing share-specific can feed the KDF.
	shareKeySalt = "vault-share-v1-salt"

	shareChunkSize = 2 << 20 // 2 MiB, per the resumable-progress chunk size fixed in SPEC_FULL.md
)

// SharePolicy carries the owner's terms for a share, sealed under the
// share key alongside its manifest (manifest.Policy = AEAD(policy,
// share_key)) so only a holder of the phrase can read it.
type SharePolicy struct {
	Revocable   bool   `json:"revocable"`
	AllowResync bool   `json:"allow_resync"`
	Note        string `json:"note,omitempty"`
}

// SourceFile is one live vault file as handed to the share pipeline by its
// caller (vault.Engine): already decrypted, with whatever pre-generated
// thumbnail it carries. The share pipeline re-encrypts this content under
// the share key; it never decodes or re-renders the thumbnail itself.
type SourceFile struct {
	Fingerprint string
	Filename    string
	Mime        string
	Data        []byte
	Thumbnail   []byte
	CreatedAt   time.Time
}

// SharedFile is one file's content as it travels inside a
// SharedVaultSnapshot: the same framed header+content shape
// crypto.EncryptFile produces for local storage, except sealed under the
// share key instead of the vault's own MasterKey-wrapped key.
type SharedFile struct {
	Fingerprint string `json:"fingerprint"`
	Framed      []byte `json:"framed"`
}

// SharedVaultSnapshotMetadata carries the owner identity and sharing
// timestamp alongside the shared file content, per §4.5.1 step 2.
type SharedVaultSnapshotMetadata struct {
	OwnerFingerprint string    `json:"owner_fingerprint"`
	SharedAt         time.Time `json:"shared_at"`
}

// SharedVaultSnapshot is the full payload a share uploads: every live file
// (and its thumbnail, carried inside each file's own re-encrypted header)
// re-encrypted from MasterKey to share_key, plus metadata identifying the
// owner and when the share was made. The whole snapshot is itself
// AEAD-sealed under the share key before chunking, so filenames and the
// metadata are not visible to the storage backend either.
type SharedVaultSnapshot struct {
	Files     []SharedFile                `json:"files"`
	Metadata  SharedVaultSnapshotMetadata `json:"metadata"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// ShareManifest is the record uploaded alongside a share's chunks: enough
// for a recipient holding the phrase to derive the key and reassemble the
// content, and nothing else. It is addressed by PhraseVaultID so a
// recipient never needs to learn ShareVaultID out of band.
type ShareManifest struct {
	Version          int       `json:"version"`
	ShareVaultID     string    `json:"share_vault_id"`
	OwnerFingerprint string    `json:"owner_fingerprint"`
	ChunkCount       int       `json:"chunk_count"`
	ChunkSize        int64     `json:"chunk_size"`
	TotalSize        int64     `json:"total_size"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Claimed          bool      `json:"claimed"`
	Policy           []byte    `json:"policy"` // AEAD(policy, share_key)
	Revoked          bool      `json:"revoked"`
}

// NormalizeSharePhrase applies the uniform normalisation used for both
// PhraseVaultID and DeriveShareKey: lowercase, trim, collapse internal
// whitespace to single spaces. Phrases differing only by case, leading or
// trailing whitespace, or internal whitespace count must resolve to the
// same id and key.
func NormalizeSharePhrase(phrase string) string {
	fields := strings.Fields(strings.ToLower(phrase))
	return strings.Join(fields, " ")
}

// PhraseVaultID is the deterministic 128-bit fingerprint of a normalised
// share phrase, used as the manifest's record name so a recipient can look
// it up without any other identifier.
func PhraseVaultID(phrase string) string {
	sum := sha256.Sum256([]byte(NormalizeSharePhrase(phrase)))
	return hex.EncodeToString(sum[:16])
}

// DeriveShareKey derives a 256-bit symmetric key from a share phrase via
// PBKDF2-HMAC-SHA512 over a fixed public salt, independent of any
// device or share state.
func DeriveShareKey(phrase string) crypto.Key {
	derived := pbkdf2.Key([]byte(NormalizeSharePhrase(phrase)), []byte(shareKeySalt), SharePhraseIterations, crypto.KeySize, sha512.New)
	var key crypto.Key
	copy(key[:], derived)
	return key
}

func manifestKey(phraseVaultID string) string { return "share/" + phraseVaultID + "/manifest" }
func claimKey(phraseVaultID string) string    { return "share/" + phraseVaultID + "/claimed" }
func shareChunkKey(shareVaultID string, index int) string {
	return fmt.Sprintf("share/chunk/%s_%06d", shareVaultID, index)
}

// ShareUploader drives the share pipeline: upload, resume, download+import,
// sync, and revoke, against a remote objectstore.Store.
type ShareUploader struct {
	store  objectstore.Store
	engine *crypto.Engine
	ttl    time.Duration
}

// NewShareUploader returns a ShareUploader writing to store. ttl bounds how
// long an uploaded share remains valid before ExpiresAt is reached.
func NewShareUploader(store objectstore.Store, engine *crypto.Engine, ttl time.Duration) *ShareUploader {
	return &ShareUploader{store: store, engine: engine, ttl: ttl}
}

// stageSnapshot builds a SharedVaultSnapshot from files, seals it and the
// policy under the share key, and writes both to staging before any
// network call — shared by Upload (fresh shareVaultID) and Sync (the
// share's existing shareVaultID).
func (u *ShareUploader) stageSnapshot(
	staging *StagingArea,
	shareVaultID, phraseID string,
	files []SourceFile,
	ownerFingerprint string,
	policy SharePolicy,
	phrase string,
	claimed bool,
	createdAt, now time.Time,
) (ShareManifest, error) {
	shareKey := DeriveShareKey(phrase)

	sharedFiles := make([]SharedFile, 0, len(files))
	for _, f := range files {
		idBytes, err := u.engine.RandomBytes(16)
		if err != nil {
			return ShareManifest{}, err
		}
		var fileID [16]byte
		copy(fileID[:], idBytes)

		framed, err := u.engine.EncryptFileWithThumbnail(f.Data, f.Filename, f.Mime, f.Thumbnail, shareKey, fileID, f.CreatedAt)
		if err != nil {
			return ShareManifest{}, errors.Wrapf(err, "re-encrypting %s for share", f.Fingerprint)
		}

		sharedFiles = append(sharedFiles, SharedFile{Fingerprint: f.Fingerprint, Framed: framed})
	}

	snapshot := SharedVaultSnapshot{
		Files:     sharedFiles,
		Metadata:  SharedVaultSnapshotMetadata{OwnerFingerprint: ownerFingerprint, SharedAt: now},
		CreatedAt: createdAt,
		UpdatedAt: now,
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return ShareManifest{}, err
	}

	ciphertext, err := u.engine.Encrypt(snapshotJSON, shareKey)
	if err != nil {
		return ShareManifest{}, err
	}

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return ShareManifest{}, err
	}
	policyCipher, err := u.engine.Encrypt(policyJSON, shareKey)
	if err != nil {
		return ShareManifest{}, err
	}

	chunks := splitChunks(ciphertext, shareChunkSize)

	manifest := ShareManifest{
		Version:          ShareManifestVersion,
		ShareVaultID:     shareVaultID,
		OwnerFingerprint: ownerFingerprint,
		ChunkCount:       len(chunks),
		ChunkSize:        shareChunkSize,
		TotalSize:        int64(len(ciphertext)),
		CreatedAt:        createdAt,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(u.ttl),
		Claimed:          claimed,
		Policy:           policyCipher,
	}

	if err := staging.StageUpload(phraseID, shareVaultID, manifest, ciphertext, now); err != nil {
		return ShareManifest{}, err
	}

	return manifest, nil
}

// uploadPending uploads whatever share is currently staged, chunk by
// chunk (skipping chunks already present remotely, so a retry after a
// partial failure doesn't resend bytes that already arrived), then writes
// the manifest and clears the staged state.
func (u *ShareUploader) uploadPending(ctx context.Context, staging *StagingArea, now time.Time) (string, error) {
	pending, payload, err := staging.LoadPendingUpload(now)
	if err != nil {
		return "", err
	}

	chunkSize := pending.Manifest.ChunkSize
	if chunkSize <= 0 {
		chunkSize = shareChunkSize
	}
	chunks := splitChunks(payload, chunkSize)

	for i, chunk := range chunks {
		exists, err := u.store.Exists(ctx, shareChunkKey(pending.ShareVaultID, i))
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		if err := u.store.Put(ctx, shareChunkKey(pending.ShareVaultID, i), objectstore.KindSharedVaultChunk, byteReader(chunk), int64(len(chunk)), objectstore.PutOverwrite); err != nil {
			return "", errors.Wrapf(err, "uploading share chunk %d", i)
		}
	}

	if err := u.putManifest(ctx, pending.PhraseID, pending.Manifest); err != nil {
		return "", err
	}

	if err := staging.ClearUpload(); err != nil {
		return "", err
	}

	return pending.ShareVaultID, nil
}

// Upload builds a SharedVaultSnapshot of files (every live file and its
// thumbnail, re-encrypted under a key derived from phrase), stages it to
// disk, and uploads it in fixed-size chunks plus a manifest keyed by
// PhraseVaultID(phrase). Returns the freshly generated ShareVaultID.
func (u *ShareUploader) Upload(ctx context.Context, staging *StagingArea, files []SourceFile, ownerFingerprint string, policy SharePolicy, phrase string, now time.Time) (string, error) {
	shareVaultID := uuid.NewString()
	phraseID := PhraseVaultID(phrase)

	if _, err := u.stageSnapshot(staging, shareVaultID, phraseID, files, ownerFingerprint, policy, phrase, false, now, now); err != nil {
		return "", err
	}

	return u.uploadPending(ctx, staging, now)
}

// Resume uploads whatever share is currently staged but not yet fully
// uploaded, without re-deriving the share key or re-encrypting anything:
// the staged ciphertext from the original Upload call is reused as-is.
func (u *ShareUploader) Resume(ctx context.Context, staging *StagingArea, now time.Time) (string, error) {
	return u.uploadPending(ctx, staging, now)
}

// ImportedFile is one file recovered from a claimed share, decrypted and
// ready to be stored into the recipient's own vault via store_file.
type ImportedFile struct {
	Fingerprint string
	Header      crypto.FileHeader
	Data        []byte
}

// ImportedShare is the result of a successful DownloadAndImport: every
// live file the owner shared, the owner's identity and sharing policy.
type ImportedShare struct {
	Files            []ImportedFile
	Policy           SharePolicy
	OwnerFingerprint string
	SharedAt         time.Time
}

// DownloadAndImport fetches a share's manifest by the phrase's
// PhraseVaultID and every chunk, decrypts the SharedVaultSnapshot with the
// key derived from phrase, and decrypts every file within it. The first
// caller to reach this share claims it: every subsequent caller (the same
// recipient retrying, or a second recipient racing the first) gets
// ErrShareAlreadyClaimed, even though the underlying chunks are not
// deleted until Revoke. The caller (vault.Engine) is responsible for
// importing each returned file into the local vault via store_file.
func (u *ShareUploader) DownloadAndImport(ctx context.Context, phrase string) (ImportedShare, error) {
	phraseID := PhraseVaultID(phrase)

	manifest, err := u.getManifest(ctx, phraseID)
	if err != nil {
		return ImportedShare{}, err
	}

	if manifest.Revoked {
		return ImportedShare{}, ErrShareRevoked
	}
	if !manifest.ExpiresAt.IsZero() && time.Now().UTC().After(manifest.ExpiresAt) {
		return ImportedShare{}, ErrShareExpired
	}

	claimErr := u.store.Put(ctx, claimKey(phraseID), objectstore.KindSharedVault, byteReader(nil), 0, objectstore.PutDefault)
	if claimErr != nil {
		if claimErr == objectstore.ErrKeyExists {
			return ImportedShare{}, ErrShareAlreadyClaimed
		}
		return ImportedShare{}, claimErr
	}

	shareKey := DeriveShareKey(phrase)

	ciphertext := make([]byte, 0, manifest.TotalSize)
	for i := 0; i < manifest.ChunkCount; i++ {
		chunk, err := u.store.Get(ctx, shareChunkKey(manifest.ShareVaultID, i))
		if err != nil {
			return ImportedShare{}, errors.Wrapf(err, "downloading share chunk %d", i)
		}
		ciphertext = append(ciphertext, chunk...)
	}

	snapshotJSON, err := u.engine.Decrypt(ciphertext, shareKey)
	if err != nil {
		return ImportedShare{}, err
	}

	var snapshot SharedVaultSnapshot
	if err := json.Unmarshal(snapshotJSON, &snapshot); err != nil {
		return ImportedShare{}, errors.Wrap(err, "decoding shared vault snapshot")
	}

	files := make([]ImportedFile, 0, len(snapshot.Files))
	for _, sf := range snapshot.Files {
		header, data, err := u.engine.DecryptFile(sf.Framed, shareKey)
		if err != nil {
			return ImportedShare{}, errors.Wrapf(err, "decrypting shared file %s", sf.Fingerprint)
		}
		files = append(files, ImportedFile{Fingerprint: sf.Fingerprint, Header: header, Data: data})
	}

	var policy SharePolicy
	if len(manifest.Policy) > 0 {
		policyJSON, err := u.engine.Decrypt(manifest.Policy, shareKey)
		if err != nil {
			return ImportedShare{}, errors.Wrap(err, "decrypting share policy")
		}
		if err := json.Unmarshal(policyJSON, &policy); err != nil {
			return ImportedShare{}, errors.Wrap(err, "decoding share policy")
		}
	}

	manifest.Claimed = true
	if err := u.putManifest(ctx, phraseID, manifest); err != nil {
		return ImportedShare{}, err
	}

	return ImportedShare{
		Files:            files,
		Policy:           policy,
		OwnerFingerprint: snapshot.Metadata.OwnerFingerprint,
		SharedAt:         snapshot.Metadata.SharedAt,
	}, nil
}

// Sync re-encrypts the owner's current live files under the same share
// key and re-uploads them over the existing ShareVaultID, so a recipient
// who already claimed the share sees updated content the next time they
// sync rather than needing a brand-new phrase. Old chunks beyond the new
// chunk count are not retained. Returns ErrShareRevoked if the share has
// since been revoked.
func (u *ShareUploader) Sync(ctx context.Context, staging *StagingArea, files []SourceFile, phrase string, now time.Time) error {
	phraseID := PhraseVaultID(phrase)

	existing, err := u.getManifest(ctx, phraseID)
	if err != nil {
		return err
	}
	if existing.Revoked {
		return ErrShareRevoked
	}

	shareKey := DeriveShareKey(phrase)
	var policy SharePolicy
	if len(existing.Policy) > 0 {
		policyJSON, err := u.engine.Decrypt(existing.Policy, shareKey)
		if err != nil {
			return errors.Wrap(err, "decrypting share policy")
		}
		if err := json.Unmarshal(policyJSON, &policy); err != nil {
			return errors.Wrap(err, "decoding share policy")
		}
	}

	for i := 0; i < existing.ChunkCount; i++ {
		if err := u.store.Delete(ctx, shareChunkKey(existing.ShareVaultID, i)); err != nil {
			return errors.Wrapf(err, "clearing stale share chunk %d", i)
		}
	}

	if _, err := u.stageSnapshot(staging, existing.ShareVaultID, phraseID, files, existing.OwnerFingerprint, policy, phrase, existing.Claimed, existing.CreatedAt, now); err != nil {
		return err
	}

	_, err = u.uploadPending(ctx, staging, now)
	return err
}

// Revoke marks a share's manifest revoked and deletes every chunk, making
// it unreachable even to a recipient who still holds the phrase.
func (u *ShareUploader) Revoke(ctx context.Context, phrase string) error {
	phraseID := PhraseVaultID(phrase)

	manifest, err := u.getManifest(ctx, phraseID)
	if err != nil {
		if err == ErrShareNotFound {
			return nil
		}
		return err
	}

	for i := 0; i < manifest.ChunkCount; i++ {
		if err := u.store.Delete(ctx, shareChunkKey(manifest.ShareVaultID, i)); err != nil {
			return err
		}
	}

	manifest.Revoked = true
	if err := u.putManifest(ctx, phraseID, manifest); err != nil {
		return err
	}

	return u.store.Delete(ctx, claimKey(phraseID))
}

func (u *ShareUploader) putManifest(ctx context.Context, phraseID string, m ShareManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return u.store.Put(ctx, manifestKey(phraseID), objectstore.KindSharedVault, byteReader(data), int64(len(data)), objectstore.PutOverwrite)
}

func (u *ShareUploader) getManifest(ctx context.Context, phraseID string) (ShareManifest, error) {
	var m ShareManifest
	data, err := u.store.Get(ctx, manifestKey(phraseID))
	if err != nil {
		if err == objectstore.ErrKeyNotFound {
			return m, ErrShareNotFound
		}
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, ErrShareNotFound
	}
	return m, nil
}

func splitChunks(data []byte, chunkSize int64) [][]byte {
	if chunkSize <= 0 {
		chunkSize = shareChunkSize
	}
	var chunks [][]byte
	for offset := int64(0); offset < int64(len(data)); offset += chunkSize {
		end := offset + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunks = append(chunks, data[offset:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}
