// Package vaultindex implements the encrypted, per-vault index: the single
// source of truth for which containers a vault owns and where each stored
// file's bytes live within them. The index itself lives encrypted on disk,
// fingerprint-addressed rather than keyed by plaintext filename or path.
package vaultindex

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kopia-vault/vaultcore/crypto"
)

// IndexFileName is the on-disk name of the encrypted index file.
const IndexFileName = "vault_index.bin"

const indexMagic uint32 = 0x5649_4458 // "VIDX"

// Manager owns the single encrypted index file for one vault. It is safe
// for concurrent use: all mutation goes through WithLock, which serializes
// callers and hands them a mutable snapshot to edit in place.
type Manager struct {
	dir    string
	engine *crypto.Engine

	mu        sync.Mutex
	locked    bool
	masterKey crypto.Key
	vaultKey  crypto.Key
	idx       *Index
	loaded    bool
}

// New returns a Manager rooted at dir, using masterKey to unwrap (or wrap)
// the vault key stored alongside the encrypted index.
func New(dir string, masterKey crypto.Key, engine *crypto.Engine) *Manager {
	return &Manager{dir: dir, engine: engine, masterKey: masterKey}
}

func (m *Manager) path() string { return filepath.Join(m.dir, IndexFileName) }

// Fingerprint returns the stable, non-reversible identifier used to address
// a file in the index: the first 16 bytes of SHA-256(vaultKey || content),
// hex-encoded. The storage engine passes each stored file's random 16-byte
// file ID as content, so every store gets its own fingerprint, even when the
// same plaintext is stored twice.
func (m *Manager) Fingerprint(vaultKey crypto.Key, content []byte) string {
	h := sha256.New()
	h.Write(vaultKey[:])
	h.Write(content)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func (m *Manager) lock() {
	m.mu.Lock()
	m.locked = true
}

func (m *Manager) unlock() {
	m.locked = false
	m.mu.Unlock()
}

func (m *Manager) assertLocked() {
	if !m.locked {
		panic("vaultindex: must be locked")
	}
}

// Init creates a brand-new vault: generates a random vault key, an empty
// index owning only the primary container, wraps the key under masterKey,
// and persists both. Returns the generated vault key.
func (m *Manager) Init(vaultID string, primaryCapacity int64) (crypto.Key, error) {
	m.lock()
	defer m.unlock()

	if m.loaded {
		return crypto.Key{}, errors.New("vaultindex: already initialized")
	}

	keyBytes, err := m.engine.RandomBytes(crypto.KeySize)
	if err != nil {
		return crypto.Key{}, err
	}
	var vaultKey crypto.Key
	copy(vaultKey[:], keyBytes)

	m.vaultKey = vaultKey
	m.idx = newEmptyIndex(vaultID, primaryCapacity)
	m.loaded = true

	if err := m.saveLocked(); err != nil {
		return crypto.Key{}, err
	}

	log.Debug().Str("vault_id", vaultID).Msg("vaultindex: initialized new vault")
	return vaultKey, nil
}

// Load reads and decrypts the index file from disk, unwrapping the vault
// key under masterKey and migrating the payload to the current schema if
// needed. Returns ErrIndexNotFound if no index file exists yet.
func (m *Manager) Load(vaultID string) error {
	m.lock()
	defer m.unlock()

	raw, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrIndexNotFound
		}
		return errors.Wrap(err, "reading index file")
	}

	vaultKey, payload, err := m.decodeFile(raw)
	if err != nil {
		return err
	}

	idx, err := decodeAndMigrate(payload, vaultID)
	if err != nil {
		return err
	}

	m.vaultKey = vaultKey
	m.idx = idx
	m.loaded = true

	if idx.SchemaVersion < CurrentSchemaVersion {
		log.Info().Int("from", idx.SchemaVersion).Int("to", CurrentSchemaVersion).Msg("vaultindex: migrated schema, persisting")
		idx.SchemaVersion = CurrentSchemaVersion
		return m.saveLocked()
	}

	return nil
}

func (m *Manager) decodeFile(raw []byte) (crypto.Key, []byte, error) {
	var zero crypto.Key

	if len(raw) < 4+4 {
		return zero, nil, ErrIndexCorrupted
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != indexMagic {
		return zero, nil, ErrIndexCorrupted
	}

	offset := 4
	wrappedLen := binary.LittleEndian.Uint32(raw[offset : offset+4])
	offset += 4

	if uint32(len(raw)-offset) < wrappedLen {
		return zero, nil, ErrIndexCorrupted
	}
	wrapped := raw[offset : offset+int(wrappedLen)]
	offset += int(wrappedLen)

	keyBytes, err := m.engine.Decrypt(wrapped, m.masterKey)
	if err != nil {
		return zero, nil, errors.Wrap(err, "unwrapping vault key")
	}
	if len(keyBytes) != crypto.KeySize {
		return zero, nil, ErrIndexCorrupted
	}
	var vaultKey crypto.Key
	copy(vaultKey[:], keyBytes)

	encryptedPayload := raw[offset:]
	payload, err := m.engine.Decrypt(encryptedPayload, vaultKey)
	if err != nil {
		return zero, nil, errors.Wrap(err, "decrypting index payload")
	}

	return vaultKey, payload, nil
}

// WithLock serializes access to the index: fn receives the live Index to
// read or mutate in place. If fn returns nil, the (possibly mutated) index
// is atomically persisted before WithLock returns; a non-nil error skips
// the save and is returned unchanged. This closure shape is deliberate: it
// replaces a re-entrant lock with a single borrow-and-return scope, so
// nested callers can't deadlock on their own lock.
func (m *Manager) WithLock(fn func(*Index) error) error {
	m.lock()
	defer m.unlock()

	if !m.loaded {
		return ErrIndexNotFound
	}

	if err := fn(m.idx); err != nil {
		return err
	}

	return m.saveLocked()
}

// Snapshot returns a deep copy of the current index for lock-free reads.
func (m *Manager) Snapshot() (*Index, error) {
	m.lock()
	defer m.unlock()

	if !m.loaded {
		return nil, ErrIndexNotFound
	}
	return m.idx.clone(), nil
}

// VaultKey returns the unwrapped vault key. Callers hold it only as long as
// needed for a single crypto operation.
func (m *Manager) VaultKey() (crypto.Key, error) {
	m.lock()
	defer m.unlock()

	if !m.loaded {
		return crypto.Key{}, ErrIndexNotFound
	}
	return m.vaultKey, nil
}

// Rekey replaces the vault key itself (as opposed to Rewrap, which only
// replaces the master key wrapping it). Callers are responsible for
// re-encrypting every stored file's content under newVaultKey before
// calling Rekey, since the index is persisted encrypted under whichever
// vault key is current at the moment this returns.
func (m *Manager) Rekey(newVaultKey crypto.Key) error {
	m.lock()
	defer m.unlock()

	if !m.loaded {
		return ErrIndexNotFound
	}

	m.vaultKey = newVaultKey
	return m.saveLocked()
}

// Rewrap re-encrypts the wrapped vault key under newMasterKey without
// touching the index payload, then switches m.masterKey and persists.
// Used when the host's SecureKeyStore rotates its master secret.
func (m *Manager) Rewrap(newMasterKey crypto.Key) error {
	m.lock()
	defer m.unlock()

	if !m.loaded {
		return ErrIndexNotFound
	}

	m.masterKey = newMasterKey
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	m.assertLocked()

	payload, err := json.Marshal(m.idx)
	if err != nil {
		return errors.Wrap(err, "marshaling index")
	}

	encryptedPayload, err := m.engine.Encrypt(payload, m.vaultKey)
	if err != nil {
		return errors.Wrap(err, "encrypting index")
	}

	wrapped, err := m.engine.Encrypt(m.vaultKey[:], m.masterKey)
	if err != nil {
		return errors.Wrap(err, "wrapping vault key")
	}

	out := make([]byte, 0, 4+4+len(wrapped)+len(encryptedPayload))
	var magicBuf, lenBuf [4]byte
	binary.LittleEndian.PutUint32(magicBuf[:], indexMagic)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(wrapped)))

	out = append(out, magicBuf[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, wrapped...)
	out = append(out, encryptedPayload...)

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return errors.Wrap(err, "creating vault directory")
	}

	if err := atomicfile.WriteFile(m.path(), bytes.NewReader(out)); err != nil {
		return errors.Wrap(err, "atomically writing index file")
	}

	verify, err := os.ReadFile(m.path())
	if err != nil {
		return errors.Wrap(ErrVerifyFailed, err.Error())
	}
	if len(verify) != len(out) {
		return ErrVerifyFailed
	}
	for i := range out {
		if verify[i] != out[i] {
			return ErrVerifyFailed
		}
	}

	return nil
}
