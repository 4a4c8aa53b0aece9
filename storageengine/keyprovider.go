package storageengine

import "github.com/kopia-vault/vaultcore/crypto"

// MasterKeyProvider resolves the master key a vault's stored vault key is
// wrapped under. Implementations range from a static in-memory key to a
// host keystore lookup; Engine only ever sees the resolved crypto.Key.
type MasterKeyProvider interface {
	MasterKey() (crypto.Key, error)
}

type staticMasterKey struct {
	key crypto.Key
}

// MasterKey implements MasterKeyProvider.
func (s staticMasterKey) MasterKey() (crypto.Key, error) { return s.key, nil }

// StaticMasterKey returns a MasterKeyProvider that always resolves to key,
// for hosts that manage master key storage themselves.
func StaticMasterKey(key crypto.Key) MasterKeyProvider {
	return staticMasterKey{key: key}
}
