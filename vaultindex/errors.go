package vaultindex

import "errors"

var (
	// ErrIndexNotFound indicates no index file exists yet for a vault.
	ErrIndexNotFound = errors.New("vaultindex: index not found")

	// ErrIndexCorrupted indicates the index decrypted but failed to parse,
	// or its internal invariants don't hold.
	ErrIndexCorrupted = errors.New("vaultindex: index corrupted")

	// ErrUnsupportedSchemaVersion indicates an index schema newer than this
	// build knows how to migrate.
	ErrUnsupportedSchemaVersion = errors.New("vaultindex: unsupported schema version")

	// ErrEntryNotFound indicates a lookup by fingerprint found no entry.
	ErrEntryNotFound = errors.New("vaultindex: entry not found")

	// ErrEntryExists indicates an insert collided with an existing fingerprint.
	ErrEntryExists = errors.New("vaultindex: entry already exists")

	// ErrVerifyFailed indicates the read-back verification pass after an
	// atomic save did not match what was written.
	ErrVerifyFailed = errors.New("vaultindex: save verification failed")
)
