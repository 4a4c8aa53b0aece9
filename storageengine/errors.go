package storageengine

import "errors"

var (
	// ErrFileNotFound indicates a retrieve/delete by fingerprint found no entry.
	ErrFileNotFound = errors.New("storageengine: file not found")

	// ErrVaultNotInitialized indicates an operation was attempted before Open/Init.
	ErrVaultNotInitialized = errors.New("storageengine: vault not initialized")

	// ErrCompactionInProgress indicates a second compaction was attempted while
	// one was already running; the engine serializes compaction per vault.
	ErrCompactionInProgress = errors.New("storageengine: compaction already in progress")
)
