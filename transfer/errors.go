package transfer

import "errors"

var (
	// ErrShareNotFound is returned when a share manifest cannot be located.
	ErrShareNotFound = errors.New("transfer: share not found")

	// ErrShareExpired is returned when a share's ExpiresAt has passed.
	ErrShareExpired = errors.New("transfer: share expired")

	// ErrShareAlreadyClaimed is returned when a share has already been
	// downloaded by a previous caller; claim-once is enforced via an
	// exclusive-create marker key, so at most one caller ever sees success.
	ErrShareAlreadyClaimed = errors.New("transfer: share already claimed")

	// ErrShareRevoked is returned when a share's manifest has been marked
	// revoked by its owner.
	ErrShareRevoked = errors.New("transfer: share revoked")

	// ErrBackupNotFound is returned when a backup manifest cannot be located.
	ErrBackupNotFound = errors.New("transfer: backup not found")

	// ErrUnsupportedBackupVersion is returned when a backup manifest's
	// format version is newer than this build understands.
	ErrUnsupportedBackupVersion = errors.New("transfer: unsupported backup version")

	// ErrRetriesExhausted reports an upload that has exhausted its retry
	// budget. Nothing in this package returns it: once maxRetryAttempts is
	// reached, NextRetryDelay switches to a once-a-day retry instead.
	ErrRetriesExhausted = errors.New("transfer: retries exhausted")

	// ErrChecksumMismatch is returned when a backup's HMAC integrity witness
	// does not match its ciphertext. Restore returns this before attempting
	// any decryption.
	ErrChecksumMismatch = errors.New("transfer: backup checksum mismatch")

	// ErrNoPendingUpload is returned when resuming a share upload that has
	// no staged state on disk.
	ErrNoPendingUpload = errors.New("transfer: no pending upload staged")

	// ErrNoPendingBackup is returned when resuming a backup upload that has
	// no staged state on disk.
	ErrNoPendingBackup = errors.New("transfer: no pending backup staged")

	// ErrMalformedBackupPayload is returned when a VBK2 payload is truncated
	// or internally inconsistent.
	ErrMalformedBackupPayload = errors.New("transfer: malformed backup payload")
)
