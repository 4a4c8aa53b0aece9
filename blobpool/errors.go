package blobpool

import "errors"

var (
	// ErrBlobNotInitialized indicates an operation was attempted on a blob
	// before its readiness barrier (primary) or creation (expansion) completed.
	ErrBlobNotInitialized = errors.New("blobpool: blob not initialized")

	// ErrReadError wraps an underlying read failure against a container file.
	ErrReadError = errors.New("blobpool: read error")

	// ErrWriteError wraps an underlying write failure against a container file.
	ErrWriteError = errors.New("blobpool: write error")

	// ErrSecureOverwriteFailed indicates a random-overwrite pass could not
	// be completed; callers must not treat the range as wiped.
	ErrSecureOverwriteFailed = errors.New("blobpool: secure overwrite failed")

	// ErrUnknownBlob indicates a blob_id that doesn't match the primary or
	// any known expansion container.
	ErrUnknownBlob = errors.New("blobpool: unknown blob id")
)
