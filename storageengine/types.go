package storageengine

import "time"

// FileSummary is the metadata view of a stored file returned by listing
// operations. It never includes content; retrieving bytes is a separate call.
type FileSummary struct {
	Fingerprint string
	Filename    string
	Mime        string
	Size        int64
	CreatedAt   time.Time
}

// StoreRequest is one entry of a batch store call.
type StoreRequest struct {
	Data     []byte
	Filename string
	Mime     string
}

// StoreResult pairs a StoreRequest with its outcome so batch callers can
// tell which entries in a mixed-result batch succeeded.
type StoreResult struct {
	Fingerprint string
	Err         error
}
