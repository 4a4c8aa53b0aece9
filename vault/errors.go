package vault

import "errors"

// ErrRemoteStoreNotConfigured is returned by any share or backup operation
// when the Engine was opened without a Config.Store.
var ErrRemoteStoreNotConfigured = errors.New("vault: remote object store not configured")
