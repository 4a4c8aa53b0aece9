package objectstore

import "errors"

var (
	// ErrKeyNotFound is returned when a key cannot be found in the store.
	ErrKeyNotFound = errors.New("objectstore: key not found")

	// ErrKeyExists is returned by Put when the key already exists and
	// PutOverwrite was not requested.
	ErrKeyExists = errors.New("objectstore: key already exists")
)
