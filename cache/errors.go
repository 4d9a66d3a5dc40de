package cache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when there is no artifact stored for a key.
var ErrNotFound = errors.New("artifact not found")

// StorageError wraps failures of the underlying storage backend.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
