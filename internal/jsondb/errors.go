package jsondb

import (
	"errors"
	"fmt"
)

// ErrUsage is matched by every error caused by a misuse of the API.
var ErrUsage = errors.New("jsondb: invalid usage")

// Usage errors. They all satisfy errors.Is(err, ErrUsage).
var (
	ErrNilDocument        error = &usageError{"document is nil or empty"}
	ErrInvalidDocument    error = &usageError{"document is not a valid JSON object"}
	ErrIDUpdate           error = &usageError{"document id cannot be modified"}
	ErrAlreadyRegistered  error = &usageError{"collection is already registered"}
	ErrUnknownCollection  error = &usageError{"collection is not registered"}
	ErrCollectionNotFound error = &usageError{"collection not found, create collection first"}
	ErrCollectionExists   error = &usageError{"collection already exists"}
	ErrDuplicateID        error = &usageError{"document with the same id already present in collection"}
	ErrDocumentNotFound   error = &usageError{"document not found in collection"}
	ErrReadOnly           error = &usageError{"collection is read-only until its schema is updated"}
	ErrMetadata           error = &usageError{"invalid collection metadata"}
	ErrNotEncrypted       error = &usageError{"DB is not encrypted, nothing to change for the encryption key"}
	ErrEmptyUpdate        error = &usageError{"update is empty"}
	ErrDocumentTooLarge   error = &usageError{"document exceeds the maximum line size"}
	ErrClosed             error = &usageError{"DB is closed"}
)

type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func (e *usageError) Is(target error) bool {
	return target == ErrUsage
}

// LockError is returned when the advisory lock on a collection file could not
// be acquired within the attempt budget.
type LockError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("failed to lock %s after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a line of a collection file cannot be decoded.
type DecodeError struct {
	Path    string
	Line    int
	Content string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s line %d %q: %v", e.Path, e.Line, e.Content, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CryptoError is returned when a secret field cannot be encrypted or
// decrypted.
type CryptoError struct {
	Collection string
	Field      string
	Err        error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("failed to process secret field %q of collection %q: %v", e.Field, e.Collection, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

func collectionErr(name string, err error) error {
	return fmt.Errorf("collection %q: %w", name, err)
}
