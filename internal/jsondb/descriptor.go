package jsondb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Schema is the static metadata of a collection.
type Schema struct {
	// Collection is the collection name, also the file base name.
	Collection string
	// Version is the declared schema version.
	Version string
	// IDField is the JSON field holding the document identifier. Defaults to
	// "id".
	IDField string
	// Secrets lists the string fields encrypted at rest.
	Secrets []string
}

// descriptor is the runtime state of one registered collection.
type descriptor struct {
	name            string
	path            string
	lockPath        string
	declaredVersion string
	idField         string
	secrets         []string
	// validate checks that a stored line maps onto the registered record type.
	// strict rejects unknown fields.
	validate func(line []byte, strict bool) error

	mu *sync.RWMutex
	// snap is nil while the collection has no backing file.
	snap atomic.Pointer[snapshot]

	// Guarded by mu.
	actualVersion string
	cipher        Cipher
}

func newDescriptor(s Schema, dataDir, lockDir string) (*descriptor, error) {
	name := s.Collection
	if name == "" {
		return nil, fmt.Errorf("%w: missing collection name", ErrMetadata)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: invalid collection name %q", ErrMetadata, name)
	}
	if s.Version == "" {
		return nil, fmt.Errorf("%w: collection %q has no schema version", ErrMetadata, name)
	}
	idField := s.IDField
	if idField == "" {
		idField = "id"
	}
	secrets := slices.Clone(s.Secrets)
	slices.Sort(secrets)
	secrets = slices.Compact(secrets)
	if slices.Contains(secrets, idField) {
		return nil, fmt.Errorf("%w: id field %q of collection %q cannot be secret", ErrMetadata, idField, name)
	}
	return &descriptor{
		name:            name,
		path:            filepath.Join(dataDir, name+".json"),
		lockPath:        filepath.Join(lockDir, name+".lock"),
		declaredVersion: s.Version,
		idField:         idField,
		secrets:         secrets,
	}, nil
}

// readOnly reports whether the file lags the declared version. Must be called
// with mu held.
func (d *descriptor) readOnly(compare func(a, b string) int) bool {
	return d.snap.Load() != nil && compare(d.actualVersion, d.declaredVersion) < 0
}

func (d *descriptor) isSecret(field string) bool {
	_, found := slices.BinarySearch(d.secrets, field)
	return found
}

// prepare turns a caller document into a stored record, assigning an id when
// missing and encrypting secret fields. Must be called with mu held.
func (d *descriptor) prepare(doc json.RawMessage, newID func() string) (*record, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || isNull(trimmed) {
		return nil, ErrNilDocument
	}
	obj, err := decodeObject(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	id, ok := idOf(obj, d.idField)
	if !ok {
		if raw, present := obj.Get(d.idField); present && !isNull(raw) && string(bytes.TrimSpace(raw)) != `""` {
			return nil, fmt.Errorf("%w: id field %q must be a string or a number", ErrInvalidDocument, d.idField)
		}
		id = newID()
		setID(obj, d.idField, id)
	}
	if err := d.encrypt(obj); err != nil {
		return nil, err
	}
	line, err := encodeObject(obj)
	if err != nil {
		return nil, err
	}
	return newRecord(id, line)
}

// plaintext returns a fresh copy of r with secret fields decrypted. Must be
// called with mu held.
func (d *descriptor) plaintext(r *record) (json.RawMessage, error) {
	if len(d.secrets) == 0 || d.cipher == nil {
		return bytes.Clone(r.line), nil
	}
	obj, err := decodeObject(r.line)
	if err != nil {
		return nil, err
	}
	if err := d.decrypt(obj); err != nil {
		return nil, err
	}
	return encodeObject(obj)
}

// idFromDocument extracts the identifier of a caller document.
func (d *descriptor) idFromDocument(doc json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || isNull(trimmed) {
		return "", ErrNilDocument
	}
	obj, err := decodeObject(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	id, ok := idOf(obj, d.idField)
	if !ok {
		return "", fmt.Errorf("%w: missing id field %q", ErrInvalidDocument, d.idField)
	}
	return id, nil
}
