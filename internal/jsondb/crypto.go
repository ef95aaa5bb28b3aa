package jsondb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Cipher encrypts and decrypts secret field values.
//
// Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(cipherText string) (string, error)
}

var errNotString = errors.New("secret field is not a string")

// encrypt replaces every secret field of obj with its ciphertext. Must be
// called with mu held.
func (d *descriptor) encrypt(obj *object) error {
	if len(d.secrets) == 0 || d.cipher == nil {
		return nil
	}
	return transformSecrets(d.name, obj, d.secrets, d.cipher.Encrypt)
}

// decrypt replaces every secret field of obj with its plaintext. Must be
// called with mu held.
func (d *descriptor) decrypt(obj *object) error {
	if len(d.secrets) == 0 || d.cipher == nil {
		return nil
	}
	return transformSecrets(d.name, obj, d.secrets, d.cipher.Decrypt)
}

// transformSecrets applies fn to each string secret field. Absent and null
// fields are left as-is.
func transformSecrets(collection string, obj *object, secrets []string, fn func(string) (string, error)) error {
	for _, field := range secrets {
		raw, ok := obj.Get(field)
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return &CryptoError{Collection: collection, Field: field, Err: errNotString}
		}
		out, err := fn(s)
		if err != nil {
			return &CryptoError{Collection: collection, Field: field, Err: err}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return &CryptoError{Collection: collection, Field: field, Err: err}
		}
		obj.Set(field, data)
	}
	return nil
}

// ChangeEncryption re-keys every collection with secret fields to c.
//
// Each collection is decrypted with its current cipher, encrypted with c and
// rewritten atomically. Collections are processed one at a time; on failure
// the collections already converted keep c while the others keep their
// previous cipher, and the DB default cipher is left unchanged.
func (db *DB) ChangeEncryption(c Cipher) error {
	if c == nil {
		return fmt.Errorf("%w: nil cipher", ErrUsage)
	}
	if db.closed.Load() {
		return ErrClosed
	}
	db.cipherMu.Lock()
	defer db.cipherMu.Unlock()
	if db.cipher == nil {
		return ErrNotEncrypted
	}
	var errs []error
	for _, name := range db.registered() {
		d, ok := db.collections.Load(name)
		if !ok {
			continue
		}
		if err := db.rekey(d, c); err != nil {
			errs = append(errs, collectionErr(name, err))
		}
	}
	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	db.cipher = c
	return nil
}

// ChangeCollectionEncryption re-keys a single collection to c.
func (db *DB) ChangeCollectionEncryption(name string, c Cipher) error {
	if c == nil {
		return fmt.Errorf("%w: nil cipher", ErrUsage)
	}
	d, err := db.descriptor(name)
	if err != nil {
		return err
	}
	if err := db.rekey(d, c); err != nil {
		return collectionErr(name, err)
	}
	return nil
}

func (db *DB) rekey(d *descriptor, c Cipher) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.cipher
	if old == nil {
		return ErrNotEncrypted
	}
	snap := d.snap.Load()
	if snap == nil || len(d.secrets) == 0 {
		d.cipher = c
		return nil
	}
	next := newSnapshot()
	for r := range snap.all() {
		obj, err := decodeObject(r.line)
		if err != nil {
			return err
		}
		if err := transformSecrets(d.name, obj, d.secrets, old.Decrypt); err != nil {
			return err
		}
		if err := transformSecrets(d.name, obj, d.secrets, c.Encrypt); err != nil {
			return err
		}
		line, err := encodeObject(obj)
		if err != nil {
			return err
		}
		rec, err := newRecord(r.id, line)
		if err != nil {
			return err
		}
		next.put(rec)
	}
	if err := rewriteFile(d.path, d.lockPath, &db.opts, next.lines(d.actualVersion)); err != nil {
		return err
	}
	d.snap.Store(next)
	d.cipher = c
	slog.Debug("jsondb: collection re-keyed", "collection", d.name, "documents", next.len())
	return nil
}
