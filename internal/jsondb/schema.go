package jsondb

import (
	"encoding/json"
	"fmt"
	"log/slog"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type fieldOpKind int

const (
	opRename fieldOpKind = iota + 1
	opAdd
	opDelete
)

func (k fieldOpKind) String() string {
	switch k {
	case opRename:
		return "rename"
	case opAdd:
		return "add"
	case opDelete:
		return "delete"
	default:
		return fmt.Sprintf("fieldOpKind(%d)", int(k))
	}
}

type fieldOp struct {
	kind    fieldOpKind
	newName string
	value   any
}

// SchemaUpdate is an ordered set of field changes applied to every document
// of a collection. Each field carries at most one change; setting a field
// again replaces its change.
type SchemaUpdate struct {
	ops *orderedmap.OrderedMap[string, fieldOp]
}

// NewSchemaUpdate returns an empty SchemaUpdate.
func NewSchemaUpdate() *SchemaUpdate {
	return &SchemaUpdate{ops: orderedmap.New[string, fieldOp]()}
}

// Rename renames field to newName, keeping its value and position.
func (u *SchemaUpdate) Rename(field, newName string) *SchemaUpdate {
	u.ops.Set(field, fieldOp{kind: opRename, newName: newName})
	return u
}

// Add sets field to value in documents where it is absent or null.
func (u *SchemaUpdate) Add(field string, value any) *SchemaUpdate {
	u.ops.Set(field, fieldOp{kind: opAdd, value: value})
	return u
}

// Delete removes field.
func (u *SchemaUpdate) Delete(field string) *SchemaUpdate {
	u.ops.Set(field, fieldOp{kind: opDelete})
	return u
}

// Len returns the number of field changes.
func (u *SchemaUpdate) Len() int {
	if u == nil || u.ops == nil {
		return 0
	}
	return u.ops.Len()
}

type migrationState int

const (
	migrationIdle migrationState = iota
	migrationValidating
	migrationRewriting
	migrationCommitted
	migrationFailed
)

func (s migrationState) String() string {
	switch s {
	case migrationIdle:
		return "idle"
	case migrationValidating:
		return "validating"
	case migrationRewriting:
		return "rewriting"
	case migrationCommitted:
		return "committed"
	case migrationFailed:
		return "failed"
	default:
		return fmt.Sprintf("migrationState(%d)", int(s))
	}
}

// migration rewrites one collection under its write lock.
type migration struct {
	d     *descriptor
	u     *SchemaUpdate
	opts  *Options
	state migrationState
}

func (m *migration) transition(s migrationState) {
	slog.Debug("jsondb: schema update", "collection", m.d.name, "from", m.state, "to", s)
	m.state = s
}

// UpdateCollectionSchema rewrites every document of a collection with u and
// stamps the file with the declared schema version, which clears the
// read-only state.
//
// On failure the file and the in-memory data are left untouched.
func (db *DB) UpdateCollectionSchema(name string, u *SchemaUpdate) error {
	d, err := db.descriptor(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m := &migration{d: d, u: u, opts: &db.opts}
	if err := m.run(); err != nil {
		m.transition(migrationFailed)
		return collectionErr(name, err)
	}
	return nil
}

func (m *migration) run() error {
	m.transition(migrationValidating)
	snap := m.d.snap.Load()
	if snap == nil {
		return ErrCollectionNotFound
	}
	if m.u.Len() == 0 {
		return ErrEmptyUpdate
	}
	for pair := m.u.ops.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == "" {
			return fmt.Errorf("%w: empty field name", ErrUsage)
		}
		if pair.Key == m.d.idField {
			return fmt.Errorf("%w: cannot %s id field %q", ErrUsage, pair.Value.kind, pair.Key)
		}
		if pair.Value.kind == opRename && (pair.Value.newName == "" || pair.Value.newName == m.d.idField) {
			return fmt.Errorf("%w: invalid new name %q for field %q", ErrUsage, pair.Value.newName, pair.Key)
		}
	}

	m.transition(migrationRewriting)
	next := newSnapshot()
	for r := range snap.all() {
		rec, err := m.rewrite(r)
		if err != nil {
			return err
		}
		next.put(rec)
	}
	if err := rewriteFile(m.d.path, m.d.lockPath, m.opts, next.lines(m.d.declaredVersion)); err != nil {
		return err
	}
	m.d.snap.Store(next)
	m.d.actualVersion = m.d.declaredVersion
	m.transition(migrationCommitted)
	return nil
}

// rewrite applies the field changes to one stored document.
func (m *migration) rewrite(r *record) (*record, error) {
	obj, err := decodeObject(r.line)
	if err != nil {
		return nil, err
	}
	for pair := m.u.ops.Oldest(); pair != nil; pair = pair.Next() {
		field, op := pair.Key, pair.Value
		switch op.kind {
		case opRename:
			obj = renameKey(obj, field, op.newName)
		case opAdd:
			if raw, ok := obj.Get(field); ok && !isNull(raw) {
				continue
			}
			if err := m.add(obj, field, op.value); err != nil {
				return nil, err
			}
		case opDelete:
			obj.Delete(field)
		}
	}
	line, err := encodeObject(obj)
	if err != nil {
		return nil, err
	}
	if id, ok := idOf(obj, m.d.idField); !ok || id != r.id {
		return nil, fmt.Errorf("document %s lost its id", r.id)
	}
	if m.d.validate != nil {
		if err := m.d.validate(line, !m.opts.CompatibilityMode); err != nil {
			return nil, fmt.Errorf("document %s does not match the record type: %w", r.id, err)
		}
	}
	return newRecord(r.id, line)
}

// add stores value in field, encrypting it when field is secret.
func (m *migration) add(obj *object, field string, value any) error {
	if s, ok := value.(string); ok && m.d.cipher != nil && m.d.isSecret(field) {
		enc, err := m.d.cipher.Encrypt(s)
		if err != nil {
			return &CryptoError{Collection: m.d.name, Field: field, Err: err}
		}
		value = enc
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode default of field %q: %w", field, err)
	}
	obj.Set(field, data)
	return nil
}
