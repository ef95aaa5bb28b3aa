package jsondb

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Document is implemented by record types stored in a typed collection.
//
// Schema must not depend on the receiver's content: it is called on a fresh
// zero value at registration.
type Document interface {
	Schema() Schema
}

// Collection is a typed view over one collection of a DB.
//
// Values passed in are encoded and values returned are freshly decoded, so
// they never alias the store state.
type Collection[T Document] struct {
	db   *DB
	name string
}

// Register declares the collection of T and loads its file when present.
//
// T must be a struct or a pointer to struct that has the id field, and every
// secret field must be a string.
func Register[T Document](db *DB) (*Collection[T], error) {
	s := newDocument[T]().Schema()
	fields, err := checkShape[T](&s)
	if err != nil {
		return nil, err
	}
	validate := func(line []byte, strict bool) error {
		if strict {
			if err := checkFields(line, fields); err != nil {
				return err
			}
		}
		var v T
		return json.Unmarshal(line, &v)
	}
	if _, err := db.register(s, validate); err != nil {
		return nil, err
	}
	return &Collection[T]{db: db, name: s.Collection}, nil
}

func newDocument[T any]() T {
	var doc T
	if t := reflect.TypeFor[T](); t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(T)
	}
	return doc
}

// checkShape validates the schema of T against its JSON representation and
// returns the exact JSON names of its fields.
func checkShape[T any](s *Schema) (map[string]struct{}, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: type must be a struct or pointer to struct, got %s", ErrMetadata, t.Kind())
	}
	if s.IDField == "" {
		s.IDField = "id"
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	prop, ok := schema.Properties.Get(s.IDField)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no id field %q", ErrMetadata, t, s.IDField)
	}
	switch prop.Type {
	case "string", "integer", "number":
	default:
		return nil, fmt.Errorf("%w: id field %q of %s must be a string or a number, got %q", ErrMetadata, s.IDField, t, prop.Type)
	}
	for _, field := range s.Secrets {
		prop, ok := schema.Properties.Get(field)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no secret field %q", ErrMetadata, t, field)
		}
		if prop.Type != "string" {
			return nil, fmt.Errorf("%w: secret field %q of %s must be a string, got %q", ErrMetadata, field, t, prop.Type)
		}
	}
	fields := make(map[string]struct{}, schema.Properties.Len())
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		fields[pair.Key] = struct{}{}
	}
	return fields, nil
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// DB returns the database holding the collection.
func (c *Collection[T]) DB() *DB {
	return c.db
}

// Create creates the collection file.
func (c *Collection[T]) Create() error {
	return c.db.CreateCollection(c.name)
}

// Drop deletes the collection file.
func (c *Collection[T]) Drop() error {
	return c.db.DropCollection(c.name)
}

// Exists reports whether the collection holds data.
func (c *Collection[T]) Exists() bool {
	return c.db.CollectionExists(c.name)
}

// ReadOnly reports whether the collection waits for a schema update.
func (c *Collection[T]) ReadOnly() (bool, error) {
	return c.db.IsCollectionReadonly(c.name)
}

// UpdateSchema rewrites the collection with u.
func (c *Collection[T]) UpdateSchema(u *SchemaUpdate) error {
	return c.db.UpdateCollectionSchema(c.name, u)
}

// Len returns the number of documents.
func (c *Collection[T]) Len() (int, error) {
	return c.db.Count(c.name)
}

// Insert adds doc. When doc has no identifier one is generated and, if T has
// a SetID(string) method, assigned to doc.
func (c *Collection[T]) Insert(doc T) error {
	return c.InsertMany([]T{doc})
}

// InsertMany adds docs as one batch.
func (c *Collection[T]) InsertMany(docs []T) error {
	raw, err := encodeAll(docs)
	if err != nil {
		return err
	}
	ids, err := c.db.Insert(c.name, raw...)
	if err != nil {
		return err
	}
	for i, doc := range docs {
		if s, ok := any(doc).(interface{ SetID(string) }); ok {
			s.SetID(ids[i])
		}
	}
	return nil
}

// Upsert replaces doc if its identifier exists and inserts it otherwise.
func (c *Collection[T]) Upsert(doc T) error {
	return c.UpsertMany([]T{doc})
}

// UpsertMany upserts docs as one batch.
func (c *Collection[T]) UpsertMany(docs []T) error {
	raw, err := encodeAll(docs)
	if err != nil {
		return err
	}
	return c.db.Upsert(c.name, raw...)
}

// Remove deletes the document with the identifier of doc and returns it.
func (c *Collection[T]) Remove(doc T) (T, error) {
	out, err := c.RemoveMany([]T{doc})
	if err != nil || len(out) == 0 {
		var zero T
		return zero, err
	}
	return out[0], nil
}

// RemoveMany deletes the documents with the identifiers of docs.
func (c *Collection[T]) RemoveMany(docs []T) ([]T, error) {
	raw, err := encodeAll(docs)
	if err != nil {
		return nil, err
	}
	removed, err := c.db.Remove(c.name, raw...)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](removed)
}

// RemoveByID deletes documents by identifier.
func (c *Collection[T]) RemoveByID(ids ...string) ([]T, error) {
	removed, err := c.db.RemoveByID(c.name, ids...)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](removed)
}

// FindAndRemove deletes the documents matching query.
func (c *Collection[T]) FindAndRemove(query string) ([]T, error) {
	removed, err := c.db.FindAndRemove(c.name, query)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](removed)
}

// Find returns the documents matching query.
func (c *Collection[T]) Find(query string) ([]T, error) {
	docs, err := c.db.Find(c.name, query)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](docs)
}

// FindAll returns every document.
func (c *Collection[T]) FindAll() ([]T, error) {
	docs, err := c.db.FindAll(c.name)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](docs)
}

// FindOne returns the first document matching query.
func (c *Collection[T]) FindOne(query string) (T, bool, error) {
	doc, err := c.db.FindOne(c.name, query)
	return decodeOne[T](doc, err)
}

// FindByID returns the document with the given identifier.
func (c *Collection[T]) FindByID(id string) (T, bool, error) {
	doc, err := c.db.FindByID(c.name, id)
	return decodeOne[T](doc, err)
}

// FindAndModify applies u to the first document matching query and returns
// it.
func (c *Collection[T]) FindAndModify(query string, u *Update) (T, bool, error) {
	doc, err := c.db.FindAndModify(c.name, query, u)
	return decodeOne[T](doc, err)
}

// FindAllAndModify applies u to every document matching query and returns
// them by ascending id.
func (c *Collection[T]) FindAllAndModify(query string, u *Update) ([]T, error) {
	docs, err := c.db.FindAllAndModify(c.name, query, u)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](docs)
}

// checkFields rejects top-level keys of line that are not exactly one of
// fields. Matching is case-sensitive, unlike encoding/json.
func checkFields(line []byte, fields map[string]struct{}) error {
	obj, err := decodeObject(line)
	if err != nil {
		return err
	}
	for pair := obj.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := fields[pair.Key]; !ok {
			return fmt.Errorf("unknown field %q", pair.Key)
		}
	}
	return nil
}

func encodeAll[T any](docs []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(docs))
	for i, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document: %w", err)
		}
		out[i] = data
	}
	return out, nil
}

func decodeAll[T any](docs []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeOne[T any](doc json.RawMessage, err error) (T, bool, error) {
	var v T
	if err != nil || doc == nil {
		return v, false, err
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode document: %w", err)
	}
	return v, true, nil
}
