package jsondb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Update is an ordered set of field assignments applied by find-and-modify.
type Update struct {
	fields *orderedmap.OrderedMap[string, any]
}

// NewUpdate returns an empty Update.
func NewUpdate() *Update {
	return &Update{fields: orderedmap.New[string, any]()}
}

// Set assigns value to field. Setting the same field twice keeps the last
// value.
func (u *Update) Set(field string, value any) *Update {
	u.fields.Set(field, value)
	return u
}

// Len returns the number of assigned fields.
func (u *Update) Len() int {
	if u == nil || u.fields == nil {
		return 0
	}
	return u.fields.Len()
}

// Insert adds documents to a collection and returns their identifiers.
//
// Documents without an identifier get a generated one. The batch fails as a
// whole if any identifier is already present in the collection or repeated in
// the batch.
func (db *DB) Insert(name string, docs ...json.RawMessage) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var ids []string
	err := db.write(name, func(d *descriptor, snap *snapshot) error {
		recs, err := db.prepareAll(d, docs)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if _, ok := snap.get(r.id); ok {
				return fmt.Errorf("%w: id %s", ErrDuplicateID, r.id)
			}
		}
		if err := db.appendRecords(d, snap, recs); err != nil {
			return err
		}
		ids = make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.id
		}
		return nil
	})
	return ids, err
}

// Upsert replaces documents whose identifier exists and inserts the others.
func (db *DB) Upsert(name string, docs ...json.RawMessage) error {
	if len(docs) == 0 {
		return nil
	}
	return db.write(name, func(d *descriptor, snap *snapshot) error {
		recs, err := db.prepareAll(d, docs)
		if err != nil {
			return err
		}
		replace := false
		for _, r := range recs {
			if _, ok := snap.get(r.id); ok {
				replace = true
				break
			}
		}
		if !replace {
			return db.appendRecords(d, snap, recs)
		}
		next := snap.clone()
		for _, r := range recs {
			next.put(r)
		}
		if err := db.commit(d, next); err != nil {
			return err
		}
		documentsWritten(d.name).Add(len(recs))
		return nil
	})
}

// Remove deletes the documents matching the identifiers of docs and returns
// them. Every identifier must be present.
func (db *DB) Remove(name string, docs ...json.RawMessage) ([]json.RawMessage, error) {
	d, err := db.descriptor(name)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := d.idFromDocument(doc)
		if err != nil {
			return nil, collectionErr(name, err)
		}
		ids = append(ids, id)
	}
	return db.RemoveByID(name, ids...)
}

// RemoveByID deletes documents by identifier and returns them. Every
// identifier must be present.
func (db *DB) RemoveByID(name string, ids ...string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var removed []json.RawMessage
	err := db.write(name, func(d *descriptor, snap *snapshot) error {
		var recs []*record
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			r, ok := snap.get(id)
			if !ok {
				return fmt.Errorf("%w: id %s", ErrDocumentNotFound, id)
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			recs = append(recs, r)
		}
		out, err := db.removeRecords(d, snap, recs)
		removed = out
		return err
	})
	return removed, err
}

// FindAndRemove deletes the documents matching query and returns them.
func (db *DB) FindAndRemove(name, query string) ([]json.RawMessage, error) {
	var removed []json.RawMessage
	err := db.write(name, func(d *descriptor, snap *snapshot) error {
		match, err := db.compile(query)
		if err != nil {
			return err
		}
		var recs []*record
		for r := range snap.all() {
			if match(r.fields) {
				recs = append(recs, r)
			}
		}
		if len(recs) == 0 {
			return nil
		}
		removed, err = db.removeRecords(d, snap, recs)
		return err
	})
	return removed, err
}

// Find returns the documents matching query in collection order.
func (db *DB) Find(name, query string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := db.read(name, func(d *descriptor, snap *snapshot) error {
		match, err := db.compile(query)
		if err != nil {
			return err
		}
		for r := range snap.all() {
			if !match(r.fields) {
				continue
			}
			doc, err := d.plaintext(r)
			if err != nil {
				return err
			}
			out = append(out, doc)
		}
		return nil
	})
	return out, err
}

// FindAll returns every document in collection order.
func (db *DB) FindAll(name string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := db.read(name, func(d *descriptor, snap *snapshot) error {
		out = make([]json.RawMessage, 0, snap.len())
		for r := range snap.all() {
			doc, err := d.plaintext(r)
			if err != nil {
				return err
			}
			out = append(out, doc)
		}
		return nil
	})
	return out, err
}

// FindOne returns the first document matching query, or nil.
func (db *DB) FindOne(name, query string) (json.RawMessage, error) {
	var out json.RawMessage
	err := db.read(name, func(d *descriptor, snap *snapshot) error {
		match, err := db.compile(query)
		if err != nil {
			return err
		}
		for r := range snap.all() {
			if match(r.fields) {
				out, err = d.plaintext(r)
				return err
			}
		}
		return nil
	})
	return out, err
}

// FindByID returns the document with the given identifier, or nil.
func (db *DB) FindByID(name, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := db.read(name, func(d *descriptor, snap *snapshot) error {
		r, ok := snap.get(id)
		if !ok {
			return nil
		}
		var err error
		out, err = d.plaintext(r)
		return err
	})
	return out, err
}

// Count returns the number of documents in a collection.
func (db *DB) Count(name string) (int, error) {
	n := 0
	err := db.read(name, func(_ *descriptor, snap *snapshot) error {
		n = snap.len()
		return nil
	})
	return n, err
}

// FindAndModify applies u to the first document matching query and returns
// the modified document, or nil when nothing matches.
func (db *DB) FindAndModify(name, query string, u *Update) (json.RawMessage, error) {
	out, err := db.modify(name, query, u, true)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// FindAllAndModify applies u to every document matching query and returns the
// modified documents in ascending identifier order.
func (db *DB) FindAllAndModify(name, query string, u *Update) ([]json.RawMessage, error) {
	return db.modify(name, query, u, false)
}

func (db *DB) modify(name, query string, u *Update, firstOnly bool) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := db.write(name, func(d *descriptor, snap *snapshot) error {
		if u.Len() == 0 {
			return ErrEmptyUpdate
		}
		if _, ok := u.fields.Get(d.idField); ok {
			return ErrIDUpdate
		}
		match, err := db.compile(query)
		if err != nil {
			return err
		}
		var next *snapshot
		var ids []string
		var docs []json.RawMessage
		for r := range snap.all() {
			if !match(r.fields) {
				continue
			}
			rec, plain, err := d.apply(r, u)
			if err != nil {
				return err
			}
			if next == nil {
				next = snap.clone()
			}
			next.put(rec)
			ids = append(ids, r.id)
			docs = append(docs, plain)
			if firstOnly {
				break
			}
		}
		if next == nil {
			return nil
		}
		if err := db.commit(d, next); err != nil {
			return err
		}
		documentsWritten(d.name).Add(len(docs))
		out = sortByID(ids, docs)
		return nil
	})
	return out, err
}

// sortByID returns docs ordered by ascending identifier.
func sortByID(ids []string, docs []json.RawMessage) []json.RawMessage {
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return strings.Compare(ids[a], ids[b])
	})
	out := make([]json.RawMessage, len(docs))
	for i, j := range order {
		out[i] = docs[j]
	}
	return out
}

// apply assigns the fields of u to the document of r. It returns the new
// stored record and the plaintext document.
func (d *descriptor) apply(r *record, u *Update) (*record, json.RawMessage, error) {
	obj, err := decodeObject(r.line)
	if err != nil {
		return nil, nil, err
	}
	if err := d.decrypt(obj); err != nil {
		return nil, nil, err
	}
	for pair := u.fields.Oldest(); pair != nil; pair = pair.Next() {
		if err := setValue(obj, pair.Key, pair.Value); err != nil {
			return nil, nil, err
		}
	}
	plain, err := encodeObject(obj)
	if err != nil {
		return nil, nil, err
	}
	if err := d.encrypt(obj); err != nil {
		return nil, nil, err
	}
	line, err := encodeObject(obj)
	if err != nil {
		return nil, nil, err
	}
	rec, err := newRecord(r.id, line)
	if err != nil {
		return nil, nil, err
	}
	return rec, plain, nil
}

func (db *DB) compile(query string) (func(map[string]any) bool, error) {
	if query == "" {
		return func(map[string]any) bool { return true }, nil
	}
	match, err := db.opts.Evaluator.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid query %q: %v", ErrUsage, query, err)
	}
	return match, nil
}

// prepareAll converts a batch of caller documents to stored records and
// rejects identifiers repeated within the batch.
func (db *DB) prepareAll(d *descriptor, docs []json.RawMessage) ([]*record, error) {
	recs := make([]*record, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		r, err := d.prepare(doc, db.opts.NewID)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.id]; dup {
			return nil, fmt.Errorf("%w: id %s repeated in batch", ErrDuplicateID, r.id)
		}
		seen[r.id] = struct{}{}
		recs = append(recs, r)
	}
	return recs, nil
}

// appendRecords appends recs to the collection file and publishes the new
// snapshot.
func (db *DB) appendRecords(d *descriptor, snap *snapshot, recs []*record) error {
	sink, err := openForAppend(d.path, d.lockPath, &db.opts)
	if err != nil {
		return err
	}
	lines := make([][]byte, len(recs))
	for i, r := range recs {
		lines[i] = r.line
	}
	if err := sink.Append(lines...); err != nil {
		return errors.Join(err, sink.Close())
	}
	if err := sink.Close(); err != nil {
		slog.Warn("jsondb: failed to close collection file", "collection", d.name, "err", err)
	}
	next := snap.clone()
	for _, r := range recs {
		next.put(r)
	}
	d.snap.Store(next)
	documentsWritten(d.name).Add(len(recs))
	return nil
}

// removeRecords rewrites the collection without recs and returns their
// plaintext.
func (db *DB) removeRecords(d *descriptor, snap *snapshot, recs []*record) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(recs))
	next := snap.clone()
	for _, r := range recs {
		doc, err := d.plaintext(r)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
		next.remove(r.id)
	}
	if err := db.commit(d, next); err != nil {
		return nil, err
	}
	documentsRemoved(d.name).Add(len(recs))
	return out, nil
}

// commit rewrites the collection file from next and publishes it.
func (db *DB) commit(d *descriptor, next *snapshot) error {
	if err := rewriteFile(d.path, d.lockPath, &db.opts, next.lines(d.actualVersion)); err != nil {
		return err
	}
	d.snap.Store(next)
	return nil
}
