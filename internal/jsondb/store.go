package jsondb

import (
	"bytes"
	"fmt"
	"iter"
	"log/slog"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// record is one document in stored form.
type record struct {
	id string
	// line is the encoded document exactly as written to the file.
	line []byte
	// fields is line decoded for query evaluation. Never mutated.
	fields map[string]any
}

// newRecord rejects lines the file reader could not read back.
func newRecord(id string, line []byte) (*record, error) {
	if len(line) > maxLineSize {
		return nil, fmt.Errorf("%w: document %s is %d bytes, limit is %d", ErrDocumentTooLarge, id, len(line), maxLineSize)
	}
	fields, err := decodeFields(line)
	if err != nil {
		return nil, err
	}
	return &record{id: id, line: line, fields: fields}, nil
}

// snapshot is an immutable, insertion-ordered view of a collection.
//
// A snapshot is never modified once published; mutations go through clone.
type snapshot struct {
	docs *orderedmap.OrderedMap[string, *record]
}

func newSnapshot() *snapshot {
	return &snapshot{docs: orderedmap.New[string, *record]()}
}

func (s *snapshot) clone() *snapshot {
	c := orderedmap.New[string, *record](s.docs.Len())
	for pair := s.docs.Oldest(); pair != nil; pair = pair.Next() {
		c.Set(pair.Key, pair.Value)
	}
	return &snapshot{docs: c}
}

func (s *snapshot) len() int {
	return s.docs.Len()
}

func (s *snapshot) get(id string) (*record, bool) {
	return s.docs.Get(id)
}

// all yields every record in insertion order.
func (s *snapshot) all() iter.Seq[*record] {
	return func(yield func(*record) bool) {
		for pair := s.docs.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Value) {
				return
			}
		}
	}
}

// put inserts or replaces r, keeping the position of a replaced record.
func (s *snapshot) put(r *record) {
	s.docs.Set(r.id, r)
}

func (s *snapshot) remove(id string) {
	s.docs.Delete(id)
}

// lines returns the file content for this snapshot under the given header
// version.
func (s *snapshot) lines(version string) [][]byte {
	out := make([][]byte, 0, s.docs.Len()+1)
	out = append(out, encodeHeader(version))
	for r := range s.all() {
		out = append(out, r.line)
	}
	return out
}

// loadSnapshot decodes a collection file.
//
// Any malformed line abandons the whole load; nothing is returned but the
// error.
//
// strict is passed through to the record type validation once the header
// shows the file is at or past the declared version; older files are decoded
// leniently so they can be evolved.
func loadSnapshot(d *descriptor, src *lineSource, strict bool, compare func(a, b string) int) (*snapshot, string, error) {
	snap := newSnapshot()
	version := ""
	sawHeader := false
	for n, line := range src.Lines() {
		if !sawHeader {
			v, err := decodeHeader(line)
			if err != nil {
				return nil, "", &DecodeError{Path: d.path, Line: n, Content: string(line), Err: err}
			}
			version = v
			sawHeader = true
			if compare(version, d.declaredVersion) < 0 {
				strict = false
			}
			continue
		}
		r, err := d.decodeLine(line, strict)
		if err != nil {
			return nil, "", &DecodeError{Path: d.path, Line: n, Content: string(line), Err: err}
		}
		if _, dup := snap.get(r.id); dup {
			slog.Debug("jsondb: duplicate id on disk, keeping last", "collection", d.name, "id", r.id, "line", n)
		}
		snap.put(r)
	}
	if err := src.Err(); err != nil {
		return nil, "", err
	}
	if !sawHeader {
		return nil, "", &DecodeError{Path: d.path, Line: 1, Err: errMissingHeader}
	}
	return snap, version, nil
}

// decodeLine turns a stored line into a record, validating it against the
// collection's record shape when one is registered.
func (d *descriptor) decodeLine(line []byte, strict bool) (*record, error) {
	obj, err := decodeObject(line)
	if err != nil {
		return nil, err
	}
	id, ok := idOf(obj, d.idField)
	if !ok {
		return nil, fmt.Errorf("%w %q", errMissingID, d.idField)
	}
	if d.validate != nil {
		if err := d.validate(line, strict); err != nil {
			return nil, err
		}
	}
	return newRecord(id, bytes.Clone(bytes.TrimSpace(line)))
}
