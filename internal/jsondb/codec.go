package jsondb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// object is a JSON object that keeps its key order.
type object = orderedmap.OrderedMap[string, json.RawMessage]

// header is line 1 of every collection file.
type header struct {
	SchemaVersion string `json:"schemaVersion"`
}

var (
	errMissingHeader = errors.New("missing schemaVersion header")
	errNotObject     = errors.New("not a JSON object")
	errMissingID     = errors.New("missing document id")
)

func encodeHeader(version string) []byte {
	data, _ := json.Marshal(header{SchemaVersion: version})
	return data
}

func decodeHeader(line []byte) (string, error) {
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return "", err
	}
	if h.SchemaVersion == "" {
		return "", errMissingHeader
	}
	return h.SchemaVersion, nil
}

// decodeObject parses one document line.
func decodeObject(line []byte) (*object, error) {
	trimmed := bytes.TrimSpace(line)
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid JSON")
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}
	obj := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(trimmed, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func encodeObject(obj *object) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// decodeFields decodes a document line into the generic form used by queries.
func decodeFields(line []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// idOf returns the string form of the identifier stored in field.
//
// String identifiers are returned unquoted, numbers as their literal.
func idOf(obj *object, field string) (string, bool) {
	raw, ok := obj.Get(field)
	if !ok {
		return "", false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw), true
	default:
		return "", false
	}
}

// setID stores id as a JSON string in field, keeping the key position if the
// field already exists.
func setID(obj *object, field, id string) {
	data, _ := json.Marshal(id)
	obj.Set(field, data)
}

// setValue stores v in field, keeping the key position if present.
func setValue(obj *object, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode field %q: %w", field, err)
	}
	obj.Set(field, data)
	return nil
}

// renameKey renames from to to keeping the value and the key position.
func renameKey(obj *object, from, to string) *object {
	if _, ok := obj.Get(from); !ok || from == to {
		return obj
	}
	out := orderedmap.New[string, json.RawMessage](obj.Len())
	for pair := obj.Oldest(); pair != nil; pair = pair.Next() {
		switch pair.Key {
		case from:
			out.Set(to, pair.Value)
		case to:
			// Overwritten by the renamed field.
		default:
			out.Set(pair.Key, pair.Value)
		}
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
