package entity

import (
	"encoding/json"
	"strings"
)

// Well known document keys
const (
	KeyID      = "id"
	KeyVersion = "version"
)

// Document is the plain representation of an entity instance. Every document
// carries a string "id" and an integer "version". Nested objects are
// map[string]any, which is what encoding/json produces.
type Document map[string]any

// ID returns the id of the document or "" if it has none
func (d Document) ID() string {
	id, _ := d[KeyID].(string)
	return id
}

// Version returns the version of the document, 0 if it has none
func (d Document) Version() int64 {
	return toInt64(d[KeyVersion])
}

// SetVersion overwrites the version of the document
func (d Document) SetVersion(v int64) {
	d[KeyVersion] = v
}

// Clone returns a deep copy of the document
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

// Get resolves a dot separated path like "address.city"
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at a dot separated path, creating intermediate objects
func (d Document) Set(path string, value any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Delete removes the value at a dot separated path
func (d Document) Delete(path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// Project returns a new document holding id, version and the given paths
func (d Document) Project(paths []string) Document {
	out := Document{KeyID: d[KeyID], KeyVersion: d[KeyVersion]}
	for _, p := range paths {
		if v, ok := d.Get(p); ok {
			out.Set(p, cloneValue(v))
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}

// toInt64 converts the numeric representations produced by encoding/json
// and by go code into an int64
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, _ := n.Float64()
			return int64(f)
		}
		return i
	default:
		return 0
	}
}
