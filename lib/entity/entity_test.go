package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentPaths(t *testing.T) {
	d := Document{"id": "a", "version": 3}

	d.Set("address.city", "Ulm")
	v, ok := d.Get("address.city")
	require.True(t, ok)
	assert.Equal(t, "Ulm", v)

	_, ok = d.Get("address.zip")
	assert.False(t, ok)
	_, ok = d.Get("id.deeper")
	assert.False(t, ok)

	d.Delete("address.city")
	_, ok = d.Get("address.city")
	assert.False(t, ok)

	assert.Equal(t, "a", d.ID())
	assert.Equal(t, int64(3), d.Version())
	d.SetVersion(4)
	assert.Equal(t, int64(4), d.Version())
}

func TestDocumentVersionFromJSONNumber(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"type":"update","id":"a","version":7,"item":{"id":"a","version":7}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.Version)
	assert.Equal(t, int64(7), e.Item.Version())
}

func TestCloneIsDeep(t *testing.T) {
	d := Document{"id": "a", "nested": map[string]any{"x": 1}, "list": []any{"a"}}
	c := d.Clone()
	c.Set("nested.x", 2)
	c["list"].([]any)[0] = "b"

	v, _ := d.Get("nested.x")
	assert.Equal(t, 1, v)
	assert.Equal(t, "a", d["list"].([]any)[0])
}

func TestApplyPatch(t *testing.T) {
	d := Document{"id": "a", "version": 1, "title": "old", "meta": map[string]any{"a": 1, "b": 2}}
	ApplyPatch(d, map[string]any{
		"title":  "new",
		"meta.b": nil,
		"meta.c": 3,
		"x":      5,
	})

	assert.Equal(t, "new", d["title"])
	assert.Equal(t, 5, d["x"])
	assert.Equal(t, map[string]any{"a": 1, "c": 3}, d["meta"])
}

func TestPatchedFields(t *testing.T) {
	fields := PatchedFields(map[string]any{"a.b": 1, "a.c": 2, "d": 3})
	assert.Equal(t, []string{"a", "d"}, fields)
}

func TestNewPatchEvent(t *testing.T) {
	d := Document{"id": "a", "version": int64(2), "title": "y", "done": true, "body": "long"}
	e := NewPatchEvent(d, map[string]any{"title": "y"}, []string{"done"})

	assert.Equal(t, EventPatch, e.Type)
	assert.Equal(t, "a", e.ID)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, Document{"id": "a", "version": int64(2), "title": "y", "done": true}, e.Item)
	assert.Equal(t, map[string]any{"title": "y"}, e.Patch)
}

func TestEventRoundTrip(t *testing.T) {
	in := &Event{Type: EventRemoveMany, IDs: []string{"a", "b"}}
	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeEventErrors(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"explode"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestSchemaValidate(t *testing.T) {
	s := &Schema{Name: "todo", Fields: map[string]Field{
		"title": {Kind: KindString, Required: true},
		"done":  {Kind: KindBool},
		"extra": {Kind: KindAny},
	}}

	assert.Empty(t, s.Validate(Document{"id": "a", "title": "t", "done": false, "extra": 1}, false))

	errs := s.Validate(Document{"done": "yes"}, false)
	require.Len(t, errs, 3)
	assert.Equal(t, "id", errs[0].Path)
	assert.Equal(t, "done", errs[1].Path)
	assert.Equal(t, "invalid_type", errs[1].Code)
	assert.Equal(t, "title", errs[2].Path)
	assert.Equal(t, "required", errs[2].Code)

	// partial documents only type check what is present
	errs = s.Validate(Document{"done": "yes"}, true)
	require.Len(t, errs, 1)
	assert.Equal(t, "done", errs[0].Path)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&Schema{Name: "b"})
	r.Register(&Schema{Name: "a"})

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("c")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}
