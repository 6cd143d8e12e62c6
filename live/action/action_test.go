package action

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/live/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todoSchemas() *entity.Registry {
	r := entity.NewRegistry()
	r.Register(&entity.Schema{Name: "todo", Fields: map[string]entity.Field{
		"title": {Kind: entity.KindString, Required: true},
		"done":  {Kind: entity.KindBool},
	}})
	return r
}

func noop(context.Context, *Call) (Result, error) { return Scalar{}, nil }

func raw(t *testing.T, vs ...any) []json.RawMessage {
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestRegisterRejectsInvalidDescriptors(t *testing.T) {
	r := NewRegistry(todoSchemas())

	cases := map[string]Descriptor{
		"no controller":     {Action: "a", Result: ResultScalar},
		"unknown result":    {Controller: "c", Action: "a", Result: "blob"},
		"entity no name":    {Controller: "c", Action: "a", Result: ResultEntity},
		"unknown entity":    {Controller: "c", Action: "a", Result: ResultScalar, Params: []Param{{Kind: ParamEntity, EntityName: "user"}}},
		"optional first":    {Controller: "c", Action: "a", Result: ResultScalar, Params: []Param{{Kind: ParamString, Optional: true}, {Kind: ParamString}}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, r.Register(d, noop))
		})
	}

	d := Descriptor{Controller: "todo", Action: "list", Result: ResultCollection, EntityName: "todo"}
	require.NoError(t, r.Register(d, noop))
	assert.Error(t, r.Register(d, noop), "duplicate")
	assert.Panics(t, func() { r.MustRegister(d, noop) })
}

func TestLookupAndDescriptors(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(Descriptor{Controller: "b", Action: "x", Result: ResultScalar}, noop)
	r.MustRegister(Descriptor{Controller: "a", Action: "y", Result: ResultStream}, noop)

	d, h, ok := r.Lookup("a", "y")
	require.True(t, ok)
	assert.NotNil(t, h)
	assert.Equal(t, ResultStream, d.Result)

	_, _, ok = r.Lookup("a", "x")
	assert.False(t, ok)

	names := []string{}
	for _, d := range r.Descriptors() {
		names = append(names, d.Name())
	}
	assert.Equal(t, []string{"a.y", "b.x"}, names)
}

func TestDecodeArgs(t *testing.T) {
	r := NewRegistry(todoSchemas())
	d := Descriptor{
		Controller: "todo",
		Action:     "create",
		Result:     ResultEntity,
		EntityName: "todo",
		Params: []Param{
			{Name: "list", Kind: ParamString},
			{Name: "item", Kind: ParamEntity, EntityName: "todo", Partial: true},
			{Name: "position", Kind: ParamNumber, Optional: true},
		},
	}
	r.MustRegister(d, noop)

	args, err := r.DecodeArgs(d, raw(t, "home", map[string]any{"title": "milk"}))
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, "home", args[0])
	doc, ok := args[1].(entity.Document)
	require.True(t, ok)
	assert.Equal(t, "milk", doc["title"])

	_, err = r.DecodeArgs(d, raw(t, "home", map[string]any{"title": 5}))
	var perr *proto.ValidationParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 1, perr.Index)
	require.Len(t, perr.Errors, 1)
	assert.Equal(t, "item.title", perr.Errors[0].Path)
	assert.Equal(t, "invalid_type", perr.Errors[0].Code)

	_, err = r.DecodeArgs(d, raw(t, 3, map[string]any{}))
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 0, perr.Index)

	_, err = r.DecodeArgs(d, raw(t))
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "required", perr.Errors[0].Code)

	_, err = r.DecodeArgs(d, raw(t, "home", map[string]any{}, 1, 2))
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "too_many", perr.Errors[0].Code)

	_, err = r.DecodeArgs(d, []json.RawMessage{json.RawMessage(`"home`)})
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "invalid_json", perr.Errors[0].Code)
}

func TestFullEntityParamNeedsRequiredFields(t *testing.T) {
	schemas := todoSchemas()
	d := Descriptor{Controller: "todo", Action: "put", Result: ResultScalar, Params: []Param{{Name: "item", Kind: ParamEntity, EntityName: "todo"}}}

	err := ValidateArgs(d, []any{map[string]any{"title": "milk"}}, schemas)
	var perr *proto.ValidationParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "item.id", perr.Errors[0].Path)

	assert.NoError(t, ValidateArgs(d, []any{map[string]any{"id": "t1", "title": "milk"}}, schemas))
}

func TestCheckResult(t *testing.T) {
	d := Descriptor{Controller: "c", Action: "a", Result: ResultStream}
	assert.Error(t, CheckResult(d, nil))
	assert.Error(t, CheckResult(d, Scalar{Value: 1}))
	assert.NoError(t, CheckResult(d, NewStream(subject.NewStream(0, nil))))
}

func TestStreamAdapter(t *testing.T) {
	closed := false
	s := subject.NewStream("a", func() { closed = true })
	s.SetAppender(subject.ConcatString)
	res := NewStream(s)

	var got []any
	unsubscribe := res.Source.SubscribeAny(subject.Observer[any]{
		Next:   func(v any) { got = append(got, v) },
		Append: func(v any) { got = append(got, "+"+v.(string)) },
	})
	s.Append("b")
	unsubscribe()
	s.Append("c")

	assert.Equal(t, []any{"a", "+b"}, got)
	assert.Equal(t, "abc", s.Value())

	res.Source.Close()
	assert.True(t, closed)
}
