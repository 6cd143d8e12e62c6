package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, r *Reply) *Reply {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	out := &Reply{}
	require.NoError(t, json.Unmarshal(data, out))
	return out
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{errors.New("boom"), KindDefault},
		{fmt.Errorf("todo: %w", ErrNotFound), KindNotFound},
		{ErrAccessDenied, KindAccessDenied},
		{ErrAuthentication, KindAuthentication},
		{fmt.Errorf("lock: %w", ErrLockTimeout), KindLockTimeout},
	}
	for _, c := range cases {
		reply := roundTrip(t, NewErrorReply(7, c.err, ""))
		assert.Equal(t, uint64(7), reply.ID)
		assert.Equal(t, TypeError, reply.Type)
		assert.Equal(t, c.kind, reply.Kind)

		decoded := DecodeError(reply)
		assert.Equal(t, c.err.Error(), decoded.Error())
		if c.kind != KindDefault {
			assert.True(t, errors.Is(decoded, &Error{Kind: c.kind}), c.kind)
		}
	}
}

func TestValidationErrorsKeepItems(t *testing.T) {
	perr := &ValidationParameterError{
		Controller: "todo",
		Action:     "add",
		Index:      0,
		Errors:     []ValidationErrorItem{{Path: "title", Message: "required", Code: "required"}},
	}
	reply := roundTrip(t, NewErrorReply(1, perr, "invalid"))
	assert.Equal(t, KindParameter, reply.Kind)
	assert.Equal(t, "invalid", reply.Code)

	var got *ValidationParameterError
	require.True(t, errors.As(DecodeError(reply), &got))
	assert.Equal(t, perr, got)

	verr := &ValidationError{Errors: []ValidationErrorItem{{Path: "a", Message: "bad", Code: "x"}}}
	var gotV *ValidationError
	require.True(t, errors.As(DecodeError(roundTrip(t, NewErrorReply(2, verr, ""))), &gotV))
	assert.Equal(t, "a: bad (x)", gotV.Error())
}

func TestEntityMessages(t *testing.T) {
	assert.Nil(t, NewEntityMessage("todo", &entity.Event{Type: entity.EventAdd, ID: "a"}))

	m := NewEntityMessage("todo", &entity.Event{Type: entity.EventPatch, ID: "a", Version: 2, Patch: map[string]any{"x": 5.0}})
	data, err := json.Marshal(m)
	require.NoError(t, err)

	typ, _, err := PeekType(data)
	require.NoError(t, err)
	assert.True(t, IsEntityMessage(typ))

	decoded := &EntityMessage{}
	require.NoError(t, json.Unmarshal(data, decoded))
	e, err := decoded.Event()
	require.NoError(t, err)
	assert.Equal(t, entity.EventPatch, e.Type)
	assert.Equal(t, "a", e.ID)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, 5.0, e.Patch["x"])

	many := NewEntityMessage("todo", &entity.Event{Type: entity.EventRemoveMany, IDs: []string{"a", "b"}})
	assert.Equal(t, TypeEntityRemoveMany, many.Type)
	assert.Empty(t, many.ID)
	assert.Equal(t, []string{"a", "b"}, many.IDs)
}

func TestCollectionNext(t *testing.T) {
	set := NewCollectionNext(collection.Event{Type: collection.EventSet}, 0)
	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"set","items":[]}`, string(data))

	assert.Nil(t, NewCollectionNext(collection.Event{Type: collection.EventChange, ID: "a"}, 0))

	next := NewCollectionNext(collection.Event{Type: collection.EventRemoveMany, IDs: []string{"a"}}, 0)
	e, ok := next.CollectionEvent()
	require.True(t, ok)
	assert.Equal(t, collection.EventRemoveMany, e.Type)
	assert.Equal(t, []string{"a"}, e.IDs)

	_, ok = (&CollectionNext{Type: CollectionPaginationType}).CollectionEvent()
	assert.False(t, ok)
}
