package query

import (
	"testing"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	doc := entity.Document{
		"id":       "a",
		"version":  1,
		"title":    "Buy Milk",
		"done":     false,
		"priority": 3.0,
		"tags":     []any{"home", "shop"},
		"owner":    map[string]any{"name": "peter"},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"equal", Filter{"done": false}, true},
		{"not equal", Filter{"done": true}, false},
		{"int vs float", Filter{"priority": 3}, true},
		{"nested path", Filter{"owner.name": "peter"}, true},
		{"missing field", Filter{"missing": "x"}, false},
		{"array contains", Filter{"tags": "shop"}, true},
		{"gt", Filter{"priority": map[string]any{"$gt": 2}}, true},
		{"lte", Filter{"priority": map[string]any{"$lte": 2}}, false},
		{"range", Filter{"priority": map[string]any{"$gte": 3, "$lt": 4}}, true},
		{"ne", Filter{"title": map[string]any{"$ne": "x"}}, true},
		{"ne missing", Filter{"missing": map[string]any{"$ne": "x"}}, true},
		{"in", Filter{"title": map[string]any{"$in": []any{"a", "Buy Milk"}}}, true},
		{"nin", Filter{"title": map[string]any{"$nin": []any{"Buy Milk"}}}, false},
		{"exists", Filter{"missing": map[string]any{"$exists": false}}, true},
		{"regex", Filter{"title": map[string]any{"$regex": "^buy", "$options": "i"}}, true},
		{"regex case", Filter{"title": map[string]any{"$regex": "^buy"}}, false},
		{"not", Filter{"priority": map[string]any{"$not": map[string]any{"$gt": 5}}}, true},
		{"size", Filter{"tags": map[string]any{"$size": 2}}, true},
		{"all", Filter{"tags": map[string]any{"$all": []any{"home", "shop"}}}, true},
		{"all missing", Filter{"tags": map[string]any{"$all": []any{"home", "work"}}}, false},
		{"or", Filter{"$or": []any{map[string]any{"done": true}, map[string]any{"priority": 3}}}, true},
		{"and", Filter{"$and": []any{map[string]any{"done": false}, map[string]any{"priority": 4}}}, false},
		{"nor", Filter{"$nor": []any{map[string]any{"done": true}}}, true},
		{"typed or", Filter{"$or": []Filter{{"done": true}, {"title": "Buy Milk"}}}, true},
		{"string vs number", Filter{"title": map[string]any{"$gt": 3}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Compile(tc.filter, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Match(doc))
		})
	}
}

func TestParameters(t *testing.T) {
	f := Filter{"owner": map[string]any{"$parameter": "user"}, "done": false}
	assert.True(t, HasParameters(f))
	assert.False(t, HasParameters(Filter{"done": false}))

	doc := entity.Document{"id": "a", "owner": "peter", "done": false}
	assert.True(t, MustCompile(f, map[string]any{"user": "peter"}).Match(doc))
	assert.False(t, MustCompile(f, map[string]any{"user": "paul"}).Match(doc))

	in := Filter{"owner": map[string]any{"$in": []any{map[string]any{"$parameter": "user"}}}}
	assert.True(t, HasParameters(in))
	assert.True(t, MustCompile(in, map[string]any{"user": "peter"}).Match(doc))
}

func TestCompileErrors(t *testing.T) {
	bad := []Filter{
		{"$xor": []any{}},
		{"a": map[string]any{"$unknown": 1}},
		{"a": map[string]any{"$in": 1}},
		{"a": map[string]any{"$exists": "yes"}},
		{"a": map[string]any{"$regex": "("}},
		{"$or": "x"},
	}
	for _, f := range bad {
		_, err := Compile(f, nil)
		assert.Error(t, err, "%v", f)
	}
}

func TestFields(t *testing.T) {
	f := Filter{
		"done": false,
		"$or":  []any{map[string]any{"owner.name": "x"}, map[string]any{"priority": map[string]any{"$gt": 1}}},
	}
	assert.Equal(t, []string{"done", "owner.name", "priority"}, Fields(f))
}

func TestSortAndPage(t *testing.T) {
	docs := []entity.Document{
		{"id": "c", "prio": 1, "title": "x"},
		{"id": "a", "prio": 2, "title": "y"},
		{"id": "b", "prio": 1, "title": "z"},
		{"id": "d", "title": "w"},
	}

	ParseSort("prio:desc, title").Apply(docs)
	ids := func(ds []entity.Document) []string {
		out := make([]string, len(ds))
		for i, d := range ds {
			out[i] = d.ID()
		}
		return out
	}
	assert.Equal(t, []string{"a", "c", "b", "d"}, ids(docs))

	Sort{}.Apply(docs)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(docs))

	assert.Equal(t, []string{"c", "d"}, ids(Page(docs, 2, 2)))
	assert.Empty(t, Page(docs, 3, 2))
	assert.Len(t, Page(docs, 0, 0), 4)
}
