package query

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/entity"
)

// SortField orders documents by one path
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Sort is a list of sort fields, the first one has the highest priority
type Sort []SortField

// ParseSort reads the "field:asc,other:desc" notation used on the command line
func ParseSort(s string) Sort {
	var out Sort
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		field, dir, _ := strings.Cut(part, ":")
		out = append(out, SortField{Field: field, Desc: strings.EqualFold(dir, "desc")})
	}
	return out
}

// Less compares two documents. Ties are broken by id so the order is total.
func (s Sort) Less(a, b entity.Document) bool {
	for _, f := range s {
		va, _ := a.Get(f.Field)
		vb, _ := b.Get(f.Field)
		c := compareAny(va, vb)
		if c == 0 {
			continue
		}
		if f.Desc {
			return c > 0
		}
		return c < 0
	}
	return a.ID() < b.ID()
}

// Apply sorts docs in place
func (s Sort) Apply(docs []entity.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return s.Less(docs[i], docs[j])
	})
}

// Page returns the documents of a page after sorting. page starts at 1, an
// itemsPerPage of 0 disables paging.
func Page(docs []entity.Document, page, itemsPerPage int) []entity.Document {
	if itemsPerPage <= 0 {
		return docs
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * itemsPerPage
	if start >= len(docs) {
		return []entity.Document{}
	}
	end := start + itemsPerPage
	if end > len(docs) {
		end = len(docs)
	}
	return docs[start:end]
}

// --------------------------------------------------------------------------
// Value comparison
// --------------------------------------------------------------------------

// compareOrdered compares values of the same kind. ok is false when the values
// can not be ordered against each other.
func compareOrdered(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return cmpFloat(fa, fb), true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	return 0, false
}

// compareAny is a total order for sorting: missing < bool < number < string < other
func compareAny(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	if c, ok := compareOrdered(a, b); ok {
		return c
	}
	if ba, ok := a.(bool); ok {
		bb := b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := v.(bool); ok {
		return 1
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
