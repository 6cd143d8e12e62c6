package query

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/ValentinKolb/dSync/lib/entity"
)

// Filter is a document filter in the usual mongo notation:
//
//	{"done": false, "priority": {"$gte": 2}, "$or": [{"owner": {"$parameter": "user"}}, {"shared": true}]}
//
// Supported operators: $eq $ne $gt $gte $lt $lte $in $nin $exists $regex
// ($options) $not $size $all $and $or $nor. {"$parameter": name} is replaced
// by the value of the named parameter when the filter is compiled.
type Filter map[string]any

// Predicate is a compiled Filter
type Predicate struct {
	match func(entity.Document) bool
}

// Match reports whether doc satisfies the filter
func (p *Predicate) Match(doc entity.Document) bool {
	if p == nil || p.match == nil {
		return true
	}
	return p.match(doc)
}

// Compile validates f and resolves its parameters
func Compile(f Filter, params map[string]any) (*Predicate, error) {
	m, err := compileDoc(map[string]any(f), params)
	if err != nil {
		return nil, err
	}
	return &Predicate{match: m}, nil
}

// MustCompile is like Compile but panics on an invalid filter
func MustCompile(f Filter, params map[string]any) *Predicate {
	p, err := Compile(f, params)
	if err != nil {
		panic(err)
	}
	return p
}

// Fields returns every document path the filter reads, sorted
func Fields(f Filter) []string {
	seen := map[string]struct{}{}
	collectFields(map[string]any(f), seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasParameters reports whether the filter references a $parameter
func HasParameters(f Filter) bool {
	return hasParameter(map[string]any(f))
}

// --------------------------------------------------------------------------
// Compilation
// --------------------------------------------------------------------------

type matcher func(entity.Document) bool

type valueMatcher func(v any, present bool) bool

func compileDoc(f map[string]any, params map[string]any) (matcher, error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	matchers := make([]matcher, 0, len(f))
	for _, key := range keys {
		val := f[key]
		switch key {
		case "$and", "$or", "$nor":
			list, ok := toList(val)
			if !ok {
				return nil, fmt.Errorf("%s expects an array", key)
			}
			subs := make([]matcher, 0, len(list))
			for _, item := range list {
				sub, ok := asFilterMap(item)
				if !ok {
					return nil, fmt.Errorf("%s expects an array of objects", key)
				}
				m, err := compileDoc(sub, params)
				if err != nil {
					return nil, err
				}
				subs = append(subs, m)
			}
			matchers = append(matchers, logical(key, subs))
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("unknown top level operator %s", key)
			}
			vm, err := compileValue(val, params)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			path := key
			matchers = append(matchers, func(doc entity.Document) bool {
				v, ok := doc.Get(path)
				return vm(v, ok)
			})
		}
	}

	return func(doc entity.Document) bool {
		for _, m := range matchers {
			if !m(doc) {
				return false
			}
		}
		return true
	}, nil
}

func logical(op string, subs []matcher) matcher {
	return func(doc entity.Document) bool {
		switch op {
		case "$and":
			for _, m := range subs {
				if !m(doc) {
					return false
				}
			}
			return true
		case "$or":
			for _, m := range subs {
				if m(doc) {
					return true
				}
			}
			return false
		default: // $nor
			for _, m := range subs {
				if m(doc) {
					return false
				}
			}
			return true
		}
	}
}

// compileValue compiles the right hand side of a field condition
func compileValue(val any, params map[string]any) (valueMatcher, error) {
	ops, isOps := asFilterMap(val)
	if !isOps || !isOperatorMap(ops) {
		want := resolve(val, params)
		return func(v any, present bool) bool {
			return present && equalOrContains(v, want)
		}, nil
	}

	if name, ok := ops["$parameter"]; ok && len(ops) == 1 {
		want := lookupParam(name, params)
		return func(v any, present bool) bool {
			return present && equalOrContains(v, want)
		}, nil
	}

	var regexOptions string
	if o, ok := ops["$options"].(string); ok {
		regexOptions = o
	}

	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	matchers := make([]valueMatcher, 0, len(ops))
	for _, op := range names {
		arg := resolve(ops[op], params)
		var vm valueMatcher
		switch op {
		case "$eq":
			vm = func(v any, present bool) bool { return present && equalOrContains(v, arg) }
		case "$ne":
			vm = func(v any, present bool) bool { return !present || !equalOrContains(v, arg) }
		case "$gt", "$gte", "$lt", "$lte":
			cmpOp := op
			vm = func(v any, present bool) bool {
				if !present {
					return false
				}
				c, ok := compareOrdered(v, arg)
				if !ok {
					return false
				}
				switch cmpOp {
				case "$gt":
					return c > 0
				case "$gte":
					return c >= 0
				case "$lt":
					return c < 0
				default:
					return c <= 0
				}
			}
		case "$in", "$nin":
			list, ok := toList(arg)
			if !ok {
				return nil, fmt.Errorf("%s expects an array", op)
			}
			in := op == "$in"
			vm = func(v any, present bool) bool {
				found := false
				if present {
					for _, candidate := range list {
						if equalOrContains(v, candidate) {
							found = true
							break
						}
					}
				}
				return found == in
			}
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists expects a boolean")
			}
			vm = func(_ any, present bool) bool { return present == want }
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("$regex expects a string")
			}
			re, err := compileRegex(pattern, regexOptions)
			if err != nil {
				return nil, err
			}
			vm = func(v any, present bool) bool {
				s, ok := v.(string)
				return present && ok && re.MatchString(s)
			}
		case "$options":
			continue
		case "$not":
			inner, err := compileValue(ops[op], params)
			if err != nil {
				return nil, err
			}
			vm = func(v any, present bool) bool { return !inner(v, present) }
		case "$size":
			n, ok := toFloat(arg)
			if !ok {
				return nil, fmt.Errorf("$size expects a number")
			}
			vm = func(v any, present bool) bool {
				list, ok := toList(v)
				return present && ok && float64(len(list)) == n
			}
		case "$all":
			want, ok := toList(arg)
			if !ok {
				return nil, fmt.Errorf("$all expects an array")
			}
			vm = func(v any, present bool) bool {
				list, ok := toList(v)
				if !present || !ok {
					return false
				}
				for _, w := range want {
					if !containsValue(list, w) {
						return false
					}
				}
				return true
			}
		default:
			return nil, fmt.Errorf("unknown operator %s", op)
		}
		matchers = append(matchers, vm)
	}

	return func(v any, present bool) bool {
		for _, m := range matchers {
			if !m(v, present) {
				return false
			}
		}
		return true
	}, nil
}

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	flags := ""
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid $regex: %w", err)
	}
	return re, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func asFilterMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Filter:
		return m, true
	case entity.Document:
		return m, true
	default:
		return nil, false
	}
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// resolve replaces {"$parameter": name} by the parameter value
func resolve(v any, params map[string]any) any {
	if m, ok := asFilterMap(v); ok && len(m) == 1 {
		if name, ok := m["$parameter"]; ok {
			return lookupParam(name, params)
		}
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = resolve(item, params)
		}
		return out
	}
	return v
}

func lookupParam(name any, params map[string]any) any {
	key, _ := name.(string)
	return params[key]
}

func collectFields(f map[string]any, seen map[string]struct{}) {
	for k, v := range f {
		switch k {
		case "$and", "$or", "$nor":
			list, _ := toList(v)
			for _, item := range list {
				if sub, ok := asFilterMap(item); ok {
					collectFields(sub, seen)
				}
			}
		default:
			if !strings.HasPrefix(k, "$") {
				seen[k] = struct{}{}
			}
		}
	}
}

func hasParameter(v any) bool {
	if m, ok := asFilterMap(v); ok {
		for k, val := range m {
			if k == "$parameter" || hasParameter(val) {
				return true
			}
		}
		return false
	}
	if list, ok := toList(v); ok {
		for _, item := range list {
			if hasParameter(item) {
				return true
			}
		}
	}
	return false
}

// equalOrContains is field equality with the mongo rule that an array field
// matches if any element equals the wanted value
func equalOrContains(v, want any) bool {
	if equal(v, want) {
		return true
	}
	if list, ok := toList(v); ok {
		if _, wantList := toList(want); !wantList {
			return containsValue(list, want)
		}
	}
	return false
}

func containsValue(list []any, want any) bool {
	for _, item := range list {
		if equal(item, want) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []Filter:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
