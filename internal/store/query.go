package store

import (
	"fmt"
	"sort"
	"strconv"
)

// Match reports whether src satisfies every term.
func Match(src map[string]any, terms map[string][]any) bool {
	for field, values := range terms {
		v, ok := src[field]
		if !ok {
			return false
		}
		if !matchAny(v, values) {
			return false
		}
	}
	return true
}

func matchAny(v any, values []any) bool {
	switch vv := v.(type) {
	case []any:
		for _, e := range vv {
			if matchAny(e, values) {
				return true
			}
		}
		return false
	case []string:
		for _, e := range vv {
			if matchAny(e, values) {
				return true
			}
		}
		return false
	}
	key := termKey(v)
	for _, want := range values {
		if termKey(want) == key {
			return true
		}
	}
	return false
}

func termKey(v any) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Sort orders docs by field. Numeric fields compare numerically.
func Sort(docs []*Document, field string, desc bool) {
	if field == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := docs[i].Source[field]
		b, bok := docs[j].Source[field]
		if !aok || !bok {
			return aok && !bok
		}
		c := compare(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compare(a, b any) int {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

// Project keeps only the included fields of src.
func Project(src map[string]any, includes []string) map[string]any {
	if len(includes) == 0 {
		return src
	}
	out := make(map[string]any, len(includes))
	for _, f := range includes {
		if v, ok := src[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Run applies terms, sort, projection and size to docs.
func Run(docs []*Document, q Query) []*Document {
	matched := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if Match(d.Source, q.Terms) {
			matched = append(matched, d)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	Sort(matched, q.SortField, q.SortDesc)
	if q.Size > 0 && len(matched) > q.Size {
		matched = matched[:q.Size]
	}
	for _, d := range matched {
		d.Source = Project(d.Source, q.Includes)
	}
	return matched
}

// Terms builds a term list from typed values.
func Terms[T any](values ...T) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
