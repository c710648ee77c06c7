package remote

import (
	"encoding/json"
	"sort"
)

// Match reports whether data satisfies every filter.
func Match(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		if f.Op == OpArrayContains {
			if !arrayContains(v, f.Value) {
				return false
			}
			continue
		}
		c, ok := compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpLt:
			if c >= 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		case OpGt:
			if c <= 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, sorts, and limits docs the way a Query would on the server.
func Apply(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if Match(d.Data, q.Filters) {
			out = append(out, d)
		}
	}
	SortDocuments(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// SortDocuments orders docs by the given fields, falling back to document ID.
func SortDocuments(docs []Document, order []Order) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range order {
			c, ok := compare(docs[i].Data[o.Field], docs[j].Data[o.Field])
			if !ok || c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}

func compare(a, b any) (int, bool) {
	if af, ok := Number(a); ok {
		bf, ok := Number(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		}
		return 0, true
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		if ab == bb {
			return 0, true
		}
		if !ab {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func arrayContains(arr, v any) bool {
	switch xs := arr.(type) {
	case []string:
		for _, x := range xs {
			if c, ok := compare(x, v); ok && c == 0 {
				return true
			}
		}
	case []any:
		for _, x := range xs {
			if c, ok := compare(x, v); ok && c == 0 {
				return true
			}
		}
	}
	return false
}

// Number converts the numeric shapes documents carry (native ints, JSON
// float64, json.Number) to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
