package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Match reports whether rec satisfies the kind and attribute filters of q.
func Match(rec Record, q Query) bool {
	if q.Kind != "" && rec.Kind != q.Kind {
		return false
	}
	for k, v := range q.Where {
		if rec.Attrs[k] != v {
			return false
		}
	}
	return true
}

// Apply filters, orders and truncates recs according to q. Backends that
// cannot express a query natively use it on the candidate set.
func Apply(recs []Record, q Query) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if Match(r, q) {
			out = append(out, r)
		}
	}
	Sort(out, q.OrderBy, q.Desc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Sort orders recs by the attribute named orderBy, breaking ties on the key.
func Sort(recs []Record, orderBy string, desc bool) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		var less, equal bool
		switch orderBy {
		case "":
			less, equal = a.Key < b.Key, a.Key == b.Key
		case "updated_at":
			less, equal = a.UpdatedAt.Before(b.UpdatedAt), a.UpdatedAt.Equal(b.UpdatedAt)
		default:
			av, bv := a.Attrs[orderBy], b.Attrs[orderBy]
			less, equal = av < bv, av == bv
		}
		if equal {
			return a.Key < b.Key
		}
		if desc {
			return !less
		}
		return less
	})
}

// Encode marshals v as a record value.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// Decode unmarshals the record value into v.
func Decode(rec Record, v any) error {
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return fmt.Errorf("decode %s: %w", rec.Key, err)
	}
	return nil
}

// Clone returns a deep copy of rec so callers cannot alias backend state.
func Clone(rec Record) Record {
	out := rec
	if rec.Attrs != nil {
		out.Attrs = make(map[string]string, len(rec.Attrs))
		for k, v := range rec.Attrs {
			out.Attrs[k] = v
		}
	}
	if rec.Value != nil {
		out.Value = append([]byte(nil), rec.Value...)
	}
	return out
}
