package store

import "context"

// GetAs loads key and decodes its value into a T.
func GetAs[T any](ctx context.Context, s Store, key string) (T, Record, error) {
	var v T
	rec, err := s.Get(ctx, key)
	if err != nil {
		return v, rec, err
	}
	if err := Decode(rec, &v); err != nil {
		return v, rec, err
	}
	return v, rec, nil
}

// PutAs encodes v and writes it under key with compare-and-swap.
func PutAs[T any](ctx context.Context, s Store, key, kind string, attrs map[string]string, v T, expectedVersion int64) (Record, error) {
	val, err := Encode(v)
	if err != nil {
		return Record{}, err
	}
	return s.Put(ctx, Record{Key: key, Kind: kind, Attrs: attrs, Value: val}, expectedVersion)
}

// QueryAs runs q and decodes each value into a T.
func QueryAs[T any](ctx context.Context, s Store, q Query) ([]T, error) {
	recs, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := Decode(rec, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
