package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
)

// Direction orders query results.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// pageSize bounds how many rows a query holds the connection for at once.
const pageSize = 64

// Query selects records from a collection. Without Index the scan runs over
// the primary key. EqualTo, Prefix and the StartKey/EndKey range are
// mutually combinable; range bounds are inclusive.
type Query struct {
	Index     string
	EqualTo   any
	Prefix    any
	StartKey  any
	EndKey    any
	Direction Direction
	Limit     int
}

type bounds struct {
	lower, upper    []byte
	upperExclusive  bool
	lowerIsEquality bool
}

// Query returns a lazy sequence of records in key order. The sequence can be
// ranged over any number of times; each pass re-runs the query against the
// current contents. Records are fetched a page at a time, so the store may
// be written to while ranging.
func (s *Store) Query(ctx context.Context, collection string, q Query) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		_, def, err := s.handle(collection)
		if err != nil {
			yield(nil, opError("query", collection, err))
			return
		}
		if q.Index != "" {
			if _, ok := def.Index(q.Index); !ok {
				yield(nil, opError("query", collection, fmt.Errorf("%w: %s", ErrUnknownIndex, q.Index)))
				return
			}
		}
		b, err := q.bounds()
		if err != nil {
			yield(nil, opError("query", collection, err))
			return
		}

		var cursor *pageCursor
		emitted := 0
		for {
			limit := pageSize
			if q.Limit > 0 && q.Limit-emitted < limit {
				limit = q.Limit - emitted
			}
			if limit <= 0 {
				return
			}
			rows, next, err := s.fetchPage(ctx, collection, q, b, cursor, limit)
			if err != nil {
				yield(nil, opError("query", collection, err))
				return
			}
			for _, body := range rows {
				if !yield(body, nil) {
					return
				}
				emitted++
			}
			if len(rows) < limit {
				return
			}
			cursor = next
		}
	}
}

// All collects every record of a query.
func (s *Store) All(ctx context.Context, collection string, q Query) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for rec, err := range s.Query(ctx, collection, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q Query) bounds() (bounds, error) {
	var b bounds
	if q.EqualTo != nil {
		k, err := encodeKey(q.EqualTo)
		if err != nil {
			return b, err
		}
		b.lower, b.upper, b.lowerIsEquality = k, k, true
		return b, nil
	}
	if q.Prefix != nil {
		k, err := encodeKey(q.Prefix)
		if err != nil {
			return b, err
		}
		b.lower = k
		b.upper = append(append([]byte{}, k...), upperBound)
		b.upperExclusive = true
	}
	if q.StartKey != nil {
		k, err := encodeKey(q.StartKey)
		if err != nil {
			return b, err
		}
		if b.lower == nil || string(k) > string(b.lower) {
			b.lower = k
		}
	}
	if q.EndKey != nil {
		k, err := encodeKey(q.EndKey)
		if err != nil {
			return b, err
		}
		if b.upper == nil || string(k) < string(b.upper) {
			b.upper = k
			b.upperExclusive = false
		}
	}
	return b, nil
}

// pageCursor is the position after the last row of a page.
type pageCursor struct {
	ikey []byte
	pk   []byte
}

func (s *Store) fetchPage(ctx context.Context, collection string, q Query, b bounds, after *pageCursor, limit int) ([]json.RawMessage, *pageCursor, error) {
	db, _, err := s.handle(collection)
	if err != nil {
		return nil, nil, err
	}

	dir := "ASC"
	cmp := ">"
	if q.Direction == Descending {
		dir, cmp = "DESC", "<"
	}

	var (
		sb   strings.Builder
		args []any
		col  string
	)
	if q.Index == "" {
		col = "r.pk"
		sb.WriteString(`SELECT r.pk, r.pk, r.body FROM records r WHERE r.collection = ?`)
		args = append(args, collection)
	} else {
		col = "e.ikey"
		sb.WriteString(`SELECT e.ikey, e.pk, r.body FROM index_entries e
			JOIN records r ON r.collection = e.collection AND r.pk = e.pk
			WHERE e.collection = ? AND e.index_name = ?`)
		args = append(args, collection, q.Index)
	}

	switch {
	case b.lowerIsEquality:
		sb.WriteString(" AND " + col + " = ?")
		args = append(args, b.lower)
	default:
		if b.lower != nil {
			sb.WriteString(" AND " + col + " >= ?")
			args = append(args, b.lower)
		}
		if b.upper != nil {
			if b.upperExclusive {
				sb.WriteString(" AND " + col + " < ?")
			} else {
				sb.WriteString(" AND " + col + " <= ?")
			}
			args = append(args, b.upper)
		}
	}

	if after != nil {
		if q.Index == "" {
			sb.WriteString(" AND r.pk " + cmp + " ?")
			args = append(args, after.pk)
		} else {
			sb.WriteString(" AND (e.ikey " + cmp + " ? OR (e.ikey = ? AND e.pk " + cmp + " ?))")
			args = append(args, after.ikey, after.ikey, after.pk)
		}
	}

	if q.Index == "" {
		sb.WriteString(" ORDER BY r.pk " + dir)
	} else {
		sb.WriteString(" ORDER BY e.ikey " + dir + ", e.pk " + dir)
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var (
		out  []json.RawMessage
		last pageCursor
	)
	for rows.Next() {
		var body string
		if err := rows.Scan(&last.ikey, &last.pk, &body); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, &last, nil
}
