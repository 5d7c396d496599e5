package docstore

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// ErrInvalidQuery is returned for queries the engine cannot evaluate.
var ErrInvalidQuery = errors.New("invalid query")

// Filter operators.
const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Filter is one where-clause of a Query.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query selects documents of one collection.
type Query struct {
	collection string
	filters    []Filter
	orderBy    string
	dir        Direction
	limit      int
	offset     int
}

// NewQuery starts a query over the documents directly under collection.
func NewQuery(collection string) Query {
	return Query{collection: collection}
}

// Collection returns the queried collection path.
func (q Query) Collection() string { return q.collection }

// Where adds a filter.
func (q Query) Where(field, op string, value any) Query {
	nv, err := normalize(value)
	if err != nil {
		nv = value
	}
	q.filters = append(append([]Filter(nil), q.filters...), Filter{Field: field, Op: op, Value: nv})
	return q
}

// OrderBy sorts by field. Documents missing the field sort first in
// ascending order. Ties are broken by document id in the same direction.
func (q Query) OrderBy(field string, dir Direction) Query {
	q.orderBy = field
	q.dir = dir
	return q
}

// Limit caps the number of results. Zero means no limit.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// Offset skips the first n results.
func (q Query) Offset(n int) Query {
	q.offset = n
	return q
}

func (q Query) validate() error {
	if err := validateCollection(q.collection); err != nil {
		return err
	}
	for _, f := range q.filters {
		if f.Field == "" {
			return fmt.Errorf("%w: empty filter field", ErrInvalidQuery)
		}
		if f.Op != OpEqual && f.Op != OpArrayContains {
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
		}
	}
	if q.limit < 0 || q.offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidQuery)
	}
	return nil
}

// evaluate filters, sorts and pages docs in memory. Backends without native
// query support share it so results are identical everywhere.
func (q Query) evaluate(docs []DocumentSnapshot) []DocumentSnapshot {
	matched := make([]DocumentSnapshot, 0, len(docs))
	for _, d := range docs {
		if q.matches(d.Data) {
			matched = append(matched, d)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		c := 0
		if q.orderBy != "" {
			a, aok := getField(matched[i].Data, q.orderBy)
			b, bok := getField(matched[j].Data, q.orderBy)
			c = compareField(a, aok, b, bok)
		}
		if c == 0 {
			switch {
			case matched[i].ID < matched[j].ID:
				c = -1
			case matched[i].ID > matched[j].ID:
				c = 1
			}
		}
		if q.orderBy != "" && q.dir == Desc {
			return c > 0
		}
		return c < 0
	})

	if q.offset > 0 {
		if q.offset >= len(matched) {
			return []DocumentSnapshot{}
		}
		matched = matched[q.offset:]
	}
	if q.limit > 0 && len(matched) > q.limit {
		matched = matched[:q.limit]
	}
	return matched
}

func (q Query) matches(data map[string]any) bool {
	for _, f := range q.filters {
		v, ok := getField(data, f.Field)
		switch f.Op {
		case OpEqual:
			if !ok && f.Value != nil {
				return false
			}
			if !reflect.DeepEqual(v, f.Value) {
				return false
			}
		case OpArrayContains:
			arr, isArr := v.([]any)
			if !isArr || !containsValue(arr, f.Value) {
				return false
			}
		}
	}
	return true
}

func compareField(a any, aok bool, b any, bok bool) int {
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		if x == y {
			return 0
		}
		if !x {
			return -1
		}
		return 1
	case float64:
		y := b.(float64)
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	case string:
		y := b.(string)
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}
