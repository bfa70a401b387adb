package remote

import (
	"sort"
	"strings"

	"github.com/dinovending/dino/backend/internal/models"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEq Operator = "eq"
	OpIn Operator = "in"
)

// Filter is one condition of a Query. Values are compared as text.
type Filter struct {
	Column string
	Op     Operator
	Values []string
}

// Order sorts the result by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query holds the filters, ordering and limit of a Select. The zero value
// selects everything.
type Query struct {
	Filters []Filter
	Order   *Order
	Limit   int
}

// NewQuery returns an empty query.
func NewQuery() Query {
	return Query{}
}

// Eq adds an equality filter.
func (q Query) Eq(column, value string) Query {
	q.Filters = append(append([]Filter{}, q.Filters...), Filter{Column: column, Op: OpEq, Values: []string{value}})
	return q
}

// In adds a membership filter.
func (q Query) In(column string, values ...string) Query {
	q.Filters = append(append([]Filter{}, q.Filters...), Filter{Column: column, Op: OpIn, Values: values})
	return q
}

// OrderBy sets the ordering.
func (q Query) OrderBy(column string, desc bool) Query {
	q.Order = &Order{Column: column, Desc: desc}
	return q
}

// WithLimit caps the number of rows.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Matches reports whether rec satisfies every filter of q.
func (q Query) Matches(rec models.Record) bool {
	for _, f := range q.Filters {
		v := rec.String(f.Column)
		if _, present := rec[f.Column]; !present {
			return false
		}
		switch f.Op {
		case OpEq:
			if len(f.Values) == 0 || v != f.Values[0] {
				return false
			}
		case OpIn:
			found := false
			for _, want := range f.Values {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, orders and limits rows in memory. Ordering is stable, so
// equal keys keep their input order. Values are compared as text, which
// orders ISO dates and timestamps correctly.
func (q Query) Apply(rows []models.Record) []models.Record {
	out := make([]models.Record, 0, len(rows))
	for _, r := range rows {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	if q.Order != nil {
		col, desc := q.Order.Column, q.Order.Desc
		sort.SliceStable(out, func(i, j int) bool {
			c := strings.Compare(out[i].String(col), out[j].String(col))
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
