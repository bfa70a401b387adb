package db

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dinovending/dino/backend/internal/models"
)

// fieldPattern restricts field names that are interpolated into SQL.
var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidField reports whether name can be used as a filter or order field.
func ValidField(name string) bool {
	return fieldPattern.MatchString(name)
}

// column returns the SQL expression reading field from a mirrored table:
// the projected column when indexed, json_extract on the document otherwise.
func column(table models.Table, field string) string {
	if table.IsIndexed(field) {
		return field
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

// Filter represents a single query filter condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL(table models.Table) string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// EqualsFilter matches rows whose field equals Value.
type EqualsFilter struct {
	Field string
	Value interface{}
}

// Valid checks the field name and that a value is set.
func (f *EqualsFilter) Valid() bool {
	return ValidField(f.Field) && f.Value != nil
}

// SQL returns the SQL fragment for equality filtering.
func (f *EqualsFilter) SQL(table models.Table) string {
	return column(table, f.Field) + " = ?"
}

// Args returns the arguments for equality filtering.
func (f *EqualsFilter) Args() []interface{} {
	return []interface{}{columnValue(f.Value)}
}

// InFilter matches rows whose field is one of Values.
type InFilter struct {
	Field  string
	Values []interface{}
}

// Valid checks the field name. An empty value list is valid and matches
// nothing.
func (f *InFilter) Valid() bool {
	return ValidField(f.Field)
}

// SQL returns the SQL fragment for membership filtering.
func (f *InFilter) SQL(table models.Table) string {
	if len(f.Values) == 0 {
		return "1=0" // No values, never match
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Values)), ",")
	return column(table, f.Field) + " IN (" + placeholders + ")"
}

// Args returns the arguments for membership filtering.
func (f *InFilter) Args() []interface{} {
	args := make([]interface{}, 0, len(f.Values))
	for _, v := range f.Values {
		args = append(args, columnValue(v))
	}
	return args
}

// Eq is shorthand for an EqualsFilter.
func Eq(field string, value interface{}) Filter {
	return &EqualsFilter{Field: field, Value: value}
}

// In is shorthand for an InFilter over strings.
func In(field string, values ...string) Filter {
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return &InFilter{Field: field, Values: vals}
}

// FilterBuilder builds SQL filter conditions from multiple filters.
type FilterBuilder struct {
	table   models.Table
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder for table.
func NewFilterBuilder(table models.Table) *FilterBuilder {
	return &FilterBuilder{
		table:   table,
		filters: make([]Filter, 0),
	}
}

// Add appends filters. Invalid filters are rejected.
func (fb *FilterBuilder) Add(filters ...Filter) error {
	for _, f := range filters {
		if f == nil {
			continue
		}
		if !f.Valid() {
			return fmt.Errorf("invalid filter %+v", f)
		}
		fb.filters = append(fb.filters, f)
	}
	return nil
}

// Build returns the WHERE clause (without the keyword) and its arguments.
// No filters yields "1=1".
func (fb *FilterBuilder) Build() (string, []interface{}) {
	if len(fb.filters) == 0 {
		return "1=1", nil
	}
	parts := make([]string, 0, len(fb.filters))
	var args []interface{}
	for _, f := range fb.filters {
		parts = append(parts, f.SQL(fb.table))
		args = append(args, f.Args()...)
	}
	return strings.Join(parts, " AND "), args
}

// Count returns the number of filters added.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}
