package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dinovending/dino/backend/internal/db"
	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/models"
)

// MaxQueryLimit caps the rows returned by one table query.
const MaxQueryLimit = 500

// TableQuery selects rows of a mirrored table. A Where value holding commas
// matches any of the listed values.
type TableQuery struct {
	Table string            `json:"table"`
	Where map[string]string `json:"where,omitempty"`
	Order string            `json:"order,omitempty"`
	Desc  bool              `json:"desc,omitempty"`
	Limit int               `json:"limit,omitempty"`
}

// Spec validates the query and converts it for the local store.
func (q TableQuery) Spec() (models.Table, db.QuerySpec, error) {
	table, err := models.ParseTable(q.Table)
	if err != nil || !table.IsMirrored() {
		return "", db.QuerySpec{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown table %q", q.Table))
	}
	if q.Limit < 0 || q.Limit > MaxQueryLimit {
		return "", db.QuerySpec{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("limit must be between 0 and %d", MaxQueryLimit))
	}

	spec := db.QuerySpec{OrderBy: q.Order, Desc: q.Desc, Limit: q.Limit}
	for field, value := range q.Where {
		if !db.ValidField(field) {
			return "", db.QuerySpec{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid field %q", field))
		}
		if strings.Contains(value, ",") {
			spec.Where = append(spec.Where, db.In(field, strings.Split(value, ",")...))
		} else {
			spec.Where = append(spec.Where, db.Eq(field, value))
		}
	}
	if spec.OrderBy != "" && !db.ValidField(spec.OrderBy) {
		return "", db.QuerySpec{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid order field %q", spec.OrderBy))
	}
	return table, spec, nil
}

// parseTableQuery reads a query from URL parameters:
// where=field:value (repeatable), order, desc and limit.
func parseTableQuery(table string, params map[string][]string) (TableQuery, error) {
	q := TableQuery{Table: table, Where: make(map[string]string)}
	for _, w := range params["where"] {
		field, value, ok := strings.Cut(w, ":")
		if !ok || field == "" {
			return q, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("where must be field:value, got %q", w))
		}
		q.Where[field] = value
	}
	if v := first(params["order"]); v != "" {
		q.Order = v
	}
	if v := first(params["desc"]); v != "" {
		desc, err := strconv.ParseBool(v)
		if err != nil {
			return q, apperrors.Wrap(apperrors.ErrInvalid, "invalid desc", err)
		}
		q.Desc = desc
	}
	if v := first(params["limit"]); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return q, apperrors.Wrap(apperrors.ErrInvalid, "invalid limit", err)
		}
		q.Limit = limit
	}
	return q, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
