// Package postgres implements remote.DataService directly against the
// hosted Postgres database with a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote"
)

// Client implements remote.DataService over a pgx pool.
type Client struct {
	Pool *pgxpool.Pool
}

var _ remote.DataService = (*Client)(nil)

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Client, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	// A single device needs few connections
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Simple protocol keeps transaction poolers happy
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.Info("connected to remote database", map[string]interface{}{
		"host": poolConfig.ConnConfig.Host,
		"db":   poolConfig.ConnConfig.Database,
	})
	return &Client{Pool: pool}, nil
}

// Close closes the pool.
func (c *Client) Close() {
	c.Pool.Close()
}

// Select fetches rows of table matching q. columns must be "*" or a comma
// separated list of plain column names.
func (c *Client) Select(ctx context.Context, table models.Table, columns string, q remote.Query) ([]models.Record, error) {
	cols, err := parseColumns(columns)
	if err != nil {
		return nil, err
	}
	sql, args := buildSelect(table, q)

	rows, err := c.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var rec models.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, project(rec, cols))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return out, nil
}

// Insert inserts rows in one transaction and returns them as stored.
func (c *Client) Insert(ctx context.Context, table models.Table, rows ...models.Record) ([]models.Record, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert %s: begin: %w", table, err)
	}
	defer tx.Rollback(ctx)

	inserted := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
		var data []byte
		if err := tx.QueryRow(ctx, buildInsert(table, sortedKeys(row)), string(payload)).Scan(&data); err != nil {
			return nil, fmt.Errorf("insert %s: %w", table, err)
		}
		var rec models.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode inserted %s row: %w", table, err)
		}
		inserted = append(inserted, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("insert %s: commit: %w", table, err)
	}
	return inserted, nil
}

// Update applies changes to the row with the given id. Matching no row is
// not an error.
func (c *Client) Update(ctx context.Context, table models.Table, changes models.Record, id string) error {
	changes = changes.Without("id")
	if len(changes) == 0 {
		return nil
	}
	payload, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}
	if _, err := c.Pool.Exec(ctx, buildUpdate(table, sortedKeys(changes)), string(payload), id); err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	return nil
}

// Delete removes the row with the given id.
func (c *Client) Delete(ctx context.Context, table models.Table, id string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE id::text = $1", ident(string(table)))
	if _, err := c.Pool.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return nil
}

// =====================================================
// SQL builders
// =====================================================

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// buildSelect renders q as a query returning one jsonb document per row.
// Values are compared as text, matching PostgREST's string filters.
func buildSelect(table models.Table, q remote.Query) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	for _, f := range q.Filters {
		col := "t." + ident(f.Column)
		switch f.Op {
		case remote.OpEq:
			if len(f.Values) == 0 {
				where = append(where, "false")
				continue
			}
			args = append(args, f.Values[0])
			where = append(where, fmt.Sprintf("%s::text = $%d", col, len(args)))
		case remote.OpIn:
			args = append(args, f.Values)
			where = append(where, fmt.Sprintf("%s::text = ANY($%d::text[])", col, len(args)))
		}
	}

	sql := fmt.Sprintf("SELECT to_jsonb(t) FROM %s t", ident(string(table)))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Order != nil {
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		sql += fmt.Sprintf(" ORDER BY t.%s %s", ident(q.Order.Column), dir)
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return sql, args
}

// buildInsert inserts the given columns of a jsonb document ($1), letting
// Postgres coerce each value to the column type.
func buildInsert(table models.Table, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
	}
	list := strings.Join(quoted, ", ")
	t := ident(string(table))
	return fmt.Sprintf("INSERT INTO %s AS t (%s) SELECT %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) RETURNING to_jsonb(t)",
		t, list, list, t)
}

// buildUpdate sets the given columns from a jsonb document ($1) on the row
// whose id is $2.
func buildUpdate(table models.Table, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = r.%s", ident(c), ident(c))
	}
	t := ident(string(table))
	return fmt.Sprintf("UPDATE %s AS t SET %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) r WHERE t.id::text = $2",
		t, strings.Join(sets, ", "), t)
}

// parseColumns accepts "*" or a list of plain names. Embedded resources in
// PostgREST syntax are not supported here.
func parseColumns(columns string) ([]string, error) {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return nil, nil
	}
	var cols []string
	for _, c := range strings.Split(columns, ",") {
		c = strings.TrimSpace(c)
		if c == "" || strings.ContainsAny(c, "()*:!") {
			return nil, fmt.Errorf("unsupported select list %q", columns)
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func project(rec models.Record, cols []string) models.Record {
	if cols == nil {
		return rec
	}
	out := make(models.Record, len(cols))
	for _, c := range cols {
		if v, ok := rec[c]; ok {
			out[c] = v
		}
	}
	return out
}

func sortedKeys(rec models.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
