package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/models"
)

// execer is the subset of *sql.DB and *sql.Tx the store writes through.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the local document store. Every mirrored table keeps the full
// record as JSON plus projected indexed columns.
type Store struct {
	db   *sql.DB
	feed *changeFeed
	now  func() time.Time

	// upsert statements per table, built on first use
	upserts sync.Map // map[models.Table]string
}

// NewStore creates a Store over an opened and migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:   db,
		feed: newChangeFeed(),
		now:  time.Now,
	}
}

// SetClock replaces the time source used for queue timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// QuerySpec selects rows from a table: filters, ordering and a limit.
// Ties in the order field fall back to insertion order.
type QuerySpec struct {
	Where   []Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// =====================================================
// Writes
// =====================================================

// BulkUpsert inserts or replaces records by primary key in one transaction.
// Empty input is a no-op.
func (s *Store) BulkUpsert(ctx context.Context, table models.Table, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkMirrored(table); err != nil {
		return err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if err := s.put(ctx, tx, table, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.feed.notify(table)
	return nil
}

// Put inserts or replaces a single record.
func (s *Store) Put(ctx context.Context, table models.Table, rec models.Record) error {
	if err := checkMirrored(table); err != nil {
		return err
	}
	if err := s.put(ctx, s.db, table, rec); err != nil {
		return err
	}
	s.feed.notify(table)
	return nil
}

// Update merges the top-level keys of changes into the stored record.
// It returns a NOT_FOUND error when id is not present locally.
func (s *Store) Update(ctx context.Context, table models.Table, id string, changes models.Record) error {
	if err := checkMirrored(table); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.update(ctx, tx, table, id, changes)
	})
	if err != nil {
		return err
	}
	s.feed.notify(table)
	return nil
}

// Delete removes a record. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, table models.Table, id string) error {
	if err := checkMirrored(table); err != nil {
		return err
	}
	if err := s.delete(ctx, s.db, table, id); err != nil {
		return err
	}
	s.feed.notify(table)
	return nil
}

// ClearAll wipes every mirrored table, and the sync queue when includeQueue
// is set. Used on logout or tenant switch.
func (s *Store) ClearAll(ctx context.Context, includeQueue bool) error {
	tables := append([]models.Table{}, models.MirroredTables...)
	if includeQueue {
		tables = append(tables, models.TableSyncQueue)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+string(t)); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "clear "+string(t), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.feed.notify(tables...)
	return nil
}

func (s *Store) put(ctx context.Context, ex execer, table models.Table, rec models.Record) error {
	id := rec.ID()
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s record without id", table))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode record", err)
	}

	cols := table.IndexedColumns()
	args := make([]interface{}, 0, len(cols)+2)
	args = append(args, id)
	for _, c := range cols {
		args = append(args, columnValue(rec[c]))
	}
	args = append(args, string(data))

	if _, err := ex.ExecContext(ctx, s.upsertSQL(table), args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("put %s %s", table, id), err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, ex execer, table models.Table, id string, changes models.Record) error {
	current, err := s.get(ctx, ex, table, id)
	if err != nil {
		return err
	}
	merged := current.Merge(changes)
	merged["id"] = current["id"]
	return s.put(ctx, ex, table, merged)
}

func (s *Store) delete(ctx context.Context, ex execer, table models.Table, id string) error {
	if _, err := ex.ExecContext(ctx, "DELETE FROM "+string(table)+" WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("delete %s %s", table, id), err)
	}
	return nil
}

// upsertSQL builds the insert-or-replace statement for table. ON CONFLICT
// keeps the rowid, so a re-pulled row keeps its insertion position.
func (s *Store) upsertSQL(table models.Table) string {
	if q, ok := s.upserts.Load(table); ok {
		return q.(string)
	}
	cols := append([]string{"id"}, table.IndexedColumns()...)
	cols = append(cols, "data")

	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(sets, ", "))
	s.upserts.Store(table, q)
	return q
}

// =====================================================
// Reads
// =====================================================

// Get returns a single record by id.
func (s *Store) Get(ctx context.Context, table models.Table, id string) (models.Record, error) {
	if err := checkMirrored(table); err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, table, id)
}

func (s *Store) get(ctx context.Context, ex execer, table models.Table, id string) (models.Record, error) {
	var data string
	err := ex.QueryRowContext(ctx, "SELECT data FROM "+string(table)+" WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found locally", table, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("get %s %s", table, id), err)
	}
	return decodeRecord(data)
}

// Query returns the records of table matching spec.
func (s *Store) Query(ctx context.Context, table models.Table, spec QuerySpec) ([]models.Record, error) {
	if err := checkMirrored(table); err != nil {
		return nil, err
	}
	fb := NewFilterBuilder(table)
	if err := fb.Add(spec.Where...); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "query "+string(table), err)
	}
	where, args := fb.Build()

	query := "SELECT data FROM " + string(table) + " WHERE " + where
	if spec.OrderBy != "" {
		if !ValidField(spec.OrderBy) {
			return nil, apperrors.New(apperrors.ErrInvalid, "invalid order field "+spec.OrderBy)
		}
		dir := "ASC"
		if spec.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s, rowid ASC", column(table, spec.OrderBy), dir)
	} else {
		query += " ORDER BY id ASC"
	}
	if spec.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, spec.Limit, spec.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query "+string(table), err)
	}
	defer rows.Close()

	records := make([]models.Record, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan "+string(table), err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query "+string(table), err)
	}
	return records, nil
}

// Count returns the number of records in table matching filters.
func (s *Store) Count(ctx context.Context, table models.Table, filters ...Filter) (int, error) {
	if err := checkMirrored(table); err != nil {
		return 0, err
	}
	fb := NewFilterBuilder(table)
	if err := fb.Add(filters...); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, "count "+string(table), err)
	}
	where, args := fb.Build()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+string(table)+" WHERE "+where, args...).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count "+string(table), err)
	}
	return n, nil
}

// =====================================================
// Helpers
// =====================================================

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit transaction", err)
	}
	return nil
}

func checkMirrored(table models.Table) error {
	if !table.IsMirrored() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%q is not a mirrored table", table))
	}
	return nil
}

func decodeRecord(data string) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode stored record", err)
	}
	return rec, nil
}

// columnValue converts a JSON value into what SQLite stores in a projected
// column. Objects and arrays are stored as their JSON text.
func columnValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, float64, int, int64:
		return val
	case bool:
		if val {
			return 1
		}
		return 0
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
