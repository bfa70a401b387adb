// Package memremote is an in-memory remote.DataService for tests, demos and
// offline development.
package memremote

import (
	"context"
	"fmt"
	"sync"

	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote"
)

// Call records one request made to the service.
type Call struct {
	Op    string // select, insert, update, delete
	Table models.Table
	ID    string
	Query remote.Query
}

// FailFunc decides whether a call should fail. Returning nil lets it pass.
type FailFunc func(call Call, payload models.Record) error

// Service keeps rows per table in insertion order.
type Service struct {
	mu     sync.Mutex
	tables map[models.Table][]models.Record
	calls  []Call
	fail   FailFunc
}

var _ remote.DataService = (*Service)(nil)

// New creates an empty service.
func New() *Service {
	return &Service{tables: make(map[models.Table][]models.Record)}
}

// Seed appends rows to a table without recording calls.
func (s *Service) Seed(table models.Table, rows ...models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], r.Clone())
	}
}

// SetFailure installs a failure hook. nil removes it.
func (s *Service) SetFailure(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Calls returns a copy of the recorded calls.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// ResetCalls clears the call log.
func (s *Service) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Rows returns a copy of a table's rows.
func (s *Service) Rows(table models.Table) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Record, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// Find returns the row with id, or nil.
func (s *Service) Find(table models.Table, id string) models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(table, id); i >= 0 {
		return s.tables[table][i].Clone()
	}
	return nil
}

// record logs the call and applies the failure hook. Callers hold mu.
func (s *Service) record(call Call, payload models.Record) error {
	s.calls = append(s.calls, call)
	if s.fail != nil {
		return s.fail(call, payload)
	}
	return nil
}

func (s *Service) index(table models.Table, id string) int {
	for i, r := range s.tables[table] {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

// Select returns the rows matching q. The column list is ignored.
func (s *Service) Select(ctx context.Context, table models.Table, columns string, q remote.Query) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "select", Table: table, Query: q}, nil); err != nil {
		return nil, err
	}
	matched := q.Apply(s.tables[table])
	out := make([]models.Record, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

// Insert appends rows. A duplicate id is rejected like a primary key
// violation.
func (s *Service) Insert(ctx context.Context, table models.Table, rows ...models.Record) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		if err := s.record(Call{Op: "insert", Table: table, ID: row.ID()}, row); err != nil {
			return nil, err
		}
		if row.ID() != "" && s.index(table, row.ID()) >= 0 {
			return nil, &remote.Error{
				Status:  409,
				Code:    "23505",
				Message: fmt.Sprintf("duplicate key value violates unique constraint \"%s_pkey\"", table),
			}
		}
		s.tables[table] = append(s.tables[table], row.Clone())
		inserted = append(inserted, row.Clone())
	}
	return inserted, nil
}

// Update merges changes into the row with id. Matching no row is not an
// error, as with PostgREST.
func (s *Service) Update(ctx context.Context, table models.Table, changes models.Record, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "update", Table: table, ID: id}, changes); err != nil {
		return err
	}
	if i := s.index(table, id); i >= 0 {
		s.tables[table][i] = s.tables[table][i].Merge(changes)
	}
	return nil
}

// Delete removes the row with id.
func (s *Service) Delete(ctx context.Context, table models.Table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "delete", Table: table, ID: id}, models.Record{"id": id}); err != nil {
		return err
	}
	if i := s.index(table, id); i >= 0 {
		rows := s.tables[table]
		s.tables[table] = append(rows[:i:i], rows[i+1:]...)
	}
	return nil
}
