// Package conflict tests for pull conflict handling.
package conflict

import (
	"context"
	"errors"
	"reflect"
	"testing"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/models"
)

type fakePending struct {
	ids   map[models.Table]map[string]bool
	err   error
	calls int
}

func (f *fakePending) PendingIDs(ctx context.Context, table models.Table) (map[string]bool, error) {
	f.calls++
	return f.ids[table], f.err
}

func rows(ids ...string) []models.Record {
	out := make([]models.Record, len(ids))
	for i, id := range ids {
		out[i] = models.Record{"id": id}
	}
	return out
}

func idsOf(recs []models.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

// TestParseStrategy verifies strategy names.
func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    ResolutionStrategy
		wantErr bool
	}{
		{"", ResolutionStrategyKeepPending, false},
		{"keep_pending", ResolutionStrategyKeepPending, false},
		{"last_write_wins", ResolutionStrategyLastWriteWins, false},
		{"manual", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if tt.wantErr && !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("ParseStrategy(%q) error code = %s", tt.in, apperrors.CodeOf(err))
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestResolve_keepPending verifies rows with queued edits are kept local.
func TestResolve_keepPending(t *testing.T) {
	src := &fakePending{ids: map[models.Table]map[string]bool{
		models.TableMachines: {"m2": true},
	}}
	r := NewResolver(ResolutionStrategyKeepPending, src)

	res, err := r.Resolve(context.Background(), models.TableMachines, rows("m1", "m2", "m3"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got, want := idsOf(res.Apply), []string{"m1", "m3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Apply = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(res.Kept, []string{"m2"}) {
		t.Errorf("Kept = %v, want [m2]", res.Kept)
	}

	// Another table is unaffected
	res, err = r.Resolve(context.Background(), models.TableRoutes, rows("m2"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Apply) != 1 || len(res.Kept) != 0 {
		t.Errorf("routes resolution = %+v", res)
	}
}

// TestResolve_lastWriteWins verifies everything is applied without lookups.
func TestResolve_lastWriteWins(t *testing.T) {
	src := &fakePending{ids: map[models.Table]map[string]bool{
		models.TableMachines: {"m1": true},
	}}
	r := NewResolver(ResolutionStrategyLastWriteWins, src)

	res, err := r.Resolve(context.Background(), models.TableMachines, rows("m1", "m2"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Apply) != 2 || len(res.Kept) != 0 {
		t.Errorf("resolution = %+v, want all applied", res)
	}
	if src.calls != 0 {
		t.Errorf("PendingIDs calls = %d, want 0", src.calls)
	}
	if r.Strategy() != ResolutionStrategyLastWriteWins {
		t.Errorf("Strategy() = %q", r.Strategy())
	}
}

// TestResolve_error verifies lookup failures are returned.
func TestResolve_error(t *testing.T) {
	boom := errors.New("boom")
	r := NewResolver(ResolutionStrategyKeepPending, &fakePending{err: boom})

	if _, err := r.Resolve(context.Background(), models.TableMachines, rows("m1")); !errors.Is(err, boom) {
		t.Errorf("Resolve() error = %v, want %v", err, boom)
	}
}
