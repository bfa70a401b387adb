// Package postgres tests for SQL generation.
package postgres

import (
	"testing"

	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote"
)

// TestBuildSelect verifies filters, ordering and limits.
func TestBuildSelect(t *testing.T) {
	q := remote.NewQuery().
		Eq("tenant_id", "t1").
		In("route_id", "r1", "r2").
		OrderBy("scheduled_date", true).
		WithLimit(50)

	sql, args := buildSelect(models.TableRoutes, q)
	want := `SELECT to_jsonb(t) FROM "routes" t WHERE t."tenant_id"::text = $1 AND t."route_id"::text = ANY($2::text[]) ORDER BY t."scheduled_date" DESC LIMIT 50`
	if sql != want {
		t.Errorf("buildSelect() =\n%s\nwant\n%s", sql, want)
	}
	if len(args) != 2 || args[0] != "t1" {
		t.Fatalf("args = %v", args)
	}
	if ids, ok := args[1].([]string); !ok || len(ids) != 2 {
		t.Errorf("args[1] = %#v", args[1])
	}

	sql, args = buildSelect(models.TableLocations, remote.NewQuery())
	if sql != `SELECT to_jsonb(t) FROM "locations" t` || len(args) != 0 {
		t.Errorf("unfiltered = %q %v", sql, args)
	}
}

// TestBuildSelect_quotesIdentifiers verifies hostile names stay identifiers.
func TestBuildSelect_quotesIdentifiers(t *testing.T) {
	sql, _ := buildSelect(models.TableMachines, remote.NewQuery().Eq(`x" OR 1=1 --`, "v"))
	want := `SELECT to_jsonb(t) FROM "machines" t WHERE t."x"" OR 1=1 --"::text = $1`
	if sql != want {
		t.Errorf("buildSelect() = %s", sql)
	}
}

// TestBuildInsertUpdate verifies jsonb_populate_record statements.
func TestBuildInsertUpdate(t *testing.T) {
	ins := buildInsert(models.TableMachines, []string{"id", "zone"})
	wantIns := `INSERT INTO "machines" AS t ("id", "zone") SELECT "id", "zone" FROM jsonb_populate_record(NULL::"machines", $1::jsonb) RETURNING to_jsonb(t)`
	if ins != wantIns {
		t.Errorf("buildInsert() = %s", ins)
	}

	upd := buildUpdate(models.TableMachines, []string{"location_name", "zone"})
	wantUpd := `UPDATE "machines" AS t SET "location_name" = r."location_name", "zone" = r."zone" FROM jsonb_populate_record(NULL::"machines", $1::jsonb) r WHERE t.id::text = $2`
	if upd != wantUpd {
		t.Errorf("buildUpdate() = %s", upd)
	}
}

// TestParseColumns verifies supported select lists.
func TestParseColumns(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"*", 0, false},
		{"id, tenant_id", 2, false},
		{"*, machines(location_name, address)", 0, true},
	}
	for _, tt := range tests {
		cols, err := parseColumns(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseColumns(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if len(cols) != tt.want {
			t.Errorf("parseColumns(%q) = %v", tt.in, cols)
		}
	}

	rec := models.Record{"id": "p1", "tenant_id": "t1", "email": "x"}
	if got := project(rec, []string{"tenant_id"}); len(got) != 1 || got["tenant_id"] != "t1" {
		t.Errorf("project() = %v", got)
	}
}
