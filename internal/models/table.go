// Package models provides data model definitions for the Dino sync core.
package models

import "fmt"

// Table is the closed set of local tables. Mirrored tables hold tenant data
// pulled from the remote service; TableSyncQueue is the local-only outbox.
type Table string

const (
	TableLocations   Table = "locations"
	TableMachines    Table = "machines"
	TableRoutes      Table = "routes"
	TableRouteStops  Table = "route_stops"
	TableCollections Table = "collections"
	TableReports     Table = "reports"
	TableSyncQueue   Table = "sync_queue"

	// TableProfiles exists only remotely; it maps users to tenants.
	TableProfiles Table = "profiles"
)

// MirroredTables lists the tables that mirror remote data, in pull order.
var MirroredTables = []Table{
	TableLocations,
	TableMachines,
	TableRoutes,
	TableRouteStops,
	TableCollections,
	TableReports,
}

// indexedColumns are the fields projected out of each record into real
// columns so they can be filtered and ordered without json_extract.
var indexedColumns = map[Table][]string{
	TableLocations:   {"name", "district", "tenant_id"},
	TableMachines:    {"location_name", "location_id", "zone", "tenant_id", "refill_frequency"},
	TableRoutes:      {"scheduled_date", "status", "tenant_id"},
	TableRouteStops:  {"route_id", "machine_id", "status"},
	TableCollections: {"collection_date", "record_type", "machine_id", "tenant_id"},
	TableReports:     {"reported_at", "status", "machine_id", "tenant_id"},
}

// ParseTable validates a table name coming from the UI or the queue.
func ParseTable(name string) (Table, error) {
	t := Table(name)
	if t == TableSyncQueue || t.IsMirrored() {
		return t, nil
	}
	return "", fmt.Errorf("unknown table %q", name)
}

// String returns the table name.
func (t Table) String() string {
	return string(t)
}

// IsMirrored reports whether t is one of the remote-mirrored tables.
func (t Table) IsMirrored() bool {
	_, ok := indexedColumns[t]
	return ok
}

// IndexedColumns returns the projected columns of a mirrored table.
func (t Table) IndexedColumns() []string {
	return indexedColumns[t]
}

// IsIndexed reports whether field is a projected column of t.
func (t Table) IsIndexed(field string) bool {
	if field == "id" {
		return true
	}
	for _, c := range indexedColumns[t] {
		if c == field {
			return true
		}
	}
	return false
}

// TenantScoped reports whether rows of t carry a tenant_id.
func (t Table) TenantScoped() bool {
	switch t {
	case TableLocations, TableMachines, TableRoutes, TableCollections, TableReports:
		return true
	case TableRouteStops, TableSyncQueue:
		return false
	}
	return false
}
