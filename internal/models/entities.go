package models

// MachineStatus is the operational state of a machine.
type MachineStatus string

const (
	MachineActive   MachineStatus = "Active"
	MachineInactive MachineStatus = "Inactive"
)

// RouteStatus is the lifecycle of a planned route.
type RouteStatus string

const (
	RouteScheduled  RouteStatus = "scheduled"
	RouteInProgress RouteStatus = "in_progress"
	RouteCompleted  RouteStatus = "completed"
	RouteCanceled   RouteStatus = "canceled"
)

// StopStatus marks whether a route stop has been visited.
type StopStatus string

const (
	StopPending StopStatus = "pending"
	StopVisited StopStatus = "visited"
)

// RecordType distinguishes the two events stored in collections.
type RecordType string

const (
	RecordCut    RecordType = "cut"
	RecordRefill RecordType = "refill"
)

// ReportStatus is the lifecycle of an incident report.
type ReportStatus string

const (
	ReportPending    ReportStatus = "pending"
	ReportInProgress ReportStatus = "in_progress"
	ReportResolved   ReportStatus = "resolved"
)

// Location is a physical site where machines are placed.
type Location struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	District string `json:"district,omitempty"`
	TenantID string `json:"tenant_id"`
}

// TableName returns the table name for Location.
func (Location) TableName() Table { return TableLocations }

// Machine is a vending machine. LocationName is a denormalized snapshot of
// the location's name kept for offline display.
type Machine struct {
	ID                   string                 `json:"id"`
	LocationID           *string                `json:"location_id"`
	LocationName         string                 `json:"location_name,omitempty"`
	Zone                 string                 `json:"zone,omitempty"`
	TenantID             string                 `json:"tenant_id"`
	RefillFrequency      *int                   `json:"refill_frequency,omitempty"`
	CurrentStatus        MachineStatus          `json:"current_status"`
	CurrentStockSnapshot map[string]interface{} `json:"current_stock_snapshot,omitempty"`
	CapsuleCapacity      *int                   `json:"capsule_capacity,omitempty"`
	CommissionPercent    *float64               `json:"commission_percent,omitempty"`
	RentAmount           *float64               `json:"rent_amount,omitempty"`
}

// TableName returns the table name for Machine.
func (Machine) TableName() Table { return TableMachines }

// Route is a planned sequence of machine visits for a date.
type Route struct {
	ID            string      `json:"id"`
	ScheduledDate string      `json:"scheduled_date"`
	Status        RouteStatus `json:"status"`
	TenantID      string      `json:"tenant_id"`
}

// TableName returns the table name for Route.
func (Route) TableName() Table { return TableRoutes }

// RouteStop is one visit within a route.
type RouteStop struct {
	ID        string     `json:"id"`
	RouteID   string     `json:"route_id"`
	MachineID string     `json:"machine_id"`
	Status    StopStatus `json:"status"`
	StopOrder int        `json:"stop_order"`
}

// TableName returns the table name for RouteStop.
func (RouteStop) TableName() Table { return TableRouteStops }

// MachineSummary is the machine display data joined onto collections.
type MachineSummary struct {
	LocationName string `json:"location_name,omitempty"`
	Address      string `json:"address,omitempty"`
}

// Collection is a cash cut or a refill. Financial fields are set for cuts,
// inventory fields for refills.
type Collection struct {
	ID                string          `json:"id"`
	CollectionDate    string          `json:"collection_date"`
	RecordType        RecordType      `json:"record_type"`
	MachineID         string          `json:"machine_id"`
	TenantID          string          `json:"tenant_id"`
	GrossAmount       *float64        `json:"gross_amount,omitempty"`
	CommissionAmount  *float64        `json:"commission_amount,omitempty"`
	ProfitAmount      *float64        `json:"profit_amount,omitempty"`
	InventoryRefilled *int            `json:"inventory_refilled,omitempty"`
	StockAfterRefill  *int            `json:"stock_after_refill,omitempty"`
	Machines          *MachineSummary `json:"machines,omitempty"`
}

// TableName returns the table name for Collection.
func (Collection) TableName() Table { return TableCollections }

// Report is an incident reported against a machine.
type Report struct {
	ID          string       `json:"id"`
	ReportedAt  string       `json:"reported_at"`
	Status      ReportStatus `json:"status"`
	MachineID   string       `json:"machine_id"`
	TenantID    string       `json:"tenant_id"`
	Description string       `json:"description,omitempty"`
}

// TableName returns the table name for Report.
func (Report) TableName() Table { return TableReports }
