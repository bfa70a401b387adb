package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote"
	"github.com/dinovending/dino/backend/internal/sync/conflict"
)

// Pull caps.
const (
	RouteLimit      = 50
	CollectionLimit = 100
	ReportLimit     = 50
)

// TableResult summarises one entity step of a pull.
type TableResult struct {
	Table models.Table `json:"table"`
	// Fetched is the number of rows the remote returned.
	Fetched int `json:"fetched"`
	// Dropped counts rows removed by the local re-check of tenant, filters
	// and caps.
	Dropped int `json:"dropped"`
	// Kept counts rows not written because a local edit is still queued.
	Kept    int    `json:"kept"`
	Written int    `json:"written"`
	Skipped string `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PullResult summarises a download pass.
type PullResult struct {
	UserID     string        `json:"user_id,omitempty"`
	TenantID   string        `json:"tenant_id,omitempty"`
	Skipped    string        `json:"skipped,omitempty"`
	Tables     []TableResult `json:"tables,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Failed returns the number of steps that ended in an error.
func (r *PullResult) Failed() int {
	n := 0
	for _, t := range r.Tables {
		if t.Error != "" {
			n++
		}
	}
	return n
}

// Written returns the number of rows written across all steps.
func (r *PullResult) Written() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Written
	}
	return n
}

// Table returns the result of one step.
func (r *PullResult) Table(table models.Table) (TableResult, bool) {
	for _, t := range r.Tables {
		if t.Table == table {
			return t, true
		}
	}
	return TableResult{}, false
}

// Puller downloads the tenant's working set into the local store.
type Puller struct {
	client   *Client
	resolver *conflict.Resolver
}

var _ Downloader = (*Puller)(nil)

// NewPuller creates a Puller. A nil resolver means keep_pending.
func NewPuller(client *Client, resolver *conflict.Resolver) *Puller {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ResolutionStrategyKeepPending, client.Store)
	}
	return &Puller{client: client, resolver: resolver}
}

// Pull fetches every mirrored entity type in order and upserts the results.
// Steps run sequentially; a failed step is recorded and the next one still
// runs. Panics are recovered and reported in the result.
func (p *Puller) Pull(ctx context.Context) (result *PullResult) {
	log := p.client.Log("downstream")
	result = &PullResult{StartedAt: p.client.CurrentTime()}

	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("panic: %v", r)
			log.Error("pull aborted", fmt.Errorf("%v", r))
		}
		result.FinishedAt = p.client.CurrentTime()
	}()

	if p.client.Session == nil || p.client.Session.Current() == nil {
		result.Skipped = "no session"
		log.Debug("pull skipped: no session")
		return result
	}
	result.UserID = p.client.Session.Current().UserID

	tenantID, err := p.client.ResolveTenant(ctx)
	if err != nil || tenantID == "" {
		result.Skipped = "tenant unresolved"
		if err != nil {
			result.Error = err.Error()
		}
		log.Warn("pull skipped: tenant unresolved", map[string]interface{}{"error": result.Error})
		return result
	}
	result.TenantID = tenantID
	log.Info("pull started", map[string]interface{}{"tenant_id": tenantID})

	tenant := remote.NewQuery().Eq("tenant_id", tenantID)

	p.step(ctx, result, models.TableLocations, tenant, nil)
	p.step(ctx, result, models.TableMachines, tenant.Eq("current_status", string(models.MachineActive)), nil)

	routes := p.step(ctx, result, models.TableRoutes, tenant.OrderBy("scheduled_date", true).WithLimit(RouteLimit), nil)
	if routeIDs := recordIDs(routes); len(routeIDs) > 0 {
		p.step(ctx, result, models.TableRouteStops, remote.NewQuery().In("route_id", routeIDs...), nil)
	} else {
		result.Tables = append(result.Tables, TableResult{Table: models.TableRouteStops, Skipped: "no routes"})
	}

	p.step(ctx, result, models.TableCollections,
		tenant.OrderBy("collection_date", true).WithLimit(CollectionLimit),
		func(ctx context.Context, rows []models.Record) []models.Record {
			return p.enrichCollections(ctx, tenantID, rows)
		})

	p.step(ctx, result, models.TableReports,
		tenant.In("status", string(models.ReportPending), string(models.ReportInProgress)).WithLimit(ReportLimit),
		nil)

	log.Info("pull completed", map[string]interface{}{
		"tenant_id": tenantID,
		"written":   result.Written(),
		"failed":    result.Failed(),
	})
	return result
}

// step fetches one table, re-applies q locally, resolves conflicts and
// writes the rows. It returns the rows that passed the local check, or nil
// when the step failed.
func (p *Puller) step(ctx context.Context, result *PullResult, table models.Table, q remote.Query, enrich func(context.Context, []models.Record) []models.Record) []models.Record {
	tr := TableResult{Table: table}
	defer func() { result.Tables = append(result.Tables, tr) }()

	log := p.client.Log("downstream").With(map[string]interface{}{"table": string(table)})

	reqCtx, cancel := p.client.RequestContext(ctx)
	rows, err := p.client.Remote.Select(reqCtx, table, "*", q)
	cancel()
	if err != nil {
		err = remote.Classify("pull "+string(table), err)
		tr.Error = err.Error()
		log.Warn("pull step failed", map[string]interface{}{"error": tr.Error})
		return nil
	}
	tr.Fetched = len(rows)

	// The remote enforces tenant isolation and caps; check both again so a
	// misbehaving service cannot widen the local working set.
	checked := make([]models.Record, 0, len(rows))
	for _, row := range q.Apply(rows) {
		if row.ID() != "" {
			checked = append(checked, row)
		}
	}
	tr.Dropped = len(rows) - len(checked)
	if tr.Dropped > 0 {
		log.Warn("dropped rows outside the requested set", map[string]interface{}{"dropped": tr.Dropped})
	}

	if enrich != nil {
		checked = enrich(ctx, checked)
	}

	res, err := p.resolver.Resolve(ctx, table, checked)
	if err != nil {
		tr.Error = err.Error()
		log.Error("conflict resolution failed", err)
		return nil
	}
	tr.Kept = len(res.Kept)

	// Rows fetched for a user who has since signed out or been replaced
	// must not reach the store.
	if s := p.client.Session.Current(); s == nil || s.UserID != result.UserID {
		tr.Skipped = "session changed"
		log.Info("pull step discarded after session change")
		return nil
	}

	if err := p.client.Store.BulkUpsert(ctx, table, res.Apply); err != nil {
		tr.Error = err.Error()
		log.Error("failed to write pulled rows", err)
		return nil
	}
	tr.Written = len(res.Apply)
	log.Debug("pull step completed", map[string]interface{}{
		"fetched": tr.Fetched,
		"written": tr.Written,
		"kept":    tr.Kept,
	})
	return checked
}

// enrichCollections nests the display fields of each referenced machine
// under "machines", the shape the collections views read. Failures leave
// the rows as they are.
func (p *Puller) enrichCollections(ctx context.Context, tenantID string, rows []models.Record) []models.Record {
	seen := make(map[string]bool)
	var machineIDs []string
	for _, row := range rows {
		if id := row.String("machine_id"); id != "" && !seen[id] {
			seen[id] = true
			machineIDs = append(machineIDs, id)
		}
	}
	if len(machineIDs) == 0 {
		return rows
	}

	reqCtx, cancel := p.client.RequestContext(ctx)
	machines, err := p.client.Remote.Select(reqCtx, models.TableMachines, "*",
		remote.NewQuery().Eq("tenant_id", tenantID).In("id", machineIDs...))
	cancel()
	if err != nil {
		p.client.Log("downstream").Warn("collection enrichment failed", map[string]interface{}{
			"error": remote.Classify("pull machine summaries", err).Error(),
		})
		return rows
	}

	summaries := make(map[string]models.Record, len(machines))
	for _, m := range machines {
		summaries[m.ID()] = models.Record{
			"location_name": m["location_name"],
			"address":       p.machineAddress(ctx, m),
		}
	}

	out := make([]models.Record, len(rows))
	for i, row := range rows {
		if s, ok := summaries[row.String("machine_id")]; ok {
			row = row.Merge(models.Record{"machines": s.Clone()})
		}
		out[i] = row
	}
	return out
}

// machineAddress returns the machine's own address, else the address of
// its mirrored location.
func (p *Puller) machineAddress(ctx context.Context, m models.Record) interface{} {
	if addr, ok := m["address"]; ok && addr != nil {
		return addr
	}
	if locID := m.String("location_id"); locID != "" {
		if loc, err := p.client.Store.Get(ctx, models.TableLocations, locID); err == nil {
			return loc["address"]
		}
	}
	return nil
}

func recordIDs(rows []models.Record) []string {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID())
	}
	return ids
}
