// Package handlers tests for the local agent REST API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dinovending/dino/backend/internal/app"
	"github.com/dinovending/dino/backend/internal/config"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote/memremote"
	"github.com/dinovending/dino/backend/internal/sync/synctest"
)

// =====================================================
// Test Helpers
// =====================================================

func newTestApp(t *testing.T, rem *memremote.Service, maxAttempts int) *app.App {
	t.Helper()
	cfg := &config.Config{
		DBPath:           filepath.Join(t.TempDir(), "dino.db"),
		RemoteBackend:    config.BackendMemory,
		RequestTimeout:   2 * time.Second,
		RetryMaxAttempts: maxAttempts,
		ConflictStrategy: "keep_pending",
		ConnectivityMode: "manual",
	}
	a, err := app.New(context.Background(), cfg, &app.Options{Remote: rem, Logger: logging.New(io.Discard, logging.LevelError)})
	if err != nil {
		t.Fatalf("app.New() failed: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func newTestRouter(a *app.App) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewSyncHandler(a).Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

// =====================================================
// Health & Status
// =====================================================

// TestHealth verifies the health endpoint.
func TestHealth(t *testing.T) {
	r := newTestRouter(newTestApp(t, memremote.New(), 0))
	w := do(t, r, http.MethodGet, "/api/health", nil)
	expectStatus(t, w, http.StatusOK)

	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "ok" || body["online"] != true {
		t.Errorf("health = %v", body)
	}
}

// TestConnectivity verifies that the host can flip the connectivity flag
// and that sync is refused while offline.
func TestConnectivity(t *testing.T) {
	a := newTestApp(t, memremote.New(), 0)
	r := newTestRouter(a)

	w := do(t, r, http.MethodPost, "/api/connectivity", map[string]interface{}{"online": false})
	expectStatus(t, w, http.StatusOK)
	var status struct {
		State string `json:"state"`
	}
	decode(t, w, &status)
	if status.State != "offline" {
		t.Errorf("state = %q, want offline", status.State)
	}

	w = do(t, r, http.MethodPost, "/api/sync", nil)
	expectStatus(t, w, http.StatusConflict)

	w = do(t, r, http.MethodPost, "/api/connectivity", map[string]interface{}{})
	expectStatus(t, w, http.StatusBadRequest)
}

// TestGetStatus verifies that the status reflects queued entries.
func TestGetStatus(t *testing.T) {
	a := newTestApp(t, memremote.New(), 0)
	r := newTestRouter(a)
	if err := a.SetOnline(false); err != nil {
		t.Fatalf("SetOnline() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Queue.Enqueue(context.Background(), models.TableReports, models.ActionInsert, models.Record{"tenant_id": "tenant-a"}); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	// The pending count is read when the orchestrator starts
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		w := do(t, r, http.MethodGet, "/api/sync/status", nil)
		expectStatus(t, w, http.StatusOK)
		var status struct {
			Label   string `json:"label"`
			Pending int    `json:"pending"`
			Running bool   `json:"running"`
		}
		decode(t, w, &status)
		if status.Running && status.Label == "Offline (3 pendientes)" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %+v, want Offline (3 pendientes)", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestTriggerSync verifies both the background and the waiting sync.
func TestTriggerSync(t *testing.T) {
	rem := memremote.New()
	rem.Seed(models.TableLocations, models.Record{"id": "loc-1", "tenant_id": "tenant-a", "name": "Centro"})
	a := newTestApp(t, rem, 0)
	r := newTestRouter(a)

	// Not running yet
	w := do(t, r, http.MethodPost, "/api/sync?wait=true", nil)
	expectStatus(t, w, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	for !a.Orchestrator.IsRunning() {
		time.Sleep(5 * time.Millisecond)
	}

	w = do(t, r, http.MethodPost, "/api/session", map[string]string{"access_token": synctest.Token(t, "user-1", "tenant-a")})
	expectStatus(t, w, http.StatusOK)

	w = do(t, r, http.MethodPost, "/api/sync", nil)
	expectStatus(t, w, http.StatusAccepted)

	w = do(t, r, http.MethodPost, "/api/sync?wait=true", nil)
	expectStatus(t, w, http.StatusOK)

	w = do(t, r, http.MethodGet, "/api/tables/locations", nil)
	expectStatus(t, w, http.StatusOK)
	var body struct {
		Records []models.Record `json:"records"`
	}
	decode(t, w, &body)
	if len(body.Records) != 1 || body.Records[0].ID() != "loc-1" {
		t.Errorf("locations = %v, want loc-1", body.Records)
	}
}

// =====================================================
// Session
// =====================================================

// TestSession verifies sign-in, rejected tokens and sign-out with and
// without purging the queue.
func TestSession(t *testing.T) {
	a := newTestApp(t, memremote.New(), 0)
	r := newTestRouter(a)
	ctx := context.Background()

	w := do(t, r, http.MethodPost, "/api/session", map[string]string{"access_token": synctest.Token(t, "user-1", "tenant-a")})
	expectStatus(t, w, http.StatusOK)
	var s struct {
		UserID   string `json:"user_id"`
		TenantID string `json:"tenant_id"`
	}
	decode(t, w, &s)
	if s.UserID != "user-1" || s.TenantID != "tenant-a" {
		t.Errorf("session = %+v", s)
	}

	w = do(t, r, http.MethodPost, "/api/session", map[string]string{"access_token": "garbage"})
	expectStatus(t, w, http.StatusUnauthorized)
	w = do(t, r, http.MethodPost, "/api/session", map[string]string{})
	expectStatus(t, w, http.StatusBadRequest)

	if err := a.SetOnline(false); err != nil {
		t.Fatalf("SetOnline() failed: %v", err)
	}
	if err := a.Store.Put(ctx, models.TableLocations, models.Record{"id": "loc-1", "tenant_id": "tenant-a"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := a.Queue.Enqueue(ctx, models.TableReports, models.ActionInsert, models.Record{"tenant_id": "tenant-a"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	w = do(t, r, http.MethodDelete, "/api/session", nil)
	expectStatus(t, w, http.StatusNoContent)
	if a.Session.Current() != nil {
		t.Error("session survived sign-out")
	}
	if n, _ := a.Store.Count(ctx, models.TableLocations); n != 0 {
		t.Errorf("locations after sign-out = %d, want 0", n)
	}
	if n, _ := a.Queue.PendingCount(ctx); n != 1 {
		t.Errorf("pending after sign-out = %d, want 1", n)
	}

	w = do(t, r, http.MethodDelete, "/api/session?purge=true", nil)
	expectStatus(t, w, http.StatusNoContent)
	if n, _ := a.Queue.PendingCount(ctx); n != 0 {
		t.Errorf("pending after purge = %d, want 0", n)
	}
}

// TestSession_switchUser verifies that a different user is refused with
// 409 while the previous user's mutations are queued.
func TestSession_switchUser(t *testing.T) {
	a := newTestApp(t, memremote.New(), 0)
	r := newTestRouter(a)
	ctx := context.Background()

	w := do(t, r, http.MethodPost, "/api/session", map[string]string{"access_token": synctest.Token(t, "user-1", "tenant-a")})
	expectStatus(t, w, http.StatusOK)
	if err := a.SetOnline(false); err != nil {
		t.Fatalf("SetOnline() failed: %v", err)
	}
	if _, err := a.Queue.Enqueue(ctx, models.TableReports, models.ActionInsert, models.Record{"tenant_id": "tenant-a"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	w = do(t, r, http.MethodPost, "/api/session", map[string]string{"access_token": synctest.Token(t, "user-2", "tenant-b")})
	expectStatus(t, w, http.StatusConflict)
	var body struct {
		Code string `json:"code"`
	}
	decode(t, w, &body)
	if body.Code != "SESSION_CONFLICT" {
		t.Errorf("code = %q, want SESSION_CONFLICT", body.Code)
	}

	w = do(t, r, http.MethodDelete, "/api/session?purge=true", nil)
	expectStatus(t, w, http.StatusNoContent)
	w = do(t, r, http.MethodPost, "/api/session", map[string]string{"access_token": synctest.Token(t, "user-2", "tenant-b")})
	expectStatus(t, w, http.StatusOK)
}

// =====================================================
// Queue
// =====================================================

// TestEnqueue verifies that a queued mutation is visible in table reads
// right away and listed with its status.
func TestEnqueue(t *testing.T) {
	a := newTestApp(t, memremote.New(), 0)
	r := newTestRouter(a)
	if err := a.SetOnline(false); err != nil {
		t.Fatalf("SetOnline() failed: %v", err)
	}

	w := do(t, r, http.MethodPost, "/api/queue", map[string]interface{}{
		"table":   "reports",
		"action":  "INSERT",
		"payload": map[string]interface{}{"id": "r-1", "tenant_id": "tenant-a", "status": "pending"},
	})
	expectStatus(t, w, http.StatusCreated)
	var entry models.SyncQueueEntry
	decode(t, w, &entry)
	if entry.Status != models.QueueStatusPending || entry.TargetID() != "r-1" {
		t.Errorf("entry = %+v", entry)
	}

	w = do(t, r, http.MethodGet, "/api/tables/reports?where=status:pending", nil)
	expectStatus(t, w, http.StatusOK)
	var rows struct {
		Records []models.Record `json:"records"`
	}
	decode(t, w, &rows)
	if len(rows.Records) != 1 {
		t.Errorf("reports = %d, want the optimistic row", len(rows.Records))
	}

	w = do(t, r, http.MethodGet, "/api/queue?status=pending", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		Entries []models.SyncQueueEntry `json:"entries"`
	}
	decode(t, w, &list)
	if len(list.Entries) != 1 {
		t.Errorf("queue = %d entries, want 1", len(list.Entries))
	}
}

// TestEnqueue_invalid verifies that invalid mutations are rejected with
// INVALID_INPUT.
func TestEnqueue_invalid(t *testing.T) {
	r := newTestRouter(newTestApp(t, memremote.New(), 0))
	tests := []struct {
		name string
		body interface{}
	}{
		{"missing payload", map[string]interface{}{"table": "reports", "action": "INSERT"}},
		{"unknown table", map[string]interface{}{"table": "invoices", "action": "INSERT", "payload": map[string]interface{}{}}},
		{"queue table", map[string]interface{}{"table": "sync_queue", "action": "INSERT", "payload": map[string]interface{}{}}},
		{"unknown action", map[string]interface{}{"table": "reports", "action": "MERGE", "payload": map[string]interface{}{"id": "r-1"}}},
		{"delete without id", map[string]interface{}{"table": "reports", "action": "DELETE", "payload": map[string]interface{}{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/queue", tt.body)
			expectStatus(t, w, http.StatusBadRequest)
			var body map[string]string
			decode(t, w, &body)
			if body["code"] != "INVALID_INPUT" {
				t.Errorf("code = %q, want INVALID_INPUT", body["code"])
			}
		})
	}

	w := do(t, r, http.MethodGet, "/api/queue?status=done", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

// TestRetryFailed verifies that dead entries can be reset.
func TestRetryFailed(t *testing.T) {
	rem := memremote.New()
	rem.SetFailure(func(call memremote.Call, payload models.Record) error {
		return errors.New("rejected")
	})
	a := newTestApp(t, rem, 1)
	r := newTestRouter(a)
	ctx := context.Background()

	if _, err := a.Queue.Enqueue(ctx, models.TableReports, models.ActionInsert, models.Record{"tenant_id": "tenant-a"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if res := a.Queue.Process(ctx); res.Dead != 1 {
		t.Fatalf("Process() dead = %d, want 1", res.Dead)
	}

	w := do(t, r, http.MethodGet, "/api/queue?status=failed", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		Entries []models.SyncQueueEntry `json:"entries"`
	}
	decode(t, w, &list)
	if len(list.Entries) != 1 || list.Entries[0].LastError == "" {
		t.Fatalf("failed entries = %+v, want one with its error", list.Entries)
	}

	w = do(t, r, http.MethodPost, "/api/queue/retry", nil)
	expectStatus(t, w, http.StatusOK)
	var body struct {
		Reset int `json:"reset"`
	}
	decode(t, w, &body)
	if body.Reset != 1 {
		t.Errorf("reset = %d, want 1", body.Reset)
	}
}

// =====================================================
// Tables
// =====================================================

// TestQueryTable verifies filtering, ordering and limits on table reads.
func TestQueryTable(t *testing.T) {
	a := newTestApp(t, memremote.New(), 0)
	r := newTestRouter(a)
	err := a.Store.BulkUpsert(context.Background(), models.TableRoutes, []models.Record{
		{"id": "r1", "tenant_id": "t", "status": "pending", "scheduled_date": "2024-05-01"},
		{"id": "r2", "tenant_id": "t", "status": "pending", "scheduled_date": "2024-05-03"},
		{"id": "r3", "tenant_id": "t", "status": "completed", "scheduled_date": "2024-05-02"},
		{"id": "r4", "tenant_id": "t", "status": "in_progress", "scheduled_date": "2024-05-04"},
	})
	if err != nil {
		t.Fatalf("BulkUpsert() failed: %v", err)
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"r1", "r2", "r3", "r4"}},
		{"eq", "?where=status:pending", []string{"r1", "r2"}},
		{"in ordered", "?where=status:pending,in_progress&order=scheduled_date&desc=true", []string{"r4", "r2", "r1"}},
		{"limit", "?order=scheduled_date&limit=2", []string{"r1", "r3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodGet, "/api/tables/routes"+tt.query, nil)
			expectStatus(t, w, http.StatusOK)
			var body struct {
				Records []models.Record `json:"records"`
			}
			decode(t, w, &body)
			var got []string
			for _, rec := range body.Records {
				got = append(got, rec.ID())
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

// TestQueryTable_invalid verifies that malformed reads are rejected.
func TestQueryTable_invalid(t *testing.T) {
	r := newTestRouter(newTestApp(t, memremote.New(), 0))
	for _, path := range []string{
		"/api/tables/invoices",
		"/api/tables/sync_queue",
		"/api/tables/routes?limit=abc",
		"/api/tables/routes?limit=100000",
		"/api/tables/routes?where=status",
		"/api/tables/routes?where=data;drop:1",
		"/api/tables/routes?order=1=1",
		"/api/tables/routes?desc=maybe",
	} {
		w := do(t, r, http.MethodGet, path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, w.Code)
		}
	}
}
