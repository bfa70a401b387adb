// Package handlers provides the local agent's REST handlers: sync status and
// triggers, session, connectivity, the mutation queue and table reads.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dinovending/dino/backend/internal/app"
	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
)

// SyncNowTimeout bounds a POST /api/sync?wait=true request.
const SyncNowTimeout = 2 * time.Minute

// SyncHandler handles sync operations for the UI shell.
type SyncHandler struct {
	app *app.App
	log *logging.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(a *app.App) *SyncHandler {
	return &SyncHandler{app: a, log: a.Logger.Component("api")}
}

// Register mounts the routes on r.
func (h *SyncHandler) Register(r gin.IRouter) {
	api := r.Group("/api")
	{
		api.GET("/health", h.Health)

		api.GET("/sync/status", h.GetStatus)
		api.POST("/sync", h.TriggerSync)

		api.POST("/session", h.StartSession)
		api.DELETE("/session", h.EndSession)

		api.POST("/connectivity", h.SetConnectivity)

		api.GET("/queue", h.ListQueue)
		api.POST("/queue", h.Enqueue)
		api.POST("/queue/retry", h.RetryFailed)

		api.GET("/tables/:table", h.QueryTable)
	}
}

// writeError maps an error code to an HTTP status.
func (h *SyncHandler) writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrOffline, apperrors.ErrSessionConflict:
		status = http.StatusConflict
	case apperrors.ErrSyncAuthFailed:
		status = http.StatusUnauthorized
	case apperrors.ErrSyncNotConfigured:
		status = http.StatusServiceUnavailable
	case apperrors.ErrSyncTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", err, map[string]interface{}{"path": c.FullPath()})
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(code)})
}

// Health handles GET /api/health
func (h *SyncHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "dino-agent",
		"online":  h.app.Client.Online(),
	})
}

// =====================================================
// Sync
// =====================================================

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Orchestrator.GetStatus(c.Request.Context()))
}

// TriggerSync handles POST /api/sync
// The sync runs in the background unless wait=true is given.
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	if !h.app.Client.Online() {
		h.writeError(c, apperrors.New(apperrors.ErrOffline, "cannot sync while offline"))
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		h.app.Orchestrator.TriggerSync()
		c.JSON(http.StatusAccepted, gin.H{"scheduled": true})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), SyncNowTimeout)
	defer cancel()
	if err := h.app.Orchestrator.SyncNow(ctx); err != nil {
		if ctx.Err() != nil {
			err = apperrors.Wrap(apperrors.ErrSyncTimeout, "sync did not finish in time", err)
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.Orchestrator.GetStatus(c.Request.Context()))
}

// =====================================================
// Session & Connectivity
// =====================================================

// StartSession handles POST /api/session
func (h *SyncHandler) StartSession(c *gin.Context) {
	var req struct {
		AccessToken string `json:"access_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err))
		return
	}

	s, err := h.app.SignIn(c.Request.Context(), req.AccessToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    s.UserID,
		"email":      s.Email,
		"tenant_id":  s.TenantID,
		"expires_at": s.ExpiresAt,
	})
}

// EndSession handles DELETE /api/session
// Local data is cleared; the queue only with purge=true.
func (h *SyncHandler) EndSession(c *gin.Context) {
	purge, _ := strconv.ParseBool(c.Query("purge"))
	if err := h.app.SignOut(c.Request.Context(), purge); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetConnectivity handles POST /api/connectivity
func (h *SyncHandler) SetConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err))
		return
	}
	if err := h.app.SetOnline(*req.Online); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.Orchestrator.Status())
}

// =====================================================
// Queue
// =====================================================

// Enqueue handles POST /api/queue
func (h *SyncHandler) Enqueue(c *gin.Context) {
	var req struct {
		Table   string        `json:"table" binding:"required"`
		Action  string        `json:"action" binding:"required"`
		Payload models.Record `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err))
		return
	}
	table, err := models.ParseTable(req.Table)
	if err != nil {
		h.writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid table", err))
		return
	}

	entry, err := h.app.Queue.Enqueue(c.Request.Context(), table, models.ActionType(req.Action), req.Payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListQueue handles GET /api/queue
func (h *SyncHandler) ListQueue(c *gin.Context) {
	status := models.QueueStatus(c.Query("status"))
	switch status {
	case "", models.QueueStatusPending, models.QueueStatusFailed:
	default:
		h.writeError(c, apperrors.New(apperrors.ErrInvalid, "unknown status "+string(status)))
		return
	}

	entries, err := h.app.Queue.List(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*models.SyncQueueEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// RetryFailed handles POST /api/queue/retry
func (h *SyncHandler) RetryFailed(c *gin.Context) {
	n, err := h.app.Queue.RetryFailed(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// =====================================================
// Tables
// =====================================================

// QueryTable handles GET /api/tables/:table
func (h *SyncHandler) QueryTable(c *gin.Context) {
	q, err := parseTableQuery(c.Param("table"), c.Request.URL.Query())
	if err != nil {
		h.writeError(c, err)
		return
	}
	table, spec, err := q.Spec()
	if err != nil {
		h.writeError(c, err)
		return
	}

	records, err := h.app.Store.Query(c.Request.Context(), table, spec)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"table": table, "records": records})
}
