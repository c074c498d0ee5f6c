// Package api exposes the control plane over HTTP: thin gin handlers over
// the control actor, event replay straight from the store, and real-time
// streams over SSE and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/control"
	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/internal/mission/store"
)

// Handlers bundles the HTTP surface's dependencies.
type Handlers struct {
	controller *control.Controller
	store      store.Store
	bus        bus.Bus
	logger     *logger.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(ctrl *control.Controller, st store.Store, eventBus bus.Bus, log *logger.Logger) *Handlers {
	return &Handlers{
		controller: ctrl,
		store:      st,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "http")),
	}
}

// RegisterRoutes wires all endpoints onto the router.
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)

	controlGroup := r.Group("/control")
	{
		controlGroup.POST("/message", h.postMessage)
		controlGroup.POST("/tool-result", h.postToolResult)
		controlGroup.POST("/cancel", h.postCancel)
		controlGroup.GET("/stream", h.streamSSE)
		controlGroup.GET("/ws", h.streamWS)
	}

	missions := r.Group("/missions")
	{
		missions.GET("", h.listMissions)
		missions.POST("", h.createMission)
		missions.GET("/:id", h.getMission)
		missions.DELETE("/:id", h.deleteMission)
		missions.GET("/:id/events", h.getMissionEvents)
		missions.POST("/:id/load", h.loadMission)
		missions.POST("/:id/status", h.setMissionStatus)
	}

	r.GET("/system/cost", h.getTotalCost)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sandboxd"})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	id, err := h.controller.EnqueueMessage(c.Request.Context(), req.Content)
	if err != nil {
		h.logger.Error("failed to enqueue message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "queued": true})
}

type toolResultRequest struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result"`
}

func (h *Handlers) postToolResult(c *gin.Context) {
	var req toolResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ToolCallID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool_call_id is required"})
		return
	}

	err := h.controller.SubmitToolResult(c.Request.Context(), req.ToolCallID, req.Name, req.Result)
	if err != nil {
		if errors.Is(err, control.ErrUnknownToolCall) {
			// Surfaced as an error event on the bus, not a server fault.
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) postCancel(c *gin.Context) {
	if err := h.controller.Cancel(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) listMissions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	missions, err := h.store.ListMissions(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list missions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, missions)
}

func (h *Handlers) getMission(c *gin.Context) {
	m, err := h.store.GetMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrMissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

type createMissionRequest struct {
	Title         string `json:"title"`
	WorkspaceID   string `json:"workspace_id"`
	Agent         string `json:"agent"`
	ModelOverride string `json:"model_override"`
	Backend       string `json:"backend"`
}

func (h *Handlers) createMission(c *gin.Context) {
	// An empty body is fine: every field has a default.
	var req createMissionRequest
	_ = c.ShouldBindJSON(&req)

	m, err := h.controller.CreateMission(c.Request.Context(), req.Title, req.WorkspaceID, req.Agent, req.ModelOverride, req.Backend)
	if err != nil {
		h.logger.Error("failed to create mission", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handlers) deleteMission(c *gin.Context) {
	deleted, err := h.store.DeleteMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) loadMission(c *gin.Context) {
	m, err := h.controller.LoadMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrMissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

type setStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handlers) setMissionStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	status := mission.Status(req.Status)
	if !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + req.Status})
		return
	}
	reason := mission.TerminalReason(req.Reason)
	if reason != "" && !mission.ValidTerminalReason(reason) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown terminal reason: " + req.Reason})
		return
	}

	err := h.controller.SetMissionStatus(c.Request.Context(), c.Param("id"), status, reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrMissionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
		case errors.Is(err, control.ErrMissionInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) getMissionEvents(c *gin.Context) {
	var types []string
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	limit := intQuery(c, "limit", 0)
	offset := intQuery(c, "offset", 0)

	events, err := h.store.GetEvents(c.Request.Context(), c.Param("id"), types, limit, offset)
	if err != nil {
		h.logger.Error("failed to read events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handlers) getTotalCost(c *gin.Context) {
	total, err := h.store.GetTotalCostCents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_cost_cents": total})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
